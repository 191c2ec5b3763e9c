package devicepool

import (
	"fmt"

	"github.com/sourcegraph/conc"

	"github.com/cascademl/cascade/internal/domain"
)

// cpuDevice executes tasks on host memory. Workers pull from a buffered task
// channel; each task materializes its inputs from the shared store, runs the
// compute function, installs the outputs, and notifies the listener.
type cpuDevice struct {
	id      domain.DeviceID
	workers int
	tasks   chan *domain.Task
	stop    chan struct{}
	wg      conc.WaitGroup
	mgr     *Manager
}

func newCPUDevice(id domain.DeviceID, workers, queueSize int, mgr *Manager) *cpuDevice {
	return &cpuDevice{
		id:      id,
		workers: workers,
		tasks:   make(chan *domain.Task, queueSize),
		stop:    make(chan struct{}),
		mgr:     mgr,
	}
}

func (d *cpuDevice) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Go(d.worker)
	}
}

func (d *cpuDevice) stopAndWait() {
	close(d.stop)
	d.wg.Wait()
}

// PushTask implements domain.Device. Blocks only while the device queue is
// full, never on task execution.
func (d *cpuDevice) PushTask(task *domain.Task) {
	select {
	case d.tasks <- task:
	case <-d.stop:
		d.mgr.log.Warn().
			Uint64("task", uint64(task.ID)).
			Int("device", int(d.id)).
			Msg("task pushed to stopped device, dropped")
	}
}

func (d *cpuDevice) worker() {
	for {
		select {
		case task := <-d.tasks:
			d.execute(task)
		case <-d.stop:
			return
		}
	}
}

func (d *cpuDevice) execute(task *domain.Task) {
	inputs := make([]domain.TaskValue, 0, len(task.Inputs))
	for _, in := range task.Inputs {
		buf := d.mgr.GetPtr(in.Data.DeviceID, in.Data.ValueID)
		inputs = append(inputs, domain.TaskValue{Buffer: buf, Shape: in.Data.Shape})
	}
	outputs := make([]domain.TaskValue, 0, len(task.Outputs))
	for _, out := range task.Outputs {
		outputs = append(outputs, domain.TaskValue{
			Buffer: make([]float32, out.Data.Shape.Prod()),
			Shape:  out.Data.Shape,
		})
	}

	err := task.Op.Fn.Execute(inputs, outputs)
	// Compute failure is not recoverable here: downstream state has already
	// been promised the outputs.
	contract.Assert(assertCtx, err == nil,
		fmt.Sprintf("compute %q failed on device #%d: %v", task.Op.Fn.Name(), d.id, err))

	for i, out := range task.Outputs {
		d.mgr.AllocData(out.Data.DeviceID, out.Data.ValueID, outputs[i].Buffer)
	}
	d.mgr.tasksExecuted.Add(1)
	d.mgr.log.Debug().
		Uint64("task", uint64(task.ID)).
		Int("device", int(d.id)).
		Str("fn", task.Op.Fn.Name()).
		Msg("task executed")
	d.mgr.listener.OnOperationComplete(task)
}
