package domain

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeDeviceManager records every interaction the scheduler has with the
// device layer. In auto mode a pushed task is executed and reported complete
// inline; in manual mode tasks pile up in pending until the test completes
// them one by one.
type fakeDeviceManager struct {
	mu       sync.Mutex
	listener DeviceListener
	store    map[ValueID][]float32
	freed    map[ValueID]int
	pushed   []string
	pending  []*Task
	auto     bool
}

func newFakeDeviceManager(auto bool) *fakeDeviceManager {
	return &fakeDeviceManager{
		store: make(map[ValueID][]float32),
		freed: make(map[ValueID]int),
		auto:  auto,
	}
}

func (m *fakeDeviceManager) GetDevice(id DeviceID) Device { return fakeDevice{m} }

func (m *fakeDeviceManager) FreeData(id ValueID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freed[id]++
	delete(m.store, id)
}

func (m *fakeDeviceManager) GetPtr(_ DeviceID, id ValueID) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store[id]
}

func (m *fakeDeviceManager) RegisterListener(l DeviceListener) { m.listener = l }

type fakeDevice struct{ m *fakeDeviceManager }

func (d fakeDevice) PushTask(task *Task) {
	m := d.m
	m.mu.Lock()
	m.pushed = append(m.pushed, task.Op.Fn.Name())
	if !m.auto {
		m.pending = append(m.pending, task)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.run(task)
}

func (m *fakeDeviceManager) run(task *Task) {
	inputs := make([]TaskValue, 0, len(task.Inputs))
	m.mu.Lock()
	for _, in := range task.Inputs {
		inputs = append(inputs, TaskValue{Buffer: m.store[in.Data.ValueID], Shape: in.Data.Shape})
	}
	m.mu.Unlock()
	outputs := make([]TaskValue, 0, len(task.Outputs))
	for _, out := range task.Outputs {
		outputs = append(outputs, TaskValue{
			Buffer: make([]float32, out.Data.Shape.Prod()),
			Shape:  out.Data.Shape,
		})
	}
	if err := task.Op.Fn.Execute(inputs, outputs); err != nil {
		panic(err)
	}
	m.mu.Lock()
	for i, out := range task.Outputs {
		m.store[out.Data.ValueID] = outputs[i].Buffer
	}
	m.mu.Unlock()
	m.listener.OnOperationComplete(task)
}

func (m *fakeDeviceManager) pushedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.pushed))
	copy(out, m.pushed)
	return out
}

func (m *fakeDeviceManager) numPushed() int { return len(m.pushedNames()) }

// completeNamed executes and reports the pending task with the given fn name.
func (m *fakeDeviceManager) completeNamed(t *testing.T, name string) {
	t.Helper()
	m.mu.Lock()
	var task *Task
	for i, pending := range m.pending {
		if pending.Op.Fn.Name() == name {
			task = pending
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	require.NotNil(t, task, "no pending task named %q", name)
	m.run(task)
}

func (m *fakeDeviceManager) totalFreed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.freed {
		total += n
	}
	return total
}

func (m *fakeDeviceManager) eachFreedOnce() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.freed {
		if n != 1 {
			return false
		}
	}
	return true
}

// namedFn is a ComputeFn for tests, identified by name in the push record.
type namedFn struct {
	name string
	fn   func(inputs, outputs []TaskValue) error
}

func (f namedFn) Name() string { return f.name }

func (f namedFn) Execute(inputs, outputs []TaskValue) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(inputs, outputs)
}

func fillFn(name string, v float32) namedFn {
	return namedFn{name: name, fn: func(_, outputs []TaskValue) error {
		for i := range outputs[0].Buffer {
			outputs[0].Buffer[i] = v
		}
		return nil
	}}
}

func doubleFn(name string) namedFn {
	return namedFn{name: name, fn: func(inputs, outputs []TaskValue) error {
		for i, v := range inputs[0].Buffer {
			outputs[0].Buffer[i] = v * 2
		}
		return nil
	}}
}

func newTestScheduler(auto bool) (*DagScheduler, *PhysicalDag, *fakeDeviceManager) {
	dag := NewPhysicalDag()
	dm := newFakeDeviceManager(auto)
	return NewDagScheduler(dag, dm, zerolog.Nop()), dag, dm
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 2*time.Millisecond, msg)
}

func TestSingleOpLifecycle(t *testing.T) {
	t.Parallel()

	s, dag, dm := newTestScheduler(true)
	ec := &ExecContext{DeviceID: 0}

	h := s.Create(ec, nil, []Shape{{4}}, fillFn("fill", 7))[0]
	s.WaitForAll()

	require.Equal(t, []float32{7, 7, 7, 7}, s.GetValue(h))
	require.Equal(t, []string{"fill"}, dm.pushedNames())

	h.Release()
	require.Equal(t, 0, dag.NumNodes())
	require.Equal(t, 0, s.rtInfo.Len())
	require.Equal(t, 1, dm.totalFreed())
	s.Close()
}

func TestLinearChainDispatchOrderAndReclamation(t *testing.T) {
	t.Parallel()

	s, dag, dm := newTestScheduler(true)
	ec := &ExecContext{DeviceID: 0}
	shape := []Shape{{4}}

	a := s.Create(ec, nil, shape, fillFn("op0", 1))[0]
	b := s.Create(ec, []*DagChunk{a}, shape, doubleFn("op1"))[0]
	c := s.Create(ec, []*DagChunk{b}, shape, doubleFn("op2"))[0]
	a.Release()
	b.Release()
	s.WaitForAll()

	require.Equal(t, []string{"op0", "op1", "op2"}, dm.pushedNames())
	require.Equal(t, []float32{4, 4, 4, 4}, s.GetValue(c))
	// Only c's data survives; a and b were reclaimed as they became
	// unreachable.
	require.Equal(t, 1, dag.NumNodes())
	require.Equal(t, 2, dm.totalFreed())

	c.Release()
	require.Equal(t, 0, dag.NumNodes())
	require.Equal(t, 3, dm.totalFreed())
	require.True(t, dm.eachFreedOnce())
	s.Close()
}

func TestDiamondTriggering(t *testing.T) {
	t.Parallel()

	s, dag, dm := newTestScheduler(false)
	ec := &ExecContext{DeviceID: 0}
	shape := []Shape{{2}}

	a := s.Create(ec, nil, shape, fillFn("op0", 1))[0]
	b := s.Create(ec, []*DagChunk{a}, shape, doubleFn("op1"))[0]
	c := s.Create(ec, []*DagChunk{a}, shape, doubleFn("op2"))[0]
	d := s.Create(ec, []*DagChunk{b, c}, shape,
		namedFn{name: "op3", fn: func(inputs, outputs []TaskValue) error {
			for i := range outputs[0].Buffer {
				outputs[0].Buffer[i] = inputs[0].Buffer[i] + inputs[1].Buffer[i]
			}
			return nil
		}})[0]
	a.Release()
	b.Release()
	c.Release()

	eventually(t, func() bool { return dm.numPushed() == 1 }, "op0 should dispatch first")
	require.Equal(t, []string{"op0"}, dm.pushedNames())

	dm.completeNamed(t, "op0")
	eventually(t, func() bool { return dm.numPushed() == 3 }, "op1 and op2 should dispatch after op0")
	require.ElementsMatch(t, []string{"op1", "op2"}, dm.pushedNames()[1:])

	dm.completeNamed(t, "op1")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, dm.numPushed(), "op3 must not dispatch before op2 completes")

	dm.completeNamed(t, "op2")
	eventually(t, func() bool { return dm.numPushed() == 4 }, "op3 should dispatch after both branches")
	// a became unreachable once both consumers completed.
	eventually(t, func() bool { return dm.totalFreed() == 1 }, "a should be freed after op1 and op2")

	dm.completeNamed(t, "op3")
	s.WaitForAll()
	require.Equal(t, []float32{4, 4}, s.GetValue(d))
	require.Equal(t, 3, dm.totalFreed())
	require.Equal(t, 1, dag.NumNodes())

	d.Release()
	require.Equal(t, 0, dag.NumNodes())
	require.Equal(t, 4, dm.totalFreed())
	require.True(t, dm.eachFreedOnce())
	s.Close()
}

func TestExternRefKeepsDataAlive(t *testing.T) {
	t.Parallel()

	s, dag, dm := newTestScheduler(true)
	ec := &ExecContext{DeviceID: 0}
	shape := []Shape{{2}}

	a := s.Create(ec, nil, shape, fillFn("op0", 5))[0]
	b := s.Create(ec, []*DagChunk{a}, shape, doubleFn("op1"))[0]
	s.WaitForAll()

	// Both handles are live: nothing may be reclaimed even though the
	// internal reference counts are exhausted.
	require.Equal(t, 2, dag.NumNodes())
	require.Equal(t, 0, dm.totalFreed())
	require.Equal(t, []float32{5, 5}, s.GetValue(a))

	a.Release()
	require.Equal(t, 1, dag.NumNodes())
	require.Equal(t, 1, dm.totalFreed())

	b.Release()
	require.Equal(t, 0, dag.NumNodes())
	require.Equal(t, 2, dm.totalFreed())
	s.Close()
}

func TestSharedHandlePinsUntilLastRelease(t *testing.T) {
	t.Parallel()

	s, dag, dm := newTestScheduler(true)
	ec := &ExecContext{DeviceID: 0}

	a := s.Create(ec, nil, []Shape{{2}}, fillFn("op0", 1))[0]
	shared := a.Share()
	s.WaitForAll()

	a.Release()
	require.Equal(t, 1, dag.NumNodes())
	require.Equal(t, 0, dm.totalFreed())

	shared.Release()
	require.Equal(t, 0, dag.NumNodes())
	require.Equal(t, 1, dm.totalFreed())
	s.Close()
}

func TestWaitTargetsOnlyItsNode(t *testing.T) {
	t.Parallel()

	s, _, dm := newTestScheduler(false)
	ec := &ExecContext{DeviceID: 0}
	shape := []Shape{{2}}

	x := s.Create(ec, nil, shape, fillFn("opX", 1))[0]
	y := s.Create(ec, nil, shape, fillFn("opY", 2))[0]
	eventually(t, func() bool { return dm.numPushed() == 2 }, "both ops should dispatch")

	done := make(chan struct{})
	go func() {
		s.Wait(x)
		close(done)
	}()

	dm.completeNamed(t, "opY")
	select {
	case <-done:
		t.Fatal("wait returned on an unrelated completion")
	case <-time.After(30 * time.Millisecond):
	}

	dm.completeNamed(t, "opX")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after its node completed")
	}

	x.Release()
	y.Release()
	s.WaitForAll()
	s.Close()
}

func TestConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	const submitters = 8
	const perSubmitter = 125

	s, dag, dm := newTestScheduler(true)

	var wg sync.WaitGroup
	for g := 0; g < submitters; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec := &ExecContext{DeviceID: 0}
			for i := 0; i < perSubmitter; i++ {
				h := s.Create(ec, nil, []Shape{{2}}, fillFn("fill", 1))[0]
				h.Release()
			}
		}()
	}
	wg.Wait()
	s.WaitForAll()

	const total = submitters * perSubmitter
	require.Equal(t, 0, dag.NumNodes())
	require.Equal(t, 0, s.rtInfo.Len())
	require.Equal(t, total, dm.numPushed())
	require.Equal(t, total, dm.totalFreed())
	require.True(t, dm.eachFreedOnce())

	stats := s.Stats()
	require.Equal(t, int64(2*total), stats.NodesCreated())
	require.Equal(t, int64(total), stats.TasksDispatched())
	require.Equal(t, int64(2*total), stats.NodesCompleted())
	s.Close()
}

func TestNoInputOpDispatchesOnCreate(t *testing.T) {
	t.Parallel()

	s, _, dm := newTestScheduler(false)
	ec := &ExecContext{DeviceID: 0}

	h := s.Create(ec, nil, []Shape{{4}}, fillFn("fill", 3))[0]
	// No completion has been reported; the op must dispatch purely because it
	// starts with zero outstanding triggers.
	eventually(t, func() bool { return dm.numPushed() == 1 }, "no-input op should dispatch immediately")

	dm.completeNamed(t, "fill")
	s.Wait(h)
	require.Equal(t, []float32{3, 3, 3, 3}, s.GetValue(h))
	h.Release()
	s.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(true)
	s.Close()
	s.Close()
}

func TestStatsAccounting(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(true)
	ec := &ExecContext{DeviceID: 0}

	a := s.Create(ec, nil, []Shape{{2}}, fillFn("op0", 1))[0]
	b := s.Create(ec, []*DagChunk{a}, []Shape{{2}}, doubleFn("op1"))[0]
	s.WaitForAll()
	a.Release()
	b.Release()

	stats := s.Stats()
	// 2 data nodes + 2 op nodes.
	require.Equal(t, int64(4), stats.NodesCreated())
	require.Equal(t, int64(2), stats.TasksDispatched())
	require.Equal(t, int64(4), stats.NodesCompleted())
	require.Equal(t, int64(2), stats.ValuesFreed())
	require.Equal(t, int64(4), stats.NodesReleased())
	s.Close()
}
