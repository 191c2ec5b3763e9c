package devicepool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	assert "github.com/ZanzyTHEbar/assert-lib"
	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog"

	"github.com/cascademl/cascade/internal/domain"
)

const defaultQueueSize = 64

var contract = assert.NewAssertHandler()

var assertCtx = context.Background()

// Manager is an in-process CPU device pool. It owns a fixed set of devices,
// each backed by worker goroutines pulling tasks from a buffered channel, and
// a shared value store keyed by value id. It implements ports.DevicePool.
type Manager struct {
	log      zerolog.Logger
	devices  []*cpuDevice
	listener domain.DeviceListener

	storeMu sync.RWMutex
	store   map[domain.ValueID]storedValue

	tasksExecuted atomic.Int64
	valuesFreed   atomic.Int64

	started bool
	mu      sync.Mutex
}

type storedValue struct {
	device domain.DeviceID
	buf    []float32
}

// NewManager creates a pool of deviceCount CPU devices with workersPerDevice
// worker goroutines each. Zero or negative parameters fall back to one device
// with one worker per CPU.
func NewManager(deviceCount, workersPerDevice, queueSize int, logger zerolog.Logger) (*Manager, error) {
	if deviceCount <= 0 {
		deviceCount = 1
	}
	if workersPerDevice <= 0 {
		workersPerDevice = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if deviceCount > 1024 {
		return nil, errbuilder.NewErrBuilder().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("device count %d out of range", deviceCount))
	}

	m := &Manager{
		log:   logger.With().Str("component", "device_pool").Logger(),
		store: make(map[domain.ValueID]storedValue),
	}
	for i := 0; i < deviceCount; i++ {
		m.devices = append(m.devices, newCPUDevice(domain.DeviceID(i), workersPerDevice, queueSize, m))
	}
	m.log.Info().
		Int("devices", deviceCount).
		Int("workers_per_device", workersPerDevice).
		Int("queue_size", queueSize).
		Msg("device pool configured")
	return m, nil
}

// GetDevice implements domain.DeviceManager. Fatal on an unknown id.
func (m *Manager) GetDevice(id domain.DeviceID) domain.Device {
	contract.Assert(assertCtx, int(id) >= 0 && int(id) < len(m.devices),
		fmt.Sprintf("unknown device #%d", id))
	return m.devices[id]
}

// RegisterListener implements domain.DeviceManager. Must be called before
// Start.
func (m *Manager) RegisterListener(listener domain.DeviceListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contract.Assert(assertCtx, !m.started, "listener registered after pool start")
	m.listener = listener
}

// AllocData installs a host buffer as a device-resident value. Fatal if the
// value id is already in use.
func (m *Manager) AllocData(device domain.DeviceID, id domain.ValueID, buf []float32) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	_, exists := m.store[id]
	contract.Assert(assertCtx, !exists, fmt.Sprintf("value %s allocated twice", id))
	m.store[id] = storedValue{device: device, buf: buf}
}

// FreeData implements domain.DeviceManager. Fatal on an unknown value id.
func (m *Manager) FreeData(id domain.ValueID) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	_, exists := m.store[id]
	contract.Assert(assertCtx, exists, fmt.Sprintf("free of unknown value %s", id))
	delete(m.store, id)
	m.valuesFreed.Add(1)
}

// GetPtr implements domain.DeviceManager. Fatal if the value is unknown or
// resides on a different device.
func (m *Manager) GetPtr(device domain.DeviceID, id domain.ValueID) []float32 {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	v, exists := m.store[id]
	contract.Assert(assertCtx, exists, fmt.Sprintf("value %s not resident", id))
	contract.Assert(assertCtx, v.device == device,
		fmt.Sprintf("value %s resident on device #%d, requested from #%d", id, v.device, device))
	return v.buf
}

// Start implements ports.DevicePool. It launches the workers of every device.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errbuilder.NewErrBuilder().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("device pool already started")
	}
	if m.listener == nil {
		return errbuilder.NewErrBuilder().
			WithCode(errbuilder.CodeFailedPrecondition).
			WithMsg("device pool started without a completion listener")
	}
	for _, dev := range m.devices {
		dev.start()
	}
	m.started = true
	m.log.Debug().Msg("device pool started")
	return nil
}

// Stop implements ports.DevicePool. Signals every device and waits for its
// workers to exit. A worker finishes the task it is executing; tasks still
// queued on a device may be left unexecuted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	for _, dev := range m.devices {
		dev.stopAndWait()
	}
	m.log.Debug().
		Int64("tasks_executed", m.tasksExecuted.Load()).
		Int64("values_freed", m.valuesFreed.Load()).
		Msg("device pool stopped")
}

// TasksExecuted returns the number of tasks completed by all devices.
func (m *Manager) TasksExecuted() int64 { return m.tasksExecuted.Load() }

// ValuesFreed returns the number of values released from the store.
func (m *Manager) ValuesFreed() int64 { return m.valuesFreed.Load() }

// NumResident returns the number of values currently resident.
func (m *Manager) NumResident() int {
	m.storeMu.RLock()
	defer m.storeMu.RUnlock()
	return len(m.store)
}
