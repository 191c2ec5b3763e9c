package ports

import "github.com/cascademl/cascade/internal/domain"

// DevicePool defines the port for the device layer backing the scheduler.
// This decouples the core scheduling logic from the specific implementation
// of task execution and value storage.
type DevicePool interface {
	domain.DeviceManager

	// AllocData installs a host-provided buffer as a device-resident value,
	// letting frontends seed leaf inputs before any task runs.
	AllocData(device domain.DeviceID, id domain.ValueID, buf []float32)

	// Start launches the pool's worker goroutines. Must be called before any
	// task is pushed.
	Start() error

	// Stop gracefully shuts down the pool, waiting for in-flight tasks to
	// complete.
	Stop()
}
