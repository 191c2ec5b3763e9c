package domain

// TaskValue is the device-side view of one array involved in a task: the
// backing buffer plus its shape. Buffers hold float32 elements.
type TaskValue struct {
	Buffer []float32
	Shape  Shape
}

// ComputeFn is the opaque computation attached to an op node. The scheduler
// never invokes it; devices do, with fully materialized inputs and
// preallocated outputs.
type ComputeFn interface {
	// Name identifies the computation in logs and diagnostics.
	Name() string
	// Execute runs the computation, reading inputs and filling outputs.
	Execute(inputs, outputs []TaskValue) error
}

// TaskData is an immutable snapshot of a data node taken at dispatch time,
// pairing the physical data with the originating node id.
type TaskData struct {
	Data   PhysicalData
	NodeID NodeID
}

// Task is the unit of work handed to a device: the op to run, snapshots of
// its input data nodes, and mirrors of its output data nodes. ID equals the
// op node's id and is echoed back on completion.
type Task struct {
	ID      NodeID
	Op      PhysicalOp
	Inputs  []TaskData
	Outputs []TaskData
}

// Device accepts tasks for asynchronous execution. PushTask never blocks on
// task execution.
type Device interface {
	PushTask(task *Task)
}

// DeviceListener receives completion callbacks from device worker threads.
// The scheduler registers itself as the listener.
type DeviceListener interface {
	OnOperationComplete(task *Task)
}

// DeviceManager is the scheduler's view of the device layer: device lookup,
// storage reclamation, and host access to device-resident values.
type DeviceManager interface {
	// GetDevice returns the device with the given id. Fatal if unknown.
	GetDevice(id DeviceID) Device
	// FreeData releases the device-resident storage behind a value id.
	FreeData(id ValueID)
	// GetPtr returns the device-resident buffer for a value id.
	GetPtr(device DeviceID, id ValueID) []float32
	// RegisterListener installs the completion listener.
	RegisterListener(listener DeviceListener)
}
