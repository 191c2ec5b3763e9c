package domain

import "sync/atomic"

// SchedulerStats collects lifetime counters of scheduler activity. All
// counters are monotonic and safe to read concurrently; they exist for
// operational visibility and for leak checks in tests.
type SchedulerStats struct {
	nodesCreated    atomic.Int64
	tasksDispatched atomic.Int64
	nodesCompleted  atomic.Int64
	valuesFreed     atomic.Int64
	nodesReleased   atomic.Int64
}

// NodesCreated returns the number of DAG nodes ever created.
func (st *SchedulerStats) NodesCreated() int64 { return st.nodesCreated.Load() }

// TasksDispatched returns the number of tasks pushed to devices.
func (st *SchedulerStats) TasksDispatched() int64 { return st.tasksDispatched.Load() }

// NodesCompleted returns the number of nodes that reached completion.
func (st *SchedulerStats) NodesCompleted() int64 { return st.nodesCompleted.Load() }

// ValuesFreed returns the number of device values released back to the
// device manager.
func (st *SchedulerStats) ValuesFreed() int64 { return st.valuesFreed.Load() }

// NodesReleased returns the number of node objects released after removal.
func (st *SchedulerStats) NodesReleased() int64 { return st.nodesReleased.Load() }
