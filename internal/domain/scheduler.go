package domain

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const noTarget int64 = -1

// ExecContext carries the frontend submission state consumed by Create,
// chiefly the device every new node of the submission is placed on. The
// frontend constructs one per logical stream of submissions instead of
// relying on hidden process-wide state.
type ExecContext struct {
	DeviceID DeviceID
}

// DagScheduler is the execution core: it grows the physical DAG on
// submission, transitions ready ops onto devices through a single dispatcher
// goroutine, propagates completion, reclaims unreachable intermediate data,
// and unblocks waiters.
type DagScheduler struct {
	dag    *PhysicalDag
	dm     DeviceManager
	rtInfo *RuntimeInfoMap
	queue  *DispatchQueue
	stats  SchedulerStats
	log    zerolog.Logger

	// Count of enqueued-but-unfinished nodes. Incremented before the
	// matching ToRun enqueue so WaitForAll cannot miss in-flight work.
	numNodesYetToFinish atomic.Int64

	finishMu   sync.Mutex
	finishCond *sync.Cond
	// target is the node id a Wait call is blocked on, or noTarget.
	// Guarded by finishMu.
	target int64

	dispatcherDone sync.WaitGroup
	closeOnce      sync.Once
	closed         atomic.Bool
}

// NewDagScheduler creates a scheduler over the given DAG and device layer,
// registers it as the device completion listener, and starts the dispatcher
// goroutine.
func NewDagScheduler(dag *PhysicalDag, dm DeviceManager, logger zerolog.Logger) *DagScheduler {
	s := &DagScheduler{
		dag:    dag,
		dm:     dm,
		rtInfo: NewRuntimeInfoMap(),
		queue:  NewDispatchQueue(),
		log:    logger.With().Str("component", "dag_scheduler").Logger(),
		target: noTarget,
	}
	s.finishCond = sync.NewCond(&s.finishMu)
	dm.RegisterListener(s)
	s.dispatcherDone.Add(1)
	go s.dispatcherRoutine()
	return s
}

// Create submits one operation producing len(resultShapes) new data nodes
// from the given live parameter handles. The op and its results are placed on
// the context's device. Returns one handle per result; each handle pins its
// data node until released.
//
// Passing a stale handle is a programming error and fatal.
func (s *DagScheduler) Create(ec *ExecContext, params []*DagChunk, resultShapes []Shape, fn ComputeFn) []*DagChunk {
	contract.Assert(assertCtx, !s.closed.Load(), "create called after scheduler shutdown")
	deviceID := ec.DeviceID

	resultNodes := make([]*DagNode, 0, len(resultShapes))
	for _, shape := range resultShapes {
		node := s.dag.NewDataNode(PhysicalData{
			Shape:    shape,
			DeviceID: deviceID,
			ValueID:  uuid.New(),
		})
		s.rtInfo.AddNode(node.ID())
		s.stats.nodesCreated.Add(1)
		resultNodes = append(resultNodes, node)
	}

	paramNodes := make([]*DagNode, 0, len(params))
	for _, chunk := range params {
		node := chunk.nodeRef()
		contract.Assert(assertCtx, s.dag.Contains(node.ID()),
			fmt.Sprintf("param node #%d refers to a reclaimed data node", node.ID()))
		paramNodes = append(paramNodes, node)
	}

	handles := make([]*DagChunk, 0, len(resultNodes))
	for _, node := range resultNodes {
		handles = append(handles, newDagChunk(node, s))
	}

	// NewOpNode requires both the inputs and the outputs to be covered.
	covered := make([]*DagNode, 0, len(paramNodes)+len(resultNodes))
	covered = append(append(covered, paramNodes...), resultNodes...)
	lock := LockNodes(s.dag, covered)
	defer lock.Unlock()

	opNode := s.dag.NewOpNode(paramNodes, resultNodes, PhysicalOp{DeviceID: deviceID, Fn: fn})
	s.rtInfo.AddNode(opNode.ID())
	s.stats.nodesCreated.Add(1)
	s.log.Debug().
		Uint64("op", uint64(opNode.ID())).
		Int("device", int(deviceID)).
		Str("fn", fn.Name()).
		Int("inputs", len(paramNodes)).
		Int("outputs", len(resultNodes)).
		Msg("create new nodes")
	for _, param := range paramNodes {
		s.onCreateEdge(param, opNode)
	}
	for _, result := range resultNodes {
		s.onCreateEdge(opNode, result)
	}
	s.processIfReady(opNode)
	return handles
}

// onCreateEdge accounts for a new edge from -> to. The downstream node must
// still be ready; a completed upstream node contributes no trigger.
func (s *DagScheduler) onCreateEdge(from, to *DagNode) {
	contract.Assert(assertCtx, s.rtInfo.GetState(to.ID()) == NodeReady,
		fmt.Sprintf("invalid state %s of node #%d", s.rtInfo.GetState(to.ID()), to.ID()))
	s.rtInfo.At(from.ID()).ReferenceCount++
	if s.rtInfo.GetState(from.ID()) != NodeCompleted {
		s.rtInfo.At(to.ID()).NumTriggersNeeded++
	}
}

// processIfReady enqueues an op node whose trigger count is already zero.
// The in-flight counter is incremented before the enqueue.
func (s *DagScheduler) processIfReady(op *DagNode) {
	id := op.ID()
	contract.Assert(assertCtx, s.rtInfo.GetState(id) == NodeReady,
		fmt.Sprintf("invalid state %s of node #%d", s.rtInfo.GetState(id), id))
	if s.rtInfo.At(id).NumTriggersNeeded == 0 {
		s.numNodesYetToFinish.Add(1)
		s.queue.Push(DispatchEvent{Kind: EventToRun, NodeID: id})
		s.log.Debug().Uint64("node", uint64(id)).Msg("node runnable right after creation")
	}
}

// Wait blocks until the handle's data node completes. Calling Wait and
// WaitForAll concurrently is undefined and rejected by WaitForAll.
func (s *DagScheduler) Wait(chunk *DagChunk) {
	node := chunk.nodeRef()
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	s.target = int64(node.ID())
	for s.rtInfo.GetState(node.ID()) != NodeCompleted {
		s.finishCond.Wait()
	}
	s.target = noTarget
}

// WaitForAll blocks until every submitted node has finished.
func (s *DagScheduler) WaitForAll() {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	// The finish condition is shared with targeted waits, so states have to
	// be checked explicitly; a concurrent targeted wait would make wakeups
	// ambiguous.
	contract.Assert(assertCtx, s.target == noTarget,
		fmt.Sprintf("wait for all while a targeted wait on node #%d is in progress", s.target))
	for s.numNodesYetToFinish.Load() != 0 {
		s.finishCond.Wait()
	}
}

// GetValue copies the completed data node's device-resident value into a
// freshly allocated host buffer. Fatal if the node has not completed; the
// frontend is expected to have waited.
func (s *DagScheduler) GetValue(chunk *DagChunk) []float32 {
	node := chunk.nodeRef()
	contract.Assert(assertCtx, s.rtInfo.GetState(node.ID()) == NodeCompleted,
		fmt.Sprintf("get value on node #%d in state %s", node.ID(), s.rtInfo.GetState(node.ID())))
	data := node.Data()
	src := s.dm.GetPtr(data.DeviceID, data.ValueID)
	out := make([]float32, data.Shape.Prod())
	copy(out, src)
	return out
}

// Stats returns the scheduler's lifetime counters.
func (s *DagScheduler) Stats() *SchedulerStats {
	return &s.stats
}

// OnOperationComplete implements DeviceListener. Device workers call it when
// a task finishes; the completion is applied on the dispatcher goroutine.
func (s *DagScheduler) OnOperationComplete(task *Task) {
	s.queue.Push(DispatchEvent{Kind: EventToComplete, NodeID: task.ID})
}

// OnExternRCUpdate is invoked by a handle whose external reference count
// dropped to zero. A completed node with no remaining internal references is
// reclaimed on the spot; a ready node stays, its producer still needs it.
func (s *DagScheduler) OnExternRCUpdate(node *DagNode) {
	contract.Assert(assertCtx, !s.closed.Load(),
		fmt.Sprintf("extern rc update for node #%d after scheduler shutdown", node.ID()))
	var toDelete *DagNode
	lock := LockNode(s.dag, node)
	id := node.ID()
	if !s.dag.Contains(id) {
		// The dispatcher observed the zero extern count first and already
		// reclaimed the node.
		lock.Unlock()
		return
	}
	switch s.rtInfo.GetState(id) {
	case NodeCompleted:
		// Already concretely evaluated; with the last handle gone and no
		// pending consumers the value cannot be reached again.
		ri := s.rtInfo.At(id)
		if ri.ReferenceCount == 0 && node.Data().ExternRC == 0 {
			s.freeDataNodeRes(node)
			toDelete = s.dag.RemoveNode(id)
			s.rtInfo.RemoveNode(id)
			s.log.Debug().Uint64("node", uint64(id)).Msg("delete node during extern reference count update")
		}
	case NodeReady:
	default:
		contract.Never(assertCtx, fmt.Sprintf("incorrect state for node #%d", id))
	}
	lock.Unlock()
	if toDelete != nil {
		s.releaseNodes(toDelete)
	}
}

// freeDataNodeRes releases the device storage behind a data node. Device
// storage is the tight resource and is freed eagerly, the node object itself
// only after all locks are dropped.
func (s *DagScheduler) freeDataNodeRes(node *DagNode) {
	data := node.Data()
	s.log.Debug().
		Uint64("node", uint64(node.ID())).
		Str("value", data.ValueID.String()).
		Msg("free data node resource")
	s.dm.FreeData(data.ValueID)
	s.stats.valuesFreed.Add(1)
}

// releaseNodes retires detached node objects outside every lock.
func (s *DagScheduler) releaseNodes(nodes ...*DagNode) {
	s.stats.nodesReleased.Add(int64(len(nodes)))
}

// Close waits for all in-flight work, stops the dispatcher, and joins it.
// Nodes still pinned by external handles survive; releasing those handles
// after Close is a programming error.
func (s *DagScheduler) Close() {
	s.closeOnce.Do(func() {
		s.WaitForAll()
		s.queue.SignalKill()
		s.dispatcherDone.Wait()
		s.closed.Store(true)
		s.log.Debug().Msg("scheduler shut down")
	})
}

// dispatcherRoutine is the single consumer of the dispatch queue. It pushes
// runnable ops to their devices, applies completions, triggers successors,
// reclaims unreachable data, and wakes waiters.
func (s *DagScheduler) dispatcherRoutine() {
	defer s.dispatcherDone.Done()
	for {
		ev, exiting := s.queue.Pop()
		if exiting {
			return
		}
		nodeID := ev.NodeID
		node := s.dag.GetNode(nodeID)
		var toDelete []*DagNode

		lock := LockNode(s.dag, node)
		ri := s.rtInfo.At(nodeID)
		switch {
		case ev.Kind == EventToRun && node.Type() == OpNodeType:
			s.dispatchOp(node)
		case ev.Kind == EventToComplete ||
			(ev.Kind == EventToRun && node.Type() == DataNodeType):
			toDelete = s.completeNode(node, ri)
		default:
			contract.Never(assertCtx,
				fmt.Sprintf("unexpected %s event for %s node #%d", ev.Kind, node.Type(), nodeID))
		}
		lock.Unlock()
		if len(toDelete) > 0 {
			s.releaseNodes(toDelete...)
		}

		if ev.Kind == EventToComplete ||
			(ev.Kind == EventToRun && node.Type() == DataNodeType) {
			s.signalFinish(nodeID)
		}
	}
}

// dispatchOp materializes a task from an op node and pushes it to the op's
// device. State is untouched; the completion arrives later as ToComplete.
func (s *DagScheduler) dispatchOp(node *DagNode) {
	op := node.Op()
	task := &Task{
		ID: node.ID(),
		Op: *op,
	}
	for _, inID := range node.Inputs() {
		in := s.dag.GetNode(inID)
		task.Inputs = append(task.Inputs, TaskData{Data: *in.Data(), NodeID: inID})
	}
	for _, outID := range node.Outputs() {
		out := s.dag.GetNode(outID)
		task.Outputs = append(task.Outputs, TaskData{Data: *out.Data(), NodeID: outID})
	}
	s.log.Debug().
		Uint64("node", uint64(node.ID())).
		Int("device", int(op.DeviceID)).
		Msg("dispatching node to device")
	s.stats.tasksDispatched.Add(1)
	s.dm.GetDevice(op.DeviceID).PushTask(task)
}

// completeNode transitions a node to completed, retires predecessor edges,
// reclaims anything that became unreachable, and triggers successors whose
// last outstanding dependency this was. Returns the detached nodes to release
// once the lock is dropped.
func (s *DagScheduler) completeNode(node *DagNode, ri *RuntimeInfo) []*DagNode {
	nodeID := node.ID()
	contract.Assert(assertCtx, ri.State() == NodeReady,
		fmt.Sprintf("completion replayed for node #%d in state %s", nodeID, ri.State()))
	ri.SetState(NodeCompleted)
	s.stats.nodesCompleted.Add(1)
	s.log.Debug().Uint64("node", uint64(nodeID)).Msg("finish node")

	var toDelete []*DagNode
	if node.Type() == OpNodeType {
		contract.Assert(assertCtx, ri.ReferenceCount != 0,
			fmt.Sprintf("op node #%d generated but not needed", nodeID))
		for _, predID := range node.Predecessors() {
			predRi := s.rtInfo.At(predID)
			pred := s.dag.GetNode(predID)
			contract.Assert(assertCtx, predRi.NumTriggersNeeded == 0,
				fmt.Sprintf("trigger count incorrect for completed data node #%d", predID))
			predRi.ReferenceCount--
			// The edge to this op was the last reachable path to the value.
			if predRi.ReferenceCount == 0 && pred.Data().ExternRC == 0 {
				s.freeDataNodeRes(pred)
				s.log.Debug().Uint64("node", uint64(predID)).Msg("delete node during dispatcher routine")
				toDelete = append(toDelete, s.dag.RemoveNode(predID))
				s.rtInfo.RemoveNode(predID)
			}
		}
	} else {
		// Data node with no consumers and no live handle left.
		if ri.ReferenceCount == 0 && node.Data().ExternRC == 0 {
			s.freeDataNodeRes(node)
			s.log.Debug().Uint64("node", uint64(nodeID)).Msg("delete node during dispatcher routine")
			toDelete = append(toDelete, s.dag.RemoveNode(nodeID))
			s.rtInfo.RemoveNode(nodeID)
		}
		preds := node.Predecessors()
		contract.Assert(assertCtx, len(preds) == 1,
			fmt.Sprintf("data node #%d should have exactly one predecessor, has %d", nodeID, len(preds)))
		predID := preds[0]
		predRi := s.rtInfo.At(predID)
		contract.Assert(assertCtx, predRi.NumTriggersNeeded == 0,
			fmt.Sprintf("trigger count incorrect for completed op node #%d", predID))
		predRi.ReferenceCount--
		// Op nodes are never pinned externally; the last retired output
		// edge retires the op itself.
		if predRi.ReferenceCount == 0 {
			s.log.Debug().Uint64("node", uint64(predID)).Msg("delete node during dispatcher routine")
			toDelete = append(toDelete, s.dag.RemoveNode(predID))
			s.rtInfo.RemoveNode(predID)
		}
	}

	for _, succID := range node.Successors() {
		succRi := s.rtInfo.At(succID)
		succRi.NumTriggersNeeded--
		if succRi.State() == NodeReady && succRi.NumTriggersNeeded == 0 {
			s.log.Debug().Uint64("node", uint64(succID)).Msg("trigger node")
			s.numNodesYetToFinish.Add(1)
			s.queue.Push(DispatchEvent{Kind: EventToRun, NodeID: succID})
		}
	}
	return toDelete
}

// signalFinish publishes one finished node to waiters. Runs outside the
// MultiNodeLock; the finish mutex is a leaf lock.
func (s *DagScheduler) signalFinish(nodeID NodeID) {
	remaining := s.numNodesYetToFinish.Add(-1)
	s.finishMu.Lock()
	if remaining == 0 || int64(nodeID) == s.target {
		s.finishCond.Broadcast()
	}
	s.finishMu.Unlock()
}
