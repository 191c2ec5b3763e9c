package domain

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NodeID uniquely identifies a node within one PhysicalDag. IDs are assigned
// monotonically and never reused.
type NodeID uint64

// DeviceID identifies a compute device owned by the device manager.
type DeviceID int

// ValueID is the opaque key into device-resident storage for a data node.
type ValueID = uuid.UUID

// NodeType distinguishes the two node variants of the bipartite DAG.
type NodeType int

const (
	// DataNodeType marks a node holding an array value.
	DataNodeType NodeType = iota
	// OpNodeType marks a node holding a pending computation.
	OpNodeType
)

func (t NodeType) String() string {
	switch t {
	case DataNodeType:
		return "data"
	case OpNodeType:
		return "op"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// PhysicalData carries the device placement and storage key of a data node.
// ExternRC counts frontend handles pinning the node; it is mutated only under
// the node's lock.
type PhysicalData struct {
	Shape    Shape
	DeviceID DeviceID
	ValueID  ValueID
	ExternRC int64
}

// PhysicalOp carries the device placement and the opaque compute function of
// an op node. The scheduler never inspects Fn.
type PhysicalOp struct {
	DeviceID DeviceID
	Fn       ComputeFn
}

// DagNode is one node of the physical DAG: either a data node or an op node.
// The variant payload is accessed through Data/Op, which abort on
// wrong-variant access. Edge sets and the variant payload are guarded by the
// node's mutex, taken through a MultiNodeLock; the one exception is DagChunk,
// which locks the mutex alone to adjust ExternRC.
type DagNode struct {
	id  NodeID
	typ NodeType

	mu sync.Mutex

	predecessors map[NodeID]struct{}
	successors   map[NodeID]struct{}

	data *PhysicalData
	op   *PhysicalOp

	// Ordered argument lists of an op node. Edge sets are unordered, but
	// compute functions see inputs and outputs in submission order.
	inputs  []NodeID
	outputs []NodeID
}

func newDataNode(id NodeID, data PhysicalData) *DagNode {
	return &DagNode{
		id:           id,
		typ:          DataNodeType,
		predecessors: make(map[NodeID]struct{}),
		successors:   make(map[NodeID]struct{}),
		data:         &data,
	}
}

func newOpNode(id NodeID, op PhysicalOp) *DagNode {
	return &DagNode{
		id:           id,
		typ:          OpNodeType,
		predecessors: make(map[NodeID]struct{}),
		successors:   make(map[NodeID]struct{}),
		op:           &op,
	}
}

// ID returns the node's id.
func (n *DagNode) ID() NodeID { return n.id }

// Type returns the node variant.
func (n *DagNode) Type() NodeType { return n.typ }

// Data returns the data payload. Fatal if the node is not a data node.
func (n *DagNode) Data() *PhysicalData {
	contract.Assert(assertCtx, n.typ == DataNodeType,
		fmt.Sprintf("node #%d accessed as data node but is %s", n.id, n.typ))
	return n.data
}

// Op returns the op payload. Fatal if the node is not an op node.
func (n *DagNode) Op() *PhysicalOp {
	contract.Assert(assertCtx, n.typ == OpNodeType,
		fmt.Sprintf("node #%d accessed as op node but is %s", n.id, n.typ))
	return n.op
}

// Predecessors returns the ids of the node's predecessors. Caller must hold
// the node's lock; the returned slice is a copy.
func (n *DagNode) Predecessors() []NodeID {
	ids := make([]NodeID, 0, len(n.predecessors))
	for id := range n.predecessors {
		ids = append(ids, id)
	}
	return ids
}

// Successors returns the ids of the node's successors. Caller must hold the
// node's lock; the returned slice is a copy.
func (n *DagNode) Successors() []NodeID {
	ids := make([]NodeID, 0, len(n.successors))
	for id := range n.successors {
		ids = append(ids, id)
	}
	return ids
}

// Inputs returns the op node's input data nodes in submission order.
func (n *DagNode) Inputs() []NodeID {
	contract.Assert(assertCtx, n.typ == OpNodeType,
		fmt.Sprintf("node #%d has no ordered inputs: not an op node", n.id))
	return n.inputs
}

// Outputs returns the op node's output data nodes in submission order.
func (n *DagNode) Outputs() []NodeID {
	contract.Assert(assertCtx, n.typ == OpNodeType,
		fmt.Sprintf("node #%d has no ordered outputs: not an op node", n.id))
	return n.outputs
}

// NumPredecessors reports the current predecessor count.
func (n *DagNode) NumPredecessors() int { return len(n.predecessors) }

// NumSuccessors reports the current successor count.
func (n *DagNode) NumSuccessors() int { return len(n.successors) }
