package domain

import (
	"fmt"
	"sync"
)

// PhysicalDag owns every live node of the computation graph. Nodes are stored
// in an arena keyed by id; all outside references are plain NodeIDs resolved
// against the arena. Edges are bipartite: op nodes connect only to data nodes
// and vice versa.
//
// The arena map itself is guarded by an internal mutex, which is a leaf lock:
// it is taken with node locks held but never the other way around. Edge sets
// and node payloads are guarded per node through MultiNodeLock.
type PhysicalDag struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*DagNode
	nextID NodeID
}

// NewPhysicalDag creates an empty DAG.
func NewPhysicalDag() *PhysicalDag {
	return &PhysicalDag{
		nodes: make(map[NodeID]*DagNode),
	}
}

// NewDataNode allocates a data node with a fresh id and empty edge sets and
// inserts it into the arena.
func (d *PhysicalDag) NewDataNode(data PhysicalData) *DagNode {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	node := newDataNode(id, data)
	d.nodes[id] = node
	return node
}

// NewOpNode allocates an op node with a fresh id, wires edges from every
// input data node and to every output data node, and inserts it into the
// arena. The caller must hold a MultiNodeLock covering inputs and outputs.
func (d *PhysicalDag) NewOpNode(inputs, outputs []*DagNode, op PhysicalOp) *DagNode {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	node := newOpNode(id, op)
	d.nodes[id] = node
	d.mu.Unlock()

	for _, in := range inputs {
		contract.Assert(assertCtx, in.typ == DataNodeType,
			fmt.Sprintf("op node #%d input #%d is not a data node", id, in.id))
		in.successors[id] = struct{}{}
		node.predecessors[in.id] = struct{}{}
	}
	for _, out := range outputs {
		contract.Assert(assertCtx, out.typ == DataNodeType,
			fmt.Sprintf("op node #%d output #%d is not a data node", id, out.id))
		node.successors[out.id] = struct{}{}
		out.predecessors[id] = struct{}{}
	}
	node.inputs = make([]NodeID, 0, len(inputs))
	for _, in := range inputs {
		node.inputs = append(node.inputs, in.id)
	}
	node.outputs = make([]NodeID, 0, len(outputs))
	for _, out := range outputs {
		node.outputs = append(node.outputs, out.id)
	}
	return node
}

// GetNode resolves an id against the arena. Fatal if the node has been
// removed or never existed.
func (d *PhysicalDag) GetNode(id NodeID) *DagNode {
	d.mu.RLock()
	node, ok := d.nodes[id]
	d.mu.RUnlock()
	contract.Assert(assertCtx, ok, fmt.Sprintf("node #%d not found in dag", id))
	return node
}

func (d *PhysicalDag) lookup(id NodeID) (*DagNode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[id]
	return node, ok
}

// Contains reports whether a node is still live.
func (d *PhysicalDag) Contains(id NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[id]
	return ok
}

// NumNodes returns the number of live nodes.
func (d *PhysicalDag) NumNodes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// RemoveNode detaches a node from the edge sets of all its neighbors and
// removes it from the arena, returning the detached node so the caller can
// release it after dropping its locks. The caller must hold a MultiNodeLock
// covering the node and its neighbors.
func (d *PhysicalDag) RemoveNode(id NodeID) *DagNode {
	node := d.GetNode(id)
	for pid := range node.predecessors {
		delete(d.GetNode(pid).successors, id)
	}
	for sid := range node.successors {
		delete(d.GetNode(sid).predecessors, id)
	}
	d.mu.Lock()
	delete(d.nodes, id)
	d.mu.Unlock()
	return node
}
