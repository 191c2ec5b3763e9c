package domain

import (
	"fmt"
	"sync/atomic"
)

// DagChunk is the frontend handle to one data node. Each live handle pins its
// node through the node's external reference count; the node outlives every
// internal consumer for as long as at least one handle exists.
//
// Handles are not safe for concurrent use of the same handle; Share hands out
// an independent handle for another goroutine.
type DagChunk struct {
	node     *DagNode
	sched    *DagScheduler
	released atomic.Bool
}

func newDagChunk(node *DagNode, sched *DagScheduler) *DagChunk {
	node.mu.Lock()
	node.Data().ExternRC++
	node.mu.Unlock()
	return &DagChunk{node: node, sched: sched}
}

// nodeRef returns the pinned node. Fatal on a released handle.
func (c *DagChunk) nodeRef() *DagNode {
	contract.Assert(assertCtx, !c.released.Load(),
		fmt.Sprintf("use of released handle for node #%d", c.node.id))
	return c.node
}

// Shape returns the shape of the handle's data node.
func (c *DagChunk) Shape() Shape {
	return c.nodeRef().Data().Shape
}

// NodeID returns the id of the pinned data node.
func (c *DagChunk) NodeID() NodeID {
	return c.nodeRef().id
}

// Share returns a new independent handle to the same data node, adding one
// external reference.
func (c *DagChunk) Share() *DagChunk {
	node := c.nodeRef()
	node.mu.Lock()
	node.Data().ExternRC++
	node.mu.Unlock()
	return &DagChunk{node: node, sched: c.sched}
}

// Release drops the handle's pin. When the last handle of a node goes away
// the scheduler decides whether the node is still reachable; an unreachable
// completed node is reclaimed immediately. Releasing twice is fatal.
func (c *DagChunk) Release() {
	contract.Assert(assertCtx, !c.released.Swap(true),
		fmt.Sprintf("double release of handle for node #%d", c.node.id))
	node := c.node
	node.mu.Lock()
	node.Data().ExternRC--
	rc := node.Data().ExternRC
	contract.Assert(assertCtx, rc >= 0,
		fmt.Sprintf("negative external reference count on node #%d", node.id))
	node.mu.Unlock()
	if rc == 0 {
		c.sched.OnExternRCUpdate(node)
	}
}
