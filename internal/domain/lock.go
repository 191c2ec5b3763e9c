package domain

import "sort"

// MultiNodeLock is a composite scoped lock over the per-node locks of a set
// of nodes and their immediate neighbors. Locks are always acquired in
// ascending node-id order, so concurrent holders cannot deadlock.
//
// Because a node's neighbor sets can only be read under its own lock, the
// cover set is grown iteratively: lock what is known, read the neighbor sets
// of the requested nodes, and if that discovered new members, release
// everything and start over with the larger set. The loop settles as soon as
// one pass discovers nothing new.
type MultiNodeLock struct {
	locked []*DagNode
}

// LockNode acquires the locks of node, its predecessors, and its successors.
func LockNode(dag *PhysicalDag, node *DagNode) *MultiNodeLock {
	return lockCover(dag, []*DagNode{node}, func(n *DagNode) []NodeID {
		ids := n.Predecessors()
		return append(ids, n.Successors()...)
	})
}

// LockNodes acquires the locks of every node in nodes plus, for each, its
// successors. Used on submission, where the new op node will be appended to
// the successor sets of the input data nodes.
func LockNodes(dag *PhysicalDag, nodes []*DagNode) *MultiNodeLock {
	return lockCover(dag, nodes, func(n *DagNode) []NodeID {
		return n.Successors()
	})
}

func lockCover(dag *PhysicalDag, targets []*DagNode, expand func(*DagNode) []NodeID) *MultiNodeLock {
	cover := make(map[NodeID]*DagNode, len(targets)*2)
	for _, n := range targets {
		cover[n.id] = n
	}
	for {
		locked := sortByID(cover)
		for _, n := range locked {
			n.mu.Lock()
		}
		grown := false
		for _, n := range targets {
			for _, id := range expand(n) {
				if _, have := cover[id]; have {
					continue
				}
				// A neighbor already reclaimed between passes has no
				// state left to protect.
				if neighbor, live := dag.lookup(id); live {
					cover[id] = neighbor
					grown = true
				}
			}
		}
		if !grown {
			return &MultiNodeLock{locked: locked}
		}
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
}

// Unlock releases every covered lock in reverse acquisition order.
func (l *MultiNodeLock) Unlock() {
	for i := len(l.locked) - 1; i >= 0; i-- {
		l.locked[i].mu.Unlock()
	}
	l.locked = nil
}

func sortByID(cover map[NodeID]*DagNode) []*DagNode {
	nodes := make([]*DagNode, 0, len(cover))
	for _, n := range cover {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	return nodes
}
