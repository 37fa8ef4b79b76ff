package raft

import (
	"fmt"
	"sort"
)

// RoutingChanges accumulates a record of every routing mutation performed
// during one allocation pass, so the caller (pkg/master) can translate them
// into Raft commands after the pass completes without re-deriving what
// changed by diffing cluster state.
type RoutingChanges struct {
	Initialized []*ShardRouting
	Relocated   []*ShardRouting // the RELOCATING source view
	Ignored     []IgnoredShard
}

// IgnoredShard records a shard the allocator could not place this pass.
type IgnoredShard struct {
	Shard  *ShardRouting
	Status string // DECIDERS_NO, DECIDERS_THROTTLED, NO_ATTEMPT, ...
}

func (c *RoutingChanges) recordInitialize(s *ShardRouting) { c.Initialized = append(c.Initialized, s) }
func (c *RoutingChanges) recordRelocate(s *ShardRouting)   { c.Relocated = append(c.Relocated, s) }
func (c *RoutingChanges) recordIgnore(s *ShardRouting, status string) {
	c.Ignored = append(c.Ignored, IgnoredShard{Shard: s, Status: status})
}

// RoutingNode is an ordered view of the shards currently assigned to one
// node, in the order they were inserted when the RoutingNodes was built.
type RoutingNode struct {
	NodeID string
	shards []*ShardRouting
}

// Shards returns the shards assigned to this node.
func (n *RoutingNode) Shards() []*ShardRouting { return n.shards }

func (n *RoutingNode) add(s *ShardRouting) { n.shards = append(n.shards, s) }

func (n *RoutingNode) remove(s *ShardRouting) {
	for i, existing := range n.shards {
		if existing == s {
			n.shards = append(n.shards[:i], n.shards[i+1:]...)
			return
		}
	}
}

// UnassignedShards is the drainable queue of shards with no current node.
type UnassignedShards struct {
	shards []*ShardRouting
}

// Drain returns and clears the queue. Callers iterate the returned slice;
// a shard that is not placed is reported through IgnoreShard, which records
// it in the pass's changes and does not put it back on the queue.
func (u *UnassignedShards) Drain() []*ShardRouting {
	out := u.shards
	u.shards = nil
	return out
}

// Size reports how many shards are currently queued.
func (u *UnassignedShards) Size() int { return len(u.shards) }

// Peek returns the queued shards without draining them.
func (u *UnassignedShards) Peek() []*ShardRouting { return u.shards }

func (u *UnassignedShards) add(s *ShardRouting) { u.shards = append(u.shards, s) }

// RoutingNodes is the authoritative mutable routing table for one pass. It
// is built fresh from a ClusterState snapshot, mutated in place by the
// Balanced Shards Allocator, and read back by the caller once the pass
// completes to persist the changes through Raft.
type RoutingNodes struct {
	nodes      map[string]*RoutingNode
	nodeOrder  []string // insertion order, for deterministic iteration
	unassigned *UnassignedShards
	changes    *RoutingChanges
}

// NewRoutingNodes builds a RoutingNodes view from a ClusterState. Node
// iteration order follows the sorted node IDs so that two passes over an
// identical ClusterState produce identical Model insertion order (spec I6).
func NewRoutingNodes(state *ClusterState) *RoutingNodes {
	rn := &RoutingNodes{
		nodes:      make(map[string]*RoutingNode, len(state.Nodes)),
		unassigned: &UnassignedShards{},
		changes:    &RoutingChanges{},
	}

	ids := make([]string, 0, len(state.Nodes))
	for id := range state.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rn.nodeOrder = ids
	for _, id := range ids {
		rn.nodes[id] = &RoutingNode{NodeID: id}
	}

	keys := make([]string, 0, len(state.ShardRouting))
	for k := range state.ShardRouting {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		shard := state.ShardRouting[k]
		switch shard.State {
		case ShardStateUnassigned, "":
			rn.unassigned.add(shard)
		default:
			if node, ok := rn.nodes[shard.NodeID]; ok {
				node.add(shard)
			} else {
				// Node is gone (deregistered) but its shard wasn't yet
				// reaped; treat it as unassigned so the next pass re-homes it.
				rn.unassigned.add(shard)
			}
		}
	}

	return rn
}

// Node returns the named node's view, or nil if it doesn't exist.
func (rn *RoutingNodes) Node(id string) *RoutingNode { return rn.nodes[id] }

// Size returns the number of nodes in the routing table.
func (rn *RoutingNodes) Size() int { return len(rn.nodes) }

// NodeIDs returns node IDs in the RoutingNodes' stable iteration order.
func (rn *RoutingNodes) NodeIDs() []string { return rn.nodeOrder }

// Unassigned returns the pass's unassigned shard queue.
func (rn *RoutingNodes) Unassigned() *UnassignedShards { return rn.unassigned }

// Changes returns this pass's change accumulator.
func (rn *RoutingNodes) Changes() *RoutingChanges { return rn.changes }

// NodeInterleavedShardIterator returns every shard assigned to a node, in
// any state, across all nodes in round-robin order: node[0]'s first shard, node[1]'s first
// shard, ..., node[0]'s second shard, and so on. This spreads MoveShards'
// work across nodes instead of draining one node before touching the next.
func (rn *RoutingNodes) NodeInterleavedShardIterator() []*ShardRouting {
	cursors := make([]int, len(rn.nodeOrder))
	var out []*ShardRouting
	remaining := true
	for remaining {
		remaining = false
		for i, id := range rn.nodeOrder {
			shards := rn.nodes[id].shards
			if cursors[i] < len(shards) {
				out = append(out, shards[cursors[i]])
				cursors[i]++
				if cursors[i] < len(shards) {
					remaining = true
				}
			}
		}
	}
	return out
}

// InitializeShard transitions shard to INITIALIZING on toNode, mints a
// fresh allocation ID, records the mutation in changes, and returns the new
// ShardRouting value (ShardRouting is treated as immutable: every state
// transition produces a new value rather than mutating the old one).
func (rn *RoutingNodes) InitializeShard(shard *ShardRouting, toNode string, allocID string, shardSize int64) *ShardRouting {
	initializing := &ShardRouting{
		IndexName:         shard.IndexName,
		ShardID:           shard.ShardID,
		IsPrimary:         shard.IsPrimary,
		NodeID:            toNode,
		State:             ShardStateInitializing,
		Version:           shard.Version + 1,
		AllocationID:      allocID,
		ExpectedShardSize: shardSize,
	}
	if node, ok := rn.nodes[toNode]; ok {
		node.add(initializing)
	}
	rn.changes.recordInitialize(initializing)
	return initializing
}

// RelocateShard transitions a STARTED shard to RELOCATING on its current
// node and returns both the RELOCATING source view (left in place on the
// source node so Model bookkeeping can still find/remove it) and the new
// INITIALIZING target view installed on toNode.
func (rn *RoutingNodes) RelocateShard(shard *ShardRouting, toNode string, shardSize int64) (source *ShardRouting, target *ShardRouting) {
	source = &ShardRouting{
		IndexName:        shard.IndexName,
		ShardID:          shard.ShardID,
		IsPrimary:        shard.IsPrimary,
		NodeID:           shard.NodeID,
		State:            ShardStateRelocating,
		Version:          shard.Version + 1,
		AllocationID:     shard.AllocationID,
		RelocatingNodeID: toNode,
	}
	target = &ShardRouting{
		IndexName:         shard.IndexName,
		ShardID:           shard.ShardID,
		IsPrimary:         shard.IsPrimary,
		NodeID:            toNode,
		State:             ShardStateInitializing,
		Version:           shard.Version + 2,
		AllocationID:      fmt.Sprintf("%s-reloc", shard.AllocationID),
		ExpectedShardSize: shardSize,
	}

	if node, ok := rn.nodes[shard.NodeID]; ok {
		node.remove(shard)
		node.add(source)
	}
	if node, ok := rn.nodes[toNode]; ok {
		node.add(target)
	}
	rn.changes.recordRelocate(source)
	return source, target
}

// IgnoreShard marks shard as ignored for this pass with the given status.
func (rn *RoutingNodes) IgnoreShard(shard *ShardRouting, status string) {
	rn.changes.recordIgnore(shard, status)
}
