package allocation

import (
	"fmt"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

// ModelIndex tracks, for one node, the set of ShardRouting copies that
// belong to one index. Membership is by ShardRouting identity (pointer
// equality): adding the same *ShardRouting twice is a programming error.
type ModelIndex struct {
	name             string
	shards           map[*raft.ShardRouting]struct{}
	highestPrimaryID int32 // -1 when unknown/empty; lazily recomputed on read
}

func newModelIndex(name string) *ModelIndex {
	return &ModelIndex{name: name, shards: make(map[*raft.ShardRouting]struct{}), highestPrimaryID: -1}
}

// Size is the number of shard copies of this index on the node.
func (mi *ModelIndex) Size() int { return len(mi.shards) }

func (mi *ModelIndex) add(s *raft.ShardRouting) {
	if _, exists := mi.shards[s]; exists {
		panic(fmt.Sprintf("allocation: duplicate shard %s:%d added to ModelIndex", s.IndexName, s.ShardID))
	}
	mi.shards[s] = struct{}{}
	mi.highestPrimaryID = -1
}

func (mi *ModelIndex) remove(s *raft.ShardRouting) {
	delete(mi.shards, s)
	mi.highestPrimaryID = -1
}

func (mi *ModelIndex) contains(s *raft.ShardRouting) bool {
	_, ok := mi.shards[s]
	return ok
}

// containsShardID reports whether any copy (primary or replica) of shardID
// is tracked here, regardless of ShardRouting identity. Unlike contains,
// this is what "forbid two copies of one shard on one node" (invariant I2)
// actually means: a primary and a replica of the same shard-id are always
// distinct ShardRouting values, so identity alone can't catch the conflict.
func (mi *ModelIndex) containsShardID(shardID int32) bool {
	for s := range mi.shards {
		if s.ShardID == shardID {
			return true
		}
	}
	return false
}

// shardSet exposes the raw membership set for callers (e.g. deciders) that
// need to scan every copy of this index on the node.
func (mi *ModelIndex) shardSet() map[*raft.ShardRouting]struct{} { return mi.shards }

// HighestPrimaryShardID returns the maximum shard-id among primaries
// tracked here, or -1 if there are none. The result is cached until the
// next add/remove invalidates it.
func (mi *ModelIndex) HighestPrimaryShardID() int32 {
	if mi.highestPrimaryID >= 0 {
		return mi.highestPrimaryID
	}
	highest := int32(-1)
	for s := range mi.shards {
		if s.IsPrimary && s.ShardID > highest {
			highest = s.ShardID
		}
	}
	mi.highestPrimaryID = highest
	return highest
}

// ModelNode is the core's view of one discovery node: which shards of
// which indices it currently holds (or has been simulated to hold during
// this pass), plus a cached total.
type ModelNode struct {
	nodeID          string
	backing         *raft.RoutingNode
	indices         map[string]*ModelIndex
	totalShardCount int
}

func newModelNode(backing *raft.RoutingNode) *ModelNode {
	return &ModelNode{
		nodeID:  backing.NodeID,
		backing: backing,
		indices: make(map[string]*ModelIndex),
	}
}

// NodeID is the node's discovery id.
func (mn *ModelNode) NodeID() string { return mn.nodeID }

// NumShards is the total number of shard copies this node carries across
// all indices, per the ModelNode.totalShardCount invariant (spec §3 I1).
func (mn *ModelNode) NumShards() int { return mn.totalShardCount }

// NumShardsOfIndex returns how many copies of indexName this node carries.
func (mn *ModelNode) NumShardsOfIndex(indexName string) int {
	if idx, ok := mn.indices[indexName]; ok {
		return idx.Size()
	}
	return 0
}

// ContainsShard reports whether this exact ShardRouting (pointer identity)
// is on this node. WeighShard uses it to tell the shard's current node
// apart; double-placement checks use ContainsShardID instead.
func (mn *ModelNode) ContainsShard(s *raft.ShardRouting) bool {
	idx, ok := mn.indices[s.IndexName]
	if !ok {
		return false
	}
	return idx.contains(s)
}

// ContainsShardID reports whether this node already holds any copy (primary
// or replica) of shardID for indexName — the check SameShardDecider uses to
// enforce invariant I2, since a primary and its replica are always distinct
// ShardRouting values even when they describe the same shard.
func (mn *ModelNode) ContainsShardID(indexName string, shardID int32) bool {
	idx, ok := mn.indices[indexName]
	if !ok {
		return false
	}
	return idx.containsShardID(shardID)
}

// index returns (creating if absent) the ModelIndex for indexName.
func (mn *ModelNode) index(indexName string) *ModelIndex {
	idx, ok := mn.indices[indexName]
	if !ok {
		idx = newModelIndex(indexName)
		mn.indices[indexName] = idx
	}
	return idx
}

// IndexOrNil returns the ModelIndex for indexName without creating it.
func (mn *ModelNode) IndexOrNil(indexName string) *ModelIndex { return mn.indices[indexName] }

func (mn *ModelNode) addShard(s *raft.ShardRouting) {
	mn.index(s.IndexName).add(s)
	mn.totalShardCount++
}

func (mn *ModelNode) removeShard(s *raft.ShardRouting) {
	idx, ok := mn.indices[s.IndexName]
	if !ok || !idx.contains(s) {
		return
	}
	idx.remove(s)
	mn.totalShardCount--
}

// Model is the pass-local, core-owned projection of the cluster's routing
// state. It is rebuilt from scratch at the start of every allocate() call
// and discarded at the end of the pass; nothing outside the pass may read
// it (spec §3 Lifecycle).
type Model struct {
	nodes     map[string]*ModelNode
	nodeOrder []string // Model's stable insertion order (spec §4.4.1 step 4)
}

// BuildModel constructs a Model from RoutingNodes by inserting every
// assigned shard into its node/index bucket, skipping shards in the
// RELOCATING state (their INITIALIZING counterpart on the target node is
// already counted there) per spec §3 Lifecycle and invariant I3.
func BuildModel(rn *raft.RoutingNodes) *Model {
	m := &Model{nodes: make(map[string]*ModelNode, rn.Size())}
	for _, id := range rn.NodeIDs() {
		backing := rn.Node(id)
		mn := newModelNode(backing)
		m.nodes[id] = mn
		m.nodeOrder = append(m.nodeOrder, id)

		for _, s := range backing.Shards() {
			if s.State == raft.ShardStateRelocating {
				continue
			}
			mn.addShard(s)
		}
	}
	return m
}

// Node returns the ModelNode for id, or nil if unknown.
func (m *Model) Node(id string) *ModelNode { return m.nodes[id] }

// NodeOrder returns node ids in the Model's stable insertion order.
func (m *Model) NodeOrder() []string { return m.nodeOrder }

// NumNodes is the number of nodes tracked by the Model.
func (m *Model) NumNodes() int { return len(m.nodes) }

// Nodes returns the ModelNodes in stable insertion order.
func (m *Model) Nodes() []*ModelNode {
	out := make([]*ModelNode, 0, len(m.nodeOrder))
	for _, id := range m.nodeOrder {
		out = append(out, m.nodes[id])
	}
	return out
}
