package allocation

import (
	"testing"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

func TestSameShardDeciderBlocksDuplicate(t *testing.T) {
	node := modelNodeFixture{nodeID: "n1", shards: 1, shardsOfIndex: 1}.build()
	existing := node.IndexOrNil("logs")
	var dup *raft.ShardRouting
	for s := range existing.shardSet() {
		dup = s
	}

	d := SameShardDecider{}
	if got := d.CanAllocate(dup, node, &RoutingAllocation{}); got != No {
		t.Fatalf("expected No for a shard already on the node, got %s", got)
	}

	fresh := &raft.ShardRouting{IndexName: "logs", ShardID: 99}
	if got := d.CanAllocate(fresh, node, &RoutingAllocation{}); got != Yes {
		t.Fatalf("expected Yes for a shard not yet on the node, got %s", got)
	}
}

func TestShardLimitDeciderThrottlesThenBlocks(t *testing.T) {
	node := modelNodeFixture{nodeID: "n1", shards: 2}.build()
	state := &raft.ClusterState{Nodes: map[string]*raft.NodeMeta{"n1": {NodeID: "n1", MaxShards: 3}}}
	ra := &RoutingAllocation{ClusterInfo: NewClusterInfo(state)}

	d := ShardLimitDecider{}
	if got := d.CanAllocate(&raft.ShardRouting{}, node, ra); got != Throttle {
		t.Fatalf("expected Throttle one shard below the limit, got %s", got)
	}

	node.addShard(&raft.ShardRouting{IndexName: "extra", ShardID: 0, NodeID: "n1", State: raft.ShardStateStarted})
	if got := d.CanAllocate(&raft.ShardRouting{}, node, ra); got != No {
		t.Fatalf("expected No at the limit, got %s", got)
	}
}

func TestShardLimitDeciderUnlimitedByDefault(t *testing.T) {
	node := modelNodeFixture{nodeID: "n1", shards: 1000}.build()
	state := &raft.ClusterState{Nodes: map[string]*raft.NodeMeta{"n1": {NodeID: "n1"}}}
	ra := &RoutingAllocation{ClusterInfo: NewClusterInfo(state)}

	d := ShardLimitDecider{}
	if got := d.CanAllocate(&raft.ShardRouting{}, node, ra); got != Yes {
		t.Fatalf("expected Yes with MaxShards unset, got %s", got)
	}
}

func TestAwarenessDeciderVetoesSameZone(t *testing.T) {
	n1 := modelNodeFixture{nodeID: "n1", shards: 1, shardsOfIndex: 1}.build()
	n2 := modelNodeFixture{nodeID: "n2", shards: 0}.build()
	model := &Model{nodes: map[string]*ModelNode{"n1": n1, "n2": n2}, nodeOrder: []string{"n1", "n2"}}

	state := &raft.ClusterState{Nodes: map[string]*raft.NodeMeta{
		"n1": {NodeID: "n1", Zone: "zone-a"},
		"n2": {NodeID: "n2", Zone: "zone-a"},
	}}
	ra := &RoutingAllocation{Model: model, ClusterInfo: NewClusterInfo(state)}

	var existing *raft.ShardRouting
	for s := range n1.IndexOrNil("logs").shardSet() {
		existing = s
	}
	replica := &raft.ShardRouting{IndexName: "logs", ShardID: existing.ShardID}

	d := AwarenessDecider{}
	if got := d.CanAllocate(replica, n2, ra); got != No {
		t.Fatalf("expected No placing a second copy of shard %d in the same zone, got %s", existing.ShardID, got)
	}
}

func TestAwarenessDeciderAllowsDifferentZone(t *testing.T) {
	n1 := modelNodeFixture{nodeID: "n1", shards: 1, shardsOfIndex: 1}.build()
	n2 := modelNodeFixture{nodeID: "n2", shards: 0}.build()
	model := &Model{nodes: map[string]*ModelNode{"n1": n1, "n2": n2}, nodeOrder: []string{"n1", "n2"}}

	state := &raft.ClusterState{Nodes: map[string]*raft.NodeMeta{
		"n1": {NodeID: "n1", Zone: "zone-a"},
		"n2": {NodeID: "n2", Zone: "zone-b"},
	}}
	ra := &RoutingAllocation{Model: model, ClusterInfo: NewClusterInfo(state)}

	var existing *raft.ShardRouting
	for s := range n1.IndexOrNil("logs").shardSet() {
		existing = s
	}
	replica := &raft.ShardRouting{IndexName: "logs", ShardID: existing.ShardID}

	d := AwarenessDecider{}
	if got := d.CanAllocate(replica, n2, ra); got != Yes {
		t.Fatalf("expected Yes placing a copy in a different zone, got %s", got)
	}
}

func TestFilterDeciderHonorsIncludeExclude(t *testing.T) {
	node := modelNodeFixture{nodeID: "n1", shards: 0}.build()
	state := &raft.ClusterState{
		Nodes: map[string]*raft.NodeMeta{"n1": {NodeID: "n1", StorageTier: "cold"}},
		Indices: map[string]*raft.IndexMeta{
			"logs": {Name: "logs", Settings: map[string]string{filterIncludeTier: "hot,warm"}},
		},
	}
	ra := &RoutingAllocation{ClusterInfo: NewClusterInfo(state)}

	d := FilterDecider{}
	if got := d.CanAllocate(&raft.ShardRouting{IndexName: "logs"}, node, ra); got != No {
		t.Fatalf("expected No: node tier %q not in include list, got %s", "cold", got)
	}
}
