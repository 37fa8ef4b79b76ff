package allocation

import (
	"testing"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

func newTestState(nodeIDs []string, indexName string, numShards, numReplicas int32) *raft.ClusterState {
	state := &raft.ClusterState{
		Indices:      make(map[string]*raft.IndexMeta),
		Nodes:        make(map[string]*raft.NodeMeta),
		ShardRouting: make(map[string]*raft.ShardRouting),
	}
	for _, id := range nodeIDs {
		state.Nodes[id] = &raft.NodeMeta{NodeID: id, NodeType: "data", Status: "healthy"}
	}
	state.Indices[indexName] = &raft.IndexMeta{
		Name: indexName, NumShards: numShards, NumReplicas: numReplicas, Settings: map[string]string{},
	}
	for shardID := int32(0); shardID < numShards; shardID++ {
		for copyIdx := int32(0); copyIdx <= numReplicas; copyIdx++ {
			s := &raft.ShardRouting{
				IndexName: indexName,
				ShardID:   shardID,
				IsPrimary: copyIdx == 0,
				State:     raft.ShardStateUnassigned,
			}
			key := s.Key()
			if !s.IsPrimary {
				key = key + "#" + string(rune('a'+copyIdx))
			}
			state.ShardRouting[key] = s
		}
	}
	return state
}

// commitPass folds whatever RoutingNodes ended up holding back into a fresh
// ClusterState, as if the raft commands produced by this pass had been
// applied: INITIALIZING shards become STARTED and everything else keeps its
// current node.
func commitPass(rn *raft.RoutingNodes) *raft.ClusterState {
	state := &raft.ClusterState{
		Indices:      make(map[string]*raft.IndexMeta),
		Nodes:        make(map[string]*raft.NodeMeta),
		ShardRouting: make(map[string]*raft.ShardRouting),
	}
	for _, id := range rn.NodeIDs() {
		state.Nodes[id] = &raft.NodeMeta{NodeID: id, NodeType: "data", Status: "healthy"}
		for i, s := range rn.Node(id).Shards() {
			committed := *s
			if committed.State == raft.ShardStateInitializing {
				committed.State = raft.ShardStateStarted
			}
			state.Indices[s.IndexName] = &raft.IndexMeta{Name: s.IndexName, Settings: map[string]string{}}
			key := committed.Key()
			if !committed.IsPrimary {
				key = key + "#" + string(rune('a'+i))
			}
			state.ShardRouting[key] = &committed
		}
	}
	return state
}

func TestAllocatorPlacesPrimariesBeforeReplicas(t *testing.T) {
	state := newTestState([]string{"n1", "n2", "n3"}, "logs", 3, 1)
	rn := raft.NewRoutingNodes(state)

	a, err := NewAllocator(0.45, 0.55, 1.0, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	ra := a.NewRoutingAllocation(state, rn)
	a.Allocate(ra)

	changes := rn.Changes()
	if got, want := len(changes.Initialized), 6; got != want {
		t.Fatalf("expected %d shards initialized, got %d", want, got)
	}
	for _, s := range changes.Initialized {
		if s.NodeID == "" {
			t.Fatalf("shard %s:%d initialized with no node", s.IndexName, s.ShardID)
		}
	}

	// I7: every primary is initialized before any replica.
	seenReplica := false
	for _, s := range changes.Initialized {
		if !s.IsPrimary {
			seenReplica = true
		} else if seenReplica {
			t.Fatalf("primary %s:%d initialized after a replica", s.IndexName, s.ShardID)
		}
	}

	// I2: no node carries two copies of the same shard.
	for _, id := range rn.NodeIDs() {
		seen := make(map[int32]bool)
		for _, s := range rn.Node(id).Shards() {
			if seen[s.ShardID] {
				t.Fatalf("node %s carries two copies of shard %d", id, s.ShardID)
			}
			seen[s.ShardID] = true
		}
	}
}

func TestAllocatorSkipsWhenNoNodes(t *testing.T) {
	state := newTestState(nil, "logs", 1, 0)
	rn := raft.NewRoutingNodes(state)

	a, err := NewAllocator(0.45, 0.55, 1.0, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	ra := a.NewRoutingAllocation(state, rn)
	a.Allocate(ra)

	changes := rn.Changes()
	if len(changes.Initialized) != 0 {
		t.Fatalf("expected no shards placed with zero nodes, got %d", len(changes.Initialized))
	}
	if len(changes.Ignored) != 1 {
		t.Fatalf("expected the single shard to be recorded as ignored, got %d", len(changes.Ignored))
	}
	if changes.Ignored[0].Status != string(StatusNoAttempt) {
		t.Fatalf("expected NO_ATTEMPT status, got %s", changes.Ignored[0].Status)
	}
}

func TestAllocatorIdempotentSecondPass(t *testing.T) {
	state := newTestState([]string{"n1", "n2", "n3", "n4"}, "logs", 4, 1)
	rn := raft.NewRoutingNodes(state)

	a, err := NewAllocator(0.45, 0.55, 1.0, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	ra := a.NewRoutingAllocation(state, rn)
	a.Allocate(ra)

	committed := commitPass(rn)
	rn2 := raft.NewRoutingNodes(committed)
	ra2 := a.NewRoutingAllocation(committed, rn2)
	a.Allocate(ra2)

	changes := rn2.Changes()
	if len(changes.Initialized) != 0 {
		t.Fatalf("second pass over a converged cluster should place nothing, got %d", len(changes.Initialized))
	}
	if len(changes.Relocated) != 0 {
		t.Fatalf("second pass over a converged cluster should move nothing, got %d", len(changes.Relocated))
	}
}

func TestAllocatorRespectsShardLimit(t *testing.T) {
	state := newTestState([]string{"n1", "n2"}, "logs", 4, 0)
	state.Nodes["n1"].MaxShards = 1
	rn := raft.NewRoutingNodes(state)

	a, err := NewAllocator(0.45, 0.55, 1.0, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	ra := a.NewRoutingAllocation(state, rn)
	a.Allocate(ra)

	n1 := rn.Node("n1")
	if got := len(n1.Shards()); got > 1 {
		t.Fatalf("n1 has MaxShards=1, but carries %d shards", got)
	}
}

func TestAllocatorAwarenessVetoesSameZone(t *testing.T) {
	state := newTestState([]string{"n1", "n2"}, "logs", 1, 1)
	state.Nodes["n1"].Zone = "zone-a"
	state.Nodes["n2"].Zone = "zone-a"
	rn := raft.NewRoutingNodes(state)

	a, err := NewAllocator(0.45, 0.55, 1.0, nil)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	ra := a.NewRoutingAllocation(state, rn)
	a.Allocate(ra)

	changes := rn.Changes()
	if len(changes.Initialized) != 1 {
		t.Fatalf("expected only the primary to place (same zone vetoes the replica), got %d initialized", len(changes.Initialized))
	}
	if len(changes.Ignored) != 1 {
		t.Fatalf("expected the replica to be recorded as ignored, got %d", len(changes.Ignored))
	}
}
