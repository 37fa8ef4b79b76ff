package allocation

import (
	"fmt"
	"testing"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

// modelNodeFixture builds a ModelNode carrying `shardsOfIndex` copies of the
// "logs" index plus enough shards of other indices to reach `shards` total.
type modelNodeFixture struct {
	nodeID        string
	shards        int
	shardsOfIndex int
}

func (f modelNodeFixture) build() *ModelNode {
	mn := newModelNode(&raft.RoutingNode{NodeID: f.nodeID})
	for i := 0; i < f.shardsOfIndex; i++ {
		mn.addShard(&raft.ShardRouting{IndexName: "logs", ShardID: int32(i), NodeID: f.nodeID, State: raft.ShardStateStarted})
	}
	for i := 0; i < f.shards-f.shardsOfIndex; i++ {
		mn.addShard(&raft.ShardRouting{IndexName: fmt.Sprintf("other-%d", i), ShardID: 0, NodeID: f.nodeID, State: raft.ShardStateStarted})
	}
	return mn
}

func TestNewWeightFunctionValidation(t *testing.T) {
	cases := []struct {
		name                          string
		shardBalance, indexBalance, threshold float64
		wantErr                       bool
	}{
		{"valid", 0.45, 0.55, 1.0, false},
		{"zero threshold ok", 1, 0, 0, false},
		{"negative shard balance", -1, 1, 1, true},
		{"negative index balance", 1, -1, 1, true},
		{"negative threshold", 1, 1, -1, true},
		{"both factors zero", 0, 0, 1, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewWeightFunction(c.shardBalance, c.indexBalance, c.threshold)
			if (err != nil) != c.wantErr {
				t.Fatalf("NewWeightFunction(%v,%v,%v) error = %v, wantErr %v", c.shardBalance, c.indexBalance, c.threshold, err, c.wantErr)
			}
		})
	}
}

func TestWeightFunctionDeltaAccounting(t *testing.T) {
	wf, err := NewWeightFunction(1, 0, 1)
	if err != nil {
		t.Fatalf("NewWeightFunction: %v", err)
	}
	backing := modelNodeFixture{nodeID: "n1", shards: 4, shardsOfIndex: 2}.build()
	params := weightParams{avgShards: 3, avgShardsOfIndex: 1}

	base := wf.Weight(backing, "logs", params)
	afterAdd := wf.WeightAfterAdd(backing, "logs", params)
	afterRemove := wf.WeightAfterRemove(backing, "logs", params)

	if afterAdd <= base {
		t.Fatalf("WeightAfterAdd should be greater than current weight: base=%v afterAdd=%v", base, afterAdd)
	}
	if afterRemove >= base {
		t.Fatalf("WeightAfterRemove should be less than current weight: base=%v afterRemove=%v", base, afterRemove)
	}
}

func TestWithinThreshold(t *testing.T) {
	wf, err := NewWeightFunction(1, 1, 2)
	if err != nil {
		t.Fatalf("NewWeightFunction: %v", err)
	}
	if !wf.withinThreshold(2.0005) {
		t.Fatalf("expected 2.0005 to be within threshold+rounding guard of 2.0")
	}
	if wf.withinThreshold(2.5) {
		t.Fatalf("expected 2.5 to exceed threshold")
	}
}
