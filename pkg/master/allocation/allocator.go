// Package allocation implements the Balanced Shards Allocator: given a
// cluster's routing state, it decides which node each shard copy should
// live on, and incrementally improves that placement over time without
// ever moving more data than necessary.
package allocation

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

// Allocator is the master's entry point into the balanced shard allocator.
// It owns the live WeightFunction/Deciders configuration and exposes the
// operations the rest of pkg/master calls: a full Allocate pass and the
// read-only WeighShard explain query.
type Allocator struct {
	mu       sync.RWMutex
	wf       *WeightFunction
	deciders *Deciders
	logger   *zap.Logger
}

// NewAllocator builds an Allocator with the given balance factors (spec
// §4.1 θ₀/θ₁ inputs) and the default decider pipeline. logger may be nil.
func NewAllocator(shardBalance, indexBalance, threshold float64, logger *zap.Logger) (*Allocator, error) {
	wf, err := NewWeightFunction(shardBalance, indexBalance, threshold)
	if err != nil {
		return nil, fmt.Errorf("allocation: new allocator: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{wf: wf, deciders: DefaultDeciders(), logger: logger}, nil
}

// SetFactors live-reconfigures the balance factors without restarting the
// master, matching the teacher's config.Load* + viper env-override pattern
// where values may change between reconcile ticks.
func (a *Allocator) SetFactors(shardBalance, indexBalance, threshold float64) error {
	wf, err := NewWeightFunction(shardBalance, indexBalance, threshold)
	if err != nil {
		return fmt.Errorf("allocation: set factors: %w", err)
	}
	a.mu.Lock()
	a.wf = wf
	a.mu.Unlock()
	return nil
}

// SetDeciders overrides the default decider pipeline. Intended for tests
// that need to isolate one decider's behavior.
func (a *Allocator) SetDeciders(d *Deciders) {
	a.mu.Lock()
	a.deciders = d
	a.mu.Unlock()
}

// NewRoutingAllocation builds the pass-local state (Model, Metadata,
// Deciders, ClusterInfo) an Allocate or WeighShard call needs from a raw
// ClusterState snapshot and the mutable RoutingNodes view the caller has
// already built from it.
func (a *Allocator) NewRoutingAllocation(state *raft.ClusterState, rn *raft.RoutingNodes) *RoutingAllocation {
	model := BuildModel(rn)

	totals := make(map[string]int, len(state.Indices))
	for name := range state.Indices {
		totals[name] = 0
	}
	for _, node := range model.Nodes() {
		for name := range state.Indices {
			totals[name] += node.NumShardsOfIndex(name)
		}
	}
	for _, s := range rn.Unassigned().Peek() {
		totals[s.IndexName]++
	}

	a.mu.RLock()
	deciders := a.deciders
	a.mu.RUnlock()

	return &RoutingAllocation{
		Model:        model,
		RoutingNodes: rn,
		Metadata:     BuildMetadata(model, totals),
		Deciders:     deciders,
		ClusterInfo:  NewClusterInfo(state),
	}
}

// Allocate runs one full allocation pass over ra (spec §4.7 allocate()):
// AllocateUnassigned, then MoveShards, then Rebalance.
func (a *Allocator) Allocate(ra *RoutingAllocation) {
	a.mu.RLock()
	wf := a.wf
	a.mu.RUnlock()
	NewBalancer(wf, a.logger).Allocate(ra)
}

// WeighShard answers the explain query for one shard without mutating
// anything (spec §4.7 weighShard()).
func (a *Allocator) WeighShard(ra *RoutingAllocation, s *raft.ShardRouting) []NodeExplain {
	a.mu.RLock()
	wf := a.wf
	a.mu.RUnlock()
	return NewBalancer(wf, a.logger).WeighShard(ra, s)
}
