package allocation

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

// RoutingAllocation bundles everything one allocation pass needs: the
// pass-local Model, the mutable RoutingNodes it mutates in place, the
// per-pass Metadata averages, the Deciders façade, and a ClusterInfo view
// of node/index attributes the core itself never stores (spec §6).
type RoutingAllocation struct {
	Model         *Model
	RoutingNodes  *raft.RoutingNodes
	Metadata      *Metadata
	Deciders      *Deciders
	ClusterInfo   ClusterInfo
	DebugDecision bool

	// HasPendingAsyncFetch marks a pass that deferred a decision pending
	// out-of-band information (e.g. disk usage not yet reported). When set,
	// Rebalance is skipped entirely for this pass (spec §4.6 skip condition
	// 1) because moving shards now would just churn once results arrive.
	HasPendingAsyncFetch bool

	wf *WeightFunction
}

func (ra *RoutingAllocation) nodeMeta(nodeID string) *raft.NodeMeta {
	if ra.ClusterInfo == nil {
		return nil
	}
	return ra.ClusterInfo.NodeMeta(nodeID)
}

func (ra *RoutingAllocation) indexMeta(indexName string) *raft.IndexMeta {
	if ra.ClusterInfo == nil {
		return nil
	}
	return ra.ClusterInfo.IndexMeta(indexName)
}

func (ra *RoutingAllocation) nodeZone(nodeID string) string {
	if meta := ra.nodeMeta(nodeID); meta != nil {
		return meta.Zone
	}
	return ""
}

func (ra *RoutingAllocation) nodeTier(nodeID string) string {
	if meta := ra.nodeMeta(nodeID); meta != nil {
		return meta.StorageTier
	}
	return ""
}

func (ra *RoutingAllocation) indexSettings(indexName string) map[string]string {
	if ra.ClusterInfo == nil {
		return nil
	}
	return ra.ClusterInfo.IndexSettings(indexName)
}

// primaryIsAssigned reports whether shardID's primary copy has any
// non-unassigned home anywhere in the Model.
func (ra *RoutingAllocation) primaryIsAssigned(indexName string, shardID int32) bool {
	for _, id := range ra.Model.NodeOrder() {
		node := ra.Model.Node(id)
		idx := node.IndexOrNil(indexName)
		if idx == nil {
			continue
		}
		if idx.HighestPrimaryShardID() >= shardID {
			for s := range idx.shardSet() {
				if s.IsPrimary && s.ShardID == shardID {
					return true
				}
			}
		}
	}
	return false
}

// Balancer runs the three-phase allocation pass described in spec §4.4-§4.6
// over one RoutingAllocation, plus the standalone weighShard explain query
// of §4.7.
type Balancer struct {
	wf     *WeightFunction
	logger *zap.Logger
}

// NewBalancer builds a Balancer bound to one WeightFunction. logger may be
// nil, in which case a no-op logger is used (matching the rest of the
// master package's nil-logger convention).
func NewBalancer(wf *WeightFunction, logger *zap.Logger) *Balancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Balancer{wf: wf, logger: logger}
}

// Allocate runs AllocateUnassigned, then MoveShards, then Rebalance, in
// that order, over ra. This is the allocate() entry point of spec §4.7.
func (b *Balancer) Allocate(ra *RoutingAllocation) {
	ra.wf = b.wf
	b.allocateUnassigned(ra)
	b.moveShards(ra)
	b.rebalance(ra)
}

// simulateInitializing builds the Model-only ShardRouting variant used by
// the THROTTLE path (spec §4.4 Open Question (i)): it looks like the shard
// has started initializing on node, for capacity-accounting purposes, but
// is never handed to routingNodes.initializeShard and so is not tracked by
// the real routing table. The next pass re-attempts the real placement.
func simulateInitializing(shard *raft.ShardRouting, nodeID string) *raft.ShardRouting {
	return &raft.ShardRouting{
		IndexName:         shard.IndexName,
		ShardID:           shard.ShardID,
		IsPrimary:         shard.IsPrimary,
		NodeID:            nodeID,
		State:             raft.ShardStateInitializing,
		Version:           shard.Version,
		ExpectedShardSize: shard.ExpectedShardSize,
	}
}

// sameShardKey reports whether a and b compare equal under the AllocateUnassigned
// batch ordering: same index, same shard-id, same primary flag.
func sameShardKey(a, b *raft.ShardRouting) bool {
	return a.IndexName == b.IndexName && a.ShardID == b.ShardID && a.IsPrimary == b.IsPrimary
}

// sortUnassignedBatch stable-sorts a drained unassigned queue per spec §4.4
// ordering: primaries before replicas, then index name ascending, then
// shard-id ascending. (This repo does not expose a caller-supplied
// secondary comparator; index-creation-priority ordering is left to index
// name order, which is already deterministic.)
func sortUnassignedBatch(shards []*raft.ShardRouting) []*raft.ShardRouting {
	sort.SliceStable(shards, func(i, j int) bool {
		a, b := shards[i], shards[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if a.IndexName != b.IndexName {
			return a.IndexName < b.IndexName
		}
		return a.ShardID < b.ShardID
	})
	return shards
}

// allocateUnassigned places every queued unassigned shard, primaries
// before replicas (invariant I7), running the two-buffer replica-fairness
// loop of spec §4.4: at most one copy per (index, shard-id) is initialized
// per batch, with remaining replicas retried next batch on other nodes.
func (b *Balancer) allocateUnassigned(ra *RoutingAllocation) {
	primary := sortUnassignedBatch(ra.RoutingNodes.Unassigned().Drain())
	throttledNodes := make(map[string]struct{})
	totalNodes := ra.Model.NumNodes()

	for len(primary) > 0 {
		var secondary []*raft.ShardRouting
		i := 0
		for i < len(primary) {
			if !ra.DebugDecision && totalNodes > 0 && len(throttledNodes) >= totalNodes {
				for _, s := range primary[i:] {
					ra.RoutingNodes.IgnoreShard(s, string(StatusDecidersThrottled))
				}
				break
			}

			s := primary[i]
			decision := b.decideAllocateUnassigned(ra, s, throttledNodes)

			// Only replicas get the batch skip-ahead treatment: find how
			// many subsequent entries compare equal under the ordering
			// (same index, same shard-id, same primary flag).
			end := i + 1
			if !s.IsPrimary {
				for end < len(primary) && sameShardKey(primary[end], s) {
					end++
				}
			}

			switch decision.Decision {
			case Yes:
				allocID := uuid.New().String()
				initialized := ra.RoutingNodes.InitializeShard(s, decision.NodeID, allocID, s.ExpectedShardSize)
				ra.Model.Node(decision.NodeID).addShard(initialized)
				b.logger.Debug("allocated shard",
					zap.String("index", s.IndexName), zap.Int32("shard", s.ShardID),
					zap.Bool("primary", s.IsPrimary), zap.String("node", decision.NodeID))
				if !s.IsPrimary {
					secondary = append(secondary, primary[i+1:end]...)
				}
			case Throttle:
				target := ra.Model.Node(decision.NodeID)
				target.addShard(simulateInitializing(s, decision.NodeID))
				ra.RoutingNodes.IgnoreShard(s, string(StatusDecidersThrottled))
				b.logger.Debug("throttled shard", zap.String("index", s.IndexName), zap.Int32("shard", s.ShardID))
				if ra.Deciders.CanAllocateNode(target, ra) == No {
					throttledNodes[decision.NodeID] = struct{}{}
				}
				if !s.IsPrimary {
					secondary = append(secondary, primary[i+1:end]...)
				}
			default:
				ra.RoutingNodes.IgnoreShard(s, string(decision.Status))
				b.logger.Debug("unable to allocate shard", zap.String("index", s.IndexName), zap.Int32("shard", s.ShardID))
				if !s.IsPrimary {
					for _, other := range primary[i+1:end] {
						ra.RoutingNodes.IgnoreShard(other, string(decision.Status))
					}
				}
			}

			i = end
		}

		if len(secondary) == 0 {
			break
		}
		primary = secondary
	}
}

// decideAllocateUnassigned is the per-shard decision of spec §4.4.1: scan
// every ModelNode in the Model's stable insertion order, skipping nodes
// already throttled or already holding this shard, and pick the best
// candidate by ascending weight with the §4.4.1 tie-break rule.
func (b *Balancer) decideAllocateUnassigned(ra *RoutingAllocation, s *raft.ShardRouting, throttledNodes map[string]struct{}) ShardAllocationDecision {
	if ra.Model.NumNodes() == 0 {
		return ShardAllocationDecision{Decision: No, Status: StatusNoAttempt}
	}

	params := ra.Metadata.Params(s.IndexName)

	minWeight := math.Inf(1)
	var minNode *ModelNode
	var decision Decision
	var explain []NodeExplain

	for _, id := range ra.Model.NodeOrder() {
		node := ra.Model.Node(id)

		if !ra.DebugDecision {
			if _, throttled := throttledNodes[id]; throttled {
				continue
			}
			if node.ContainsShardID(s.IndexName, s.ShardID) {
				continue
			}
		}

		w := b.wf.WeightAfterAdd(node, s.IndexName, params)
		if w > minWeight && !ra.DebugDecision {
			continue
		}

		d := ra.Deciders.CanAllocate(s, node, ra)
		if ra.DebugDecision {
			explain = append(explain, NodeExplain{NodeID: id, Decision: d, Weight: w})
		}
		if d == No {
			continue
		}

		switch {
		case minNode == nil, w < minWeight:
			minWeight, minNode, decision = w, node, d
		case w == minWeight:
			if preferAllocateCandidate(s, node, minNode, d, decision) {
				minNode, decision = node, d
			}
		}
	}

	if minNode == nil {
		return ShardAllocationDecision{Decision: No, Status: StatusDecidersNo, Explain: explain}
	}

	status := StatusDecidersNo
	if decision == Throttle {
		status = StatusDecidersThrottled
	}
	return ShardAllocationDecision{Decision: decision, NodeID: minNode.NodeID(), Status: status, Explain: explain}
}

// preferAllocateCandidate implements the §4.4.1 tie-break for two nodes
// whose weight-after-add is equal: a differing decision prefers YES over
// THROTTLE; an equal decision rotates by which candidate's highest placed
// primary shard-id for this index sits closest above (but strictly above)
// the shard-id being placed. When neither candidate's highest primary sits
// above the shard-id, the earlier (stable, first-found) candidate wins.
func preferAllocateCandidate(s *raft.ShardRouting, candidate, current *ModelNode, candidateDecision, currentDecision Decision) bool {
	if candidateDecision != currentDecision {
		return candidateDecision == Yes
	}

	candHP := highestPrimaryFor(candidate, s.IndexName)
	curHP := highestPrimaryFor(current, s.IndexName)
	candAbove := candHP > s.ShardID
	curAbove := curHP > s.ShardID

	switch {
	case candAbove && !curAbove:
		return true
	case !candAbove && curAbove:
		return false
	case candAbove && curAbove:
		return candHP < curHP
	default:
		return false
	}
}

func highestPrimaryFor(node *ModelNode, indexName string) int32 {
	idx := node.IndexOrNil(indexName)
	if idx == nil {
		return -1
	}
	return idx.HighestPrimaryShardID()
}

// moveShards walks every assigned shard in node-interleaved order and
// relocates any whose CanRemain decision turns NO (spec §4.5). Only NO
// triggers a move; YES and THROTTLE both mean STAY.
func (b *Balancer) moveShards(ra *RoutingAllocation) {
	for _, s := range ra.RoutingNodes.NodeInterleavedShardIterator() {
		if s.State != raft.ShardStateStarted {
			continue
		}
		node := ra.Model.Node(s.NodeID)
		if node == nil {
			continue
		}
		if ra.Deciders.CanRemain(s, node, ra) != No {
			continue
		}

		target := b.bestRelocationTarget(ra, s, node)
		if target == nil {
			b.logger.Debug("shard must move but no target available",
				zap.String("index", s.IndexName), zap.Int32("shard", s.ShardID))
			continue
		}

		node.removeShard(s)
		_, relocated := ra.RoutingNodes.RelocateShard(s, target.NodeID(), s.ExpectedShardSize)
		target.addShard(relocated)
		b.logger.Debug("relocated shard (forced)",
			zap.String("index", s.IndexName), zap.Int32("shard", s.ShardID),
			zap.String("from", node.NodeID()), zap.String("to", target.NodeID()))
	}
}

func (b *Balancer) bestRelocationTarget(ra *RoutingAllocation, s *raft.ShardRouting, current *ModelNode) *ModelNode {
	nodes := ra.Model.Nodes()
	sorter := NewNodeSorter(b.wf, ra.Metadata.Params(s.IndexName), nodes)
	sorter.Reset(s.IndexName, 0, len(nodes))
	for _, node := range sorter.Nodes() {
		if node.NodeID() == current.NodeID() {
			continue
		}
		if ra.Deciders.CanAllocate(s, node, ra) == Yes {
			return node
		}
	}
	return nil
}

// rebalance skips entirely when async fetches are pending or the global
// canRebalance gate is not YES (spec §4.6 skip conditions 1-2), or when
// fewer than two nodes exist (skip condition 3). Otherwise it visits
// indices in decreasing-delta order — most-unbalanced first — so a single
// index can't swamp global balance before others get a chance.
func (b *Balancer) rebalance(ra *RoutingAllocation) {
	if ra.HasPendingAsyncFetch {
		b.logger.Debug("rebalance skipped: pending async fetch")
		return
	}
	if ra.Deciders.CanRebalance(ra) != Yes {
		b.logger.Debug("rebalance skipped: canRebalance != YES")
		return
	}
	if ra.Model.NumNodes() < 2 {
		return
	}

	type indexDelta struct {
		name  string
		delta float64
	}

	names := ra.Metadata.IndexNames()
	deltas := make([]indexDelta, 0, len(names))
	for _, name := range names {
		nodes := ra.Model.Nodes()
		if len(nodes) < 2 {
			continue
		}
		sorter := NewNodeSorter(b.wf, ra.Metadata.Params(name), nodes)
		sorter.Reset(name, 0, len(nodes))
		deltas = append(deltas, indexDelta{name: name, delta: sorter.Delta()})
	}
	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].delta > deltas[j].delta })

	for _, d := range deltas {
		b.rebalanceIndex(ra, d.name)
	}
}

// relevantNodes is the §4.6 step-1 filter: nodes already holding a copy of
// indexName, plus nodes the index-level allocate gate doesn't outright
// reject. Nodes that fail both tests can't participate in this index's
// rebalance window.
func (b *Balancer) relevantNodes(ra *RoutingAllocation, indexName string) []*ModelNode {
	indexMeta := ra.indexMeta(indexName)
	var relevant []*ModelNode
	for _, node := range ra.Model.Nodes() {
		if node.IndexOrNil(indexName) != nil {
			relevant = append(relevant, node)
			continue
		}
		if ra.Deciders.CanAllocateIndex(indexMeta, node, ra) != No {
			relevant = append(relevant, node)
		}
	}
	return relevant
}

// rebalanceIndex runs the shrinking-window search of spec §4.6 over
// indexName's relevant nodes: repeatedly compare the lightest and heaviest
// candidates, attempt an improving relocation, and otherwise shrink the
// window (advance lowIdx, or reset it and retreat highIdx) until the
// remaining pair is within threshold or the window is exhausted.
func (b *Balancer) rebalanceIndex(ra *RoutingAllocation, indexName string) {
	relevant := b.relevantNodes(ra, indexName)
	if len(relevant) < 2 {
		return
	}

	params := ra.Metadata.Params(indexName)
	sorter := NewNodeSorter(b.wf, params, relevant)
	sorter.Reset(indexName, 0, len(relevant))

	lowIdx, highIdx := 0, len(relevant)-1
	for lowIdx < highIdx {
		nodes := sorter.Nodes()
		weights := sorter.Weights()
		minNode, maxNode := nodes[lowIdx], nodes[highIdx]

		if maxNode.IndexOrNil(indexName) != nil {
			delta := weights[highIdx] - weights[lowIdx]

			if b.wf.withinThreshold(delta) {
				escape := false
				if highIdx >= 2 {
					edgeDelta := weights[highIdx-1] - weights[0]
					escape = !b.wf.withinThreshold(edgeDelta)
				}
				if !escape {
					return
				}
				// Within threshold for this pair, but the pair
				// (nodes[0], nodes[highIdx-1]) isn't — skip straight to
				// the window-shrink step without attempting this pair.
			} else {
				if b.tryRelocateShard(ra, indexName, maxNode, minNode, params) {
					sorter.Reset(indexName, 0, len(relevant))
					lowIdx, highIdx = 0, len(relevant)-1
					continue
				}
			}
		}

		switch {
		case lowIdx < highIdx-1:
			lowIdx++
		case lowIdx > 0:
			lowIdx = 0
			highIdx--
		default:
			return
		}
	}
}

// tryRelocateShard attempts to move one STARTED shard of indexName from
// from (the heavier node) to to (the lighter node), per spec §4.6.1. A
// candidate must pass both the allocate gate and the per-shard rebalance
// gate; only a strictly improving gain (Δ < minCost) qualifies, with ties
// broken toward the smaller shard-id. A THROTTLE-gated candidate is
// simulated in the Model only and the move is left for a later pass (the
// caller treats a false return as "no move happened, keep shrinking").
func (b *Balancer) tryRelocateShard(ra *RoutingAllocation, indexName string, from, to *ModelNode, params weightParams) bool {
	idx := from.IndexOrNil(indexName)
	if idx == nil {
		return false
	}

	minCost := b.wf.Weight(from, indexName, params) - b.wf.Weight(to, indexName, params)

	var candidate *raft.ShardRouting
	var candidateThrottled bool
	for s := range idx.shardSet() {
		if s.State != raft.ShardStateStarted {
			continue
		}

		allocDecision := ra.Deciders.CanAllocate(s, to, ra)
		rebalanceDecision := ra.Deciders.CanRebalanceShard(s, ra)
		if allocDecision == No || rebalanceDecision == No {
			continue
		}

		afterFrom := b.wf.WeightAfterRemove(from, indexName, params)
		afterTo := b.wf.WeightAfterAdd(to, indexName, params)
		gain := afterTo - afterFrom

		better := gain < minCost
		if gain == minCost && candidate != nil && s.ShardID < candidate.ShardID {
			better = true
		}
		if better {
			minCost = gain
			candidate = s
			candidateThrottled = allocDecision == Throttle || rebalanceDecision == Throttle
		}
	}

	if candidate == nil {
		return false
	}

	from.removeShard(candidate)
	if candidateThrottled {
		to.addShard(simulateInitializing(candidate, to.NodeID()))
		return false
	}

	_, relocated := ra.RoutingNodes.RelocateShard(candidate, to.NodeID(), candidate.ExpectedShardSize)
	to.addShard(relocated)
	b.logger.Debug("relocated shard (rebalance)",
		zap.String("index", indexName), zap.Int32("shard", candidate.ShardID),
		zap.String("from", from.NodeID()), zap.String("to", to.NodeID()))
	return true
}

// WeighShard is the explain query of spec §4.7: it reports, for one shard,
// every candidate node's weight and decision without mutating anything.
func (b *Balancer) WeighShard(ra *RoutingAllocation, s *raft.ShardRouting) []NodeExplain {
	params := ra.Metadata.Params(s.IndexName)
	var out []NodeExplain
	for _, id := range ra.Model.NodeOrder() {
		node := ra.Model.Node(id)
		var decision Decision
		if node.ContainsShard(s) {
			decision = ra.Deciders.CanRemain(s, node, ra)
		} else {
			decision = ra.Deciders.CanAllocate(s, node, ra)
		}
		out = append(out, NodeExplain{
			NodeID:   id,
			Decision: decision,
			Weight:   b.wf.Weight(node, s.IndexName, params),
		})
	}
	return out
}
