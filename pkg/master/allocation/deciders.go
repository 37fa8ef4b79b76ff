package allocation

import (
	"strings"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

// Decider votes on whether one shard may be allocated to, or remain on, one
// node. The core never inspects a decider's internals; it only ever talks
// to the Deciders façade (spec §4.3 Non-goal (iii)). The façade exposes six
// operations: a per-shard/per-node allocate gate, an index-level allocate
// gate (used to widen the rebalance candidate set), a node-level allocate
// gate (used to detect full/throttled nodes), a per-shard/per-node remain
// gate, and two rebalance gates (global, and per-shard).
type Decider interface {
	// Name identifies the decider in explain output.
	Name() string
	// CanAllocate decides whether shard may be newly placed on node.
	CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision
	// CanAllocateIndex decides whether node is a plausible home for indexMeta
	// in general, without reference to a specific shard. Used to enlarge the
	// set of "relevant nodes" Rebalance considers for an index.
	CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision
	// CanAllocateNode decides whether node can take on any more shards at
	// all, independent of which shard. Used to populate AllocateUnassigned's
	// throttledNodes set once a node has been seen to throttle.
	CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision
	// CanRemain decides whether shard, already on node, may stay there.
	CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision
	// CanRebalance is the global rebalance gate for the whole pass.
	CanRebalance(ra *RoutingAllocation) Decision
	// CanRebalanceShard is the per-shard rebalance gate consulted by
	// tryRelocateShard before a candidate is accepted.
	CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision
}

// Deciders is an ordered chain of Decider votes, combined most-restrictive-
// wins (spec §4.3). Short-circuits on the first NO.
type Deciders struct {
	chain []Decider
}

// NewDeciders builds a decider pipeline from the given chain, consulted in
// order. The stock pipeline is DefaultDeciders; a caller may substitute its
// own Deciders value built here.
func NewDeciders(chain ...Decider) *Deciders {
	return &Deciders{chain: chain}
}

// DefaultDeciders returns the stock pipeline used by the master's Allocator
// when no caller-supplied chain is configured (spec §12 supplement):
// same-shard safety, primary-before-replica ordering, per-node shard caps,
// zone awareness, and per-index attribute filters.
func DefaultDeciders() *Deciders {
	return NewDeciders(
		&SameShardDecider{},
		&ReplicaAfterPrimaryDecider{},
		&ShardLimitDecider{},
		&AwarenessDecider{},
		&FilterDecider{},
	)
}

func (d *Deciders) CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	acc := Yes
	for _, dec := range d.chain {
		acc = combine(acc, dec.CanAllocate(shard, node, ra))
		if acc == No {
			return No
		}
	}
	return acc
}

func (d *Deciders) CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision {
	acc := Yes
	for _, dec := range d.chain {
		acc = combine(acc, dec.CanAllocateIndex(indexMeta, node, ra))
		if acc == No {
			return No
		}
	}
	return acc
}

func (d *Deciders) CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision {
	acc := Yes
	for _, dec := range d.chain {
		acc = combine(acc, dec.CanAllocateNode(node, ra))
		if acc == No {
			return No
		}
	}
	return acc
}

func (d *Deciders) CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	acc := Yes
	for _, dec := range d.chain {
		acc = combine(acc, dec.CanRemain(shard, node, ra))
		if acc == No {
			return No
		}
	}
	return acc
}

func (d *Deciders) CanRebalance(ra *RoutingAllocation) Decision {
	acc := Yes
	for _, dec := range d.chain {
		acc = combine(acc, dec.CanRebalance(ra))
		if acc == No {
			return No
		}
	}
	return acc
}

func (d *Deciders) CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision {
	acc := Yes
	for _, dec := range d.chain {
		acc = combine(acc, dec.CanRebalanceShard(shard, ra))
		if acc == No {
			return No
		}
	}
	return acc
}

// SameShardDecider enforces invariant I2: no two copies of the same shard
// on the same node.
type SameShardDecider struct{}

func (SameShardDecider) Name() string { return "same_shard" }

func (SameShardDecider) CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	if node.ContainsShardID(shard.IndexName, shard.ShardID) {
		return No
	}
	return Yes
}

func (SameShardDecider) CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (SameShardDecider) CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision { return Yes }

func (SameShardDecider) CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (SameShardDecider) CanRebalance(ra *RoutingAllocation) Decision { return Yes }

func (SameShardDecider) CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision {
	return Yes
}

// ReplicaAfterPrimaryDecider forbids starting a replica before its primary
// has at least one assigned (non-unassigned) copy somewhere in the cluster.
type ReplicaAfterPrimaryDecider struct{}

func (ReplicaAfterPrimaryDecider) Name() string { return "replica_after_primary" }

func (ReplicaAfterPrimaryDecider) CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	if shard.IsPrimary {
		return Yes
	}
	if ra.primaryIsAssigned(shard.IndexName, shard.ShardID) {
		return Yes
	}
	return No
}

func (ReplicaAfterPrimaryDecider) CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (ReplicaAfterPrimaryDecider) CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (ReplicaAfterPrimaryDecider) CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (ReplicaAfterPrimaryDecider) CanRebalance(ra *RoutingAllocation) Decision { return Yes }

func (ReplicaAfterPrimaryDecider) CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision {
	return Yes
}

// ShardLimitDecider honors NodeMeta.MaxShards: THROTTLE as the node
// approaches its limit (within one shard), NO once it's at or past it.
// A MaxShards of 0 means unlimited. The limit check has no shard-specific
// component, so the per-shard and node-level/index-level gates all defer to
// the same node-capacity test.
type ShardLimitDecider struct{}

func (ShardLimitDecider) Name() string { return "shard_limit" }

func (ShardLimitDecider) nodeCapacity(node *ModelNode, ra *RoutingAllocation) Decision {
	meta := ra.nodeMeta(node.NodeID())
	if meta == nil || meta.MaxShards <= 0 {
		return Yes
	}
	current := int32(node.NumShards())
	switch {
	case current >= meta.MaxShards:
		return No
	case current == meta.MaxShards-1:
		return Throttle
	default:
		return Yes
	}
}

func (d ShardLimitDecider) CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	return d.nodeCapacity(node, ra)
}

func (d ShardLimitDecider) CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision {
	return d.nodeCapacity(node, ra)
}

func (d ShardLimitDecider) CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision {
	return d.nodeCapacity(node, ra)
}

func (ShardLimitDecider) CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	meta := ra.nodeMeta(node.NodeID())
	if meta == nil || meta.MaxShards <= 0 {
		return Yes
	}
	if int32(node.NumShards()) > meta.MaxShards {
		return No
	}
	return Yes
}

func (ShardLimitDecider) CanRebalance(ra *RoutingAllocation) Decision { return Yes }

func (ShardLimitDecider) CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision {
	return Yes
}

// AwarenessDecider vetoes placing two copies of the same shard in the same
// zone, modeling rack/AZ awareness (spec §8 scenario 3). The veto is
// necessarily shard-specific, so the index-level and node-level gates stay
// permissive (Yes) — they only widen candidate sets, while the real veto
// still applies at CanAllocate(shard, node, ...) time.
type AwarenessDecider struct{}

func (AwarenessDecider) Name() string { return "awareness" }

func (AwarenessDecider) CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	zone := ra.nodeZone(node.NodeID())
	if zone == "" {
		return Yes
	}
	for _, otherID := range ra.Model.NodeOrder() {
		if otherID == node.NodeID() {
			continue
		}
		other := ra.Model.Node(otherID)
		if ra.nodeZone(otherID) != zone {
			continue
		}
		if idx := other.IndexOrNil(shard.IndexName); idx != nil {
			for s := range idx.shardSet() {
				if s.ShardID == shard.ShardID {
					return No
				}
			}
		}
	}
	return Yes
}

func (AwarenessDecider) CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (AwarenessDecider) CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision { return Yes }

func (AwarenessDecider) CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	return Yes
}

func (AwarenessDecider) CanRebalance(ra *RoutingAllocation) Decision { return Yes }

func (AwarenessDecider) CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision {
	return Yes
}

// FilterDecider honors per-index include/exclude node-attribute filters
// stored in IndexMeta.Settings, analogous to a storage-tier placement rule.
// Keys are "index.routing.allocation.include.<attr>" and "...exclude.<attr>";
// the only attribute currently modeled is storage_tier. The filter is
// index-specific, not shard-specific, so the index-level gate runs the same
// tier check directly against indexMeta rather than deferring to Yes.
type FilterDecider struct{}

func (FilterDecider) Name() string { return "filter" }

const (
	filterIncludeTier = "index.routing.allocation.include.storage_tier"
	filterExcludeTier = "index.routing.allocation.exclude.storage_tier"
)

func (FilterDecider) tierDecision(settings map[string]string, tier string) Decision {
	if settings == nil {
		return Yes
	}
	if want, ok := settings[filterIncludeTier]; ok && want != "" {
		if !containsCSV(want, tier) {
			return No
		}
	}
	if exclude, ok := settings[filterExcludeTier]; ok && exclude != "" {
		if containsCSV(exclude, tier) {
			return No
		}
	}
	return Yes
}

func (f FilterDecider) CanAllocate(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	return f.tierDecision(ra.indexSettings(shard.IndexName), ra.nodeTier(node.NodeID()))
}

func (f FilterDecider) CanAllocateIndex(indexMeta *raft.IndexMeta, node *ModelNode, ra *RoutingAllocation) Decision {
	var settings map[string]string
	if indexMeta != nil {
		settings = indexMeta.Settings
	}
	return f.tierDecision(settings, ra.nodeTier(node.NodeID()))
}

func (FilterDecider) CanAllocateNode(node *ModelNode, ra *RoutingAllocation) Decision { return Yes }

func (f FilterDecider) CanRemain(shard *raft.ShardRouting, node *ModelNode, ra *RoutingAllocation) Decision {
	settings := ra.indexSettings(shard.IndexName)
	if settings == nil {
		return Yes
	}
	tier := ra.nodeTier(node.NodeID())
	if exclude, ok := settings[filterExcludeTier]; ok && exclude != "" && containsCSV(exclude, tier) {
		return No
	}
	return Yes
}

func (FilterDecider) CanRebalance(ra *RoutingAllocation) Decision { return Yes }

func (FilterDecider) CanRebalanceShard(shard *raft.ShardRouting, ra *RoutingAllocation) Decision {
	return Yes
}

func containsCSV(csv, value string) bool {
	for _, v := range strings.Split(csv, ",") {
		if strings.TrimSpace(v) == value {
			return true
		}
	}
	return false
}
