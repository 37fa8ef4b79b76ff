package allocation

// Decision is a ternary decider outcome (spec §4.3). It is never an error:
// NO/THROTTLE are first-class routing outcomes a well-formed cluster
// produces all the time (e.g. a full node, an awareness conflict).
type Decision int

const (
	Yes Decision = iota
	Throttle
	No
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "YES"
	case Throttle:
		return "THROTTLE"
	case No:
		return "NO"
	default:
		return "UNKNOWN"
	}
}

// combine folds a new decider's vote into the running decision for one
// shard/node pair: NO is absorbing, THROTTLE beats YES, and a lone YES only
// survives if every decider voted YES (spec §4.3 "most restrictive wins").
func combine(acc, next Decision) Decision {
	if acc == No || next == No {
		return No
	}
	if acc == Throttle || next == Throttle {
		return Throttle
	}
	return Yes
}

// AllocationStatus labels why a shard was left unassigned or unmoved this
// pass (spec §4.4, §6 Changes.Ignored). These are BenignSkip outcomes,
// logged at Debug and never propagated as errors.
type AllocationStatus string

const (
	StatusDecidersNo        AllocationStatus = "DECIDERS_NO"
	StatusDecidersThrottled AllocationStatus = "DECIDERS_THROTTLED"
	StatusNoAttempt         AllocationStatus = "NO_ATTEMPT"
	StatusNotTaken          AllocationStatus = "NOT_TAKEN"
)

// ShardAllocationDecision is the outcome of weighing one unassigned shard
// against every candidate node: either the chosen target plus its decision,
// or a reason no target qualified.
type ShardAllocationDecision struct {
	Decision Decision
	NodeID   string   // set only when Decision == Yes or Throttle
	Status   AllocationStatus
	Explain  []NodeExplain // per-node decider verdicts, for weighShard
}

// NodeExplain records why one candidate node was or wasn't chosen, used by
// the explain query (spec §4.7) rather than by the allocation pass itself.
type NodeExplain struct {
	NodeID   string
	Decision Decision
	Weight   float64
}

// MoveDecision is the outcome of asking whether a STARTED shard may remain
// where it is (spec §4.5 MoveShards, §4.6 Rebalance).
type MoveDecision struct {
	CanRemain Decision
	// TargetNodeID is set only when a forced move found somewhere to go.
	TargetNodeID string
}

// canRemainDecision is the cached outcome for the common case (every
// decider says YES): staying put is fine and no further work is needed.
var canRemainDecision = MoveDecision{CanRemain: Yes}

// notTaken is the shared singleton returned for shards skipped before any
// decider ran (e.g. the unassigned queue was already drained this pass).
var notTaken = ShardAllocationDecision{Decision: No, Status: StatusNotTaken}
