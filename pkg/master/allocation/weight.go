package allocation

import "fmt"

// WeightFunction scores (node, index, Δ) tuples; lower is more desirable.
// It is pure and side-effect free: all per-pass totals (avgShards,
// avgShardsOfIndex) are supplied by the caller rather than cached inside
// the function, so the same WeightFunction value can be shared safely
// across concurrent passes (spec §4.1, §5).
type WeightFunction struct {
	indexBalance float64
	shardBalance float64
	threshold    float64
}

// NewWeightFunction validates and builds a WeightFunction. It fails with a
// plain wrapped error (spec §7.1 InvalidArgument) if indexBalance+
// shardBalance <= 0, or if any factor is negative.
func NewWeightFunction(shardBalance, indexBalance, threshold float64) (*WeightFunction, error) {
	if shardBalance < 0 || indexBalance < 0 {
		return nil, fmt.Errorf("allocation: balance factors must be non-negative, got shard=%v index=%v", shardBalance, indexBalance)
	}
	if threshold < 0 {
		return nil, fmt.Errorf("allocation: threshold must be non-negative, got %v", threshold)
	}
	if shardBalance+indexBalance <= 0 {
		return nil, fmt.Errorf("allocation: shardBalance+indexBalance must be > 0, got %v", shardBalance+indexBalance)
	}
	return &WeightFunction{indexBalance: indexBalance, shardBalance: shardBalance, threshold: threshold}, nil
}

// ShardBalance returns the configured θ₀ input factor.
func (wf *WeightFunction) ShardBalance() float64 { return wf.shardBalance }

// IndexBalance returns the configured θ₁ input factor.
func (wf *WeightFunction) IndexBalance() float64 { return wf.indexBalance }

// Threshold returns the configured rebalance threshold.
func (wf *WeightFunction) Threshold() float64 { return wf.threshold }

func (wf *WeightFunction) theta0() float64 { return wf.shardBalance / (wf.shardBalance + wf.indexBalance) }
func (wf *WeightFunction) theta1() float64 { return wf.indexBalance / (wf.shardBalance + wf.indexBalance) }

// weightParams bundles the per-pass totals a Weight computation needs.
// avgShards/avgShardsOfIndex are computed once at pass start from metadata
// (spec §4.1) and never recomputed mid-pass.
type weightParams struct {
	avgShards        float64
	avgShardsOfIndex float64
}

// weight computes weight(node, index, Δ) = θ₀·(node.totalShards + Δ −
// avgShards) + θ₁·(node.shardsOfIndex + Δ − avgShardsOfIndex).
func (wf *WeightFunction) weight(node *ModelNode, indexName string, delta int, p weightParams) float64 {
	nodeTerm := float64(node.NumShards()+delta) - p.avgShards
	indexTerm := float64(node.NumShardsOfIndex(indexName)+delta) - p.avgShardsOfIndex
	return wf.theta0()*nodeTerm + wf.theta1()*indexTerm
}

// Weight is the current weight (Δ=0).
func (wf *WeightFunction) Weight(node *ModelNode, indexName string, p weightParams) float64 {
	return wf.weight(node, indexName, 0, p)
}

// WeightAfterAdd is the weight as if one more shard of indexName were
// placed on node (Δ=+1).
func (wf *WeightFunction) WeightAfterAdd(node *ModelNode, indexName string, p weightParams) float64 {
	return wf.weight(node, indexName, 1, p)
}

// WeightAfterRemove is the weight as if one shard of indexName were removed
// from node (Δ=−1).
func (wf *WeightFunction) WeightAfterRemove(node *ModelNode, indexName string, p weightParams) float64 {
	return wf.weight(node, indexName, -1, p)
}

// withinThreshold applies the §4.6 floating-point rounding guard: deltas
// within threshold+0.001 are treated as balanced to avoid oscillation from
// floating-point noise.
func (wf *WeightFunction) withinThreshold(delta float64) bool {
	return delta <= wf.threshold+0.001
}
