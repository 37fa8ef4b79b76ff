package allocation

import (
	"sort"

	"github.com/quidditch/quidditch/pkg/master/raft"
)

// ClusterInfo is the core's read-only view of cluster-wide metadata it does
// not own: node attributes and index settings. Deciders consult it through
// RoutingAllocation rather than reaching into raft state directly, keeping
// the allocation package free of any Raft apply/commit concerns.
type ClusterInfo interface {
	NodeMeta(nodeID string) *raft.NodeMeta
	IndexMeta(indexName string) *raft.IndexMeta
	IndexSettings(indexName string) map[string]string
}

// clusterStateInfo is the default ClusterInfo, backed by one ClusterState
// snapshot for the duration of a pass.
type clusterStateInfo struct {
	state *raft.ClusterState
}

// NewClusterInfo adapts a ClusterState snapshot to ClusterInfo.
func NewClusterInfo(state *raft.ClusterState) ClusterInfo {
	return &clusterStateInfo{state: state}
}

func (c *clusterStateInfo) NodeMeta(nodeID string) *raft.NodeMeta {
	return c.state.Nodes[nodeID]
}

func (c *clusterStateInfo) IndexMeta(indexName string) *raft.IndexMeta {
	return c.state.Indices[indexName]
}

func (c *clusterStateInfo) IndexSettings(indexName string) map[string]string {
	if idx, ok := c.state.Indices[indexName]; ok {
		return idx.Settings
	}
	return nil
}

// Metadata holds the per-pass totals the WeightFunction needs (spec §4.1):
// the cluster-wide average shard count per node, and the average shard
// count per (index, node) pair. Computed once at pass start from the Model
// and never recomputed mid-pass, so every weight comparison within one
// pass is against the same baseline.
type Metadata struct {
	totalNodes  int
	avgShards   float64
	perIndex    map[string]float64 // indexName -> avg shards of that index per node
}

// BuildMetadata derives per-pass averages from the Model plus the full set
// of index names known to the cluster (so an index with zero currently
// placed shards still contributes an avgShardsOfIndex of 0, not a missing
// entry).
func BuildMetadata(m *Model, indexShardTotals map[string]int) *Metadata {
	totalNodes := m.NumNodes()
	md := &Metadata{totalNodes: totalNodes, perIndex: make(map[string]float64, len(indexShardTotals))}

	var totalShards int
	for _, node := range m.Nodes() {
		totalShards += node.NumShards()
	}
	if totalNodes > 0 {
		md.avgShards = float64(totalShards) / float64(totalNodes)
	}

	for name, total := range indexShardTotals {
		if totalNodes > 0 {
			md.perIndex[name] = float64(total) / float64(totalNodes)
		}
	}
	return md
}

// Params returns the weightParams for one index, as a BSA pass sees them.
func (md *Metadata) Params(indexName string) weightParams {
	return weightParams{avgShards: md.avgShards, avgShardsOfIndex: md.perIndex[indexName]}
}

// TotalNodes is the cluster-wide node count this pass was computed against.
func (md *Metadata) TotalNodes() int { return md.totalNodes }

// IndexNames returns the index names this pass's averages were computed
// over, sorted lexically so Rebalance visits indices in the same order on
// every pass over identical input (invariant I6, determinism).
func (md *Metadata) IndexNames() []string {
	names := make([]string, 0, len(md.perIndex))
	for name := range md.perIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
