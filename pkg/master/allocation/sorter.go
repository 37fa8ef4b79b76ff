package allocation

import "sort"

// NodeSorter sorts a contiguous prefix [from, to) of a node array, scored
// by a chosen index, with sort.Stable (insertion sort plus symmerge, so
// equal weights keep their existing relative order). It sorts nodes
// ascending by weight (minimum weight first) and keeps each node pointer
// paired with its freshly computed weight so Delta() and tie-breaks never
// need to recompute.
type NodeSorter struct {
	wf     *WeightFunction
	params weightParams

	nodes   []*ModelNode
	weights []float64

	from, to int
	index    string
}

// NewNodeSorter builds a sorter bound to one WeightFunction and one index's
// per-pass totals, over its own copy of nodes. The Balancer builds a fresh
// sorter for each index it weighs; Reset may be called again on the same
// sorter to re-sort after the Model changes.
func NewNodeSorter(wf *WeightFunction, params weightParams, nodes []*ModelNode) *NodeSorter {
	return &NodeSorter{
		wf:      wf,
		params:  params,
		nodes:   append([]*ModelNode(nil), nodes...),
		weights: make([]float64, len(nodes)),
	}
}

// Reset recomputes weights for indexName over the prefix [from, to) and
// sorts that prefix ascending by weight. Ties fall back to the nodes'
// existing relative order (sort.Sort is not required to be stable, but the
// prefix is small enough in practice that a stable sort costs nothing and
// keeps tie-break behavior deterministic across runs).
func (ns *NodeSorter) Reset(indexName string, from, to int) {
	ns.index = indexName
	ns.from, ns.to = from, to
	for i := from; i < to; i++ {
		ns.weights[i] = ns.wf.Weight(ns.nodes[i], indexName, ns.params)
	}
	sort.Stable(ns)
}

// Nodes returns the full backing node array (mutated in place by Reset's
// sort and by any caller-driven partitioning before Reset is called).
func (ns *NodeSorter) Nodes() []*ModelNode { return ns.nodes }

// Weights returns the weights computed by the last Reset call, aligned
// with Nodes().
func (ns *NodeSorter) Weights() []float64 { return ns.weights }

// Delta returns weights[to-1] - weights[from] for the last Reset prefix.
func (ns *NodeSorter) Delta() float64 {
	if ns.to <= ns.from {
		return 0
	}
	return ns.weights[ns.to-1] - ns.weights[ns.from]
}

// sort.Interface, restricted to [from, to).

func (ns *NodeSorter) Len() int { return ns.to - ns.from }

func (ns *NodeSorter) Less(i, j int) bool {
	return ns.weights[ns.from+i] < ns.weights[ns.from+j]
}

func (ns *NodeSorter) Swap(i, j int) {
	fi, fj := ns.from+i, ns.from+j
	ns.nodes[fi], ns.nodes[fj] = ns.nodes[fj], ns.nodes[fi]
	ns.weights[fi], ns.weights[fj] = ns.weights[fj], ns.weights[fi]
}
