package encoder

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// AggregationKind selects how the sampled neighbors of each node are
// reduced to a single vector.
type AggregationKind int

const (
	// MeanAggregation averages the neighbor embeddings per node.
	MeanAggregation AggregationKind = iota

	// SumAggregation sums the neighbor embeddings per node.
	SumAggregation
)

// String implements fmt.Stringer.
func (k AggregationKind) String() string {
	switch k {
	case MeanAggregation:
		return "mean"
	case SumAggregation:
		return "sum"
	}
	return "invalid"
}

// AggregationKindFromString parses a kind name ("mean" or "sum").
func AggregationKindFromString(name string) AggregationKind {
	switch name {
	case "mean":
		return MeanAggregation
	case "sum":
		return SumAggregation
	}
	Panicf("unknown aggregation kind %q, valid values are \"mean\" and \"sum\"", name)
	return MeanAggregation
}

// Aggregate reduces the flat neighbor embeddings `flat`, shaped
// [nodeCount*numSample, dim], into one embedding per node, shaped
// [nodeCount, dim]. The per-node group size is inferred from the row count.
func (k AggregationKind) Aggregate(flat *Node, nodeCount int) *Node {
	if flat.Rank() != 2 {
		Panicf("aggregation requires a rank-2 [rows, dim] input, got shape %s", flat.Shape())
	}
	rows := flat.Shape().Dim(0)
	if nodeCount <= 0 || rows%nodeCount != 0 {
		Panicf("aggregation over %d rows cannot be grouped into %d nodes", rows, nodeCount)
	}
	numSample := rows / nodeCount
	grouped := Reshape(flat, nodeCount, numSample, flat.Shape().Dim(1))
	switch k {
	case MeanAggregation:
		return ReduceMean(grouped, 1)
	case SumAggregation:
		return ReduceSum(grouped, 1)
	}
	Panicf("invalid aggregation kind %d", k)
	return nil
}
