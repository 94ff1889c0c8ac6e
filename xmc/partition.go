// Package xmc implements the extreme multi-label classification head: a
// label space partitioned into contiguous shards, each shard a linear
// classifier whose weights are modulated by a per-label attention over the
// sub-components of the input embedding, and a distributed wrapper that
// routes the three forward modes (all labels, a label-id shortlist, or
// per-example candidate labels) across the shards.
package xmc

import (
	"fmt"

	. "github.com/gomlx/exceptions"
)

// Range is a half-open [Start, End) block of the label space.
type Range struct {
	Start, End int32
}

// Len returns the number of labels in the range.
func (r Range) Len() int { return int(r.End - r.Start) }

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// Partition splits numLabels into numPartitions contiguous ranges of
// ceil(numLabels/numPartitions) labels each, the last one clipped to
// numLabels. The ranges are disjoint, ordered and cover [0, numLabels)
// exactly.
//
// numPartitions must be small enough that every range is non-empty, an
// empty shard would have no parameters.
func Partition(numLabels, numPartitions int) []Range {
	if numLabels <= 0 {
		Panicf("xmc.Partition: number of labels must be positive, got %d", numLabels)
	}
	if numPartitions <= 0 {
		Panicf("xmc.Partition: number of partitions must be positive, got %d", numPartitions)
	}
	size := (numLabels + numPartitions - 1) / numPartitions
	if (numPartitions-1)*size >= numLabels {
		Panicf("xmc.Partition: %d labels over %d partitions of %d leaves the last partition empty, use fewer partitions",
			numLabels, numPartitions, size)
	}
	ranges := make([]Range, numPartitions)
	for ii := range ranges {
		ranges[ii].Start = int32(ii * size)
		ranges[ii].End = min(int32((ii+1)*size), int32(numLabels))
	}
	return ranges
}
