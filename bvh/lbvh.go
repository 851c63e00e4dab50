package bvh

import (
	"math/bits"
	"slices"
)

// LBVHBuilder builds linear BVHs: primitives are sorted by the Morton
// code of their centroid and every node splits its range at the highest
// bit in which the first and last codes differ. This is the tree a GPU
// radix-sort build produces; the host version follows the same layout.
//
// High quality uses 21 bits per axis; other levels use 10.
type LBVHBuilder struct {
	hostBuilder
}

var (
	_ Builder      = (*LBVHBuilder)(nil)
	_ BatchBuilder = (*LBVHBuilder)(nil)
)

// NewLBVHBuilder returns a Morton-order linear BVH builder.
func NewLBVHBuilder() *LBVHBuilder {
	return &LBVHBuilder{hostBuilder{name: "lbvh", prepare: mortonSort, split: mortonSplit}}
}

// mortonSort assigns codes and sorts prims by (code, id).
func mortonSort(prims []prim, opts Options) {
	if len(prims) == 0 {
		return
	}
	cb := centroidBounds(prims)
	bitsPerAxis := uint(10)
	if opts.Quality == QualityHigh {
		bitsPerAxis = 21
	}
	scale := float32(uint64(1)<<bitsPerAxis - 1)

	for i := range prims {
		var q [3]uint64
		for a := 0; a < 3; a++ {
			extent := cb.Max[a] - cb.Min[a]
			if extent > 0 {
				v := (prims[i].centroid[a] - cb.Min[a]) / extent * scale
				q[a] = uint64(min(max(v, 0), scale))
			}
		}
		prims[i].code = interleave(q, bitsPerAxis)
	}
	slices.SortFunc(prims, func(a, b prim) int {
		switch {
		case a.code < b.code:
			return -1
		case a.code > b.code:
			return 1
		default:
			return int(a.id) - int(b.id)
		}
	})
}

// interleave builds a Morton code from quantized coordinates, x in the
// most significant position of each triple.
func interleave(q [3]uint64, bitsPerAxis uint) uint64 {
	var code uint64
	for b := int(bitsPerAxis) - 1; b >= 0; b-- {
		for a := 0; a < 3; a++ {
			code = code<<1 | (q[a]>>uint(b))&1
		}
	}
	return code
}

// mortonSplit splits a sorted range at the highest differing code bit.
func mortonSplit(prims []prim, _ AABB, _ Options) int {
	first, last := prims[0].code, prims[len(prims)-1].code
	if first == last {
		return len(prims) / 2
	}
	bit := uint(63 - bits.LeadingZeros64(first^last))
	// First element with the bit set; codes are sorted, so the range
	// below it all share the prefix with the bit clear.
	lo, hi := 0, len(prims)-1
	for lo < hi {
		m := (lo + hi) / 2
		if prims[m].code>>bit&1 == 1 {
			hi = m
		} else {
			lo = m + 1
		}
	}
	return lo
}
