package bvh

import (
	"math"
	"slices"
)

// Bin counts per quality level for the binned SAH search.
const (
	sahBinsLow    = 8
	sahBinsMedium = 16
	sahBinsHigh   = 32
)

// SAHBuilder builds trees top-down with the surface area heuristic.
//
// Low and medium quality evaluate binned split candidates along every
// axis; high quality with splitting evaluates every primitive boundary.
type SAHBuilder struct {
	hostBuilder
}

var (
	_ Builder      = (*SAHBuilder)(nil)
	_ BatchBuilder = (*SAHBuilder)(nil)
)

// NewSAHBuilder returns a surface-area-heuristic builder.
func NewSAHBuilder() *SAHBuilder {
	return &SAHBuilder{hostBuilder{name: "sah", split: sahSplit}}
}

func sahBins(q Quality) int {
	switch q {
	case QualityLow:
		return sahBinsLow
	case QualityHigh:
		return sahBinsHigh
	default:
		return sahBinsMedium
	}
}

// centroidBounds returns the bounds of the primitive centroids.
func centroidBounds(prims []prim) AABB {
	cb := EmptyAABB()
	for _, p := range prims {
		cb.Extend(p.centroid)
	}
	return cb
}

func sahSplit(prims []prim, _ AABB, opts Options) int {
	cb := centroidBounds(prims)
	if cb.SurfaceArea() == 0 && cb.Max == cb.Min {
		return len(prims) / 2
	}
	if opts.Splitting {
		return sweepSplit(prims)
	}
	if mid := binnedSplit(prims, cb, sahBins(opts.Quality)); mid > 0 && mid < len(prims) {
		return mid
	}
	return medianSplit(prims, cb)
}

// medianSplit sorts along the widest centroid axis and splits in half.
func medianSplit(prims []prim, cb AABB) int {
	axis := widestAxis(cb)
	slices.SortFunc(prims, func(a, b prim) int { return cmpAxis(a, b, axis) })
	return len(prims) / 2
}

func widestAxis(b AABB) int {
	axis, best := 0, b.Max[0]-b.Min[0]
	for i := 1; i < 3; i++ {
		if d := b.Max[i] - b.Min[i]; d > best {
			axis, best = i, d
		}
	}
	return axis
}

func cmpAxis(a, b prim, axis int) int {
	switch {
	case a.centroid[axis] < b.centroid[axis]:
		return -1
	case a.centroid[axis] > b.centroid[axis]:
		return 1
	default:
		return int(a.id) - int(b.id)
	}
}

type sahBin struct {
	bounds AABB
	count  int
}

// binnedSplit finds the cheapest bin boundary over all axes and
// partitions prims around it. It returns 0 if no boundary separates them.
func binnedSplit(prims []prim, cb AABB, bins int) int {
	bestCost := float32(math.Inf(1))
	bestAxis, bestBin := -1, 0

	binOf := func(p prim, axis int) int {
		extent := cb.Max[axis] - cb.Min[axis]
		b := int(float32(bins) * (p.centroid[axis] - cb.Min[axis]) / extent)
		return min(max(b, 0), bins-1)
	}

	buckets := make([]sahBin, bins)
	rightArea := make([]float32, bins)
	rightCount := make([]int, bins)
	for axis := 0; axis < 3; axis++ {
		if cb.Max[axis] <= cb.Min[axis] {
			continue
		}
		for i := range buckets {
			buckets[i] = sahBin{bounds: EmptyAABB()}
		}
		for _, p := range prims {
			b := &buckets[binOf(p, axis)]
			b.bounds = b.bounds.Union(p.bounds)
			b.count++
		}

		acc, n := EmptyAABB(), 0
		for i := bins - 1; i > 0; i-- {
			acc = acc.Union(buckets[i].bounds)
			n += buckets[i].count
			rightArea[i], rightCount[i] = acc.SurfaceArea(), n
		}
		acc, n = EmptyAABB(), 0
		for i := 0; i < bins-1; i++ {
			acc = acc.Union(buckets[i].bounds)
			n += buckets[i].count
			if n == 0 || rightCount[i+1] == 0 {
				continue
			}
			cost := acc.SurfaceArea()*float32(n) + rightArea[i+1]*float32(rightCount[i+1])
			if cost < bestCost {
				bestCost, bestAxis, bestBin = cost, axis, i
			}
		}
	}
	if bestAxis < 0 {
		return 0
	}

	mid := 0
	for j := range prims {
		if binOf(prims[j], bestAxis) <= bestBin {
			prims[mid], prims[j] = prims[j], prims[mid]
			mid++
		}
	}
	return mid
}

// sweepSplit evaluates every split position along every axis.
func sweepSplit(prims []prim) int {
	n := len(prims)
	bestCost := float32(math.Inf(1))
	bestAxis, bestMid := 0, n/2

	right := make([]float32, n)
	for axis := 0; axis < 3; axis++ {
		slices.SortFunc(prims, func(a, b prim) int { return cmpAxis(a, b, axis) })

		acc := EmptyAABB()
		for i := n - 1; i > 0; i-- {
			acc = acc.Union(prims[i].bounds)
			right[i] = acc.SurfaceArea()
		}
		acc = EmptyAABB()
		for i := 1; i < n; i++ {
			acc = acc.Union(prims[i-1].bounds)
			cost := acc.SurfaceArea()*float32(i) + right[i]*float32(n-i)
			if cost < bestCost {
				bestCost, bestAxis, bestMid = cost, axis, i
			}
		}
	}
	if bestAxis != 2 {
		slices.SortFunc(prims, func(a, b prim) int { return cmpAxis(a, b, bestAxis) })
	}
	return bestMid
}
