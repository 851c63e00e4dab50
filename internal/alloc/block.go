// Package alloc implements a free-list block allocator over an integer
// index space.
//
// The allocator only does bookkeeping: it hands out contiguous ranges of
// element indices and never touches GPU memory. Callers pair it with a
// buffer and grow the buffer whenever the allocator grows.
package alloc

import (
	"fmt"
	"math"
	"sort"
)

// Allocation is a contiguous range [Offset, Offset+Count) handed out by a
// BlockAllocator. The zero value is Invalid.
type Allocation struct {
	Offset int
	Count  int
	valid  bool
}

// Invalid is the allocation returned when no contiguous run is free.
var Invalid Allocation

// Valid reports whether the allocation was handed out by an allocator.
func (a Allocation) Valid() bool { return a.valid }

// End returns the index one past the last element of the allocation.
func (a Allocation) End() int { return a.Offset + a.Count }

// String returns a compact form for logs.
func (a Allocation) String() string {
	if !a.valid {
		return "alloc(invalid)"
	}
	return fmt.Sprintf("alloc[%d:%d]", a.Offset, a.End())
}

// span is a free range.
type span struct {
	offset, count int
}

// DefaultGrowthFactor is the factor Grow rounds capacity up by.
const DefaultGrowthFactor = 1.5

// Option configures a BlockAllocator.
type Option func(*BlockAllocator)

// WithGrowthFactor sets the factor by which Grow rounds the requested
// capacity up. Factors below 1 disable rounding.
func WithGrowthFactor(f float64) Option {
	return func(b *BlockAllocator) {
		if f < 1 {
			f = 1
		}
		b.growth = f
	}
}

// WithMaxCapacity clamps rounding performed by Grow. A requested capacity
// above the maximum is still honored exactly; only the rounding is clamped.
func WithMaxCapacity(n int) Option {
	return func(b *BlockAllocator) {
		if n > 0 {
			b.maxCapacity = n
		}
	}
}

// BlockAllocator is a first-fit free-list allocator over [0, capacity).
//
// Every index in [0, capacity) belongs either to exactly one outstanding
// allocation or to exactly one free range. Free ranges are kept sorted and
// coalesced.
//
// BlockAllocator is NOT safe for concurrent use.
type BlockAllocator struct {
	capacity    int
	free        []span
	live        map[int]int
	growth      float64
	maxCapacity int
}

// New creates an allocator with the whole of [0, capacity) free.
func New(capacity int, opts ...Option) *BlockAllocator {
	if capacity < 0 {
		capacity = 0
	}
	b := &BlockAllocator{
		capacity: capacity,
		live:     make(map[int]int),
		growth:   DefaultGrowthFactor,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.Reset()
	return b
}

// Capacity returns the size of the index space.
func (b *BlockAllocator) Capacity() int { return b.capacity }

// Outstanding returns the number of live allocations.
func (b *BlockAllocator) Outstanding() int { return len(b.live) }

// FreeCount returns the total number of free indices.
func (b *BlockAllocator) FreeCount() int {
	n := 0
	for _, s := range b.free {
		n += s.count
	}
	return n
}

// UsedCount returns the number of indices held by live allocations.
func (b *BlockAllocator) UsedCount() int { return b.capacity - b.FreeCount() }

// Ranges returns a snapshot of the free ranges in ascending order.
func (b *BlockAllocator) Ranges() []Allocation {
	out := make([]Allocation, len(b.free))
	for i, s := range b.free {
		out[i] = Allocation{Offset: s.offset, Count: s.count}
	}
	return out
}

// Reset frees every allocation. Capacity is unchanged.
func (b *BlockAllocator) Reset() {
	clear(b.live)
	b.free = b.free[:0]
	if b.capacity > 0 {
		b.free = append(b.free, span{0, b.capacity})
	}
}

// Allocate returns the first free run of count indices, or Invalid if no
// run is large enough. Allocate never grows the allocator.
func (b *BlockAllocator) Allocate(count int) Allocation {
	if count <= 0 {
		return Invalid
	}
	for i := range b.free {
		s := &b.free[i]
		if s.count < count {
			continue
		}
		a := Allocation{Offset: s.offset, Count: count, valid: true}
		s.offset += count
		s.count -= count
		if s.count == 0 {
			b.free = append(b.free[:i], b.free[i+1:]...)
		}
		b.live[a.Offset] = count
		return a
	}
	return Invalid
}

// Free returns an allocation to the free list, coalescing with its
// neighbors. Freeing an allocation that is not outstanding panics.
func (b *BlockAllocator) Free(a Allocation) {
	if !a.valid {
		panic("alloc: free of invalid allocation")
	}
	n, ok := b.live[a.Offset]
	if !ok || n != a.Count {
		panic(fmt.Sprintf("alloc: free of unknown allocation %v", a))
	}
	delete(b.live, a.Offset)

	i := sort.Search(len(b.free), func(i int) bool { return b.free[i].offset > a.Offset })
	b.free = append(b.free, span{})
	copy(b.free[i+1:], b.free[i:])
	b.free[i] = span{a.Offset, a.Count}

	// Merge with the successor first so i stays valid.
	if i+1 < len(b.free) && b.free[i].offset+b.free[i].count == b.free[i+1].offset {
		b.free[i].count += b.free[i+1].count
		b.free = append(b.free[:i+1], b.free[i+2:]...)
	}
	if i > 0 && b.free[i-1].offset+b.free[i-1].count == b.free[i].offset {
		b.free[i-1].count += b.free[i].count
		b.free = append(b.free[:i], b.free[i+1:]...)
	}
}

// tailFree returns the length of the free range ending at capacity.
func (b *BlockAllocator) tailFree() int {
	if len(b.free) == 0 {
		return 0
	}
	last := b.free[len(b.free)-1]
	if last.offset+last.count != b.capacity {
		return 0
	}
	return last.count
}

// roundCapacity returns the capacity Grow would produce for newCapacity.
func (b *BlockAllocator) roundCapacity(newCapacity int) int {
	if newCapacity <= b.capacity {
		return b.capacity
	}
	rounded := newCapacity
	if g := float64(b.capacity) * b.growth; g > float64(rounded) {
		if g > math.MaxInt32 {
			g = math.MaxInt32
		}
		rounded = int(math.Ceil(g))
	}
	if b.maxCapacity > 0 && rounded > b.maxCapacity {
		rounded = max(b.maxCapacity, newCapacity)
	}
	return rounded
}

// Grow extends the index space to at least newCapacity and returns the new
// capacity, which may be rounded up by the growth factor. The added range
// becomes free. Grow never shrinks.
func (b *BlockAllocator) Grow(newCapacity int) int {
	target := b.roundCapacity(newCapacity)
	if target == b.capacity {
		return b.capacity
	}
	added := target - b.capacity
	if tail := b.tailFree(); tail > 0 {
		b.free[len(b.free)-1].count += added
	} else {
		b.free = append(b.free, span{b.capacity, added})
	}
	b.capacity = target
	return target
}

// RequiredCapacity returns the capacity GrowAndAllocate(count) would grow
// to, or the current capacity if the allocation already fits.
func (b *BlockAllocator) RequiredCapacity(count int) int {
	if count <= 0 {
		return b.capacity
	}
	for _, s := range b.free {
		if s.count >= count {
			return b.capacity
		}
	}
	return b.roundCapacity(b.capacity + count - b.tailFree())
}

// MinimumCapacity returns the smallest capacity at which count indices
// fit, growing only the tail.
func (b *BlockAllocator) MinimumCapacity(count int) int {
	for _, s := range b.free {
		if s.count >= count {
			return b.capacity
		}
	}
	return b.capacity + count - b.tailFree()
}

// GrowAndAllocate allocates count indices, growing the index space by the
// minimum amount (before rounding) that lets the allocation succeed. It
// returns the allocation along with the capacity before and after.
func (b *BlockAllocator) GrowAndAllocate(count int) (a Allocation, oldCapacity, newCapacity int) {
	oldCapacity = b.capacity
	if count <= 0 {
		return Invalid, oldCapacity, oldCapacity
	}
	if a = b.Allocate(count); a.Valid() {
		return a, oldCapacity, oldCapacity
	}
	newCapacity = b.Grow(b.capacity + count - b.tailFree())
	a = b.Allocate(count)
	if !a.Valid() {
		panic(fmt.Sprintf("alloc: grow to %d did not fit %d indices", newCapacity, count))
	}
	return a, oldCapacity, newCapacity
}
