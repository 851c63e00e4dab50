package alloc

import (
	"math/rand/v2"
	"testing"
)

// checkInvariant verifies that live allocations and free ranges tile
// [0, capacity) exactly once.
func checkInvariant(t *testing.T, b *BlockAllocator, live []Allocation) {
	t.Helper()

	owner := make([]int, b.Capacity())
	for _, a := range live {
		for i := a.Offset; i < a.End(); i++ {
			owner[i]++
		}
	}
	prevEnd := -1
	for _, r := range b.Ranges() {
		if r.Count <= 0 {
			t.Fatalf("empty free range %+v", r)
		}
		if r.Offset <= prevEnd {
			t.Fatalf("free ranges not sorted and coalesced: %+v", b.Ranges())
		}
		prevEnd = r.End()
		for i := r.Offset; i < r.End(); i++ {
			owner[i]++
		}
	}
	for i, n := range owner {
		if n != 1 {
			t.Fatalf("index %d covered %d times (capacity %d)", i, n, b.Capacity())
		}
	}
	if b.Outstanding() != len(live) {
		t.Fatalf("Outstanding() = %d, want %d", b.Outstanding(), len(live))
	}
}

func TestAllocateFirstFit(t *testing.T) {
	b := New(100)

	a := b.Allocate(10)
	c := b.Allocate(20)
	if a.Offset != 0 || a.Count != 10 {
		t.Errorf("first allocation = %v, want [0:10]", a)
	}
	if c.Offset != 10 || c.Count != 20 {
		t.Errorf("second allocation = %v, want [10:30]", c)
	}

	b.Free(a)
	d := b.Allocate(5)
	if d.Offset != 0 {
		t.Errorf("allocation after free = %v, want offset 0", d)
	}
	checkInvariant(t, b, []Allocation{c, d})
}

func TestAllocateNoFit(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		count    int
	}{
		{"larger than capacity", 10, 11},
		{"zero count", 10, 0},
		{"negative count", 10, -1},
		{"empty allocator", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.capacity)
			a := b.Allocate(tt.count)
			if a.Valid() {
				t.Errorf("Allocate(%d) = %v, want Invalid", tt.count, a)
			}
			if a != Invalid {
				t.Errorf("Allocate(%d) is not the zero value", tt.count)
			}
			if b.Capacity() != tt.capacity {
				t.Errorf("Allocate grew capacity to %d", b.Capacity())
			}
		})
	}
}

func TestAllocateFragmented(t *testing.T) {
	b := New(30)
	x := b.Allocate(10)
	y := b.Allocate(10)
	z := b.Allocate(10)
	b.Free(x)
	b.Free(z)

	if a := b.Allocate(15); a.Valid() {
		t.Fatalf("Allocate(15) = %v, want Invalid with only 10-wide holes", a)
	}
	if b.FreeCount() != 20 {
		t.Errorf("FreeCount() = %d, want 20", b.FreeCount())
	}

	b.Free(y)
	if got := b.Ranges(); len(got) != 1 || got[0].Offset != 0 || got[0].Count != 30 {
		t.Errorf("Ranges() after freeing all = %+v, want single [0:30]", got)
	}
}

func TestFreePanics(t *testing.T) {
	tests := []struct {
		name string
		run  func(b *BlockAllocator)
	}{
		{"invalid", func(b *BlockAllocator) { b.Free(Invalid) }},
		{"double free", func(b *BlockAllocator) {
			a := b.Allocate(4)
			b.Free(a)
			b.Free(a)
		}},
		{"foreign", func(b *BlockAllocator) {
			other := New(10)
			b.Free(other.Allocate(3))
			b.Free(other.Allocate(3))
		}},
		{"wrong count", func(b *BlockAllocator) {
			a := b.Allocate(4)
			a.Count = 2
			b.Free(a)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.run(New(10))
		})
	}
}

func TestGrow(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		opts     []Option
		request  int
		want     int
	}{
		{"no rounding", 10, []Option{WithGrowthFactor(1)}, 12, 12},
		{"rounded by factor", 10, []Option{WithGrowthFactor(2)}, 12, 20},
		{"request above factor", 10, []Option{WithGrowthFactor(1.5)}, 40, 40},
		{"clamped to max", 10, []Option{WithGrowthFactor(4), WithMaxCapacity(25)}, 12, 25},
		{"request above max honored", 10, []Option{WithMaxCapacity(25)}, 30, 30},
		{"never shrinks", 10, nil, 5, 10},
		{"from empty", 0, []Option{WithGrowthFactor(2)}, 8, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.capacity, tt.opts...)
			got := b.Grow(tt.request)
			if got != tt.want {
				t.Errorf("Grow(%d) = %d, want %d", tt.request, got, tt.want)
			}
			if got < tt.request && tt.request > tt.capacity {
				t.Errorf("Grow(%d) returned less than requested", tt.request)
			}
			if b.Capacity() != tt.want {
				t.Errorf("Capacity() = %d, want %d", b.Capacity(), tt.want)
			}
			checkInvariant(t, b, nil)
		})
	}
}

func TestGrowExtendsTailRange(t *testing.T) {
	b := New(10, WithGrowthFactor(1))
	a := b.Allocate(6)
	b.Grow(20)

	r := b.Ranges()
	if len(r) != 1 || r[0].Offset != 6 || r[0].Count != 14 {
		t.Errorf("Ranges() = %+v, want single [6:20]", r)
	}
	checkInvariant(t, b, []Allocation{a})
}

func TestGrowAndAllocateMinimal(t *testing.T) {
	b := New(10, WithGrowthFactor(1))
	a := b.Allocate(8) // tail free: [8:10]

	got, oldCap, newCap := b.GrowAndAllocate(5)
	if oldCap != 10 {
		t.Errorf("oldCapacity = %d, want 10", oldCap)
	}
	if newCap != 13 {
		t.Errorf("newCapacity = %d, want 13 (grow by 5-2)", newCap)
	}
	if got.Offset != 8 || got.Count != 5 {
		t.Errorf("allocation = %v, want [8:13]", got)
	}
	if b.RequiredCapacity(1) != 13+1 {
		t.Errorf("RequiredCapacity(1) = %d, want 14", b.RequiredCapacity(1))
	}
	checkInvariant(t, b, []Allocation{a, got})
}

func TestGrowAndAllocateFits(t *testing.T) {
	b := New(10)
	a, oldCap, newCap := b.GrowAndAllocate(4)
	if !a.Valid() || oldCap != 10 || newCap != 10 {
		t.Errorf("GrowAndAllocate(4) = %v, %d, %d; want valid, 10, 10", a, oldCap, newCap)
	}
}

func TestGrowAndAllocateFragmentedTail(t *testing.T) {
	b := New(10, WithGrowthFactor(1))
	x := b.Allocate(5)
	y := b.Allocate(5)
	b.Free(x) // hole [0:5], no tail

	a, _, newCap := b.GrowAndAllocate(6)
	if newCap != 16 {
		t.Errorf("newCapacity = %d, want 16", newCap)
	}
	if a.Offset != 10 {
		t.Errorf("allocation = %v, want offset 10", a)
	}
	checkInvariant(t, b, []Allocation{y, a})
}

func TestRequiredCapacityMatchesGrowAndAllocate(t *testing.T) {
	b := New(16, WithGrowthFactor(2))
	b.Allocate(12)
	if got := b.MinimumCapacity(20); got != 32 {
		t.Errorf("MinimumCapacity(20) = %d, want 32", got)
	}
	want := b.RequiredCapacity(20)
	_, _, got := b.GrowAndAllocate(20)
	if got != want {
		t.Errorf("GrowAndAllocate capacity = %d, RequiredCapacity = %d", got, want)
	}
}

func TestReset(t *testing.T) {
	b := New(32)
	b.Allocate(10)
	b.Allocate(10)
	b.Grow(64)
	b.Reset()

	if b.Capacity() != 64 {
		t.Errorf("Capacity() = %d after Reset, want 64", b.Capacity())
	}
	if b.Outstanding() != 0 || b.FreeCount() != 64 {
		t.Errorf("Reset left %d live, %d free", b.Outstanding(), b.FreeCount())
	}
}

func TestRandomizedSoundness(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := New(64, WithGrowthFactor(1.25))
	var live []Allocation

	for step := 0; step < 2000; step++ {
		switch {
		case len(live) > 0 && rng.IntN(3) == 0:
			i := rng.IntN(len(live))
			b.Free(live[i])
			live = append(live[:i], live[i+1:]...)
		default:
			n := 1 + rng.IntN(16)
			a := b.Allocate(n)
			if !a.Valid() {
				a, _, _ = b.GrowAndAllocate(n)
			}
			if a.Count != n {
				t.Fatalf("step %d: allocation %v has wrong count %d", step, a, n)
			}
			live = append(live, a)
		}
		if step%50 == 0 {
			checkInvariant(t, b, live)
		}
	}
	checkInvariant(t, b, live)
}

func TestAllocationString(t *testing.T) {
	if got := Invalid.String(); got != "alloc(invalid)" {
		t.Errorf("Invalid.String() = %q", got)
	}
	a := New(8).Allocate(3)
	if got := a.String(); got != "alloc[0:3]" {
		t.Errorf("String() = %q, want alloc[0:3]", got)
	}
}

func BenchmarkAllocateFree(b *testing.B) {
	ba := New(1 << 16)
	rng := rand.New(rand.NewPCG(7, 7))
	live := make([]Allocation, 0, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(live) == cap(live) || (len(live) > 0 && rng.IntN(2) == 0) {
			j := rng.IntN(len(live))
			ba.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		a := ba.Allocate(1 + rng.IntN(64))
		if a.Valid() {
			live = append(live, a)
		}
	}
}
