package rtas

import (
	"errors"
	"testing"
)

func TestInstanceTableReusesSlotsFIFO(t *testing.T) {
	tbl := newInstanceTable(3)

	var hs []InstanceHandle
	for i := 0; i < 4; i++ {
		hs = append(hs, tbl.insert(Instance{UserID: uint32(i)}, blasID(i)))
	}
	for _, h := range []InstanceHandle{hs[2], hs[0]} {
		if _, err := tbl.remove(h); err != nil {
			t.Fatal(err)
		}
	}
	if tbl.live != 2 {
		t.Fatalf("live = %d, want 2", tbl.live)
	}

	// Slot 2 was freed first, so it is reused first.
	if h := tbl.insert(Instance{}, 9); h != hs[2] {
		t.Errorf("insert reused %v, want %v", h, hs[2])
	}
	if h := tbl.insert(Instance{}, 9); h != hs[0] {
		t.Errorf("insert reused %v, want %v", h, hs[0])
	}
	if h := tbl.insert(Instance{}, 9); h == hs[0] || h == hs[1] || h == hs[2] || h == hs[3] {
		t.Errorf("insert returned live handle %v", h)
	}
}

func TestInstanceTableLookup(t *testing.T) {
	tbl := newInstanceTable(11)
	h := tbl.insert(Instance{UserID: 5}, 1)

	s, err := tbl.lookup(h)
	if err != nil || s.inst.UserID != 5 || s.blas != 1 {
		t.Fatalf("lookup() = %+v, %v", s, err)
	}

	for _, bad := range []InstanceHandle{h ^ 1, h ^ 0x8000_0000} {
		if _, err := tbl.lookup(bad); !errors.Is(err, ErrUnknownHandle) {
			t.Errorf("lookup(%v) error = %v, want ErrUnknownHandle", bad, err)
		}
	}

	id, err := tbl.remove(h)
	if err != nil || id != 1 {
		t.Fatalf("remove() = %d, %v", id, err)
	}
	if _, err := tbl.lookup(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("lookup(removed) error = %v, want ErrUnknownHandle", err)
	}
}

func TestInstanceTableEachOrder(t *testing.T) {
	tbl := newInstanceTable(1)
	for i := 0; i < 5; i++ {
		tbl.insert(Instance{UserID: uint32(i)}, 0)
	}
	if _, err := tbl.remove(tbl.handle(1)); err != nil {
		t.Fatal(err)
	}

	var got []uint32
	tbl.each(func(_ InstanceHandle, s *instanceSlot) { got = append(got, s.inst.UserID) })
	want := []uint32{0, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("each visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("each visited %v, want %v", got, want)
		}
	}

	tbl.reset()
	count := 0
	tbl.each(func(InstanceHandle, *instanceSlot) { count++ })
	if count != 0 || tbl.live != 0 {
		t.Errorf("after reset: %d visited, live %d", count, tbl.live)
	}
}

func TestInstanceFlags(t *testing.T) {
	tests := []struct {
		in   Instance
		want uint32
	}{
		{Instance{}, 0},
		{Instance{CullingEnabled: true}, 1},
		{Instance{InvertCulling: true}, 2},
		{Instance{CullingEnabled: true, InvertCulling: true}, 3},
	}
	for _, tt := range tests {
		if got := tt.in.flags(); got != tt.want {
			t.Errorf("flags(%+v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestResetQueuesClearedSlotsLast(t *testing.T) {
	tbl := newInstanceTable(7)
	h1 := tbl.insert(Instance{UserID: 1}, 0)
	h2 := tbl.insert(Instance{UserID: 2}, 0)
	h3 := tbl.insert(Instance{UserID: 3}, 0)
	if _, err := tbl.remove(h2); err != nil {
		t.Fatal(err)
	}

	tbl.reset()
	for _, h := range []InstanceHandle{h1, h3} {
		if _, err := tbl.lookup(h); !errors.Is(err, ErrUnknownHandle) {
			t.Errorf("lookup(%v) after reset error = %v, want ErrUnknownHandle", h, err)
		}
	}

	want := []InstanceHandle{h2, h1, h3}
	for i, w := range want {
		if got := tbl.insert(Instance{}, 0); got != w {
			t.Errorf("insert %d after reset = %v, want %v", i, got, w)
		}
	}
	if len(tbl.slots) != 3 {
		t.Errorf("slot count = %d, want 3", len(tbl.slots))
	}
	if h := tbl.insert(Instance{}, 0); h == h1 || h == h2 || h == h3 {
		t.Errorf("fourth insert reused %v", h)
	}
}
