package rtas

import (
	"fmt"
	"math/rand/v2"

	"github.com/gogpu/rtas/bvh"
)

// InstanceHandle is an opaque reference to a scene instance.
//
// Handles are slot indices obfuscated with a per-structure random mask,
// so handles from one AccelerationStructure are meaningless to another.
// Freed slots are reused in FIFO order; a handle may therefore be
// reissued after its instance is removed.
type InstanceHandle uint32

// String returns the handle in hex.
func (h InstanceHandle) String() string { return fmt.Sprintf("instance#%08x", uint32(h)) }

// Instance is the state of one scene instance.
type Instance struct {
	Key            GeometryKey
	Transform      bvh.Transform
	Mask           uint8
	CullingEnabled bool
	// InvertCulling flips the front-face winding.
	InvertCulling bool
	UserID        uint32
}

// flags returns the instance info flag bits.
func (in *Instance) flags() uint32 {
	var f uint32
	if in.CullingEnabled {
		f |= bvh.InstanceCullingEnabled
	}
	if in.InvertCulling {
		f |= bvh.InstanceFlipFacing
	}
	return f
}

type instanceSlot struct {
	inst Instance
	blas blasID
	live bool
}

// instanceTable stores instances in dense slots addressed by obfuscated
// handles.
type instanceTable struct {
	mask  uint32
	slots []instanceSlot
	free  []uint32 // FIFO
	live  int
}

func newInstanceTable(seed uint64) *instanceTable {
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &instanceTable{mask: rng.Uint32()}
}

func (t *instanceTable) handle(idx uint32) InstanceHandle { return InstanceHandle(idx ^ t.mask) }

// insert stores a slot, reusing the oldest freed index first.
func (t *instanceTable) insert(inst Instance, blas blasID) InstanceHandle {
	var idx uint32
	if len(t.free) > 0 {
		idx = t.free[0]
		t.free = t.free[1:]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, instanceSlot{})
	}
	t.slots[idx] = instanceSlot{inst: inst, blas: blas, live: true}
	t.live++
	return t.handle(idx)
}

// lookup resolves a handle to its live slot.
func (t *instanceTable) lookup(h InstanceHandle) (*instanceSlot, error) {
	idx := uint32(h) ^ t.mask
	if int(idx) >= len(t.slots) || !t.slots[idx].live {
		return nil, fmt.Errorf("%w: %v", ErrUnknownHandle, h)
	}
	return &t.slots[idx], nil
}

// remove frees the slot of a live handle and returns its BLAS.
func (t *instanceTable) remove(h InstanceHandle) (blasID, error) {
	s, err := t.lookup(h)
	if err != nil {
		return 0, err
	}
	id := s.blas
	*s = instanceSlot{}
	t.free = append(t.free, uint32(h)^t.mask)
	t.live--
	return id, nil
}

// each calls fn for every live slot in index order.
func (t *instanceTable) each(fn func(h InstanceHandle, s *instanceSlot)) {
	for i := range t.slots {
		if t.slots[i].live {
			fn(t.handle(uint32(i)), &t.slots[i])
		}
	}
}

// reset drops every instance. The mask and the slot count are kept:
// slots that were live join the back of the free queue in index order,
// behind slots freed earlier.
func (t *instanceTable) reset() {
	for i := range t.slots {
		if t.slots[i].live {
			t.slots[i] = instanceSlot{}
			t.free = append(t.free, uint32(i))
		}
	}
	t.live = 0
}
