// Package arena pairs a block allocator with a growable GPU buffer.
//
// GPU buffers cannot be resized in place. When an allocation does not fit,
// the arena creates a new buffer generation, records a copy of the old
// contents into it and retires the old buffer; the device releases the
// old buffer only after the copy has been submitted.
package arena

import (
	"errors"
	"fmt"

	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/internal/alloc"
)

// ErrOutOfMemory is returned when growing would exceed the arena's
// maximum size or the device's maximum buffer size.
var ErrOutOfMemory = errors.New("arena: out of memory")

// Config describes an arena.
type Config struct {
	// Label is the debug label of every buffer generation.
	Label string

	// ElementSize is the size of one allocator index in bytes.
	ElementSize uint64

	// InitialCapacity is the initial number of elements. Must be positive.
	InitialCapacity int

	// MaxBytes caps the buffer size. Zero means the device limit.
	MaxBytes uint64

	// GrowthFactor rounds growth up. Zero means alloc.DefaultGrowthFactor.
	GrowthFactor float64

	// Usage is the buffer usage. CopySrc and CopyDst are always added.
	Usage gpucore.BufferUsage
}

// Arena is a growable, block-allocated GPU buffer.
//
// Arena is NOT safe for concurrent use.
type Arena struct {
	dev        gpucore.Device
	cfg        Config
	maxElems   int
	alloc      *alloc.BlockAllocator
	buf        gpucore.BufferID
	generation int
}

// New creates an arena and its first buffer generation.
func New(dev gpucore.Device, cfg Config) (*Arena, error) {
	if cfg.ElementSize == 0 {
		return nil, fmt.Errorf("arena %q: element size must be positive", cfg.Label)
	}
	if cfg.InitialCapacity <= 0 {
		return nil, fmt.Errorf("arena %q: initial capacity must be positive", cfg.Label)
	}
	if cfg.GrowthFactor == 0 {
		cfg.GrowthFactor = alloc.DefaultGrowthFactor
	}
	cfg.Usage |= gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst

	limit := dev.MaxBufferSize()
	if cfg.MaxBytes == 0 || cfg.MaxBytes > limit {
		cfg.MaxBytes = limit
	}

	a := &Arena{
		dev:      dev,
		cfg:      cfg,
		maxElems: int(cfg.MaxBytes / cfg.ElementSize),
	}
	if cfg.InitialCapacity > a.maxElems {
		return nil, fmt.Errorf("arena %q: initial capacity %d exceeds %d bytes: %w",
			cfg.Label, cfg.InitialCapacity, cfg.MaxBytes, ErrOutOfMemory)
	}
	if err := a.create(cfg.InitialCapacity); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Arena) create(capacity int) error {
	buf, err := a.createBuffer(capacity)
	if err != nil {
		return err
	}
	a.buf = buf
	a.alloc = alloc.New(capacity,
		alloc.WithGrowthFactor(a.cfg.GrowthFactor),
		alloc.WithMaxCapacity(a.maxElems))
	a.generation++
	return nil
}

func (a *Arena) createBuffer(capacity int) (gpucore.BufferID, error) {
	buf, err := a.dev.CreateBuffer(gpucore.BufferDesc{
		Label: a.cfg.Label,
		Size:  uint64(capacity) * a.cfg.ElementSize,
		Usage: a.cfg.Usage,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("arena %q: create %d elements: %w", a.cfg.Label, capacity, err)
	}
	return buf, nil
}

// Buffer returns the current buffer generation.
func (a *Arena) Buffer() gpucore.BufferID { return a.buf }

// Generation returns how many buffers the arena has created.
func (a *Arena) Generation() int { return a.generation }

// Capacity returns the capacity in elements.
func (a *Arena) Capacity() int { return a.alloc.Capacity() }

// Used returns the number of allocated elements.
func (a *Arena) Used() int { return a.alloc.UsedCount() }

// Outstanding returns the number of live allocations.
func (a *Arena) Outstanding() int { return a.alloc.Outstanding() }

// SizeInBytes returns the size of the current buffer.
func (a *Arena) SizeInBytes() uint64 { return uint64(a.alloc.Capacity()) * a.cfg.ElementSize }

// ElementSize returns the size of one element in bytes.
func (a *Arena) ElementSize() uint64 { return a.cfg.ElementSize }

// ByteOffset converts an allocation offset to a byte offset.
func (a *Arena) ByteOffset(al alloc.Allocation) uint64 {
	return uint64(al.Offset) * a.cfg.ElementSize
}

// Allocate reserves count elements, growing the buffer if needed. On
// failure the arena is unchanged.
func (a *Arena) Allocate(count int) (alloc.Allocation, error) {
	if count <= 0 {
		return alloc.Invalid, fmt.Errorf("arena %q: allocate %d elements", a.cfg.Label, count)
	}
	if al := a.alloc.Allocate(count); al.Valid() {
		return al, nil
	}

	if need := a.alloc.MinimumCapacity(count); need > a.maxElems {
		return alloc.Invalid, fmt.Errorf("arena %q: %d elements need %d bytes, limit %d: %w",
			a.cfg.Label, count, uint64(need)*a.cfg.ElementSize, a.cfg.MaxBytes, ErrOutOfMemory)
	}

	newCap := a.alloc.RequiredCapacity(count)
	newBuf, err := a.createBuffer(newCap)
	if err != nil {
		return alloc.Invalid, err
	}

	oldBuf := a.buf
	oldBytes := a.SizeInBytes()
	if err := a.dev.CopyBufferToBuffer(oldBuf, 0, newBuf, 0, oldBytes); err != nil {
		a.dev.DestroyBuffer(newBuf)
		return alloc.Invalid, fmt.Errorf("arena %q: copy on grow: %w", a.cfg.Label, err)
	}

	al, oldCap, grown := a.alloc.GrowAndAllocate(count)
	a.dev.DestroyBuffer(oldBuf)
	a.buf = newBuf
	a.generation++

	logger().Debug("arena: grew buffer",
		"label", a.cfg.Label,
		"old_capacity", oldCap,
		"new_capacity", grown,
		"generation", a.generation)
	return al, nil
}

// Free returns an allocation to the arena. Contents are not cleared.
func (a *Arena) Free(al alloc.Allocation) {
	a.alloc.Free(al)
}

// Reset frees every allocation but keeps the current buffer and capacity.
func (a *Arena) Reset() {
	a.alloc.Reset()
}

// Clear releases the buffer and recreates the arena at its initial capacity.
func (a *Arena) Clear() error {
	a.dev.DestroyBuffer(a.buf)
	a.buf = gpucore.InvalidID
	return a.create(a.cfg.InitialCapacity)
}

// Release destroys the current buffer. The arena must not be used afterwards.
func (a *Arena) Release() {
	if a.buf != gpucore.InvalidID {
		a.dev.DestroyBuffer(a.buf)
		a.buf = gpucore.InvalidID
	}
}
