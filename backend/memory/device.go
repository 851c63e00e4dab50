// Package memory provides a host-memory implementation of gpucore.Device.
//
// Buffers live in Go byte slices. Recorded commands (uploads, copies and
// compute dispatches) are queued and executed in record order on Submit,
// with compute kernels running through their [gpucore.HostKernel]
// reference implementation. The device serves as the compute-emulated
// backend and as the deterministic device for tests.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// DefaultMaxBufferSize matches the WebGPU default limit (256 MiB).
const DefaultMaxBufferSize = 256 << 20

// ErrNoHostKernel is returned when a kernel has no host implementation.
var ErrNoHostKernel = errors.New("memory: kernel has no host implementation")

// Option configures a Device.
type Option func(*Device)

// WithMaxBufferSize sets the largest buffer the device will create.
func WithMaxBufferSize(n uint64) Option {
	return func(d *Device) {
		if n > 0 {
			d.maxBufferSize = n
		}
	}
}

// Stats counts the work a Device has executed.
type Stats struct {
	Submits      int
	Writes       int
	Copies       int
	Dispatches   int
	LiveBuffers  int
	LiveBytes    uint64
	PeakBytes    uint64
	BuffersFreed int
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("submits=%d writes=%d copies=%d dispatches=%d buffers=%d bytes=%d peak=%d",
		s.Submits, s.Writes, s.Copies, s.Dispatches, s.LiveBuffers, s.LiveBytes, s.PeakBytes)
}

type buffer struct {
	label    string
	usage    gpucore.BufferUsage
	data     []byte
	released bool
}

type pipeline struct {
	desc     gpucore.KernelDesc
	released bool
}

type bindGroup struct {
	pipeline *pipeline
	entries  []gpucore.BindGroupEntry
	buffers  []*buffer
	released bool
}

// command is a recorded unit of work.
type command struct {
	label string
	run   func() error
}

// Device is a host-memory gpucore.Device.
//
// Device is NOT safe for concurrent use.
type Device struct {
	maxBufferSize uint64
	nextID        uint64

	buffers    map[gpucore.BufferID]*buffer
	pipelines  map[gpucore.ComputePipelineID]*pipeline
	bindGroups map[gpucore.BindGroupID]*bindGroup

	pending  []command
	deferred []func()
	recErr   error

	stats Stats
}

var _ gpucore.Device = (*Device)(nil)

// New creates an empty host-memory device.
func New(opts ...Option) *Device {
	d := &Device{
		maxBufferSize: DefaultMaxBufferSize,
		nextID:        1,
		buffers:       make(map[gpucore.BufferID]*buffer),
		pipelines:     make(map[gpucore.ComputePipelineID]*pipeline),
		bindGroups:    make(map[gpucore.BindGroupID]*bindGroup),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) newID() uint64 {
	id := d.nextID
	d.nextID++
	return id
}

// MaxBufferSize returns the maximum buffer size in bytes.
func (d *Device) MaxBufferSize() uint64 { return d.maxBufferSize }

// PendingCommands returns the number of recorded but unsubmitted commands.
func (d *Device) PendingCommands() int { return len(d.pending) }

// Stats returns execution counters.
func (d *Device) Stats() Stats { return d.stats }

// CreateBuffer creates a zero-initialized buffer.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("memory: create buffer %q: size must be positive", desc.Label)
	}
	if desc.Size > d.maxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("memory: create buffer %q (%d bytes): %w",
			desc.Label, desc.Size, gpucore.ErrBufferTooLarge)
	}

	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{
		label: desc.Label,
		usage: desc.Usage,
		data:  make([]byte, desc.Size),
	}
	d.stats.LiveBuffers++
	d.stats.LiveBytes += desc.Size
	d.stats.PeakBytes = max(d.stats.PeakBytes, d.stats.LiveBytes)
	return id, nil
}

func (d *Device) lookupBuffer(id gpucore.BufferID) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok || b.released {
		return nil, fmt.Errorf("%w: %d", gpucore.ErrInvalidBuffer, id)
	}
	return b, nil
}

// DestroyBuffer releases a buffer after pending work is submitted.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	b, ok := d.buffers[id]
	if !ok || b.released {
		return
	}
	b.released = true
	d.deferRelease(func() {
		delete(d.buffers, id)
		d.stats.LiveBuffers--
		d.stats.LiveBytes -= uint64(len(b.data))
		d.stats.BuffersFreed++
	})
}

// deferRelease runs fn now if nothing is pending, otherwise after Submit.
func (d *Device) deferRelease(fn func()) {
	if len(d.pending) == 0 {
		fn()
		return
	}
	d.deferred = append(d.deferred, fn)
}

// BufferSize returns the size of a live buffer in bytes, or 0.
func (d *Device) BufferSize(id gpucore.BufferID) uint64 {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return 0
	}
	return uint64(len(b.data))
}

func checkRange(b *buffer, offset, size uint64) error {
	if offset > uint64(len(b.data)) || size > uint64(len(b.data))-offset {
		return fmt.Errorf("%w: [%d, %d) of %q (%d bytes)",
			gpucore.ErrOutOfRange, offset, offset+size, b.label, len(b.data))
	}
	return nil
}

// WriteBuffer records an upload.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if err := checkRange(b, offset, uint64(len(data))); err != nil {
		return fmt.Errorf("memory: write buffer: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	src := append([]byte(nil), data...)
	d.record("write "+b.label, func() error {
		copy(b.data[offset:], src)
		d.stats.Writes++
		return nil
	})
	return nil
}

// ReadBuffer submits pending work and returns a copy of the range.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return nil, err
	}
	if err := checkRange(b, offset, size); err != nil {
		return nil, fmt.Errorf("memory: read buffer: %w", err)
	}
	if err := d.Submit(); err != nil {
		return nil, err
	}
	return append([]byte(nil), b.data[offset:offset+size]...), nil
}

// CopyBufferToBuffer records a buffer-to-buffer copy.
func (d *Device) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset, size uint64) error {
	s, err := d.lookupBuffer(src)
	if err != nil {
		return fmt.Errorf("memory: copy source: %w", err)
	}
	t, err := d.lookupBuffer(dst)
	if err != nil {
		return fmt.Errorf("memory: copy destination: %w", err)
	}
	if err := checkRange(s, srcOffset, size); err != nil {
		return fmt.Errorf("memory: copy source: %w", err)
	}
	if err := checkRange(t, dstOffset, size); err != nil {
		return fmt.Errorf("memory: copy destination: %w", err)
	}
	if size == 0 {
		return nil
	}
	d.record("copy "+s.label+" -> "+t.label, func() error {
		copy(t.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
		d.stats.Copies++
		return nil
	})
	return nil
}

// CreateComputePipeline registers a kernel. Only the host implementation
// is used; the WGSL source is kept for diagnostics.
func (d *Device) CreateComputePipeline(desc *gpucore.KernelDesc) (gpucore.ComputePipelineID, error) {
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("memory: nil kernel descriptor")
	}
	if desc.Host == nil {
		return gpucore.InvalidID, fmt.Errorf("memory: kernel %q: %w", desc.Label, ErrNoHostKernel)
	}
	id := gpucore.ComputePipelineID(d.newID())
	d.pipelines[id] = &pipeline{desc: *desc}
	return id, nil
}

// DestroyComputePipeline releases a pipeline after pending work is submitted.
func (d *Device) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	p, ok := d.pipelines[id]
	if !ok || p.released {
		return
	}
	p.released = true
	d.deferRelease(func() { delete(d.pipelines, id) })
}

// CreateBindGroup binds buffers to a pipeline's binding slots.
func (d *Device) CreateBindGroup(pipelineID gpucore.ComputePipelineID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	p, ok := d.pipelines[pipelineID]
	if !ok || p.released {
		return gpucore.InvalidID, fmt.Errorf("%w: %d", gpucore.ErrInvalidPipeline, pipelineID)
	}

	bg := &bindGroup{pipeline: p}
	for _, layout := range p.desc.Bindings {
		e, found := findEntry(entries, layout.Binding)
		if !found {
			return gpucore.InvalidID, fmt.Errorf("memory: kernel %q: binding %d not provided", p.desc.Label, layout.Binding)
		}
		b, err := d.lookupBuffer(e.Buffer)
		if err != nil {
			return gpucore.InvalidID, fmt.Errorf("memory: kernel %q binding %d: %w", p.desc.Label, layout.Binding, err)
		}
		size := e.Size
		if size == 0 && e.Offset <= uint64(len(b.data)) {
			size = uint64(len(b.data)) - e.Offset
		}
		if err := checkRange(b, e.Offset, size); err != nil {
			return gpucore.InvalidID, fmt.Errorf("memory: kernel %q binding %d: %w", p.desc.Label, layout.Binding, err)
		}
		e.Size = size
		bg.entries = append(bg.entries, e)
		bg.buffers = append(bg.buffers, b)
	}

	id := gpucore.BindGroupID(d.newID())
	d.bindGroups[id] = bg
	return id, nil
}

func findEntry(entries []gpucore.BindGroupEntry, binding uint32) (gpucore.BindGroupEntry, bool) {
	for _, e := range entries {
		if e.Binding == binding {
			return e, true
		}
	}
	return gpucore.BindGroupEntry{}, false
}

// DestroyBindGroup releases a bind group after pending work is submitted.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	bg, ok := d.bindGroups[id]
	if !ok || bg.released {
		return
	}
	bg.released = true
	d.deferRelease(func() { delete(d.bindGroups, id) })
}

// BeginComputePass starts recording a compute pass.
func (d *Device) BeginComputePass(label string) gpucore.ComputePassEncoder {
	return &computePass{device: d, label: label}
}

func (d *Device) record(label string, run func() error) {
	d.pending = append(d.pending, command{label: label, run: run})
}

// fail stores the first recording error; Submit reports it.
func (d *Device) fail(err error) {
	if d.recErr == nil {
		d.recErr = err
	}
}

// Submit executes all recorded commands in order and then releases
// resources whose destruction was deferred. If a command fails, the
// remaining commands are dropped and the error is returned.
func (d *Device) Submit() error {
	pending := d.pending
	d.pending = nil
	recErr := d.recErr
	d.recErr = nil

	var err error
	if recErr != nil {
		err = recErr
	} else {
		for _, cmd := range pending {
			if cerr := cmd.run(); cerr != nil {
				err = fmt.Errorf("memory: %s: %w", cmd.label, cerr)
				break
			}
		}
	}
	d.stats.Submits++

	deferred := d.deferred
	d.deferred = nil
	for _, fn := range deferred {
		fn()
	}
	return err
}

// computePass records dispatches into its device.
type computePass struct {
	device   *Device
	label    string
	pipeline *pipeline
	group    *bindGroup
	ended    bool
}

func (p *computePass) SetPipeline(id gpucore.ComputePipelineID) {
	pl, ok := p.device.pipelines[id]
	if !ok || pl.released {
		p.device.fail(fmt.Errorf("memory: pass %q: %w: %d", p.label, gpucore.ErrInvalidPipeline, id))
		return
	}
	p.pipeline = pl
}

func (p *computePass) SetBindGroup(index uint32, id gpucore.BindGroupID) {
	bg, ok := p.device.bindGroups[id]
	if !ok || bg.released || index != 0 {
		p.device.fail(fmt.Errorf("memory: pass %q: %w: %d at index %d", p.label, gpucore.ErrInvalidBindGroup, id, index))
		return
	}
	p.group = bg
}

func (p *computePass) ready() bool {
	if p.ended {
		p.device.fail(fmt.Errorf("memory: pass %q: dispatch after End", p.label))
		return false
	}
	if p.pipeline == nil || p.group == nil {
		p.device.fail(fmt.Errorf("memory: pass %q: dispatch without pipeline or bind group", p.label))
		return false
	}
	if p.group.pipeline != p.pipeline {
		p.device.fail(fmt.Errorf("memory: pass %q: bind group belongs to another pipeline", p.label))
		return false
	}
	return true
}

func (p *computePass) Dispatch(x, y, z uint32) {
	if !p.ready() {
		return
	}
	pl, bg := p.pipeline, p.group
	groups := [3]uint32{x, y, z}
	p.device.record("dispatch "+pl.desc.Label, func() error {
		p.device.runKernel(pl, bg, groups)
		return nil
	})
}

func (p *computePass) DispatchIndirect(id gpucore.BufferID, offset uint64) {
	if !p.ready() {
		return
	}
	b, err := p.device.lookupBuffer(id)
	if err == nil {
		err = checkRange(b, offset, 12)
	}
	if err != nil {
		p.device.fail(fmt.Errorf("memory: pass %q: indirect buffer: %w", p.label, err))
		return
	}
	if offset%4 != 0 {
		p.device.fail(fmt.Errorf("memory: pass %q: indirect offset %d not 4-byte aligned", p.label, offset))
		return
	}
	pl, bg := p.pipeline, p.group
	p.device.record("dispatch indirect "+pl.desc.Label, func() error {
		var groups [3]uint32
		for i := range groups {
			groups[i] = binary.LittleEndian.Uint32(b.data[offset+uint64(i)*4:])
		}
		p.device.runKernel(pl, bg, groups)
		return nil
	})
}

func (p *computePass) End() {
	p.ended = true
}

func (d *Device) runKernel(pl *pipeline, bg *bindGroup, groups [3]uint32) {
	d.stats.Dispatches++
	if groups[0] == 0 || groups[1] == 0 || groups[2] == 0 {
		return
	}
	bindings := make([][]byte, len(bg.entries))
	for i, e := range bg.entries {
		bindings[i] = bg.buffers[i].data[e.Offset : e.Offset+e.Size]
	}
	pl.desc.Host(groups, bindings)
}
