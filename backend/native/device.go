package native

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// DefaultTimeout bounds how long Submit waits for the GPU.
const DefaultTimeout = 5 * time.Second

// Option configures a Device.
type Option func(*Device)

// WithTimeout sets the fence wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.timeout = d }
}

// WithLimits sets the device limits. Defaults to gputypes.DefaultLimits().
func WithLimits(l gputypes.Limits) Option {
	return func(dev *Device) { dev.limits = l }
}

type buffer struct {
	hal   hal.Buffer
	label string
	size  uint64
}

// Device implements gpucore.Device on a HAL device and queue.
//
// Device is NOT safe for concurrent use.
type Device struct {
	device  hal.Device
	queue   hal.Queue
	limits  gputypes.Limits
	timeout time.Duration
	log     *slog.Logger

	// release destroys a device opened by NewDefault.
	release func()

	nextID     uint64
	buffers    map[gpucore.BufferID]*buffer
	pipelines  map[gpucore.ComputePipelineID]*pipeline
	bindGroups map[gpucore.BindGroupID]hal.BindGroup

	// encoder is non-nil while commands are recorded but not submitted.
	encoder  hal.CommandEncoder
	recErr   error
	deferred []func()
	submits  int
	closed   bool

	stagedWrites int
}

// New wraps an existing HAL device and queue. The caller keeps ownership
// of both.
func New(device hal.Device, queue hal.Queue, opts ...Option) *Device {
	d := &Device{
		device:     device,
		queue:      queue,
		limits:     gputypes.DefaultLimits(),
		timeout:    DefaultTimeout,
		log:        slog.New(nopHandler{}),
		buffers:    make(map[gpucore.BufferID]*buffer),
		pipelines:  make(map[gpucore.ComputePipelineID]*pipeline),
		bindGroups: make(map[gpucore.BindGroupID]hal.BindGroup),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewFromProvider shares the device of a host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, queue, opts...), nil
}

// NewDefault opens a standalone Vulkan device, preferring discrete and
// integrated GPUs. Close destroys it.
func NewDefault(opts ...Option) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoGPU)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoGPU
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}

	d := New(openDev.Device, openDev.Queue, append([]Option{WithLimits(limits)}, opts...)...)
	d.release = func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	d.log.Info("native: GPU initialized", "adapter", selected.Info.Name)
	return d, nil
}

func (d *Device) newID() uint64 {
	d.nextID++
	return d.nextID
}

// MaxBufferSize returns the maximum buffer size in bytes.
func (d *Device) MaxBufferSize() uint64 { return d.limits.MaxBufferSize }

// PendingCommands reports whether recorded work awaits submission.
func (d *Device) PendingCommands() bool { return d.encoder != nil }

// Submits returns how many command buffers have been submitted.
func (d *Device) Submits() int { return d.submits }

// StagedWrites returns how many writes were recorded as staged copies.
func (d *Device) StagedWrites() int { return d.stagedWrites }

// CreateBuffer creates a zero-initialized buffer.
func (d *Device) CreateBuffer(desc gpucore.BufferDesc) (gpucore.BufferID, error) {
	if d.closed {
		return gpucore.InvalidID, ErrClosed
	}
	if desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q: size must be positive", desc.Label)
	}
	if desc.Size > d.MaxBufferSize() {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q (%d bytes): %w",
			desc.Label, desc.Size, gpucore.ErrBufferTooLarge)
	}
	// Storage bindings need 4-byte aligned sizes.
	size := (desc.Size + 3) &^ 3

	hb, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: convertBufferUsage(desc.Usage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	id := gpucore.BufferID(d.newID())
	d.buffers[id] = &buffer{hal: hb, label: desc.Label, size: desc.Size}
	return id, nil
}

func (d *Device) lookupBuffer(id gpucore.BufferID) (*buffer, error) {
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", gpucore.ErrInvalidBuffer, id)
	}
	return b, nil
}

func checkRange(b *buffer, offset, size uint64) error {
	if offset > b.size || size > b.size-offset {
		return fmt.Errorf("%w: [%d, %d) of %q (%d bytes)",
			gpucore.ErrOutOfRange, offset, offset+size, b.label, b.size)
	}
	return nil
}

// deferRelease runs fn now if nothing is recorded, otherwise after the
// next submission completes.
func (d *Device) deferRelease(fn func()) {
	if d.encoder == nil {
		fn()
		return
	}
	d.deferred = append(d.deferred, fn)
}

// DestroyBuffer releases a buffer once recorded work is submitted.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	b, ok := d.buffers[id]
	if !ok {
		return
	}
	delete(d.buffers, id)
	d.deferRelease(func() { d.device.DestroyBuffer(b.hal) })
}

// BufferSize returns the size of a live buffer in bytes, or 0.
func (d *Device) BufferSize(id gpucore.BufferID) uint64 {
	if b, ok := d.buffers[id]; ok {
		return b.size
	}
	return 0
}

// WriteBuffer uploads data through the queue. While commands are being
// recorded, aligned writes are staged and recorded as a copy; unaligned
// writes submit the recorded work first.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return err
	}
	if err := checkRange(b, offset, uint64(len(data))); err != nil {
		return fmt.Errorf("native: write buffer: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	aligned := offset%4 == 0 && len(data)%4 == 0
	if d.encoder != nil {
		if aligned {
			return d.stageWrite(b, offset, data)
		}
		// The read-modify-write below needs an idle queue.
		if err := d.Submit(); err != nil {
			return err
		}
	}
	if !aligned {
		return d.writeUnaligned(b, offset, data)
	}
	d.queue.WriteBuffer(b.hal, offset, data)
	return nil
}

// stageWrite uploads data into a fresh staging buffer and records a copy
// into the target, so the write lands after the commands recorded before
// it without a submission. The staging buffer is released after the next
// submit.
func (d *Device) stageWrite(b *buffer, offset uint64, data []byte) error {
	size := uint64(len(data))
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "staging-upload",
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("native: create staging buffer: %w", err)
	}
	d.queue.WriteBuffer(staging, 0, data)
	d.encoder.CopyBufferToBuffer(staging, b.hal, []hal.BufferCopy{{SrcOffset: 0, DstOffset: offset, Size: size}})
	d.deferRelease(func() { d.device.DestroyBuffer(staging) })
	d.stagedWrites++
	return nil
}

// writeUnaligned widens the write to whole words, preserving the bytes
// around it.
func (d *Device) writeUnaligned(b *buffer, offset uint64, data []byte) error {
	start := offset &^ 3
	end := min((offset+uint64(len(data))+3)&^3, (b.size+3)&^3)
	word, err := d.readRaw(b, start, end-start)
	if err != nil {
		return err
	}
	copy(word[offset-start:], data)
	d.queue.WriteBuffer(b.hal, start, word)
	return nil
}

// ReadBuffer submits recorded work, waits for it and copies the range
// back through a staging buffer.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	b, err := d.lookupBuffer(id)
	if err != nil {
		return nil, err
	}
	if err := checkRange(b, offset, size); err != nil {
		return nil, fmt.Errorf("native: read buffer: %w", err)
	}
	if err := d.Submit(); err != nil {
		return nil, err
	}
	start := offset &^ 3
	raw, err := d.readRaw(b, start, (offset+size+3)&^3-start)
	if err != nil {
		return nil, err
	}
	return raw[offset-start : offset-start+size], nil
}

// readRaw copies an aligned range into host memory. Nothing may be
// recorded when it is called.
func (d *Device) readRaw(b *buffer, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "staging-readback",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "buffer-read-encoder"})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding("buffer-read"); err != nil {
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}
	enc.CopyBufferToBuffer(b.hal, staging, []hal.BufferCopy{{SrcOffset: offset, DstOffset: 0, Size: size}})
	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("native: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	if err := d.submitAndWait(cmdBuf); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, out); err != nil {
		return nil, fmt.Errorf("native: readback: %w", err)
	}
	return out, nil
}

// ensureEncoder returns the recording encoder, creating it on first use.
func (d *Device) ensureEncoder() (hal.CommandEncoder, error) {
	if d.encoder != nil {
		return d.encoder, nil
	}
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "rtas-encoder"})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding("rtas"); err != nil {
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}
	d.encoder = enc
	return enc, nil
}

// CopyBufferToBuffer records a buffer-to-buffer copy.
func (d *Device) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset, size uint64) error {
	s, err := d.lookupBuffer(src)
	if err != nil {
		return fmt.Errorf("native: copy source: %w", err)
	}
	t, err := d.lookupBuffer(dst)
	if err != nil {
		return fmt.Errorf("native: copy destination: %w", err)
	}
	if err := checkRange(s, srcOffset, size); err != nil {
		return fmt.Errorf("native: copy source: %w", err)
	}
	if err := checkRange(t, dstOffset, size); err != nil {
		return fmt.Errorf("native: copy destination: %w", err)
	}
	if size == 0 {
		return nil
	}
	enc, err := d.ensureEncoder()
	if err != nil {
		return err
	}
	enc.CopyBufferToBuffer(s.hal, t.hal, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
	return nil
}

// CreateComputePipeline compiles desc.WGSL with naga and creates the
// shader module, bind group layout, pipeline layout and pipeline.
func (d *Device) CreateComputePipeline(desc *gpucore.KernelDesc) (gpucore.ComputePipelineID, error) {
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("native: nil kernel descriptor")
	}
	if d.closed {
		return gpucore.InvalidID, ErrClosed
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}

	spirv, err := compileWGSL(desc.WGSL)
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: kernel %q: %w", desc.Label, err)
	}

	p := &pipeline{label: desc.Label}
	fail := func(step string, err error) (gpucore.ComputePipelineID, error) {
		p.destroy(d.device)
		return gpucore.InvalidID, fmt.Errorf("native: kernel %q: %s: %w", desc.Label, step, err)
	}

	if p.module, err = d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	}); err != nil {
		return fail("create shader module", err)
	}
	if p.bgl, err = d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label + "_bgl",
		Entries: bindGroupLayoutEntries(desc.Bindings),
	}); err != nil {
		return fail("create bind group layout", err)
	}
	if p.layout, err = d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{p.bgl},
	}); err != nil {
		return fail("create pipeline layout", err)
	}
	if p.pipeline, err = d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: entry,
		},
	}); err != nil {
		return fail("create compute pipeline", err)
	}

	id := gpucore.ComputePipelineID(d.newID())
	d.pipelines[id] = p
	d.log.Debug("native: pipeline created",
		"kernel", desc.Label,
		"bindings", len(desc.Bindings),
		"spirv_words", len(spirv))
	return id, nil
}

// DestroyComputePipeline releases a pipeline after recorded work is submitted.
func (d *Device) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	p, ok := d.pipelines[id]
	if !ok {
		return
	}
	delete(d.pipelines, id)
	d.deferRelease(func() { p.destroy(d.device) })
}

// CreateBindGroup binds buffers to a pipeline's layout.
func (d *Device) CreateBindGroup(pipelineID gpucore.ComputePipelineID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	p, ok := d.pipelines[pipelineID]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: %d", gpucore.ErrInvalidPipeline, pipelineID)
	}

	halEntries := make([]gputypes.BindGroupEntry, len(entries))
	for i, e := range entries {
		b, err := d.lookupBuffer(e.Buffer)
		if err != nil {
			return gpucore.InvalidID, fmt.Errorf("native: bind group entry %d: %w", e.Binding, err)
		}
		size := e.Size
		if err := checkRange(b, e.Offset, size); err != nil {
			return gpucore.InvalidID, fmt.Errorf("native: bind group entry %d: %w", e.Binding, err)
		}
		if size == 0 {
			// Whole-buffer bindings cover the padding so word arrays
			// over odd-sized buffers stay valid.
			size = (b.size+3)&^3 - e.Offset
		}
		halEntries[i] = gputypes.BindGroupEntry{
			Binding: e.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: b.hal.NativeHandle(),
				Offset: e.Offset,
				Size:   size,
			},
		}
	}

	bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + "_bg",
		Layout:  p.bgl,
		Entries: halEntries,
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create bind group for %q: %w", p.label, err)
	}
	id := gpucore.BindGroupID(d.newID())
	d.bindGroups[id] = bg
	return id, nil
}

// DestroyBindGroup releases a bind group after recorded work is submitted.
func (d *Device) DestroyBindGroup(id gpucore.BindGroupID) {
	bg, ok := d.bindGroups[id]
	if !ok {
		return
	}
	delete(d.bindGroups, id)
	d.deferRelease(func() { d.device.DestroyBindGroup(bg) })
}

// fail stores the first recording error; Submit returns it.
func (d *Device) fail(err error) {
	if d.recErr == nil {
		d.recErr = err
	}
}

// Submit ends recording, submits the command buffer and waits for it.
// Deferred releases run afterwards, even on error.
func (d *Device) Submit() error {
	defer d.runDeferred()

	enc := d.encoder
	d.encoder = nil
	recErr := d.recErr
	d.recErr = nil

	if enc == nil {
		return recErr
	}
	if recErr != nil {
		enc.DiscardEncoding()
		return recErr
	}

	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("native: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)
	return d.submitAndWait(cmdBuf)
}

func (d *Device) submitAndWait(cmdBuf hal.CommandBuffer) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("native: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("native: submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, d.timeout)
	if err != nil {
		return fmt.Errorf("native: wait for GPU: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w after %v", ErrTimeout, d.timeout)
	}
	d.submits++
	return nil
}

func (d *Device) runDeferred() {
	deferred := d.deferred
	d.deferred = nil
	for _, fn := range deferred {
		fn()
	}
}

// Close submits outstanding work and destroys every remaining resource.
// A device opened by NewDefault is destroyed as well.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	err := d.Submit()
	for id := range d.bindGroups {
		d.DestroyBindGroup(id)
	}
	for id := range d.pipelines {
		d.DestroyComputePipeline(id)
	}
	for id := range d.buffers {
		d.DestroyBuffer(id)
	}
	d.closed = true
	if d.release != nil {
		d.release()
		d.release = nil
	}
	if err != nil {
		d.log.Warn("native: close", "error", err)
	}
	return err
}
