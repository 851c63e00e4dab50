package native

import (
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// createNoopDevice creates a noop device and queue for testing.
// Returns the device, queue, and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	d := New(device, queue, opts...)
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		cleanup()
	})
	return d
}

func mustBuffer(t *testing.T, d *Device, size uint64) gpucore.BufferID {
	t.Helper()
	id, err := d.CreateBuffer(gpucore.BufferDesc{Label: "test", Size: size, Usage: gpucore.BufferUsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer(%d) error = %v", size, err)
	}
	return id
}

const incrementWGSL = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x < arrayLength(&data)) {
        data[id.x] = data[id.x] + 1u;
    }
}
`

func incrementKernel() *gpucore.KernelDesc {
	return &gpucore.KernelDesc{
		Label:         "increment",
		WGSL:          incrementWGSL,
		WorkgroupSize: [3]uint32{64, 1, 1},
		Bindings:      []gpucore.BindingLayout{{Binding: 0, Type: gpucore.BindingTypeStorageBuffer}},
	}
}

func TestCreateBuffer(t *testing.T) {
	limits := gputypes.DefaultLimits()
	limits.MaxBufferSize = 1024

	tests := []struct {
		name    string
		size    uint64
		wantErr error
	}{
		{"small", 16, nil},
		{"unaligned", 6, nil},
		{"max", 1024, nil},
		{"too large", 1025, gpucore.ErrBufferTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t, WithLimits(limits))
			id, err := d.CreateBuffer(gpucore.BufferDesc{Size: tt.size})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateBuffer() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && d.BufferSize(id) != tt.size {
				t.Errorf("BufferSize() = %d, want %d", d.BufferSize(id), tt.size)
			}
		})
	}
}

func TestCreateBufferZeroSize(t *testing.T) {
	d := newTestDevice(t)
	if _, err := d.CreateBuffer(gpucore.BufferDesc{}); err == nil {
		t.Error("CreateBuffer(size 0) should fail")
	}
}

func TestBufferRangeChecks(t *testing.T) {
	d := newTestDevice(t)
	a := mustBuffer(t, d, 16)
	b := mustBuffer(t, d, 8)

	if err := d.WriteBuffer(a, 12, make([]byte, 8)); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("WriteBuffer() error = %v, want ErrOutOfRange", err)
	}
	if _, err := d.ReadBuffer(b, 4, 8); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("ReadBuffer() error = %v, want ErrOutOfRange", err)
	}
	if err := d.CopyBufferToBuffer(a, 0, b, 0, 16); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("CopyBufferToBuffer() error = %v, want ErrOutOfRange", err)
	}
	if err := d.WriteBuffer(gpucore.BufferID(999), 0, []byte{1}); !errors.Is(err, gpucore.ErrInvalidBuffer) {
		t.Errorf("WriteBuffer(unknown) error = %v, want ErrInvalidBuffer", err)
	}
}

func TestCopyIsRecordedUntilSubmit(t *testing.T) {
	d := newTestDevice(t)
	a := mustBuffer(t, d, 16)
	b := mustBuffer(t, d, 16)

	if err := d.CopyBufferToBuffer(a, 0, b, 0, 16); err != nil {
		t.Fatalf("CopyBufferToBuffer() error = %v", err)
	}
	if !d.PendingCommands() {
		t.Fatal("copy was not recorded")
	}

	d.DestroyBuffer(a)
	if d.BufferSize(a) != 0 {
		t.Error("destroyed buffer still visible")
	}

	if err := d.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if d.PendingCommands() || d.Submits() != 1 {
		t.Errorf("after Submit: pending %v, submits %d", d.PendingCommands(), d.Submits())
	}

	// Nothing recorded: Submit is a no-op.
	if err := d.Submit(); err != nil || d.Submits() != 1 {
		t.Errorf("empty Submit() = %v, submits %d", err, d.Submits())
	}
}

func TestWriteDuringRecordingIsStaged(t *testing.T) {
	d := newTestDevice(t)
	a := mustBuffer(t, d, 16)
	b := mustBuffer(t, d, 16)

	if err := d.CopyBufferToBuffer(a, 0, b, 0, 16); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(a, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	if err := d.WriteBuffer(b, 8, make([]byte, 8)); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	if !d.PendingCommands() || d.Submits() != 0 {
		t.Errorf("aligned writes submitted work: pending %v, submits %d", d.PendingCommands(), d.Submits())
	}
	if d.StagedWrites() != 2 {
		t.Errorf("StagedWrites() = %d, want 2", d.StagedWrites())
	}
	if err := d.Submit(); err != nil || d.Submits() != 1 {
		t.Errorf("Submit() = %v, submits %d", err, d.Submits())
	}
}

func TestUnalignedWriteFlushesRecordedWork(t *testing.T) {
	d := newTestDevice(t)
	a := mustBuffer(t, d, 16)
	b := mustBuffer(t, d, 16)

	if err := d.CopyBufferToBuffer(a, 0, b, 0, 16); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(a, 1, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	if d.PendingCommands() || d.Submits() == 0 {
		t.Errorf("unaligned write did not flush: pending %v, submits %d", d.PendingCommands(), d.Submits())
	}
}

func TestComputePipeline(t *testing.T) {
	d := newTestDevice(t)
	buf := mustBuffer(t, d, 256)

	pl, err := d.CreateComputePipeline(incrementKernel())
	if err != nil {
		t.Fatalf("CreateComputePipeline() error = %v", err)
	}
	bg, err := d.CreateBindGroup(pl, []gpucore.BindGroupEntry{{Binding: 0, Buffer: buf}})
	if err != nil {
		t.Fatalf("CreateBindGroup() error = %v", err)
	}

	dims := mustBuffer(t, d, gpucore.DispatchDimsSize)
	if err := d.WriteBuffer(dims, 0, gpucore.EncodeDispatchDims([3]uint32{64, 1, 1}, [3]uint32{64, 1, 1})); err != nil {
		t.Fatal(err)
	}

	pass := d.BeginComputePass("increment")
	pass.SetPipeline(pl)
	pass.SetBindGroup(0, bg)
	pass.Dispatch(1, 1, 1)
	pass.DispatchIndirect(dims, gpucore.DispatchGroupsOffset)
	pass.End()

	d.DestroyBindGroup(bg)
	d.DestroyComputePipeline(pl)
	if err := d.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestCreateComputePipelineRejectsBadShader(t *testing.T) {
	d := newTestDevice(t)
	desc := incrementKernel()
	desc.WGSL = "fn main( {"
	if _, err := d.CreateComputePipeline(desc); err == nil {
		t.Error("CreateComputePipeline(invalid WGSL) should fail")
	}
	if _, err := d.CreateComputePipeline(nil); err == nil {
		t.Error("CreateComputePipeline(nil) should fail")
	}
}

func TestRecordingErrorsReportedBySubmit(t *testing.T) {
	tests := []struct {
		name   string
		record func(d *Device, pass gpucore.ComputePassEncoder)
		want   error
	}{
		{"pipeline", func(_ *Device, pass gpucore.ComputePassEncoder) {
			pass.SetPipeline(gpucore.ComputePipelineID(999))
		}, gpucore.ErrInvalidPipeline},
		{"bind group", func(_ *Device, pass gpucore.ComputePassEncoder) {
			pass.SetBindGroup(0, gpucore.BindGroupID(999))
		}, gpucore.ErrInvalidBindGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			pass := d.BeginComputePass(tt.name)
			tt.record(d, pass)
			pass.End()

			if err := d.Submit(); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
			if err := d.Submit(); err != nil {
				t.Errorf("second Submit() error = %v, want nil", err)
			}
		})
	}
}

func TestDispatchWithoutBindingsFails(t *testing.T) {
	d := newTestDevice(t)
	pass := d.BeginComputePass("unbound")
	pass.Dispatch(1, 1, 1)
	pass.End()
	if err := d.Submit(); err == nil {
		t.Error("Submit() should report the unbound dispatch")
	}
}

func TestCloseRejectsNewResources(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	d := New(device, queue)
	mustBuffer(t, d, 16)
	if _, err := d.CreateComputePipeline(incrementKernel()); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := d.CreateBuffer(gpucore.BufferDesc{Size: 4}); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateBuffer() after Close error = %v, want ErrClosed", err)
	}
}

// mockDevice implements gpucontext.Device for testing.
type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

type mockQueue struct{}

type mockAdapter struct{}

// mockProvider implements gpucontext.DeviceProvider for testing.
type mockProvider struct{}

func (m *mockProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (m *mockProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (m *mockProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (m *mockProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

// halMockProvider also exposes HAL types, like a gogpu application.
type halMockProvider struct {
	mockProvider
	device hal.Device
	queue  hal.Queue
}

func (m *halMockProvider) HalDevice() any { return m.device }
func (m *halMockProvider) HalQueue() any  { return m.queue }

func TestNewFromProvider(t *testing.T) {
	if _, err := NewFromProvider(&mockProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("NewFromProvider(no HAL) error = %v, want ErrNoHAL", err)
	}
	if _, err := NewFromProvider(&halMockProvider{}); !errors.Is(err, ErrNoHAL) {
		t.Errorf("NewFromProvider(nil HAL) error = %v, want ErrNoHAL", err)
	}

	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()
	d, err := NewFromProvider(&halMockProvider{device: device, queue: queue})
	if err != nil {
		t.Fatalf("NewFromProvider() error = %v", err)
	}
	defer d.Close()
	if d.MaxBufferSize() != gputypes.DefaultLimits().MaxBufferSize {
		t.Errorf("MaxBufferSize() = %d", d.MaxBufferSize())
	}
}
