package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/rtas/gpucore"
)

func mustBuffer(t *testing.T, d *Device, size uint64) gpucore.BufferID {
	t.Helper()
	id, err := d.CreateBuffer(gpucore.BufferDesc{Label: "test", Size: size, Usage: gpucore.BufferUsageStorage})
	if err != nil {
		t.Fatalf("CreateBuffer(%d) error = %v", size, err)
	}
	return id
}

func TestCreateBuffer(t *testing.T) {
	tests := []struct {
		name    string
		size    uint64
		wantErr error
	}{
		{"small", 16, nil},
		{"max", 1024, nil},
		{"too large", 1025, gpucore.ErrBufferTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(WithMaxBufferSize(1024))
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
	d := New()
	if _, err := d.CreateBuffer(gpucore.BufferDesc{}); err == nil {
		t.Error("CreateBuffer(size 0) should fail")
	}
}

func TestWriteIsDeferredUntilSubmit(t *testing.T) {
	d := New()
	id := mustBuffer(t, d, 8)

	if err := d.WriteBuffer(id, 0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}
	if d.PendingCommands() != 1 {
		t.Fatalf("PendingCommands() = %d, want 1", d.PendingCommands())
	}

	got, err := d.ReadBuffer(id, 0, 4)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("ReadBuffer() = %v, want [1 2 3 4]", got)
	}
	if d.PendingCommands() != 0 {
		t.Errorf("ReadBuffer did not flush pending commands")
	}
}

func TestWriteCopiesCallerData(t *testing.T) {
	d := New()
	id := mustBuffer(t, d, 4)
	data := []byte{9, 9, 9, 9}
	_ = d.WriteBuffer(id, 0, data)
	data[0] = 0

	got, _ := d.ReadBuffer(id, 0, 1)
	if got[0] != 9 {
		t.Errorf("write observed caller mutation: got %d, want 9", got[0])
	}
}

func TestCommandOrdering(t *testing.T) {
	d := New()
	a := mustBuffer(t, d, 4)
	b := mustBuffer(t, d, 4)

	_ = d.WriteBuffer(a, 0, []byte{1, 1, 1, 1})
	_ = d.CopyBufferToBuffer(a, 0, b, 0, 4)
	_ = d.WriteBuffer(a, 0, []byte{2, 2, 2, 2})

	gotB, _ := d.ReadBuffer(b, 0, 4)
	gotA, _ := d.ReadBuffer(a, 0, 4)
	if !bytes.Equal(gotB, []byte{1, 1, 1, 1}) {
		t.Errorf("copy saw later write: b = %v", gotB)
	}
	if !bytes.Equal(gotA, []byte{2, 2, 2, 2}) {
		t.Errorf("a = %v, want [2 2 2 2]", gotA)
	}
}

func TestOutOfRange(t *testing.T) {
	d := New()
	a := mustBuffer(t, d, 8)
	b := mustBuffer(t, d, 4)

	if err := d.WriteBuffer(a, 6, []byte{1, 2, 3}); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("WriteBuffer() error = %v, want ErrOutOfRange", err)
	}
	if err := d.CopyBufferToBuffer(a, 0, b, 0, 8); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("CopyBufferToBuffer() error = %v, want ErrOutOfRange", err)
	}
	if _, err := d.ReadBuffer(b, 2, 4); !errors.Is(err, gpucore.ErrOutOfRange) {
		t.Errorf("ReadBuffer() error = %v, want ErrOutOfRange", err)
	}
	if d.PendingCommands() != 0 {
		t.Errorf("rejected commands were recorded")
	}
}

func TestDestroyDeferredUntilSubmit(t *testing.T) {
	d := New()
	src := mustBuffer(t, d, 4)
	dst := mustBuffer(t, d, 4)

	_ = d.WriteBuffer(src, 0, []byte{5, 6, 7, 8})
	_ = d.CopyBufferToBuffer(src, 0, dst, 0, 4)
	d.DestroyBuffer(src)

	if d.Stats().LiveBuffers != 2 {
		t.Fatalf("buffer released before pending copy ran")
	}
	if err := d.WriteBuffer(src, 0, []byte{1}); !errors.Is(err, gpucore.ErrInvalidBuffer) {
		t.Errorf("write to destroyed buffer error = %v, want ErrInvalidBuffer", err)
	}

	got, err := d.ReadBuffer(dst, 0, 4)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if !bytes.Equal(got, []byte{5, 6, 7, 8}) {
		t.Errorf("dst = %v, want [5 6 7 8]", got)
	}
	if s := d.Stats(); s.LiveBuffers != 1 || s.BuffersFreed != 1 {
		t.Errorf("Stats() = %v, want 1 live and 1 freed", s)
	}
}

func TestDestroyImmediateWhenIdle(t *testing.T) {
	d := New()
	id := mustBuffer(t, d, 4)
	d.DestroyBuffer(id)
	d.DestroyBuffer(id) // no-op

	if d.Stats().LiveBuffers != 0 {
		t.Errorf("LiveBuffers = %d, want 0", d.Stats().LiveBuffers)
	}
	if d.BufferSize(id) != 0 {
		t.Errorf("BufferSize() of destroyed buffer = %d", d.BufferSize(id))
	}
}

// doubleKernel doubles each u32 in binding 1, bounded by the width in the
// dispatch-dimension buffer at binding 0.
func doubleKernel() *gpucore.KernelDesc {
	return &gpucore.KernelDesc{
		Label:         "double",
		WorkgroupSize: [3]uint32{4, 1, 1},
		Bindings: []gpucore.BindingLayout{
			{Binding: 0, Type: gpucore.BindingTypeReadOnlyStorageBuffer},
			{Binding: 1, Type: gpucore.BindingTypeStorageBuffer},
		},
		Host: func(groups [3]uint32, b [][]byte) {
			dims, _ := gpucore.DecodeDispatchDims(b[0])
			for gid := uint32(0); gid < groups[0]*4; gid++ {
				if gid >= dims[0] {
					return
				}
				v := binary.LittleEndian.Uint32(b[1][gid*4:])
				binary.LittleEndian.PutUint32(b[1][gid*4:], v*2)
			}
		},
	}
}

func TestDispatchIndirect(t *testing.T) {
	d := New()
	dims := mustBuffer(t, d, gpucore.DispatchDimsSize)
	data := mustBuffer(t, d, 40)

	values := make([]byte, 40)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint32(values[i*4:], uint32(i+1))
	}
	_ = d.WriteBuffer(data, 0, values)
	_ = d.WriteBuffer(dims, 0, gpucore.EncodeDispatchDims([3]uint32{6, 1, 1}, [3]uint32{4, 1, 1}))

	pl, err := d.CreateComputePipeline(doubleKernel())
	if err != nil {
		t.Fatalf("CreateComputePipeline() error = %v", err)
	}
	bg, err := d.CreateBindGroup(pl, []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: dims},
		{Binding: 1, Buffer: data},
	})
	if err != nil {
		t.Fatalf("CreateBindGroup() error = %v", err)
	}

	pass := d.BeginComputePass("double")
	pass.SetPipeline(pl)
	pass.SetBindGroup(0, bg)
	pass.DispatchIndirect(dims, gpucore.DispatchGroupsOffset)
	pass.End()
	d.DestroyBindGroup(bg)

	got, err := d.ReadBuffer(data, 0, 40)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		want := uint32(i + 1)
		if i < 6 {
			want *= 2
		}
		if v := binary.LittleEndian.Uint32(got[i*4:]); v != want {
			t.Errorf("value[%d] = %d, want %d", i, v, want)
		}
	}
	if d.Stats().Dispatches != 1 {
		t.Errorf("Dispatches = %d, want 1", d.Stats().Dispatches)
	}
}

func TestDispatchWithoutBindGroupFailsSubmit(t *testing.T) {
	d := New()
	pl, _ := d.CreateComputePipeline(doubleKernel())

	pass := d.BeginComputePass("broken")
	pass.SetPipeline(pl)
	pass.Dispatch(1, 1, 1)
	pass.End()

	if err := d.Submit(); err == nil {
		t.Error("Submit() should report the recording error")
	}
	if err := d.Submit(); err != nil {
		t.Errorf("second Submit() error = %v, want nil", err)
	}
}

func TestCreateBindGroupMissingBinding(t *testing.T) {
	d := New()
	pl, _ := d.CreateComputePipeline(doubleKernel())
	buf := mustBuffer(t, d, 16)
	if _, err := d.CreateBindGroup(pl, []gpucore.BindGroupEntry{{Binding: 1, Buffer: buf}}); err == nil {
		t.Error("CreateBindGroup() with missing binding should fail")
	}
}

func TestCreateComputePipelineNeedsHost(t *testing.T) {
	d := New()
	_, err := d.CreateComputePipeline(&gpucore.KernelDesc{Label: "wgsl-only", WGSL: "@compute fn main() {}"})
	if !errors.Is(err, ErrNoHostKernel) {
		t.Errorf("error = %v, want ErrNoHostKernel", err)
	}
}
