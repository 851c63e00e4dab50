package native

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas"
	"github.com/gogpu/rtas/bvh"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/mesh"
)

// triangleMesh uploads a single triangle with u32 indices.
func triangleMesh(t *testing.T, d *Device, id mesh.ID, x float32) *mesh.Mesh {
	t.Helper()
	var vb []byte
	for _, p := range [][3]float32{{x, 0, 0}, {x + 1, 0, 0}, {x, 1, 0}} {
		for _, c := range p {
			vb = binary.LittleEndian.AppendUint32(vb, math.Float32bits(c))
		}
	}
	ib := make([]byte, 12)
	for i := range 3 {
		binary.LittleEndian.PutUint32(ib[i*4:], uint32(i))
	}

	vbID := mustBuffer(t, d, uint64(len(vb)))
	ibID := mustBuffer(t, d, uint64(len(ib)))
	if err := d.WriteBuffer(vbID, 0, vb); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteBuffer(ibID, 0, ib); err != nil {
		t.Fatal(err)
	}
	return &mesh.Mesh{
		ID:           id,
		VertexBuffer: vbID,
		VertexStride: 12,
		VertexCount:  3,
		Attributes:   []mesh.Attribute{{Semantic: mesh.SemanticPosition, Format: gputypes.VertexFormatFloat32x3}},
		IndexBuffer:  ibID,
		IndexFormat:  gputypes.IndexFormatUint32,
		SubMeshes:    []mesh.SubMesh{{IndexCount: 3}},
	}
}

func TestAddInstanceDoesNotSubmit(t *testing.T) {
	d := newTestDevice(t)
	first := triangleMesh(t, d, 1, 0)
	second := triangleMesh(t, d, 2, 5)

	as, err := rtas.New(d, rtas.WithHandleSeed(1))
	if err != nil {
		t.Fatalf("rtas.New() error = %v", err)
	}
	defer as.Close()

	submits := d.Submits()
	for _, m := range []*mesh.Mesh{first, second} {
		if _, err := as.AddInstance(rtas.InstanceDesc{Mesh: m, Transform: bvh.Identity()}); err != nil {
			t.Fatalf("AddInstance(mesh %d) error = %v", m.ID, err)
		}
	}
	if d.Submits() != submits {
		t.Errorf("AddInstance submitted work: %d submits, was %d", d.Submits(), submits)
	}
	if !d.PendingCommands() || d.StagedWrites() == 0 {
		t.Errorf("copy kernels not recorded: pending %v, staged writes %d", d.PendingCommands(), d.StagedWrites())
	}
	if err := d.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestOddSizedBufferBindsWholeWords(t *testing.T) {
	d := newTestDevice(t)
	p, err := d.CreateComputePipeline(incrementKernel())
	if err != nil {
		t.Fatalf("CreateComputePipeline() error = %v", err)
	}
	buf := mustBuffer(t, d, 6)
	if _, err := d.CreateBindGroup(p, []gpucore.BindGroupEntry{{Binding: 0, Buffer: buf}}); err != nil {
		t.Errorf("CreateBindGroup(6-byte buffer) error = %v", err)
	}
	if _, err := d.CreateBindGroup(p, []gpucore.BindGroupEntry{{Binding: 0, Buffer: buf, Offset: 4, Size: 4}}); err == nil {
		t.Error("CreateBindGroup past the end should fail")
	}
}
