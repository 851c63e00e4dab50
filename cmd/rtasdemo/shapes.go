package main

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/mesh"
)

// geometry is a host-side indexed triangle list.
type geometry struct {
	name      string
	positions [][3]float32
	indices   []uint16
}

// upload writes positions interleaved with a zero normal (stride 24)
// and 16-bit indices padded to 4 bytes.
func (g geometry) upload(dev gpucore.Device, id mesh.ID) (*mesh.Mesh, error) {
	const stride = 24
	vb := make([]byte, len(g.positions)*stride)
	for i, p := range g.positions {
		for c := 0; c < 3; c++ {
			binary.LittleEndian.PutUint32(vb[i*stride+c*4:], math.Float32bits(p[c]))
		}
	}
	ib := make([]byte, (len(g.indices)*2+3)&^3)
	for i, v := range g.indices {
		binary.LittleEndian.PutUint16(ib[i*2:], v)
	}

	vbID, err := dev.CreateBuffer(gpucore.BufferDesc{Label: g.name + "_vertices", Size: uint64(len(vb)), Usage: gpucore.BufferUsageStorage})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}
	ibID, err := dev.CreateBuffer(gpucore.BufferDesc{Label: g.name + "_indices", Size: uint64(len(ib)), Usage: gpucore.BufferUsageStorage})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}
	if err := dev.WriteBuffer(vbID, 0, vb); err != nil {
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}
	if err := dev.WriteBuffer(ibID, 0, ib); err != nil {
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}

	return &mesh.Mesh{
		ID:           id,
		VertexBuffer: vbID,
		VertexStride: stride,
		VertexCount:  uint32(len(g.positions)),
		Attributes: []mesh.Attribute{
			{Semantic: mesh.SemanticPosition, Format: gputypes.VertexFormatFloat32x3, Offset: 0},
			{Semantic: mesh.SemanticNormal, Format: gputypes.VertexFormatFloat32x3, Offset: 12},
		},
		IndexBuffer: ibID,
		IndexFormat: gputypes.IndexFormatUint16,
		SubMeshes:   []mesh.SubMesh{{IndexCount: uint32(len(g.indices))}},
	}, nil
}

func cube() geometry {
	g := geometry{name: "cube"}
	for i := 0; i < 8; i++ {
		g.positions = append(g.positions, [3]float32{
			float32(i&1)*2 - 1, float32(i>>1&1)*2 - 1, float32(i>>2&1)*2 - 1,
		})
	}
	g.indices = []uint16{
		0, 2, 1, 1, 2, 3, // -z
		4, 5, 6, 5, 7, 6, // +z
		0, 1, 4, 1, 5, 4, // -y
		2, 6, 3, 3, 6, 7, // +y
		0, 4, 2, 2, 4, 6, // -x
		1, 3, 5, 3, 7, 5, // +x
	}
	return g
}

// sphere returns a UV sphere of unit radius.
func sphere(rings, segments int) geometry {
	g := geometry{name: "sphere"}
	for r := 0; r <= rings; r++ {
		theta := math.Pi * float64(r) / float64(rings)
		for s := 0; s <= segments; s++ {
			phi := 2 * math.Pi * float64(s) / float64(segments)
			g.positions = append(g.positions, [3]float32{
				float32(math.Sin(theta) * math.Cos(phi)),
				float32(math.Cos(theta)),
				float32(math.Sin(theta) * math.Sin(phi)),
			})
		}
	}
	row := uint16(segments + 1)
	for r := 0; r < rings; r++ {
		for s := 0; s < segments; s++ {
			a := uint16(r)*row + uint16(s)
			b := a + row
			g.indices = append(g.indices, a, b, a+1, a+1, b, b+1)
		}
	}
	return g
}

// plane returns an n x n grid in the XZ plane.
func plane(n int) geometry {
	g := geometry{name: "plane"}
	for z := 0; z <= n; z++ {
		for x := 0; x <= n; x++ {
			g.positions = append(g.positions, [3]float32{
				float32(x)/float32(n)*2 - 1, 0, float32(z)/float32(n)*2 - 1,
			})
		}
	}
	row := uint16(n + 1)
	for z := 0; z < n; z++ {
		for x := 0; x < n; x++ {
			a := uint16(z)*row + uint16(x)
			g.indices = append(g.indices, a, a+row, a+1, a+1, a+row, a+row+1)
		}
	}
	return g
}
