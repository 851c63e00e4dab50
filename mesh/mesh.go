// Package mesh describes GPU-resident triangle meshes consumed by the
// acceleration-structure manager.
//
// A Mesh references vertex and index data that already live in device
// buffers. The manager never reads the caller's buffers on the CPU; it
// copies positions and indices into its own deduplicated pools with
// compute kernels.
package mesh

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rtas/gpucore"
)

// Mesh validation errors.
var (
	// ErrMissingPositions is returned when a mesh has no position attribute.
	ErrMissingPositions = errors.New("mesh: missing position attribute")

	// ErrMissingIndices is returned when a mesh has no index buffer.
	ErrMissingIndices = errors.New("mesh: missing index data")

	// ErrUnsupportedFormat is returned for position or index formats the
	// copy kernels cannot read.
	ErrUnsupportedFormat = errors.New("mesh: unsupported format")

	// ErrInvalidSubMesh is returned when a sub-mesh index is out of range
	// or describes no triangles.
	ErrInvalidSubMesh = errors.New("mesh: invalid sub-mesh")

	// ErrUnaligned is returned when vertex data is not 4-byte aligned.
	ErrUnaligned = errors.New("mesh: vertex data not 4-byte aligned")
)

// ID identifies a mesh for deduplication. Two meshes with the same ID are
// assumed to hold identical data.
type ID uint64

// Semantic names the meaning of a vertex attribute.
type Semantic uint8

// Vertex attribute semantics.
const (
	SemanticPosition Semantic = iota + 1
	SemanticNormal
	SemanticTangent
	SemanticTexCoord
	SemanticColor
)

// Attribute describes one interleaved vertex attribute.
type Attribute struct {
	Semantic Semantic
	Format   gputypes.VertexFormat
	// Offset is the byte offset of the attribute within a vertex.
	Offset uint32
}

// SubMesh is a range of triangles drawn from the mesh's buffers.
type SubMesh struct {
	// IndexStart is the first index, in indices.
	IndexStart uint32

	// IndexCount is the number of indices. Must be a positive multiple of 3.
	IndexCount uint32

	// BaseVertex is added to every index before fetching a vertex.
	BaseVertex int32

	// FirstVertex is the lowest vertex referenced by the sub-mesh.
	FirstVertex uint32

	// VertexCount is the number of vertices referenced starting at
	// FirstVertex. Zero means all vertices from FirstVertex to the end.
	VertexCount uint32
}

// Mesh is a GPU-resident indexed triangle mesh.
type Mesh struct {
	ID ID

	// VertexBuffer holds interleaved vertices of VertexStride bytes.
	VertexBuffer gpucore.BufferID
	VertexStride uint32
	VertexCount  uint32
	Attributes   []Attribute

	// IndexBuffer holds indices of IndexFormat (Uint16 or Uint32).
	// InvalidID means the mesh has no index data.
	IndexBuffer gpucore.BufferID
	IndexFormat gputypes.IndexFormat

	SubMeshes []SubMesh
}

// Position returns the position attribute.
func (m *Mesh) Position() (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Semantic == SemanticPosition {
			return a, true
		}
	}
	return Attribute{}, false
}

// Validate checks that the mesh can be copied into the geometry pool.
func (m *Mesh) Validate() error {
	pos, ok := m.Position()
	if !ok || m.VertexBuffer == gpucore.InvalidID {
		return ErrMissingPositions
	}
	if pos.Format != gputypes.VertexFormatFloat32x3 && pos.Format != gputypes.VertexFormatFloat32x4 {
		return fmt.Errorf("position format %v: %w", pos.Format, ErrUnsupportedFormat)
	}
	if m.IndexBuffer == gpucore.InvalidID {
		return ErrMissingIndices
	}
	if m.IndexFormat.Size() == 0 {
		return fmt.Errorf("index format %v: %w", m.IndexFormat, ErrUnsupportedFormat)
	}
	if m.VertexStride == 0 || m.VertexStride%4 != 0 || pos.Offset%4 != 0 {
		return fmt.Errorf("stride %d, position offset %d: %w", m.VertexStride, pos.Offset, ErrUnaligned)
	}
	return nil
}

// SubMeshAt returns the sub-mesh at index i with VertexCount resolved.
func (m *Mesh) SubMeshAt(i int) (SubMesh, error) {
	if i < 0 || i >= len(m.SubMeshes) {
		return SubMesh{}, fmt.Errorf("sub-mesh %d of %d: %w", i, len(m.SubMeshes), ErrInvalidSubMesh)
	}
	sm := m.SubMeshes[i]
	if sm.IndexCount == 0 || sm.IndexCount%3 != 0 {
		return SubMesh{}, fmt.Errorf("sub-mesh %d has %d indices: %w", i, sm.IndexCount, ErrInvalidSubMesh)
	}
	if sm.VertexCount == 0 {
		if sm.FirstVertex >= m.VertexCount {
			return SubMesh{}, fmt.Errorf("sub-mesh %d first vertex %d of %d: %w",
				i, sm.FirstVertex, m.VertexCount, ErrInvalidSubMesh)
		}
		sm.VertexCount = m.VertexCount - sm.FirstVertex
	}
	return sm, nil
}

// TriangleCount returns the number of triangles in a sub-mesh.
func (s SubMesh) TriangleCount() uint32 { return s.IndexCount / 3 }
