// Package geometry implements the deduplicated geometry pool.
//
// The pool owns two growable arenas: positions (three floats per vertex)
// and triangle indices (u32, relative to the first vertex of their
// sub-mesh). Sub-meshes are appended with two compute copy kernels that
// read the caller's vertex and index buffers directly on the device.
package geometry

import (
	"fmt"

	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/internal/alloc"
	"github.com/gogpu/rtas/internal/arena"
	"github.com/gogpu/rtas/mesh"
)

// FloatsPerVertex is the number of floats stored per pooled vertex.
const FloatsPerVertex = 3

// Default initial capacities.
const (
	DefaultVertexCapacity = 64 * 1024 // floats
	DefaultIndexCapacity  = 64 * 1024 // indices
)

// Record locates one sub-mesh inside the pool buffers.
type Record struct {
	// Indices is the index range, in indices.
	Indices alloc.Allocation

	// Vertices is the position range, in floats.
	Vertices alloc.Allocation
}

// VertexCount returns the number of pooled vertices.
func (r Record) VertexCount() int { return r.Vertices.Count / FloatsPerVertex }

// TriangleCount returns the number of pooled triangles.
func (r Record) TriangleCount() int { return r.Indices.Count / 3 }

// Config configures a Pool.
type Config struct {
	// VertexCapacity is the initial vertex arena size in floats.
	VertexCapacity int

	// IndexCapacity is the initial index arena size in indices.
	IndexCapacity int

	// MaxBytes caps each arena. Zero means the device limit.
	MaxBytes uint64

	// GrowthFactor rounds arena growth up.
	GrowthFactor float64
}

// Stats describes pool usage.
type Stats struct {
	Records          int
	VerticesUsed     int // floats
	VertexCapacity   int // floats
	IndicesUsed      int
	IndexCapacity    int
	VertexGeneration int
	IndexGeneration  int
}

// Pool is the deduplicated position and index store.
//
// Pool is NOT safe for concurrent use.
type Pool struct {
	dev      gpucore.Device
	cfg      Config
	vertices *arena.Arena
	indices  *arena.Arena

	vertexPipeline gpucore.ComputePipelineID
	indexPipeline  gpucore.ComputePipelineID

	vertexParams gpucore.BufferID
	indexParams  gpucore.BufferID
	vertexDims   gpucore.BufferID
	indexDims    gpucore.BufferID
}

// New creates a pool, its arenas and the copy kernels.
func New(dev gpucore.Device, cfg Config) (_ *Pool, err error) {
	if cfg.VertexCapacity <= 0 {
		cfg.VertexCapacity = DefaultVertexCapacity
	}
	if cfg.IndexCapacity <= 0 {
		cfg.IndexCapacity = DefaultIndexCapacity
	}
	// Keep vertex ranges whole.
	cfg.VertexCapacity += (FloatsPerVertex - cfg.VertexCapacity%FloatsPerVertex) % FloatsPerVertex

	p := &Pool{dev: dev, cfg: cfg}
	defer func() {
		if err != nil {
			p.Release()
		}
	}()

	p.vertices, err = arena.New(dev, arena.Config{
		Label:           "geometry_vertices",
		ElementSize:     4,
		InitialCapacity: cfg.VertexCapacity,
		MaxBytes:        cfg.MaxBytes,
		GrowthFactor:    cfg.GrowthFactor,
		Usage:           gpucore.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}
	p.indices, err = arena.New(dev, arena.Config{
		Label:           "geometry_indices",
		ElementSize:     4,
		InitialCapacity: cfg.IndexCapacity,
		MaxBytes:        cfg.MaxBytes,
		GrowthFactor:    cfg.GrowthFactor,
		Usage:           gpucore.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("geometry: %w", err)
	}

	if p.vertexPipeline, err = dev.CreateComputePipeline(vertexKernel()); err != nil {
		return nil, fmt.Errorf("geometry: vertex copy kernel: %w", err)
	}
	if p.indexPipeline, err = dev.CreateComputePipeline(indexKernel()); err != nil {
		return nil, fmt.Errorf("geometry: index copy kernel: %w", err)
	}

	uniform := gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst
	indirect := gpucore.BufferUsageStorage | gpucore.BufferUsageIndirect | gpucore.BufferUsageCopyDst
	for _, b := range []struct {
		dst   *gpucore.BufferID
		label string
		size  uint64
		usage gpucore.BufferUsage
	}{
		{&p.vertexParams, "geometry_vertex_params", paramsSize, uniform},
		{&p.indexParams, "geometry_index_params", paramsSize, uniform},
		{&p.vertexDims, "geometry_vertex_dims", gpucore.DispatchDimsSize, indirect},
		{&p.indexDims, "geometry_index_dims", gpucore.DispatchDimsSize, indirect},
	} {
		*b.dst, err = dev.CreateBuffer(gpucore.BufferDesc{Label: b.label, Size: b.size, Usage: b.usage})
		if err != nil {
			return nil, fmt.Errorf("geometry: %w", err)
		}
	}

	slogger().Debug("geometry: pool created",
		"vertex_capacity", cfg.VertexCapacity,
		"index_capacity", cfg.IndexCapacity)
	return p, nil
}

// VertexBuffer returns the current position buffer.
func (p *Pool) VertexBuffer() gpucore.BufferID { return p.vertices.Buffer() }

// IndexBuffer returns the current index buffer.
func (p *Pool) IndexBuffer() gpucore.BufferID { return p.indices.Buffer() }

// Stats returns pool usage.
func (p *Pool) Stats() Stats {
	return Stats{
		Records:          p.indices.Outstanding(),
		VerticesUsed:     p.vertices.Used(),
		VertexCapacity:   p.vertices.Capacity(),
		IndicesUsed:      p.indices.Used(),
		IndexCapacity:    p.indices.Capacity(),
		VertexGeneration: p.vertices.Generation(),
		IndexGeneration:  p.indices.Generation(),
	}
}

// Add copies one sub-mesh into the pool and returns where it landed.
// Growing either arena records a copy of the old buffer before the
// sub-mesh's copy kernels run. On error the pool is unchanged.
func (p *Pool) Add(m *mesh.Mesh, subMesh int) (Record, error) {
	if m == nil {
		return Record{}, fmt.Errorf("geometry: nil mesh")
	}
	if err := m.Validate(); err != nil {
		return Record{}, err
	}
	sm, err := m.SubMeshAt(subMesh)
	if err != nil {
		return Record{}, err
	}
	pos, _ := m.Position()

	vp := vertexParams{
		srcBaseWord: (sm.FirstVertex*m.VertexStride + pos.Offset) / 4,
		strideWords: m.VertexStride / 4,
		count:       sm.VertexCount,
	}
	ip := indexParams{
		indexStart: sm.IndexStart,
		indexSize:  m.IndexFormat.Size(),
		count:      sm.IndexCount,
		bias:       sm.BaseVertex - int32(sm.FirstVertex),
	}
	if err := p.checkSource(m, sm, vp, ip); err != nil {
		return Record{}, err
	}

	var rec Record
	if rec.Indices, err = p.indices.Allocate(int(sm.IndexCount)); err != nil {
		return Record{}, fmt.Errorf("geometry: indices: %w", err)
	}
	if rec.Vertices, err = p.vertices.Allocate(int(sm.VertexCount) * FloatsPerVertex); err != nil {
		p.indices.Free(rec.Indices)
		return Record{}, fmt.Errorf("geometry: vertices: %w", err)
	}

	vp.dstOffset = uint32(rec.Vertices.Offset)
	ip.dstOffset = uint32(rec.Indices.Offset)

	if err := p.dispatch(p.vertexPipeline, p.vertexParams, p.vertexDims, vp.bytes(), vp.count,
		m.VertexBuffer, p.vertices.Buffer()); err != nil {
		p.Remove(&rec)
		return Record{}, err
	}
	if err := p.dispatch(p.indexPipeline, p.indexParams, p.indexDims, ip.bytes(), ip.count,
		m.IndexBuffer, p.indices.Buffer()); err != nil {
		p.Remove(&rec)
		return Record{}, err
	}

	slogger().Debug("geometry: sub-mesh added",
		"mesh", uint64(m.ID),
		"submesh", subMesh,
		"vertices", rec.Vertices.String(),
		"indices", rec.Indices.String())
	return rec, nil
}

// checkSource rejects sub-meshes that would read past the caller's buffers.
func (p *Pool) checkSource(m *mesh.Mesh, sm mesh.SubMesh, vp vertexParams, ip indexParams) error {
	vbSize := p.dev.BufferSize(m.VertexBuffer)
	lastWord := uint64(vp.srcBaseWord) + uint64(sm.VertexCount-1)*uint64(vp.strideWords) + FloatsPerVertex
	if lastWord*4 > vbSize {
		return fmt.Errorf("geometry: mesh %d vertices need %d bytes, buffer has %d: %w",
			m.ID, lastWord*4, vbSize, gpucore.ErrOutOfRange)
	}

	ibSize := p.dev.BufferSize(m.IndexBuffer)
	end := (uint64(ip.indexStart) + uint64(ip.count)) * uint64(ip.indexSize)
	if end > ibSize {
		return fmt.Errorf("geometry: mesh %d indices need %d bytes, buffer has %d: %w",
			m.ID, end, ibSize, gpucore.ErrOutOfRange)
	}
	return nil
}

// dispatch records one copy kernel with an indirect dispatch.
func (p *Pool) dispatch(
	pipeline gpucore.ComputePipelineID,
	params, dims gpucore.BufferID,
	paramBytes []byte,
	width uint32,
	src, dst gpucore.BufferID,
) error {
	if err := p.dev.WriteBuffer(params, 0, paramBytes); err != nil {
		return fmt.Errorf("geometry: write params: %w", err)
	}
	dimBytes := gpucore.EncodeDispatchDims([3]uint32{width, 1, 1}, [3]uint32{copyWorkgroupSize, 1, 1})
	if err := p.dev.WriteBuffer(dims, 0, dimBytes); err != nil {
		return fmt.Errorf("geometry: write dispatch dims: %w", err)
	}

	bg, err := p.dev.CreateBindGroup(pipeline, []gpucore.BindGroupEntry{
		{Binding: bindingParams, Buffer: params},
		{Binding: bindingDims, Buffer: dims},
		{Binding: bindingSrc, Buffer: src},
		{Binding: bindingDst, Buffer: dst},
	})
	if err != nil {
		return fmt.Errorf("geometry: bind group: %w", err)
	}

	pass := p.dev.BeginComputePass("geometry_copy")
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg)
	pass.DispatchIndirect(dims, gpucore.DispatchGroupsOffset)
	pass.End()
	p.dev.DestroyBindGroup(bg)
	return nil
}

// Remove frees both ranges of a record and resets them to Invalid.
// The pooled data is neither cleared nor compacted.
func (p *Pool) Remove(r *Record) {
	if r.Indices.Valid() {
		p.indices.Free(r.Indices)
	}
	if r.Vertices.Valid() {
		p.vertices.Free(r.Vertices)
	}
	r.Indices = alloc.Invalid
	r.Vertices = alloc.Invalid
}

// Clear drops every record and recreates both arenas at their initial
// capacity.
func (p *Pool) Clear() error {
	if err := p.vertices.Clear(); err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	if err := p.indices.Clear(); err != nil {
		return fmt.Errorf("geometry: %w", err)
	}
	return nil
}

// Release destroys every buffer and kernel owned by the pool.
func (p *Pool) Release() {
	if p.vertices != nil {
		p.vertices.Release()
	}
	if p.indices != nil {
		p.indices.Release()
	}
	for _, b := range []gpucore.BufferID{p.vertexParams, p.indexParams, p.vertexDims, p.indexDims} {
		if b != gpucore.InvalidID {
			p.dev.DestroyBuffer(b)
		}
	}
	if p.vertexPipeline != gpucore.InvalidID {
		p.dev.DestroyComputePipeline(p.vertexPipeline)
	}
	if p.indexPipeline != gpucore.InvalidID {
		p.dev.DestroyComputePipeline(p.indexPipeline)
	}
	p.vertexParams, p.indexParams, p.vertexDims, p.indexDims = 0, 0, 0, 0
	p.vertexPipeline, p.indexPipeline = 0, 0
}
