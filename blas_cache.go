package rtas

import (
	"errors"
	"fmt"

	"github.com/gogpu/rtas/bvh"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/internal/alloc"
	"github.com/gogpu/rtas/internal/arena"
	"github.com/gogpu/rtas/internal/geometry"
	"github.com/gogpu/rtas/mesh"
)

// GeometryKey identifies one deduplicated sub-mesh.
type GeometryKey struct {
	Mesh    mesh.ID
	SubMesh int
}

// blasID indexes blasCache.entries.
type blasID int32

// meshBlas is a bottom-level structure shared by every instance of one
// sub-mesh.
type meshBlas struct {
	key      GeometryKey
	geometry geometry.Record
	nodes    alloc.Allocation
	req      bvh.MemoryRequirements
	refCount uint32
	built    bool
	live     bool
}

// buildInfo points the builder at the pooled copy of the geometry. Pool
// buffers change when the pool grows, so it is resolved per build.
func (b *meshBlas) buildInfo(pool *geometry.Pool) bvh.MeshBuildInfo {
	return bvh.MeshBuildInfo{
		VertexBuffer:  pool.VertexBuffer(),
		VertexOffset:  uint32(b.geometry.Vertices.Offset),
		VertexCount:   uint32(b.geometry.VertexCount()),
		VertexStride:  geometry.FloatsPerVertex,
		IndexBuffer:   pool.IndexBuffer(),
		IndexOffset:   uint32(b.geometry.Indices.Offset),
		TriangleCount: uint32(b.geometry.TriangleCount()),
	}
}

// blasCache maps geometry keys to reference-counted BLAS entries and
// owns the shared BVH node arena.
type blasCache struct {
	pool    *geometry.Pool
	nodes   *arena.Arena
	builder bvh.Builder
	flags   bvh.BuildFlags

	index   map[GeometryKey]blasID
	entries []meshBlas
	free    []blasID
}

func newBlasCache(dev gpucore.Device, pool *geometry.Pool, builder bvh.Builder, cfg Config) (*blasCache, error) {
	nodes, err := arena.New(dev, arena.Config{
		Label:           "blas_nodes",
		ElementSize:     uint64(builder.NodeSizeInDwords()) * 4,
		InitialCapacity: cfg.NodeCapacity,
		MaxBytes:        cfg.MaxNodeBufferBytes,
		GrowthFactor:    cfg.GrowthFactor,
		Usage:           gpucore.BufferUsageStorage,
	})
	if err != nil {
		return nil, wrapOOM(err)
	}
	return &blasCache{
		pool:    pool,
		nodes:   nodes,
		builder: builder,
		flags:   cfg.BuildFlags,
		index:   make(map[GeometryKey]blasID),
	}, nil
}

// wrapOOM tags arena exhaustion with ErrOutOfMemory.
func wrapOOM(err error) error {
	if errors.Is(err, arena.ErrOutOfMemory) || errors.Is(err, gpucore.ErrBufferTooLarge) {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	return err
}

func (c *blasCache) get(id blasID) *meshBlas { return &c.entries[id] }

// lookup returns the live entry for key.
func (c *blasCache) lookup(key GeometryKey) (*meshBlas, bool) {
	id, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return &c.entries[id], true
}

// count returns the number of live entries.
func (c *blasCache) count() int { return len(c.index) }

// getOrCreate returns the entry for a sub-mesh, copying its geometry into
// the pool and reserving BVH nodes the first time it is seen. New entries
// start with refCount 0 and built false. On error nothing is retained.
func (c *blasCache) getOrCreate(m *mesh.Mesh, subMesh int) (blasID, error) {
	key := GeometryKey{Mesh: m.ID, SubMesh: subMesh}
	if id, ok := c.index[key]; ok {
		return id, nil
	}

	rec, err := c.pool.Add(m, subMesh)
	if err != nil {
		return 0, wrapOOM(err)
	}

	entry := meshBlas{key: key, geometry: rec, live: true}
	entry.req = c.builder.MeshMemoryRequirements(entry.buildInfo(c.pool), c.flags)
	nodeCount := int(entry.req.ResultSizeInDwords / uint64(c.builder.NodeSizeInDwords()))

	entry.nodes, err = c.nodes.Allocate(nodeCount)
	if err != nil {
		c.pool.Remove(&entry.geometry)
		return 0, wrapOOM(err)
	}

	var id blasID
	if n := len(c.free); n > 0 {
		id = c.free[n-1]
		c.free = c.free[:n-1]
		c.entries[id] = entry
	} else {
		id = blasID(len(c.entries))
		c.entries = append(c.entries, entry)
	}
	c.index[key] = id

	Logger().Debug("rtas: BLAS created",
		"mesh", uint64(key.Mesh),
		"submesh", key.SubMesh,
		"triangles", rec.TriangleCount(),
		"nodes", entry.nodes.String())
	return id, nil
}

// acquire adds a reference.
func (c *blasCache) acquire(id blasID) {
	c.entries[id].refCount++
}

// release drops a reference and deletes the entry when none remain.
func (c *blasCache) release(id blasID) {
	e := &c.entries[id]
	if !e.live || e.refCount == 0 {
		panic(fmt.Sprintf("rtas: release of unreferenced BLAS %d", id))
	}
	e.refCount--
	if e.refCount == 0 {
		c.delete(id)
	}
}

// delete frees the entry's nodes and geometry and evicts its key.
func (c *blasCache) delete(id blasID) {
	e := &c.entries[id]
	c.nodes.Free(e.nodes)
	c.pool.Remove(&e.geometry)
	delete(c.index, e.key)

	Logger().Debug("rtas: BLAS deleted",
		"mesh", uint64(e.key.Mesh),
		"submesh", e.key.SubMesh)

	*e = meshBlas{}
	c.free = append(c.free, id)
}

// unbuilt returns the IDs of live entries not yet built, in ID order.
func (c *blasCache) unbuilt() []blasID {
	var ids []blasID
	for i := range c.entries {
		if c.entries[i].live && !c.entries[i].built {
			ids = append(ids, blasID(i))
		}
	}
	return ids
}

// clear drops every entry, recreates the geometry pool and frees the
// node arena while keeping its current capacity.
func (c *blasCache) clear() error {
	clear(c.index)
	c.entries = c.entries[:0]
	c.free = c.free[:0]
	c.nodes.Reset()
	return c.pool.Clear()
}

// destroy releases the node arena.
func (c *blasCache) destroy() {
	c.nodes.Release()
}
