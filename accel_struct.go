package rtas

import (
	"fmt"

	"github.com/gogpu/rtas/bvh"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/rtas/internal/geometry"
	"github.com/gogpu/rtas/internal/parallel"
	"github.com/gogpu/rtas/mesh"
)

// tlasState tracks whether the top-level structure matches the instances.
type tlasState uint8

const (
	// tlasAbsent: no TLAS, or one invalidated by a mutation.
	tlasAbsent tlasState = iota
	// tlasBuilt: the TLAS reflects the current instances.
	tlasBuilt
)

// InstanceDesc describes an instance to add.
type InstanceDesc struct {
	Mesh    *mesh.Mesh
	SubMesh int

	Transform      bvh.Transform
	Mask           uint8
	CullingEnabled bool
	InvertCulling  bool
	UserID         uint32
}

// Bindings lists the buffers a traversal shader binds.
type Bindings struct {
	TLAS         gpucore.BufferID
	BlasNodes    gpucore.BufferID
	InstanceInfo gpucore.BufferID
	Indices      gpucore.BufferID
	Vertices     gpucore.BufferID

	// VertexStride is the pooled vertex stride in floats.
	VertexStride uint32
}

// AccelerationStructure manages the BLAS, geometry and TLAS buffers of a
// scene on one device.
//
// Mutations (adding, removing or updating instances) invalidate the TLAS
// immediately and release its buffers; Build rebuilds outstanding BLAS and
// a fresh TLAS. All GPU work is recorded on the device; callers submit it.
//
// AccelerationStructure is NOT safe for concurrent use.
type AccelerationStructure struct {
	dev     gpucore.Device
	cfg     Config
	builder bvh.Builder

	pool      *geometry.Pool
	cache     *blasCache
	instances *instanceTable

	// workers is nil when BLAS trees are built serially.
	workers *parallel.WorkerPool

	state tlasState
	top   bvh.TopLevel

	builds     int
	blasBuilds int
	closed     bool
}

// New creates an acceleration structure on dev.
func New(dev gpucore.Device, opts ...Option) (*AccelerationStructure, error) {
	if dev == nil {
		return nil, fmt.Errorf("rtas: nil device")
	}
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()
	propagateLogger(dev)

	pool, err := geometry.New(dev, geometry.Config{
		VertexCapacity: cfg.VertexCapacity,
		IndexCapacity:  cfg.IndexCapacity,
		GrowthFactor:   cfg.GrowthFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("rtas: %w", wrapOOM(err))
	}

	builder := cfg.builder()
	cache, err := newBlasCache(dev, pool, builder, cfg)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("rtas: %w", err)
	}

	as := &AccelerationStructure{
		dev:       dev,
		cfg:       cfg,
		builder:   builder,
		pool:      pool,
		cache:     cache,
		instances: newInstanceTable(cfg.HandleSeed),
	}
	if _, ok := builder.(bvh.BatchBuilder); ok && cfg.Workers != 1 {
		as.workers = parallel.NewWorkerPool(cfg.Workers)
	}
	Logger().Debug("rtas: created",
		"builder", builder.Name(),
		"flags", cfg.BuildFlags.String(),
		"node_capacity", cfg.NodeCapacity)
	return as, nil
}

// invalidate drops the TLAS and releases its buffers.
func (as *AccelerationStructure) invalidate() {
	if as.state == tlasBuilt {
		as.top.Release(as.dev)
		as.top = bvh.TopLevel{}
		as.state = tlasAbsent
	}
}

// AddInstance adds an instance of one sub-mesh. The first instance of a
// sub-mesh copies its geometry into the pool and reserves its BLAS nodes.
func (as *AccelerationStructure) AddInstance(desc InstanceDesc) (InstanceHandle, error) {
	if as.closed {
		return 0, ErrClosed
	}
	if desc.Mesh == nil {
		return 0, ErrNilMesh
	}
	id, err := as.cache.getOrCreate(desc.Mesh, desc.SubMesh)
	if err != nil {
		return 0, fmt.Errorf("rtas: add instance of mesh %d: %w", desc.Mesh.ID, err)
	}
	as.cache.acquire(id)
	as.invalidate()

	return as.instances.insert(Instance{
		Key:            as.cache.get(id).key,
		Transform:      desc.Transform,
		Mask:           desc.Mask,
		CullingEnabled: desc.CullingEnabled,
		InvertCulling:  desc.InvertCulling,
		UserID:         desc.UserID,
	}, id), nil
}

// RemoveInstance removes an instance. The BLAS of its sub-mesh is deleted
// when no other instance references it.
func (as *AccelerationStructure) RemoveInstance(h InstanceHandle) error {
	if as.closed {
		return ErrClosed
	}
	id, err := as.instances.remove(h)
	if err != nil {
		return err
	}
	as.cache.release(id)
	as.invalidate()
	return nil
}

func (as *AccelerationStructure) update(h InstanceHandle, fn func(*Instance)) error {
	if as.closed {
		return ErrClosed
	}
	s, err := as.instances.lookup(h)
	if err != nil {
		return err
	}
	fn(&s.inst)
	as.invalidate()
	return nil
}

// UpdateInstanceTransform sets an instance's object-to-world transform.
func (as *AccelerationStructure) UpdateInstanceTransform(h InstanceHandle, t bvh.Transform) error {
	return as.update(h, func(in *Instance) { in.Transform = t })
}

// UpdateInstanceMask sets an instance's visibility mask.
func (as *AccelerationStructure) UpdateInstanceMask(h InstanceHandle, mask uint8) error {
	return as.update(h, func(in *Instance) { in.Mask = mask })
}

// UpdateInstanceID sets an instance's user ID.
func (as *AccelerationStructure) UpdateInstanceID(h InstanceHandle, id uint32) error {
	return as.update(h, func(in *Instance) { in.UserID = id })
}

// UpdateInstanceCulling sets an instance's culling flags.
func (as *AccelerationStructure) UpdateInstanceCulling(h InstanceHandle, enabled, invert bool) error {
	return as.update(h, func(in *Instance) {
		in.CullingEnabled = enabled
		in.InvertCulling = invert
	})
}

// Instance returns a copy of an instance's state.
func (as *AccelerationStructure) Instance(h InstanceHandle) (Instance, error) {
	s, err := as.instances.lookup(h)
	if err != nil {
		return Instance{}, err
	}
	return s.inst, nil
}

// ClearInstances removes every instance and BLAS. The geometry pool is
// recreated at its initial size; the node buffer keeps its capacity.
func (as *AccelerationStructure) ClearInstances() error {
	if as.closed {
		return ErrClosed
	}
	as.instances.reset()
	as.invalidate()
	if err := as.cache.clear(); err != nil {
		return fmt.Errorf("rtas: clear: %w", err)
	}
	return nil
}

// InstanceCount returns the number of live instances.
func (as *AccelerationStructure) InstanceCount() int { return as.instances.live }

// BlasCount returns the number of live BLAS entries.
func (as *AccelerationStructure) BlasCount() int { return as.cache.count() }

// BlasRefCount returns the number of instances referencing a sub-mesh.
func (as *AccelerationStructure) BlasRefCount(key GeometryKey) uint32 {
	if e, ok := as.cache.lookup(key); ok {
		return e.refCount
	}
	return 0
}

// IsBuilt reports whether the TLAS reflects the current instances.
func (as *AccelerationStructure) IsBuilt() bool { return as.state == tlasBuilt }

// TopLevel returns the current TLAS. ok is false when it is absent.
func (as *AccelerationStructure) TopLevel() (bvh.TopLevel, bool) {
	return as.top, as.state == tlasBuilt
}

// Bindings returns the buffers to bind for traversal. ok is false when
// the TLAS is absent.
func (as *AccelerationStructure) Bindings() (Bindings, bool) {
	if as.state != tlasBuilt {
		return Bindings{}, false
	}
	return Bindings{
		TLAS:         as.top.Nodes,
		BlasNodes:    as.cache.nodes.Buffer(),
		InstanceInfo: as.top.Instances,
		Indices:      as.pool.IndexBuffer(),
		Vertices:     as.pool.VertexBuffer(),
		VertexStride: geometry.FloatsPerVertex,
	}, true
}

// ScratchSizeInBytes returns the scratch size the next Build needs: the
// largest requirement among unbuilt BLAS and the pending TLAS, and never
// less than 4 bytes.
func (as *AccelerationStructure) ScratchSizeInBytes() uint64 {
	var dwords uint64
	for _, id := range as.cache.unbuilt() {
		dwords = max(dwords, as.cache.get(id).req.BuildScratchSizeInDwords)
	}
	if as.state != tlasBuilt {
		req := as.builder.SceneMemoryRequirements(as.instances.live, as.cfg.BuildFlags)
		dwords = max(dwords, req.BuildScratchSizeInDwords)
	}
	return max(dwords*4, bvh.ScratchStride)
}

// Build builds every outstanding BLAS and assembles a new TLAS. It does
// nothing when the TLAS is already built. The scratch buffer is validated
// before any work is recorded; on failure the TLAS stays absent.
func (as *AccelerationStructure) Build(scratch bvh.ScratchBuffer) error {
	if as.closed {
		return ErrClosed
	}
	if as.state == tlasBuilt {
		return nil
	}
	if err := scratch.Validate(as.ScratchSizeInBytes()); err != nil {
		return err
	}

	flags := as.cfg.BuildFlags
	nodeBuffer := as.cache.nodes.Buffer()
	if err := as.buildBlas(nodeBuffer, flags, scratch); err != nil {
		return err
	}

	records := make([]bvh.Instance, 0, as.instances.live)
	as.instances.each(func(_ InstanceHandle, s *instanceSlot) {
		e := as.cache.get(s.blas)
		records = append(records, bvh.Instance{
			Transform:     s.inst.Transform,
			BlasNode:      uint32(e.nodes.Offset),
			IndexOffset:   uint32(e.geometry.Indices.Offset),
			VertexOffset:  uint32(e.geometry.Vertices.Offset),
			TriangleCount: uint32(e.geometry.TriangleCount()),
			Mask:          s.inst.Mask,
			Flags:         s.inst.flags(),
			UserID:        s.inst.UserID,
		})
	})

	top, err := as.builder.BuildScene(as.dev, nodeBuffer, records, flags, scratch)
	if err != nil {
		return fmt.Errorf("rtas: build TLAS: %w", wrapOOM(err))
	}
	as.top = top
	as.state = tlasBuilt
	as.builds++

	Logger().Info("rtas: TLAS built",
		"instances", len(records),
		"tlas_nodes", top.NodeCount,
		"blas", as.cache.count())
	return nil
}

// buildBlas builds every unbuilt BLAS into its reserved node range.
// Several outstanding BLAS are handed to the worker pool as one batch.
func (as *AccelerationStructure) buildBlas(nodeBuffer gpucore.BufferID, flags bvh.BuildFlags,
	scratch bvh.ScratchBuffer,
) error {
	ids := as.cache.unbuilt()
	if batch, ok := as.builder.(bvh.BatchBuilder); ok && as.workers != nil && len(ids) > 1 {
		jobs := make([]bvh.MeshJob, len(ids))
		for i, id := range ids {
			e := as.cache.get(id)
			jobs[i] = bvh.MeshJob{
				Info:        e.buildInfo(as.pool),
				Dst:         nodeBuffer,
				DstOffset:   uint32(e.nodes.Offset),
				DstCapacity: uint32(e.nodes.Count),
			}
		}
		if err := batch.BuildMeshes(as.dev, jobs, flags, scratch, as.workers.ExecuteAll); err != nil {
			return fmt.Errorf("rtas: build %d BLAS: %w", len(ids), err)
		}
		for _, id := range ids {
			as.cache.get(id).built = true
		}
		as.blasBuilds += len(ids)
		Logger().Debug("rtas: BLAS batch built", "count", len(ids), "workers", as.workers.Workers())
		return nil
	}

	for _, id := range ids {
		e := as.cache.get(id)
		err := as.builder.BuildMesh(as.dev, e.buildInfo(as.pool), flags, scratch,
			nodeBuffer, uint32(e.nodes.Offset), uint32(e.nodes.Count))
		if err != nil {
			return fmt.Errorf("rtas: build BLAS for mesh %d/%d: %w", e.key.Mesh, e.key.SubMesh, err)
		}
		e.built = true
		as.blasBuilds++
	}
	return nil
}

// Close releases every buffer owned by the acceleration structure.
// Close is idempotent.
func (as *AccelerationStructure) Close() {
	if as.closed {
		return
	}
	as.invalidate()
	as.cache.destroy()
	as.pool.Release()
	if as.workers != nil {
		as.workers.Close()
	}
	as.closed = true
}
