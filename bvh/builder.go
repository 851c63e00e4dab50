package bvh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/rtas/gpucore"
	"golang.org/x/image/math/f32"
)

// Builder errors.
var (
	// ErrInvalidScratchBuffer is returned when a scratch buffer has the
	// wrong stride or is smaller than the build requires.
	ErrInvalidScratchBuffer = errors.New("bvh: invalid scratch buffer")

	// ErrNodeRange is returned when a BLAS does not fit its destination range.
	ErrNodeRange = errors.New("bvh: destination node range out of bounds")

	// ErrIndexOutOfRange is returned when a triangle references a vertex
	// outside its mesh.
	ErrIndexOutOfRange = errors.New("bvh: triangle index out of range")
)

// ScratchStride is the only accepted scratch buffer stride in bytes.
const ScratchStride = 4

// ScratchBuffer is caller-provided temporary memory for builds.
type ScratchBuffer struct {
	Buffer      gpucore.BufferID
	SizeInBytes uint64
	Stride      uint32
}

// Validate checks the stride and that at least required bytes are available.
func (s ScratchBuffer) Validate(required uint64) error {
	if s.Stride != ScratchStride {
		return fmt.Errorf("%w: stride %d, want %d", ErrInvalidScratchBuffer, s.Stride, ScratchStride)
	}
	if s.Buffer == gpucore.InvalidID {
		return fmt.Errorf("%w: no buffer", ErrInvalidScratchBuffer)
	}
	if s.SizeInBytes < required {
		return fmt.Errorf("%w: %d bytes, need %d", ErrInvalidScratchBuffer, s.SizeInBytes, required)
	}
	return nil
}

// MemoryRequirements are the sizes a build needs, in 32-bit words.
type MemoryRequirements struct {
	ResultSizeInDwords       uint64
	BuildScratchSizeInDwords uint64
}

// MeshBuildInfo describes pooled geometry for a BLAS build.
type MeshBuildInfo struct {
	VertexBuffer gpucore.BufferID
	// VertexOffset is the first float of the mesh in VertexBuffer.
	VertexOffset uint32
	VertexCount  uint32
	// VertexStride is the vertex stride in floats.
	VertexStride uint32

	IndexBuffer gpucore.BufferID
	// IndexOffset is the first index of the mesh in IndexBuffer.
	IndexOffset   uint32
	TriangleCount uint32
}

// TopLevel is an assembled TLAS.
type TopLevel struct {
	// Nodes holds NodeCount TLAS nodes.
	Nodes gpucore.BufferID

	// Instances holds InstanceCount instance info records.
	Instances gpucore.BufferID

	NodeCount     uint32
	InstanceCount uint32
}

// Release destroys both buffers.
func (t TopLevel) Release(dev gpucore.Device) {
	if t.Nodes != gpucore.InvalidID {
		dev.DestroyBuffer(t.Nodes)
	}
	if t.Instances != gpucore.InvalidID {
		dev.DestroyBuffer(t.Instances)
	}
}

// Builder builds bottom- and top-level BVHs on a device.
type Builder interface {
	// Name identifies the builder in logs.
	Name() string

	// NodeSizeInDwords returns the node size of the produced trees.
	NodeSizeInDwords() uint32

	// MeshMemoryRequirements returns the BLAS size and scratch needs.
	MeshMemoryRequirements(info MeshBuildInfo, flags BuildFlags) MemoryRequirements

	// SceneMemoryRequirements returns the TLAS size and scratch needs.
	SceneMemoryRequirements(instanceCount int, flags BuildFlags) MemoryRequirements

	// BuildMesh writes a BLAS into dst starting at node dstOffset.
	// dstCapacity is the number of nodes reserved for it.
	BuildMesh(dev gpucore.Device, info MeshBuildInfo, flags BuildFlags, scratch ScratchBuffer,
		dst gpucore.BufferID, dstOffset, dstCapacity uint32) error

	// BuildScene assembles a TLAS over instances whose BLAS roots live in
	// blasBuffer. The returned buffers are owned by the caller.
	BuildScene(dev gpucore.Device, blasBuffer gpucore.BufferID, instances []Instance,
		flags BuildFlags, scratch ScratchBuffer) (TopLevel, error)
}

// MeshJob is one BLAS build of a batch.
type MeshJob struct {
	Info MeshBuildInfo

	// Dst receives the nodes starting at node DstOffset; DstCapacity
	// nodes are reserved.
	Dst         gpucore.BufferID
	DstOffset   uint32
	DstCapacity uint32
}

// Executor runs independent tasks and returns when all have finished.
type Executor func(tasks []func())

// Serial runs tasks one after another on the calling goroutine.
func Serial(tasks []func()) {
	for _, task := range tasks {
		task()
	}
}

// BatchBuilder is implemented by builders that can build several BLAS
// in one call. Device access stays on the calling goroutine; exec only
// runs the device-independent part of each build.
type BatchBuilder interface {
	BuildMeshes(dev gpucore.Device, jobs []MeshJob, flags BuildFlags, scratch ScratchBuffer, exec Executor) error
}

// prim is a primitive reference used during construction.
type prim struct {
	bounds   AABB
	centroid f32.Vec3
	id       uint32
	code     uint64
}

func newPrim(id uint32, b AABB) prim {
	return prim{bounds: b, centroid: b.Center(), id: id}
}

// splitter partitions prims in place and returns the split index.
type splitter func(prims []prim, bounds AABB, opts Options) int

// hostBuilder implements Builder by reading the pooled geometry back and
// building on the CPU. The tree shape is delegated to prepare and split.
type hostBuilder struct {
	name    string
	prepare func(prims []prim, opts Options)
	split   splitter
}

func (h *hostBuilder) Name() string { return h.name }

func (h *hostBuilder) NodeSizeInDwords() uint32 { return NodeSizeInDwords }

func treeRequirements(primitives uint64) MemoryRequirements {
	nodes := uint64(1)
	if primitives > 0 {
		nodes = 2*primitives - 1
	}
	return MemoryRequirements{
		ResultSizeInDwords:       nodes * NodeSizeInDwords,
		BuildScratchSizeInDwords: max(2*primitives, 1),
	}
}

func (h *hostBuilder) MeshMemoryRequirements(info MeshBuildInfo, _ BuildFlags) MemoryRequirements {
	return treeRequirements(uint64(info.TriangleCount))
}

func (h *hostBuilder) SceneMemoryRequirements(instanceCount int, _ BuildFlags) MemoryRequirements {
	return treeRequirements(uint64(max(instanceCount, 0)))
}

// build constructs the tree and the scratch image (leaf order followed
// by the leaf node of each primitive).
func (h *hostBuilder) build(prims []prim, opts Options) (nodes []Node, scratch []byte) {
	if h.prepare != nil {
		h.prepare(prims, opts)
	}
	nodes = buildTree(prims, opts, h.split)

	n := len(prims)
	scratch = make([]byte, max(2*n, 1)*4)
	leafOf := make([]uint32, n)
	order := 0
	for i, node := range nodes {
		if node.IsLeaf() && node.PrimitiveCount() > 0 {
			binary.LittleEndian.PutUint32(scratch[order*4:], node.Left)
			leafOf[node.Left] = uint32(i)
			order++
		}
	}
	for i, leaf := range leafOf {
		binary.LittleEndian.PutUint32(scratch[(n+i)*4:], leaf)
	}
	return nodes, scratch
}

func (h *hostBuilder) BuildMesh(dev gpucore.Device, info MeshBuildInfo, flags BuildFlags, scratch ScratchBuffer,
	dst gpucore.BufferID, dstOffset, dstCapacity uint32,
) error {
	req := h.MeshMemoryRequirements(info, flags)
	if err := scratch.Validate(req.BuildScratchSizeInDwords * 4); err != nil {
		return err
	}
	nodeCount := req.ResultSizeInDwords / NodeSizeInDwords
	if nodeCount > uint64(dstCapacity) {
		return fmt.Errorf("%w: %d nodes into %d", ErrNodeRange, nodeCount, dstCapacity)
	}

	prims, err := loadTriangles(dev, info)
	if err != nil {
		return err
	}
	nodes, scratchBytes := h.build(prims, OptionsFromFlags(flags))

	if err := dev.WriteBuffer(dst, uint64(dstOffset)*NodeSize, EncodeNodes(nodes)); err != nil {
		return fmt.Errorf("bvh: write BLAS nodes: %w", err)
	}
	if err := dev.WriteBuffer(scratch.Buffer, 0, scratchBytes); err != nil {
		return fmt.Errorf("bvh: write scratch: %w", err)
	}
	return nil
}

// BuildMeshes builds every job. Geometry is read back in job order, the
// trees are built through exec and the nodes are written in job order.
// Nothing is written unless every job validates and loads.
func (h *hostBuilder) BuildMeshes(dev gpucore.Device, jobs []MeshJob, flags BuildFlags, scratch ScratchBuffer,
	exec Executor,
) error {
	if exec == nil {
		exec = Serial
	}
	var required uint64
	for i, job := range jobs {
		req := h.MeshMemoryRequirements(job.Info, flags)
		required = max(required, req.BuildScratchSizeInDwords*4)
		if nodes := req.ResultSizeInDwords / NodeSizeInDwords; nodes > uint64(job.DstCapacity) {
			return fmt.Errorf("%w: job %d needs %d nodes, has %d", ErrNodeRange, i, nodes, job.DstCapacity)
		}
	}
	if err := scratch.Validate(required); err != nil {
		return err
	}

	prims := make([][]prim, len(jobs))
	for i, job := range jobs {
		p, err := loadTriangles(dev, job.Info)
		if err != nil {
			return fmt.Errorf("job %d: %w", i, err)
		}
		prims[i] = p
	}

	opts := OptionsFromFlags(flags)
	nodes := make([][]Node, len(jobs))
	images := make([][]byte, len(jobs))
	tasks := make([]func(), len(jobs))
	for i := range jobs {
		tasks[i] = func() { nodes[i], images[i] = h.build(prims[i], opts) }
	}
	exec(tasks)

	for i, job := range jobs {
		if err := dev.WriteBuffer(job.Dst, uint64(job.DstOffset)*NodeSize, EncodeNodes(nodes[i])); err != nil {
			return fmt.Errorf("bvh: write BLAS nodes of job %d: %w", i, err)
		}
	}
	// The scratch buffer ends up holding the image of the last build.
	if n := len(images); n > 0 {
		if err := dev.WriteBuffer(scratch.Buffer, 0, images[n-1]); err != nil {
			return fmt.Errorf("bvh: write scratch: %w", err)
		}
	}
	return nil
}

// loadTriangles reads pooled positions and indices back from the device.
func loadTriangles(dev gpucore.Device, info MeshBuildInfo) ([]prim, error) {
	if info.TriangleCount == 0 {
		return nil, nil
	}
	stride := info.VertexStride
	if stride == 0 {
		stride = 3
	}
	vb, err := dev.ReadBuffer(info.VertexBuffer, uint64(info.VertexOffset)*4, uint64(info.VertexCount)*uint64(stride)*4)
	if err != nil {
		return nil, fmt.Errorf("bvh: read vertices: %w", err)
	}
	ib, err := dev.ReadBuffer(info.IndexBuffer, uint64(info.IndexOffset)*4, uint64(info.TriangleCount)*12)
	if err != nil {
		return nil, fmt.Errorf("bvh: read indices: %w", err)
	}

	le := binary.LittleEndian
	vertex := func(i uint32) f32.Vec3 {
		o := i * stride * 4
		return f32.Vec3{
			math.Float32frombits(le.Uint32(vb[o:])),
			math.Float32frombits(le.Uint32(vb[o+4:])),
			math.Float32frombits(le.Uint32(vb[o+8:])),
		}
	}

	prims := make([]prim, info.TriangleCount)
	for t := uint32(0); t < info.TriangleCount; t++ {
		b := EmptyAABB()
		for k := uint32(0); k < 3; k++ {
			idx := le.Uint32(ib[(t*3+k)*4:])
			if idx >= info.VertexCount {
				return nil, fmt.Errorf("%w: triangle %d index %d, %d vertices", ErrIndexOutOfRange, t, idx, info.VertexCount)
			}
			b.Extend(vertex(idx))
		}
		prims[t] = newPrim(t, b)
	}
	return prims, nil
}

func (h *hostBuilder) BuildScene(dev gpucore.Device, blasBuffer gpucore.BufferID, instances []Instance,
	flags BuildFlags, scratch ScratchBuffer,
) (TopLevel, error) {
	req := h.SceneMemoryRequirements(len(instances), flags)
	if err := scratch.Validate(req.BuildScratchSizeInDwords * 4); err != nil {
		return TopLevel{}, err
	}

	roots := make(map[uint32]AABB)
	prims := make([]prim, len(instances))
	for i, in := range instances {
		root, ok := roots[in.BlasNode]
		if !ok {
			raw, err := dev.ReadBuffer(blasBuffer, uint64(in.BlasNode)*NodeSize, NodeSize)
			if err != nil {
				return TopLevel{}, fmt.Errorf("bvh: read BLAS root of instance %d: %w", i, err)
			}
			root = DecodeNode(raw).Bounds
			roots[in.BlasNode] = root
		}
		prims[i] = newPrim(uint32(i), in.Transform.ApplyAABB(root))
	}
	nodes, scratchBytes := h.build(prims, OptionsFromFlags(flags))

	tl := TopLevel{NodeCount: uint32(len(nodes)), InstanceCount: uint32(len(instances))}
	var err error
	defer func() {
		if err != nil {
			tl.Release(dev)
		}
	}()

	usage := gpucore.BufferUsageStorage | gpucore.BufferUsageCopyDst | gpucore.BufferUsageCopySrc
	if tl.Nodes, err = dev.CreateBuffer(gpucore.BufferDesc{
		Label: "tlas_nodes", Size: uint64(len(nodes)) * NodeSize, Usage: usage,
	}); err != nil {
		return TopLevel{}, fmt.Errorf("bvh: TLAS buffer: %w", err)
	}
	if tl.Instances, err = dev.CreateBuffer(gpucore.BufferDesc{
		Label: "tlas_instances", Size: uint64(max(len(instances), 1)) * InstanceInfoSize, Usage: usage,
	}); err != nil {
		return TopLevel{}, fmt.Errorf("bvh: instance info buffer: %w", err)
	}
	if err = dev.WriteBuffer(tl.Nodes, 0, EncodeNodes(nodes)); err != nil {
		return TopLevel{}, fmt.Errorf("bvh: write TLAS nodes: %w", err)
	}
	if err = dev.WriteBuffer(tl.Instances, 0, EncodeInstances(instances)); err != nil {
		return TopLevel{}, fmt.Errorf("bvh: write instance info: %w", err)
	}
	if err = dev.WriteBuffer(scratch.Buffer, 0, scratchBytes); err != nil {
		return TopLevel{}, fmt.Errorf("bvh: write scratch: %w", err)
	}
	return tl, nil
}

// buildTree emits nodes depth-first with the root at index 0.
func buildTree(prims []prim, opts Options, split splitter) []Node {
	if len(prims) == 0 {
		return []Node{LeafNode(EmptyAABB(), 0, 0)}
	}
	nodes := make([]Node, 0, 2*len(prims)-1)

	var emit func(ps []prim) uint32
	emit = func(ps []prim) uint32 {
		idx := uint32(len(nodes))
		nodes = append(nodes, Node{})

		b := EmptyAABB()
		for _, p := range ps {
			b = b.Union(p.bounds)
		}
		if len(ps) == 1 {
			nodes[idx] = LeafNode(b, ps[0].id, 1)
			return idx
		}

		mid := split(ps, b, opts)
		if mid <= 0 || mid >= len(ps) {
			mid = len(ps) / 2
		}
		left := emit(ps[:mid])
		right := emit(ps[mid:])
		nodes[idx] = Node{Bounds: b, Left: left, Right: right}
		return idx
	}
	emit(prims)
	return nodes
}
