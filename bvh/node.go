package bvh

import (
	"encoding/binary"
	"math"
)

// Node layout constants.
const (
	// NodeSizeInDwords is the size of one node in 32-bit words.
	NodeSizeInDwords = 8

	// NodeSize is the size of one node in bytes.
	NodeSize = NodeSizeInDwords * 4

	// LeafFlag marks dword 7 of a leaf node.
	LeafFlag = 1 << 31
)

// Node is one BVH node.
type Node struct {
	Bounds AABB

	// Left is the left child index, or the first primitive for leaves.
	Left uint32

	// Right is the right child index, or LeafFlag | count for leaves.
	Right uint32
}

// LeafNode returns a leaf covering count primitives starting at first.
func LeafNode(b AABB, first, count uint32) Node {
	return Node{Bounds: b, Left: first, Right: LeafFlag | count}
}

// IsLeaf reports whether the node is a leaf.
func (n Node) IsLeaf() bool { return n.Right&LeafFlag != 0 }

// PrimitiveCount returns the number of primitives of a leaf.
func (n Node) PrimitiveCount() uint32 { return n.Right &^ LeafFlag }

// Encode writes the node into dst, which must hold NodeSize bytes.
func (n Node) Encode(dst []byte) {
	le := binary.LittleEndian
	for i := 0; i < 3; i++ {
		le.PutUint32(dst[i*4:], math.Float32bits(n.Bounds.Min[i]))
		le.PutUint32(dst[16+i*4:], math.Float32bits(n.Bounds.Max[i]))
	}
	le.PutUint32(dst[12:], n.Left)
	le.PutUint32(dst[28:], n.Right)
}

// DecodeNode reads a node from src.
func DecodeNode(src []byte) Node {
	le := binary.LittleEndian
	var n Node
	for i := 0; i < 3; i++ {
		n.Bounds.Min[i] = math.Float32frombits(le.Uint32(src[i*4:]))
		n.Bounds.Max[i] = math.Float32frombits(le.Uint32(src[16+i*4:]))
	}
	n.Left = le.Uint32(src[12:])
	n.Right = le.Uint32(src[28:])
	return n
}

// EncodeNodes serializes a node array.
func EncodeNodes(nodes []Node) []byte {
	buf := make([]byte, len(nodes)*NodeSize)
	for i, n := range nodes {
		n.Encode(buf[i*NodeSize:])
	}
	return buf
}

// DecodeNodes parses a node array.
func DecodeNodes(buf []byte) []Node {
	nodes := make([]Node, len(buf)/NodeSize)
	for i := range nodes {
		nodes[i] = DecodeNode(buf[i*NodeSize:])
	}
	return nodes
}

// Instance flags stored in the instance info record.
const (
	// InstanceCullingEnabled enables back-face culling for the instance.
	InstanceCullingEnabled uint32 = 1 << 0

	// InstanceFlipFacing swaps the front-face winding.
	InstanceFlipFacing uint32 = 1 << 1
)

// InstanceInfoSizeInDwords is the size of one instance info record.
//
//	dword 0..11   object-to-world transform (3x4, row-major)
//	dword 12..23  world-to-object transform
//	dword 24      BLAS root node offset, in nodes
//	dword 25      first index in the pooled index buffer
//	dword 26      first float in the pooled vertex buffer
//	dword 27      triangle count
//	dword 28      visibility mask (low 8 bits)
//	dword 29      instance flags
//	dword 30      user instance ID
//	dword 31      reserved
const InstanceInfoSizeInDwords = 32

// InstanceInfoSize is the size of one instance info record in bytes.
const InstanceInfoSize = InstanceInfoSizeInDwords * 4

// Instance is one TLAS input.
type Instance struct {
	Transform     Transform
	BlasNode      uint32
	IndexOffset   uint32
	VertexOffset  uint32
	TriangleCount uint32
	Mask          uint8
	Flags         uint32
	UserID        uint32
}

// Encode writes the instance info record into dst.
func (in Instance) Encode(dst []byte) {
	le := binary.LittleEndian
	inv, _ := in.Transform.Inverse()
	putTransform := func(off int, t Transform) {
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				le.PutUint32(dst[off+(r*4+c)*4:], math.Float32bits(t[r][c]))
			}
		}
	}
	putTransform(0, in.Transform)
	putTransform(48, inv)
	le.PutUint32(dst[96:], in.BlasNode)
	le.PutUint32(dst[100:], in.IndexOffset)
	le.PutUint32(dst[104:], in.VertexOffset)
	le.PutUint32(dst[108:], in.TriangleCount)
	le.PutUint32(dst[112:], uint32(in.Mask))
	le.PutUint32(dst[116:], in.Flags)
	le.PutUint32(dst[120:], in.UserID)
	le.PutUint32(dst[124:], 0)
}

// DecodeInstance reads an instance info record. The inverse transform is
// not returned.
func DecodeInstance(src []byte) Instance {
	le := binary.LittleEndian
	var in Instance
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			in.Transform[r][c] = math.Float32frombits(le.Uint32(src[(r*4+c)*4:]))
		}
	}
	in.BlasNode = le.Uint32(src[96:])
	in.IndexOffset = le.Uint32(src[100:])
	in.VertexOffset = le.Uint32(src[104:])
	in.TriangleCount = le.Uint32(src[108:])
	in.Mask = uint8(le.Uint32(src[112:]))
	in.Flags = le.Uint32(src[116:])
	in.UserID = le.Uint32(src[120:])
	return in
}

// EncodeInstances serializes instance records.
func EncodeInstances(instances []Instance) []byte {
	buf := make([]byte, len(instances)*InstanceInfoSize)
	for i, in := range instances {
		in.Encode(buf[i*InstanceInfoSize:])
	}
	return buf
}

// DecodeInverse reads the world-to-object transform of a record.
func DecodeInverse(src []byte) Transform {
	le := binary.LittleEndian
	var t Transform
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			t[r][c] = math.Float32frombits(le.Uint32(src[48+(r*4+c)*4:]))
		}
	}
	return t
}
