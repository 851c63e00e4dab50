package geometry

import (
	"encoding/binary"

	"github.com/gogpu/rtas/gpucore"
)

// copyWorkgroupSize is the workgroup width of both copy kernels.
const copyWorkgroupSize = 64

// paramsSize is the size of the copy-kernel uniform block in bytes.
const paramsSize = 32

// Binding slots shared by both copy kernels.
const (
	bindingParams = 0
	bindingDims   = 1
	bindingSrc    = 2
	bindingDst    = 3
)

var copyBindings = []gpucore.BindingLayout{
	{Binding: bindingParams, Type: gpucore.BindingTypeUniformBuffer},
	{Binding: bindingDims, Type: gpucore.BindingTypeReadOnlyStorageBuffer},
	{Binding: bindingSrc, Type: gpucore.BindingTypeReadOnlyStorageBuffer},
	{Binding: bindingDst, Type: gpucore.BindingTypeStorageBuffer},
}

// vertexParams is the uniform block of the vertex copy kernel.
type vertexParams struct {
	srcBaseWord uint32 // first position word in the source buffer
	strideWords uint32 // source vertex stride in words
	dstOffset   uint32 // destination offset in floats
	count       uint32 // vertices to copy
}

func (p vertexParams) bytes() []byte {
	buf := make([]byte, paramsSize)
	binary.LittleEndian.PutUint32(buf[0:], p.srcBaseWord)
	binary.LittleEndian.PutUint32(buf[4:], p.strideWords)
	binary.LittleEndian.PutUint32(buf[8:], p.dstOffset)
	binary.LittleEndian.PutUint32(buf[12:], p.count)
	return buf
}

// indexParams is the uniform block of the index copy kernel.
type indexParams struct {
	indexStart uint32 // first source index
	indexSize  uint32 // 2 or 4 bytes
	dstOffset  uint32 // destination offset in indices
	count      uint32 // indices to copy
	bias       int32  // baseVertex - firstVertex
}

func (p indexParams) bytes() []byte {
	buf := make([]byte, paramsSize)
	binary.LittleEndian.PutUint32(buf[0:], p.indexStart)
	binary.LittleEndian.PutUint32(buf[4:], p.indexSize)
	binary.LittleEndian.PutUint32(buf[8:], p.dstOffset)
	binary.LittleEndian.PutUint32(buf[12:], p.count)
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.bias))
	return buf
}

const copyVerticesWGSL = `
struct Params {
    src_base_word: u32,
    stride_words: u32,
    dst_offset: u32,
    count: u32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
    _pad3: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> dims: array<u32>;
@group(0) @binding(2) var<storage, read> src: array<u32>;
@group(0) @binding(3) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(64, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let v = gid.x;
    if v >= dims[0] {
        return;
    }
    let s = params.src_base_word + v * params.stride_words;
    let d = params.dst_offset + v * 3u;
    dst[d + 0u] = src[s + 0u];
    dst[d + 1u] = src[s + 1u];
    dst[d + 2u] = src[s + 2u];
}
`

const copyIndicesWGSL = `
struct Params {
    index_start: u32,
    index_size: u32,
    dst_offset: u32,
    count: u32,
    bias: i32,
    _pad0: u32,
    _pad1: u32,
    _pad2: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> dims: array<u32>;
@group(0) @binding(2) var<storage, read> src: array<u32>;
@group(0) @binding(3) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(64, 1, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if i >= dims[0] {
        return;
    }
    let idx = params.index_start + i;
    var v: u32;
    if params.index_size == 2u {
        let word = src[idx / 2u];
        v = (word >> ((idx & 1u) * 16u)) & 0xffffu;
    } else {
        v = src[idx];
    }
    dst[params.dst_offset + i] = u32(i32(v) + params.bias);
}
`

func word(b []byte, i uint32) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }

func putWord(b []byte, i, v uint32) { binary.LittleEndian.PutUint32(b[i*4:], v) }

// copyVerticesHost mirrors copyVerticesWGSL.
func copyVerticesHost(groups [3]uint32, b [][]byte) {
	params, dims, src, dst := b[bindingParams], b[bindingDims], b[bindingSrc], b[bindingDst]
	srcBase, stride, dstOffset := word(params, 0), word(params, 1), word(params, 2)
	width := word(dims, 0)

	for v := uint32(0); v < groups[0]*copyWorkgroupSize; v++ {
		if v >= width {
			return
		}
		s := srcBase + v*stride
		d := dstOffset + v*3
		for c := uint32(0); c < 3; c++ {
			putWord(dst, d+c, word(src, s+c))
		}
	}
}

// copyIndicesHost mirrors copyIndicesWGSL.
func copyIndicesHost(groups [3]uint32, b [][]byte) {
	params, dims, src, dst := b[bindingParams], b[bindingDims], b[bindingSrc], b[bindingDst]
	start, size, dstOffset := word(params, 0), word(params, 1), word(params, 2)
	bias := int32(word(params, 4))
	width := word(dims, 0)

	for i := uint32(0); i < groups[0]*copyWorkgroupSize; i++ {
		if i >= width {
			return
		}
		idx := start + i
		var v uint32
		if size == 2 {
			// Packed u16 buffers may end mid-word.
			v = uint32(binary.LittleEndian.Uint16(src[idx*2:]))
		} else {
			v = word(src, idx)
		}
		putWord(dst, dstOffset+i, uint32(int32(v)+bias))
	}
}

func vertexKernel() *gpucore.KernelDesc {
	return &gpucore.KernelDesc{
		Label:         "geometry_copy_vertices",
		WGSL:          copyVerticesWGSL,
		EntryPoint:    "main",
		WorkgroupSize: [3]uint32{copyWorkgroupSize, 1, 1},
		Bindings:      copyBindings,
		Host:          copyVerticesHost,
	}
}

func indexKernel() *gpucore.KernelDesc {
	return &gpucore.KernelDesc{
		Label:         "geometry_copy_indices",
		WGSL:          copyIndicesWGSL,
		EntryPoint:    "main",
		WorkgroupSize: [3]uint32{copyWorkgroupSize, 1, 1},
		Bindings:      copyBindings,
		Host:          copyIndicesHost,
	}
}
