package gpucore

import "encoding/binary"

// Dispatch-dimension buffer layout.
//
// A dispatch-dimension buffer holds six u32 values:
//
//	[width, height, depth, groupsX, groupsY, groupsZ]
//
// Kernels read the logical dimensions at byte 0 to bounds-check their
// invocations; the workgroup counts at byte [DispatchGroupsOffset] feed
// [ComputePassEncoder.DispatchIndirect].
const (
	// DispatchDimsSize is the size of a dispatch-dimension buffer in bytes.
	DispatchDimsSize = 24

	// DispatchGroupsOffset is the byte offset of the workgroup counts.
	DispatchGroupsOffset = 12
)

// WorkgroupCount returns ceil(n / size), or 0 when n is 0.
func WorkgroupCount(n, size uint32) uint32 {
	if n == 0 || size == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// DispatchDims returns the workgroup counts for the given logical
// dimensions and workgroup size. Zero dimensions count as 1 except width.
func DispatchDims(dims, workgroup [3]uint32) [3]uint32 {
	var groups [3]uint32
	for i := range dims {
		d, w := dims[i], workgroup[i]
		if i > 0 && d == 0 {
			d = 1
		}
		if w == 0 {
			w = 1
		}
		groups[i] = WorkgroupCount(d, w)
	}
	return groups
}

// EncodeDispatchDims encodes a dispatch-dimension buffer.
func EncodeDispatchDims(dims, workgroup [3]uint32) []byte {
	groups := DispatchDims(dims, workgroup)
	buf := make([]byte, DispatchDimsSize)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], dims[i])
		binary.LittleEndian.PutUint32(buf[DispatchGroupsOffset+i*4:], groups[i])
	}
	return buf
}

// DecodeDispatchDims returns the logical dimensions and workgroup counts
// stored in a dispatch-dimension buffer.
func DecodeDispatchDims(buf []byte) (dims, groups [3]uint32) {
	if len(buf) < DispatchDimsSize {
		return dims, groups
	}
	for i := 0; i < 3; i++ {
		dims[i] = binary.LittleEndian.Uint32(buf[i*4:])
		groups[i] = binary.LittleEndian.Uint32(buf[DispatchGroupsOffset+i*4:])
	}
	return dims, groups
}
