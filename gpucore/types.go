package gpucore

// BufferID names a buffer owned by a Device. IDs are never reused by a
// device, so a stale ID fails lookup instead of aliasing a new buffer.
type BufferID uint64

// ComputePipelineID names a compiled kernel.
type ComputePipelineID uint64

// BindGroupID names a set of buffer ranges bound to a kernel.
type BindGroupID uint64

// InvalidID is never returned by a successful create call.
const InvalidID = 0

// BufferUsage is a bitmask of the ways a buffer may be used. Devices add
// CopySrc and CopyDst to every buffer so that growth and readback work
// without the caller asking for them.
type BufferUsage uint32

// Buffer usages. The values match the WebGPU bit assignments.
const (
	BufferUsageMapRead  BufferUsage = 1 << 0
	BufferUsageMapWrite BufferUsage = 1 << 1
	BufferUsageCopySrc  BufferUsage = 1 << 2
	BufferUsageCopyDst  BufferUsage = 1 << 3
	BufferUsageIndex    BufferUsage = 1 << 4
	BufferUsageVertex   BufferUsage = 1 << 5
	BufferUsageUniform  BufferUsage = 1 << 6
	BufferUsageStorage  BufferUsage = 1 << 7

	// BufferUsageIndirect allows the buffer as DispatchIndirect arguments.
	BufferUsageIndirect BufferUsage = 1 << 8
)

// Has reports whether all bits of flag are set in u.
func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

// BindingType specifies the type of a shader binding.
type BindingType uint32

// Binding types.
const (
	BindingTypeUniformBuffer BindingType = iota + 1
	BindingTypeStorageBuffer
	BindingTypeReadOnlyStorageBuffer
)

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes. Must be positive.
	Size uint64

	// Usage is the set of allowed usages.
	Usage BufferUsage
}

// BindingLayout describes a single binding slot of a kernel.
type BindingLayout struct {
	// Binding is the binding index in group 0.
	Binding uint32

	// Type is the type of buffer bound at this index.
	Type BindingType
}

// HostKernel is the CPU reference implementation of a compute kernel.
//
// groups is the number of workgroups dispatched in each dimension.
// bindings holds one byte slice per binding slot, in the order of
// [KernelDesc.Bindings]; each slice aliases the bound buffer range, so
// writes through read-write bindings are visible to later commands.
type HostKernel func(groups [3]uint32, bindings [][]byte)

// KernelDesc describes a compute kernel and its binding layout.
type KernelDesc struct {
	// Label is an optional debug label.
	Label string

	// WGSL is the shader source compiled by hardware backends.
	WGSL string

	// EntryPoint is the name of the shader entry point function.
	// Defaults to "main".
	EntryPoint string

	// WorkgroupSize must match the @workgroup_size attribute of the shader.
	WorkgroupSize [3]uint32

	// Bindings lists the buffers the kernel reads and writes.
	Bindings []BindingLayout

	// Host mirrors the shader for devices without a GPU.
	Host HostKernel
}

// BindGroupEntry binds Buffer[Offset:Offset+Size] to a binding slot.
// A zero Size binds the rest of the buffer.
type BindGroupEntry struct {
	Binding uint32
	Buffer  BufferID
	Offset  uint64
	Size    uint64
}
