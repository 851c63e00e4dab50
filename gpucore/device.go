package gpucore

import "errors"

// Device errors shared by all backends.
var (
	// ErrInvalidBuffer is returned when a buffer ID does not name a live buffer.
	ErrInvalidBuffer = errors.New("gpucore: invalid buffer")

	// ErrInvalidPipeline is returned when a pipeline ID does not name a live pipeline.
	ErrInvalidPipeline = errors.New("gpucore: invalid compute pipeline")

	// ErrInvalidBindGroup is returned when a bind group ID does not name a live bind group.
	ErrInvalidBindGroup = errors.New("gpucore: invalid bind group")

	// ErrBufferTooLarge is returned when a buffer exceeds the device limit.
	ErrBufferTooLarge = errors.New("gpucore: buffer exceeds device maximum size")

	// ErrOutOfRange is returned when a buffer access falls outside the buffer.
	ErrOutOfRange = errors.New("gpucore: buffer access out of range")
)

// Device records GPU work for a single owner.
//
// A Device is NOT safe for concurrent use. All operations that mutate
// buffers are recorded and executed in record order; nothing blocks until
// [Device.Submit] or [Device.ReadBuffer] is called.
type Device interface {
	// MaxBufferSize returns the maximum buffer size in bytes.
	MaxBufferSize() uint64

	// CreateBuffer creates a zero-initialized buffer.
	CreateBuffer(desc BufferDesc) (BufferID, error)

	// DestroyBuffer releases a buffer once all previously recorded work
	// referencing it has been submitted. Unknown IDs are ignored.
	DestroyBuffer(id BufferID)

	// BufferSize returns the size of a live buffer in bytes, or 0.
	BufferSize(id BufferID) uint64

	// WriteBuffer records an upload of data into the buffer at offset.
	// The data is copied before WriteBuffer returns.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer submits pending work, waits for it and returns a copy of
	// size bytes starting at offset.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// CopyBufferToBuffer records a buffer-to-buffer copy.
	CopyBufferToBuffer(src BufferID, srcOffset uint64, dst BufferID, dstOffset, size uint64) error

	// CreateComputePipeline compiles a kernel.
	CreateComputePipeline(desc *KernelDesc) (ComputePipelineID, error)

	// DestroyComputePipeline releases a pipeline after pending work is submitted.
	DestroyComputePipeline(id ComputePipelineID)

	// CreateBindGroup binds buffers to the slots of a pipeline's layout.
	CreateBindGroup(pipeline ComputePipelineID, entries []BindGroupEntry) (BindGroupID, error)

	// DestroyBindGroup releases a bind group after pending work is submitted.
	DestroyBindGroup(id BindGroupID)

	// BeginComputePass starts recording a compute pass.
	BeginComputePass(label string) ComputePassEncoder

	// Submit executes all recorded work and releases deferred resources.
	Submit() error
}

// ComputePassEncoder records compute dispatches.
//
// Errors detected while recording are reported by [Device.Submit].
type ComputePassEncoder interface {
	// SetPipeline sets the active compute pipeline.
	SetPipeline(pipeline ComputePipelineID)

	// SetBindGroup sets the bind group at the given index.
	SetBindGroup(index uint32, group BindGroupID)

	// Dispatch dispatches workgroups.
	Dispatch(x, y, z uint32)

	// DispatchIndirect dispatches with workgroup counts read from buffer
	// at offset (three consecutive u32 values).
	DispatchIndirect(buffer BufferID, offset uint64)

	// End finishes the compute pass.
	End()
}
