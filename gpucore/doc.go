// Package gpucore provides the GPU device abstraction used by the
// acceleration-structure manager.
//
// This package defines the [Device] interface, which abstracts over the
// backends that can host acceleration structures:
//   - backend/native: gogpu/wgpu HAL devices (Vulkan, Metal, DX12, noop)
//   - backend/memory: a host-memory device that executes recorded
//     commands on the CPU, used for compute emulation and tests
//
// # Command Model
//
// Every mutating operation is recorded into the device's command stream and
// executed in record order. [Device.WriteBuffer] is ordered after previously
// recorded commands, and [Device.DestroyBuffer] defers the release of the
// buffer until all work that references it has been submitted. Callers never
// block unless they read a buffer back with [Device.ReadBuffer].
//
//	+--------------------+
//	| rtas.AccelStruct   |
//	+---------+----------+
//	          |
//	+---------v----------+
//	|  gpucore.Device    |
//	+----+----------+----+
//	     |          |
//	+----v---+  +---v----+
//	| native |  | memory |
//	| (hal)  |  | (host) |
//	+--------+  +--------+
//
// # Kernels
//
// Compute kernels are described by [KernelDesc]: WGSL source for hardware
// backends plus a [HostKernel] reference implementation that mirrors the
// shader for the host-memory backend. Both must produce identical results.
//
// # Resource IDs
//
// Resources are referenced by opaque uint64 IDs. The zero value
// ([InvalidID]) never names a live resource.
package gpucore
