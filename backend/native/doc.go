// Package native implements gpucore.Device on a gogpu/wgpu HAL device.
//
// Kernels are compiled from WGSL to SPIR-V with naga. Work is recorded
// into a single command encoder and submitted on [Device.Submit], on
// [Device.ReadBuffer], or before a queue write that must observe it.
//
// A Device can wrap an existing hal.Device and hal.Queue ([New]), share
// the device of a gpucontext.DeviceProvider such as a gogpu application
// ([NewFromProvider]), or open a standalone Vulkan device ([NewDefault]).
package native
