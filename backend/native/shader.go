package native

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile shader: SPIR-V length %d is not word aligned", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return words, nil
}

// pipeline owns every HAL object created for one kernel.
type pipeline struct {
	label    string
	module   hal.ShaderModule
	bgl      hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

// destroy releases whatever was created, in reverse order.
func (p *pipeline) destroy(device hal.Device) {
	if p.pipeline != nil {
		device.DestroyComputePipeline(p.pipeline)
	}
	if p.layout != nil {
		device.DestroyPipelineLayout(p.layout)
	}
	if p.bgl != nil {
		device.DestroyBindGroupLayout(p.bgl)
	}
	if p.module != nil {
		device.DestroyShaderModule(p.module)
	}
	*p = pipeline{}
}

func bindGroupLayoutEntries(bindings []gpucore.BindingLayout) []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: convertBindingType(b.Type)},
		}
	}
	return entries
}

func convertBindingType(t gpucore.BindingType) gputypes.BufferBindingType {
	switch t {
	case gpucore.BindingTypeUniformBuffer:
		return gputypes.BufferBindingTypeUniform
	case gpucore.BindingTypeReadOnlyStorageBuffer:
		return gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return gputypes.BufferBindingTypeStorage
	}
}

// convertBufferUsage converts gpucore.BufferUsage to gputypes.BufferUsage.
func convertBufferUsage(usage gpucore.BufferUsage) gputypes.BufferUsage {
	var result gputypes.BufferUsage
	for _, m := range []struct {
		from gpucore.BufferUsage
		to   gputypes.BufferUsage
	}{
		{gpucore.BufferUsageMapRead, gputypes.BufferUsageMapRead},
		{gpucore.BufferUsageMapWrite, gputypes.BufferUsageMapWrite},
		{gpucore.BufferUsageCopySrc, gputypes.BufferUsageCopySrc},
		{gpucore.BufferUsageCopyDst, gputypes.BufferUsageCopyDst},
		{gpucore.BufferUsageIndex, gputypes.BufferUsageIndex},
		{gpucore.BufferUsageVertex, gputypes.BufferUsageVertex},
		{gpucore.BufferUsageUniform, gputypes.BufferUsageUniform},
		{gpucore.BufferUsageStorage, gputypes.BufferUsageStorage},
		{gpucore.BufferUsageIndirect, gputypes.BufferUsageIndirect},
	} {
		if usage.Has(m.from) {
			result |= m.to
		}
	}
	return result
}
