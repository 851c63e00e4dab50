package native

import (
	"fmt"

	"github.com/gogpu/rtas/gpucore"
	"github.com/gogpu/wgpu/hal"
)

// BeginComputePass starts a compute pass on the recording encoder. If the
// encoder cannot be created the pass records nothing and Submit reports
// the error.
func (d *Device) BeginComputePass(label string) gpucore.ComputePassEncoder {
	enc, err := d.ensureEncoder()
	if err != nil {
		d.fail(err)
		return &computePass{device: d}
	}
	return &computePass{
		device: d,
		pass:   enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label}),
	}
}

// computePass implements gpucore.ComputePassEncoder.
type computePass struct {
	device   *Device
	pass     hal.ComputePassEncoder
	pipeline bool
	group    bool
}

func (p *computePass) SetPipeline(id gpucore.ComputePipelineID) {
	if p.pass == nil {
		return
	}
	pl, ok := p.device.pipelines[id]
	if !ok {
		p.device.fail(fmt.Errorf("native: set pipeline: %w: %d", gpucore.ErrInvalidPipeline, id))
		return
	}
	p.pass.SetPipeline(pl.pipeline)
	p.pipeline = true
}

func (p *computePass) SetBindGroup(index uint32, id gpucore.BindGroupID) {
	if p.pass == nil {
		return
	}
	bg, ok := p.device.bindGroups[id]
	if !ok {
		p.device.fail(fmt.Errorf("native: set bind group: %w: %d", gpucore.ErrInvalidBindGroup, id))
		return
	}
	p.pass.SetBindGroup(index, bg, nil)
	p.group = true
}

// ready reports whether a dispatch may be recorded.
func (p *computePass) ready() bool {
	if p.pass == nil {
		return false
	}
	if !p.pipeline || !p.group {
		p.device.fail(fmt.Errorf("native: dispatch without pipeline and bind group"))
		return false
	}
	return true
}

func (p *computePass) Dispatch(x, y, z uint32) {
	if !p.ready() || x == 0 || y == 0 || z == 0 {
		return
	}
	p.pass.Dispatch(x, y, z)
}

func (p *computePass) DispatchIndirect(id gpucore.BufferID, offset uint64) {
	if !p.ready() {
		return
	}
	b, err := p.device.lookupBuffer(id)
	if err != nil {
		p.device.fail(fmt.Errorf("native: dispatch indirect: %w", err))
		return
	}
	if offset%4 != 0 {
		p.device.fail(fmt.Errorf("native: dispatch indirect: offset %d is not 4-byte aligned", offset))
		return
	}
	if err := checkRange(b, offset, 12); err != nil {
		p.device.fail(fmt.Errorf("native: dispatch indirect: %w", err))
		return
	}
	p.pass.DispatchIndirect(b.hal, offset)
}

func (p *computePass) End() {
	if p.pass == nil {
		return
	}
	p.pass.End()
	p.pass = nil
}
