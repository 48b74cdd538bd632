package gpu

import (
	"fmt"
	"strings"

	"github.com/born-ml/infer/internal/errs"
)

// Pipeline is a compute pipeline owned by exactly one layer. It is allocated
// when the layer is bound to a device and compiled later by Create.
type Pipeline struct {
	Specializations []uint32
	BindingCount    int
	LocalSize       [3]uint32
	// Writes lists the binding slots the shader writes. The recorder marks
	// them pending after a dispatch so later readers get a barrier.
	Writes []int

	dev    Device
	name   string
	handle PipelineHandle
}

// NewPipeline allocates an unbuilt pipeline for dev.
func NewPipeline(dev Device) *Pipeline {
	return &Pipeline{dev: dev, LocalSize: [3]uint32{1, 1, 1}}
}

// Device returns the device the pipeline belongs to.
func (p *Pipeline) Device() Device {
	return p.dev
}

// Name returns the shader name given to Create.
func (p *Pipeline) Name() string {
	return p.name
}

// Ready reports whether Create has succeeded.
func (p *Pipeline) Ready() bool {
	return p != nil && p.handle != nil
}

// Handle returns the compiled device pipeline, nil until Create succeeds.
func (p *Pipeline) Handle() PipelineHandle {
	return p.handle
}

// Create compiles source with the pipeline's specializations and local size.
// Creating an already created pipeline is a no-op.
func (p *Pipeline) Create(name, source string) error {
	if p.Ready() {
		return nil
	}
	if p.dev == nil {
		return fmt.Errorf("gpu: pipeline %s has no device: %w", name, errs.ErrConfig)
	}
	limits := p.dev.MaxWorkgroupSize()
	for i, n := range p.LocalSize {
		if n == 0 || n > limits[i] {
			return fmt.Errorf("gpu: pipeline %s local size %v exceeds device limits %v: %w",
				name, p.LocalSize, limits, errs.ErrConfig)
		}
	}
	for _, w := range p.Writes {
		if w < 0 || w >= p.BindingCount {
			return fmt.Errorf("gpu: pipeline %s writes slot %d of %d: %w", name, w, p.BindingCount, errs.ErrConfig)
		}
	}

	handle, err := p.dev.CreatePipeline(&PipelineDesc{
		Name:            name,
		Source:          source,
		Specializations: append([]uint32(nil), p.Specializations...),
		LocalSize:       p.LocalSize,
		BindingCount:    p.BindingCount,
	})
	if err != nil {
		return fmt.Errorf("gpu: create pipeline %s: %w", name, err)
	}
	p.name = name
	p.handle = handle
	return nil
}

// Destroy releases the compiled pipeline. Safe to call more than once.
func (p *Pipeline) Destroy() {
	if p == nil || p.handle == nil {
		return
	}
	p.handle.Release()
	p.handle = nil
}

// Specialize prepends the specialization constants and local size to a WGSL
// source as module-scope constants:
//
//	const SPEC_0: u32 = 1u;
//	const LOCAL_SIZE_X: u32 = 64u;
//
// Shaders reference them by name, e.g. @workgroup_size(LOCAL_SIZE_X).
func Specialize(source string, specializations []uint32, local [3]uint32) string {
	var sb strings.Builder
	for i, v := range specializations {
		fmt.Fprintf(&sb, "const SPEC_%d: u32 = %du;\n", i, v)
	}
	fmt.Fprintf(&sb, "const LOCAL_SIZE_X: u32 = %du;\n", local[0])
	fmt.Fprintf(&sb, "const LOCAL_SIZE_Y: u32 = %du;\n", local[1])
	fmt.Fprintf(&sb, "const LOCAL_SIZE_Z: u32 = %du;\n", local[2])
	sb.WriteString(source)
	return sb.String()
}
