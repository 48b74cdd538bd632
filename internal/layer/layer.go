// Package layer defines the contract every layer implements and the
// functions that dispatch calls to it.
//
// A concrete layer embeds Base, which supplies the capability flags, the
// lifecycle state and no-op defaults for LoadParam and LoadModel. Every
// other operation is optional: a layer opts in by implementing one of the
// interfaces below (Forwarder, InplaceForwarder, GPUForwarder, ...). The
// package-level functions (Forward, ForwardInplace, ForwardGPU, ...) pick
// the override when one exists and fall back to the default behavior
// otherwise. Callers always go through these functions, never through the
// optional methods directly.
package layer

import (
	"fmt"

	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
)

// Layer is the interface satisfied by every type embedding Base.
type Layer interface {
	// LoadParam reads scalar configuration. It must not allocate buffers.
	LoadParam(pd *paramdict.ParamDict) error
	// LoadModel reads weights in a fixed order.
	LoadModel(mb modelbin.ModelBin) error

	base() *Base
}

// State is a layer lifecycle stage.
type State int

// Lifecycle stages, in the order a layer passes through them.
const (
	StateConstructed State = iota
	StateConfigured
	StateModelLoaded
	StatePipelineReady
	StateReady
	StateFailed
)

// String returns the stage name.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateConfigured:
		return "configured"
	case StateModelLoaded:
		return "model-loaded"
	case StatePipelineReady:
		return "pipeline-ready"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Base carries the state shared by all layers. Embed it by value.
type Base struct {
	// OneBlobOnly marks layers that take exactly one input and one output.
	OneBlobOnly bool
	// SupportInplace marks layers whose ForwardInplace may overwrite the input.
	SupportInplace bool
	// SupportGPU marks layers with a device implementation.
	SupportGPU bool

	Type string
	Name string

	index    int
	state    State
	dev      gpu.Device
	pipeline *gpu.Pipeline
}

func (b *Base) base() *Base {
	return b
}

// LoadParam accepts any dictionary.
func (b *Base) LoadParam(*paramdict.ParamDict) error {
	return nil
}

// LoadModel reads nothing.
func (b *Base) LoadModel(modelbin.ModelBin) error {
	return nil
}

// TypeIndex returns the registry index the layer was created from. It is
// only meaningful for layers built by a Registry.
func (b *Base) TypeIndex() int {
	return b.index
}

// State returns the lifecycle stage.
func (b *Base) State() State {
	return b.state
}

// Device returns the bound device, nil for host-only layers.
func (b *Base) Device() gpu.Device {
	return b.dev
}

// Pipeline returns the layer's owned pipeline, nil unless bound to a device.
func (b *Base) Pipeline() *gpu.Pipeline {
	return b.pipeline
}

// label names the layer in error messages.
func (b *Base) label() string {
	switch {
	case b.Name != "":
		return b.Name
	case b.Type != "":
		return b.Type
	default:
		return "layer"
	}
}

// Info returns the shared state of l.
func Info(l Layer) *Base {
	return l.base()
}

// Bind attaches dev to l and gives it a fresh, unbuilt pipeline. Any
// previous pipeline is destroyed.
func Bind(l Layer, dev gpu.Device) {
	b := l.base()
	b.pipeline.Destroy()
	b.dev = dev
	b.pipeline = gpu.NewPipeline(dev)
}

// Optional capabilities.
type (
	// Forwarder computes a new output from one input.
	Forwarder interface {
		Forward(bottom *mat.Mat, opt option.Option) (*mat.Mat, error)
	}
	// MultiForwarder computes outputs from several inputs.
	MultiForwarder interface {
		ForwardMulti(bottoms []*mat.Mat, opt option.Option) ([]*mat.Mat, error)
	}
	// InplaceForwarder overwrites its input with the output.
	InplaceForwarder interface {
		ForwardInplace(m *mat.Mat, opt option.Option) error
	}
	// MultiInplaceForwarder overwrites several inputs.
	MultiInplaceForwarder interface {
		ForwardInplaceMulti(ms []*mat.Mat, opt option.Option) error
	}

	// GPUForwarder records the device computation of one output.
	GPUForwarder interface {
		ForwardGPU(bottom *gpu.Mat, cmd *gpu.Compute, opt option.Option) (*gpu.Mat, error)
	}
	// MultiGPUForwarder records the device computation of several outputs.
	MultiGPUForwarder interface {
		ForwardGPUMulti(bottoms []*gpu.Mat, cmd *gpu.Compute, opt option.Option) ([]*gpu.Mat, error)
	}
	// InplaceGPUForwarder records an in-place device computation.
	InplaceGPUForwarder interface {
		ForwardInplaceGPU(m *gpu.Mat, cmd *gpu.Compute, opt option.Option) error
	}
	// MultiInplaceGPUForwarder records an in-place device computation over
	// several blobs.
	MultiInplaceGPUForwarder interface {
		ForwardInplaceGPUMulti(ms []*gpu.Mat, cmd *gpu.Compute, opt option.Option) error
	}

	// PipelineCreator compiles the layer's device pipeline.
	PipelineCreator interface {
		CreatePipeline() error
	}
	// ModelUploader records weight uploads to the device.
	ModelUploader interface {
		UploadModel(t *gpu.Transfer) error
	}
	// Destroyer releases layer-owned resources other than the pipeline.
	Destroyer interface {
		Destroy()
	}
)
