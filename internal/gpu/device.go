// Package gpu holds the device side of the runtime: device-resident tensor
// buffers, device allocators, the compute pipeline owned by a layer, and the
// command recorders layers write into instead of executing synchronously.
//
// Nothing in this package blocks on the device. Layers record commands into a
// Compute (or a Transfer for weight uploads); whoever owns the recorder submits
// the command list to a Submitter and waits for completion.
package gpu

// Buffer is an opaque device allocation.
type Buffer interface {
	// Size returns the allocation size in bytes.
	Size() uint64
}

// Allocator hands out device buffers. Implementations must be safe for
// concurrent use.
type Allocator interface {
	Alloc(size uint64) (Buffer, error)
	Free(b Buffer)
}

// PipelineHandle is a compiled device pipeline.
type PipelineHandle interface {
	Release()
}

// PipelineDesc describes a compute pipeline to compile.
type PipelineDesc struct {
	Name            string
	Source          string // WGSL compute shader, entry point "main"
	Specializations []uint32
	LocalSize       [3]uint32
	BindingCount    int
}

// Device is a compute device layers can be bound to.
type Device interface {
	Name() string
	// MaxWorkgroupSize returns the per-dimension workgroup size limits.
	MaxWorkgroupSize() [3]uint32
	CreatePipeline(desc *PipelineDesc) (PipelineHandle, error)
}

// Submitter executes recorded command lists. It lives outside the layer
// contract: layers only record.
type Submitter interface {
	Submit(cmds []Command) error
}
