// Package option holds the per-call execution configuration passed to every
// layer, and the process-wide default.
//
// The default is meant to be set once during start-up, before inference
// begins; concurrent SetDefault calls are not supported. Readers may call
// Default from any goroutine.
package option

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/mat"
	"k8s.io/klog/v2"
)

// Option bundles the execution parameters of one forward call.
// A nil host allocator selects the shared heap allocator.
type Option struct {
	// LightMode lets a network executor release intermediate blobs early.
	LightMode bool
	// NumThreads bounds the workers one forward call fans out to. Must be > 0.
	NumThreads int

	BlobAllocator      mat.Allocator
	WorkspaceAllocator mat.Allocator

	// UseGPUCompute selects the device path for layers that support it.
	UseGPUCompute         bool
	BlobGPUAllocator      gpu.Allocator
	WorkspaceGPUAllocator gpu.Allocator
	StagingGPUAllocator   gpu.Allocator
}

// New returns the built-in defaults.
func New() Option {
	return Option{
		LightMode:     true,
		NumThreads:    runtime.NumCPU(),
		UseGPUCompute: true,
	}
}

// Validate checks the option for use by a forward call.
func (o Option) Validate() error {
	if o.NumThreads <= 0 {
		return fmt.Errorf("option: invalid num_threads %d: %w", o.NumThreads, errs.ErrConfig)
	}
	return nil
}

var defaultOption atomic.Pointer[Option]

func init() {
	opt := New()
	defaultOption.Store(&opt)
}

// Default returns a copy of the process-wide default.
func Default() Option {
	return *defaultOption.Load()
}

// SetDefault replaces the process-wide default. An invalid option is rejected
// with a config error and the previous default stays in effect.
func SetDefault(opt Option) error {
	if err := opt.Validate(); err != nil {
		klog.ErrorS(err, "Rejected default option", "numThreads", opt.NumThreads)
		return err
	}
	defaultOption.Store(&opt)
	return nil
}
