// Package modelbin reads layer weights in the order layers request them.
//
// Three readers are provided: a stream reader over the tagged little-endian
// weight layout, a safetensors reader serving tensors in file order, and an
// in-memory reader handing out prepared Mats.
package modelbin

import (
	"fmt"
	"io"

	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/mat"
)

// Type selects how the next weight block is decoded.
type Type int

const (
	// Auto reads a 4-byte tag first and decodes the block it announces.
	Auto Type = iota
	// Float32 reads raw little-endian float32 values without a tag.
	Float32
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case Auto:
		return "auto"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ModelBin yields weight blocks sequentially. Load returns an empty Mat and
// an error wrapping io.ErrUnexpectedEOF when fewer than w elements remain.
type ModelBin interface {
	Load(w int, typ Type) (*mat.Mat, error)
	// Transfer returns the recorder for deferred device uploads, or nil
	// when weights stay on the host.
	Transfer() *gpu.Transfer
}

// Option configures a reader.
type Option func(*config)

type config struct {
	alloc    mat.Allocator
	transfer *gpu.Transfer
}

// WithAllocator sets the host allocator weight Mats are created from.
func WithAllocator(a mat.Allocator) Option {
	return func(c *config) { c.alloc = a }
}

// WithTransfer attaches an upload recorder for GPU layers.
func WithTransfer(t *gpu.Transfer) Option {
	return func(c *config) { c.transfer = t }
}

func newConfig(opts []Option) config {
	var c config
	for _, o := range opts {
		o(&c)
	}
	return c
}

// mats serves a fixed list of Mats in order, ignoring the requested type.
type mats struct {
	list     []*mat.Mat
	next     int
	transfer *gpu.Transfer
}

// FromMats returns a ModelBin that hands out list one element per Load.
// A Mat whose size differs from the request is returned as is; layers
// validate lengths themselves.
func FromMats(list []*mat.Mat, opts ...Option) ModelBin {
	c := newConfig(opts)
	return &mats{list: list, transfer: c.transfer}
}

func (m *mats) Load(w int, _ Type) (*mat.Mat, error) {
	if m.next >= len(m.list) {
		return &mat.Mat{}, fmt.Errorf("modelbin: block %d of %d elements: %w", m.next, w, io.ErrUnexpectedEOF)
	}
	out := m.list[m.next]
	m.next++
	if out.Empty() {
		return &mat.Mat{}, fmt.Errorf("modelbin: block %d is empty: %w", m.next-1, io.ErrUnexpectedEOF)
	}
	return out.Share(), nil
}

func (m *mats) Transfer() *gpu.Transfer {
	return m.transfer
}
