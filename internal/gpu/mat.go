package gpu

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
)

// Mat is a dense device-resident tensor buffer. Device mats carry no channel
// padding: element (x, y, q) lives at ((q*H)+y)*W + x.
type Mat struct {
	W, H, C  int
	ElemSize int

	buf   Buffer
	alloc Allocator
}

// NewMat allocates a W×H×C device Mat through alloc.
func NewMat(w, h, c, elemSize int, alloc Allocator) (*Mat, error) {
	if w <= 0 || h <= 0 || c <= 0 || elemSize <= 0 {
		return nil, fmt.Errorf("gpu: invalid extents w=%d h=%d c=%d elemsize=%d: %w",
			w, h, c, elemSize, errs.ErrConfig)
	}
	if alloc == nil {
		return nil, fmt.Errorf("gpu: no device allocator: %w", errs.ErrAllocation)
	}

	//nolint:gosec // G115: extents validated positive above
	buf, err := alloc.Alloc(uint64(w * h * c * elemSize))
	if err != nil {
		return nil, fmt.Errorf("gpu: create %dx%dx%d: %w", w, h, c, err)
	}
	return &Mat{W: w, H: h, C: c, ElemSize: elemSize, buf: buf, alloc: alloc}, nil
}

// NewMatLike allocates a Mat with the extents of src. A nil alloc reuses the
// allocator that owns src.
func NewMatLike(src *Mat, alloc Allocator) (*Mat, error) {
	if src.Empty() {
		return nil, fmt.Errorf("gpu: create like empty mat: %w", errs.ErrAllocation)
	}
	if alloc == nil {
		alloc = src.alloc
	}
	return NewMat(src.W, src.H, src.C, src.ElemSize, alloc)
}

// Empty reports whether the Mat has no device storage.
func (m *Mat) Empty() bool {
	return m == nil || m.buf == nil
}

// Total returns the element count.
func (m *Mat) Total() int {
	return m.W * m.H * m.C
}

// ByteSize returns the size of the device storage in bytes.
func (m *Mat) ByteSize() int {
	return m.Total() * m.ElemSize
}

// Buffer returns the device allocation backing the Mat.
func (m *Mat) Buffer() Buffer {
	if m == nil {
		return nil
	}
	return m.buf
}

// Allocator returns the allocator that owns the storage.
func (m *Mat) Allocator() Allocator {
	if m == nil {
		return nil
	}
	return m.alloc
}

// Release returns the storage to its allocator.
// The caller must ensure no submitted command still references it.
func (m *Mat) Release() {
	if m.Empty() {
		return
	}
	m.alloc.Free(m.buf)
	m.buf = nil
}
