// Package mat implements the host-resident tensor buffer consumed and produced
// by layers.
//
// A Mat is a dense blob of W×H×C elements with an explicit element size: 4 bytes
// for float32 (or int32 accumulators), 1 byte for quantized int8. Channels are
// laid out one after another with a channel step (CStep) rounded up so every
// channel starts on a 16-byte boundary. Storage is reference counted and
// returned to its Allocator when the last owner releases it.
package mat

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/born-ml/infer/internal/errs"
)

// Element sizes understood by the runtime.
const (
	ElemInt8    = 1
	ElemFloat32 = 4
)

const channelAlign = 16

// storage is a reference-counted buffer shared by Mats created with Share.
type storage struct {
	buf      []byte
	alloc    Allocator
	refCount atomic.Int32
}

func (s *storage) addRef() {
	s.refCount.Add(1)
}

func (s *storage) release() {
	if s.refCount.Add(-1) == 0 {
		s.alloc.FastFree(s.buf)
		s.buf = nil
	}
}

// Mat is a dense host tensor buffer. The zero value is an empty Mat.
type Mat struct {
	W, H, C  int
	ElemSize int
	CStep    int // elements between the starts of consecutive channels

	data *storage
}

// New allocates a W×H×C Mat with the given element size through alloc
// (nil selects the heap). It fails with ErrAllocation if the allocator cannot
// provide the storage and with ErrConfig for non-positive extents.
func New(w, h, c, elemSize int, alloc Allocator) (*Mat, error) {
	if w <= 0 || h <= 0 || c <= 0 || elemSize <= 0 {
		return nil, fmt.Errorf("mat: invalid extents w=%d h=%d c=%d elemsize=%d: %w",
			w, h, c, elemSize, errs.ErrConfig)
	}

	cstep := w * h
	if c > 1 {
		cstep = alignSize(w*h*elemSize, channelAlign) / elemSize
	}

	alloc = orHeap(alloc)
	buf, err := alloc.FastMalloc(cstep * c * elemSize)
	if err != nil {
		return nil, fmt.Errorf("mat: create %dx%dx%d: %w", w, h, c, err)
	}

	s := &storage{buf: buf, alloc: alloc}
	s.refCount.Store(1)

	return &Mat{W: w, H: h, C: c, ElemSize: elemSize, CStep: cstep, data: s}, nil
}

// New1D allocates a one-dimensional Mat of w elements.
func New1D(w, elemSize int, alloc Allocator) (*Mat, error) {
	return New(w, 1, 1, elemSize, alloc)
}

// FromFloat32 allocates a float32 Mat and copies values into it channel by
// channel. len(values) must equal w*h*c.
func FromFloat32(values []float32, w, h, c int, alloc Allocator) (*Mat, error) {
	if len(values) != w*h*c {
		return nil, fmt.Errorf("mat: %d values for %dx%dx%d: %w", len(values), w, h, c, errs.ErrConfig)
	}
	m, err := New(w, h, c, ElemFloat32, alloc)
	if err != nil {
		return nil, err
	}
	size := w * h
	for q := 0; q < c; q++ {
		copy(m.ChannelFloat32(q), values[q*size:(q+1)*size])
	}
	return m, nil
}

func alignSize(size, n int) int {
	return (size + n - 1) &^ (n - 1)
}

// Empty reports whether the Mat has no storage.
func (m *Mat) Empty() bool {
	return m == nil || m.data == nil || m.data.buf == nil || m.Total() == 0
}

// Dims returns 1, 2 or 3 depending on which extents are in use.
func (m *Mat) Dims() int {
	switch {
	case m.C > 1:
		return 3
	case m.H > 1:
		return 2
	default:
		return 1
	}
}

// Total returns the number of element slots including channel padding.
func (m *Mat) Total() int {
	return m.CStep * m.C
}

// Size returns W*H*C, the number of meaningful elements.
func (m *Mat) Size() int {
	return m.W * m.H * m.C
}

// Allocator returns the allocator that owns the storage.
func (m *Mat) Allocator() Allocator {
	if m.Empty() {
		return nil
	}
	return m.data.alloc
}

// Share returns a second reference to the same storage.
// Both Mats must be released independently.
func (m *Mat) Share() *Mat {
	if m.Empty() {
		return &Mat{}
	}
	m.data.addRef()
	cp := *m
	return &cp
}

// Clone deep-copies the Mat into fresh storage from alloc (nil selects the heap).
func (m *Mat) Clone(alloc Allocator) (*Mat, error) {
	if m.Empty() {
		return nil, fmt.Errorf("mat: clone of empty mat: %w", errs.ErrAllocation)
	}
	out, err := New(m.W, m.H, m.C, m.ElemSize, alloc)
	if err != nil {
		return nil, err
	}
	copy(out.data.buf, m.data.buf)
	return out, nil
}

// Release drops this reference; storage returns to its allocator once every
// reference is released. Releasing an empty Mat is a no-op.
func (m *Mat) Release() {
	if m == nil || m.data == nil {
		return
	}
	m.data.release()
	m.data = nil
}

// Bytes returns the raw storage including channel padding.
func (m *Mat) Bytes() []byte {
	if m.Empty() {
		return nil
	}
	return m.data.buf
}

// Float32 interprets the storage as []float32 of length Total().
// Panics if ElemSize is not 4.
func (m *Mat) Float32() []float32 {
	m.mustElem(ElemFloat32)
	if m.Empty() {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view, bounded by Total()
	return unsafe.Slice((*float32)(unsafe.Pointer(&m.data.buf[0])), m.Total())
}

// Int32 interprets the storage as []int32 of length Total().
// Panics if ElemSize is not 4.
func (m *Mat) Int32() []int32 {
	m.mustElem(ElemFloat32)
	if m.Empty() {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view, bounded by Total()
	return unsafe.Slice((*int32)(unsafe.Pointer(&m.data.buf[0])), m.Total())
}

// Int8 interprets the storage as []int8 of length Total().
// Panics if ElemSize is not 1.
func (m *Mat) Int8() []int8 {
	m.mustElem(ElemInt8)
	if m.Empty() {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy view, bounded by Total()
	return unsafe.Slice((*int8)(unsafe.Pointer(&m.data.buf[0])), m.Total())
}

// ChannelFloat32 returns the W*H elements of channel q.
func (m *Mat) ChannelFloat32(q int) []float32 {
	lo, hi := m.channelRange(q)
	return m.Float32()[lo:hi]
}

// ChannelInt32 returns the W*H elements of channel q as int32.
func (m *Mat) ChannelInt32(q int) []int32 {
	lo, hi := m.channelRange(q)
	return m.Int32()[lo:hi]
}

// ChannelInt8 returns the W*H elements of channel q as int8.
func (m *Mat) ChannelInt8(q int) []int8 {
	lo, hi := m.channelRange(q)
	return m.Int8()[lo:hi]
}

// Fill sets every meaningful float32 element to v.
func (m *Mat) Fill(v float32) {
	for q := 0; q < m.C; q++ {
		ch := m.ChannelFloat32(q)
		for i := range ch {
			ch[i] = v
		}
	}
}

// Flatten copies the meaningful float32 elements, channel padding removed.
func (m *Mat) Flatten() []float32 {
	out := make([]float32, 0, m.Size())
	for q := 0; q < m.C; q++ {
		out = append(out, m.ChannelFloat32(q)...)
	}
	return out
}

func (m *Mat) channelRange(q int) (int, int) {
	if q < 0 || q >= m.C {
		panic(fmt.Sprintf("mat: channel %d out of range [0,%d)", q, m.C))
	}
	lo := q * m.CStep
	return lo, lo + m.W*m.H
}

func (m *Mat) mustElem(size int) {
	if m.ElemSize != size {
		panic(fmt.Sprintf("mat: elemsize is %d, not %d", m.ElemSize, size))
	}
}
