package modelbin

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/mat"
	"github.com/x448/float16"
)

// Block tags of the tagged weight layout.
const (
	TagFloat16 uint32 = 0x01306B47
	TagInt8    uint32 = 0x000D4B38
	TagFloat32 uint32 = 0x0002C056
)

// quantTableSize is the number of float32 entries in a lookup-table block.
const quantTableSize = 256

// stream decodes weight blocks from an io.Reader.
//
// An Auto block starts with a little-endian uint32 tag:
//
//	TagFloat16  w float16 values, padded to 4 bytes
//	TagInt8     w int8 values, padded to 4 bytes
//	TagFloat32  w float32 values
//	0           w float32 values
//	other       256 float32 table entries, then w uint8 indices padded to 4 bytes
type stream struct {
	r        *bufio.Reader
	alloc    mat.Allocator
	transfer *gpu.Transfer
	offset   int64
}

// FromReader returns a ModelBin reading the tagged layout from r.
func FromReader(r io.Reader, opts ...Option) ModelBin {
	c := newConfig(opts)
	return &stream{r: bufio.NewReader(r), alloc: c.alloc, transfer: c.transfer}
}

func (s *stream) Transfer() *gpu.Transfer {
	return s.transfer
}

func (s *stream) Load(w int, typ Type) (*mat.Mat, error) {
	if w <= 0 {
		return &mat.Mat{}, fmt.Errorf("modelbin: load of %d elements: %w", w, io.ErrUnexpectedEOF)
	}

	var (
		m   *mat.Mat
		err error
	)
	switch typ {
	case Float32:
		m, err = s.readFloat32(w)
	case Auto:
		m, err = s.readTagged(w)
	default:
		err = fmt.Errorf("modelbin: unknown type %v: %w", typ, errs.ErrConfig)
	}
	if err != nil {
		return &mat.Mat{}, err
	}
	return m, nil
}

func (s *stream) readTagged(w int) (*mat.Mat, error) {
	var head [4]byte
	if err := s.read(head[:]); err != nil {
		return nil, fmt.Errorf("modelbin: tag at %d: %w", s.offset, err)
	}
	tag := binary.LittleEndian.Uint32(head[:])

	switch tag {
	case TagFloat16:
		return s.readFloat16(w)
	case TagInt8:
		return s.readInt8(w)
	case TagFloat32, 0:
		return s.readFloat32(w)
	default:
		return s.readTable(w)
	}
}

func (s *stream) readFloat32(w int) (*mat.Mat, error) {
	buf := make([]byte, 4*w)
	if err := s.read(buf); err != nil {
		return nil, fmt.Errorf("modelbin: float32 block of %d: %w", w, err)
	}
	m, err := mat.New1D(w, mat.ElemFloat32, s.alloc)
	if err != nil {
		return nil, err
	}
	dst := m.Float32()
	for i := range w {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return m, nil
}

func (s *stream) readFloat16(w int) (*mat.Mat, error) {
	buf := make([]byte, alignSize(2*w, 4))
	if err := s.read(buf); err != nil {
		return nil, fmt.Errorf("modelbin: float16 block of %d: %w", w, err)
	}
	m, err := mat.New1D(w, mat.ElemFloat32, s.alloc)
	if err != nil {
		return nil, err
	}
	dst := m.Float32()
	for i := range w {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
	}
	return m, nil
}

func (s *stream) readInt8(w int) (*mat.Mat, error) {
	buf := make([]byte, alignSize(w, 4))
	if err := s.read(buf); err != nil {
		return nil, fmt.Errorf("modelbin: int8 block of %d: %w", w, err)
	}
	m, err := mat.New1D(w, mat.ElemInt8, s.alloc)
	if err != nil {
		return nil, err
	}
	copy(m.Bytes(), buf[:w])
	return m, nil
}

func (s *stream) readTable(w int) (*mat.Mat, error) {
	raw := make([]byte, 4*quantTableSize)
	if err := s.read(raw); err != nil {
		return nil, fmt.Errorf("modelbin: quantization table: %w", err)
	}
	var table [quantTableSize]float32
	for i := range table {
		table[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}

	idx := make([]byte, alignSize(w, 4))
	if err := s.read(idx); err != nil {
		return nil, fmt.Errorf("modelbin: table indices of %d: %w", w, err)
	}
	m, err := mat.New1D(w, mat.ElemFloat32, s.alloc)
	if err != nil {
		return nil, err
	}
	dst := m.Float32()
	for i := range w {
		dst[i] = table[idx[i]]
	}
	return m, nil
}

// read fills buf completely; a short read is io.ErrUnexpectedEOF.
func (s *stream) read(buf []byte) error {
	n, err := io.ReadFull(s.r, buf)
	s.offset += int64(n)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func alignSize(size, n int) int {
	return (size + n - 1) &^ (n - 1)
}
