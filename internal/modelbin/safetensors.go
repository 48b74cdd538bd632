package modelbin

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/mat"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// SafeTensors layout:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

const maxHeaderSize = 100 << 20

// Supported safetensors dtypes.
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeI8   = "I8"
)

// TensorInfo describes one tensor of a safetensors file.
type TensorInfo struct {
	Name        string   `json:"-"`
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements returns the element count of the tensor. A scalar has one.
func (ti TensorInfo) Elements() int {
	n := 1
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// SafeTensors serves the tensors of a safetensors file in the order their
// data appears in the file, one tensor per Load.
type SafeTensors struct {
	r          io.ReaderAt
	closer     io.Closer
	dataOffset int64
	metadata   map[string]string
	tensors    []TensorInfo
	next       int

	alloc    mat.Allocator
	transfer *gpu.Transfer
}

// OpenSafeTensors opens the safetensors file at path.
func OpenSafeTensors(path string, opts ...Option) (*SafeTensors, error) {
	//nolint:gosec // G304: model paths come from the caller
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("modelbin: open %s: %w", path, err)
	}
	s, err := FromSafeTensors(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// FromSafeTensors parses the header of a safetensors image read through r.
func FromSafeTensors(r io.ReaderAt, opts ...Option) (*SafeTensors, error) {
	var size [8]byte
	if err := readAt(r, size[:], 0); err != nil {
		return nil, fmt.Errorf("modelbin: safetensors header size: %w", err)
	}
	headerSize := binary.LittleEndian.Uint64(size[:])
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("modelbin: safetensors header of %d bytes: %w", headerSize, errs.ErrConfig)
	}

	header := make([]byte, headerSize)
	if err := readAt(r, header, 8); err != nil {
		return nil, fmt.Errorf("modelbin: safetensors header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("modelbin: safetensors header: %w: %w", errs.ErrConfig, err)
	}

	c := newConfig(opts)
	s := &SafeTensors{
		r:          r,
		dataOffset: int64(8 + headerSize), //nolint:gosec // G115: bounded by maxHeaderSize
		alloc:      c.alloc,
		transfer:   c.transfer,
	}
	for name, value := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(value, &s.metadata); err != nil {
				return nil, fmt.Errorf("modelbin: safetensors metadata: %w: %w", errs.ErrConfig, err)
			}
			continue
		}
		info := TensorInfo{Name: name}
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("modelbin: safetensors tensor %s: %w: %w", name, errs.ErrConfig, err)
		}
		if err := info.validate(); err != nil {
			return nil, err
		}
		s.tensors = append(s.tensors, info)
	}
	slices.SortFunc(s.tensors, func(a, b TensorInfo) int {
		return cmp.Compare(a.DataOffsets[0], b.DataOffsets[0])
	})
	return s, nil
}

func (ti TensorInfo) validate() error {
	elem := dtypeSize(ti.DType)
	if elem == 0 {
		return fmt.Errorf("modelbin: tensor %s has unsupported dtype %q: %w", ti.Name, ti.DType, errs.ErrConfig)
	}
	start, end := ti.DataOffsets[0], ti.DataOffsets[1]
	if start < 0 || end < start || end-start != int64(ti.Elements()*elem) {
		return fmt.Errorf("modelbin: tensor %s offsets [%d, %d] do not hold %v %s: %w",
			ti.Name, start, end, ti.Shape, ti.DType, errs.ErrConfig)
	}
	return nil
}

func dtypeSize(dtype string) int {
	switch dtype {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// Tensors returns the tensor table in load order.
func (s *SafeTensors) Tensors() []TensorInfo {
	return slices.Clone(s.tensors)
}

// Metadata returns the __metadata__ map of the header.
func (s *SafeTensors) Metadata() map[string]string {
	return s.metadata
}

// Close closes the file opened by OpenSafeTensors.
func (s *SafeTensors) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Transfer returns the deferred upload recorder, if any.
func (s *SafeTensors) Transfer() *gpu.Transfer {
	return s.transfer
}

// Load returns the next tensor, which must hold exactly w elements. Float32
// accepts the floating dtypes only; Auto also passes I8 tensors through as
// int8 Mats.
func (s *SafeTensors) Load(w int, typ Type) (*mat.Mat, error) {
	if w <= 0 || s.next >= len(s.tensors) {
		return &mat.Mat{}, fmt.Errorf("modelbin: load of %d elements after %d tensors: %w",
			w, s.next, io.ErrUnexpectedEOF)
	}
	if typ != Auto && typ != Float32 {
		return &mat.Mat{}, fmt.Errorf("modelbin: unknown type %v: %w", typ, errs.ErrConfig)
	}

	info := s.tensors[s.next]
	if n := info.Elements(); n != w {
		return &mat.Mat{}, fmt.Errorf("modelbin: tensor %s has %d elements, want %d: %w",
			info.Name, n, w, errs.ErrConfig)
	}
	if typ == Float32 && info.DType == DTypeI8 {
		return &mat.Mat{}, fmt.Errorf("modelbin: tensor %s is int8, want float32: %w", info.Name, errs.ErrConfig)
	}

	data := make([]byte, info.DataOffsets[1]-info.DataOffsets[0])
	if err := readAt(s.r, data, s.dataOffset+info.DataOffsets[0]); err != nil {
		return &mat.Mat{}, fmt.Errorf("modelbin: tensor %s: %w", info.Name, err)
	}
	s.next++

	m, err := s.decode(info.DType, data, w)
	if err != nil {
		return &mat.Mat{}, err
	}
	return m, nil
}

func (s *SafeTensors) decode(dtype string, data []byte, w int) (*mat.Mat, error) {
	if dtype == DTypeI8 {
		m, err := mat.New1D(w, mat.ElemInt8, s.alloc)
		if err != nil {
			return nil, err
		}
		copy(m.Bytes(), data)
		return m, nil
	}

	m, err := mat.New1D(w, mat.ElemFloat32, s.alloc)
	if err != nil {
		return nil, err
	}
	dst := m.Float32()
	switch dtype {
	case DTypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case DTypeF16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	case DTypeBF16:
		for i := range dst {
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[2*i:])) << 16)
		}
	}
	return m, nil
}

// readAt fills p from offset off. A short read is io.ErrUnexpectedEOF.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
