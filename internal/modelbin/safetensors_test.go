package modelbin

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/mat"
	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type stTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// safetensorsImage encodes tensors in the given order.
func safetensorsImage(t *testing.T, metadata map[string]string, tensors ...stTensor) []byte {
	t.Helper()
	header := map[string]any{}
	if metadata != nil {
		header["__metadata__"] = metadata
	}
	var data bytes.Buffer
	for _, ts := range tensors {
		start := data.Len()
		data.Write(ts.data)
		header[ts.name] = map[string]any{
			"dtype":        ts.dtype,
			"shape":        ts.shape,
			"data_offsets": []int{start, data.Len()},
		}
	}
	js, err := json.Marshal(header)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, uint64(len(js))))
	out.Write(js)
	out.Write(data.Bytes())
	return out.Bytes()
}

func le[T any](t *testing.T, v []T) []byte {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
	return b.Bytes()
}

func TestSafeTensors_LoadOrder(t *testing.T) {
	img := safetensorsImage(t, map[string]string{"format": "pt"},
		stTensor{"fc.weight", DTypeF32, []int{2, 2}, le(t, []float32{1, 2, 3, 4})},
		stTensor{"fc.bias", DTypeF32, []int{2}, le(t, []float32{0.5, -0.5})},
	)
	s, err := FromSafeTensors(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, "pt", s.Metadata()["format"])

	names := []string{}
	for _, ti := range s.Tensors() {
		names = append(names, ti.Name)
	}
	assert.Equal(t, []string{"fc.weight", "fc.bias"}, names, "json key order is not load order")

	w, err := s.Load(4, Auto)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, w.Float32())

	b, err := s.Load(2, Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.5}, b.Float32())

	m, err := s.Load(1, Float32)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, m.Empty())
}

func TestSafeTensors_HalfPrecision(t *testing.T) {
	want := []float32{1, -2.5, 0.125}
	half := make([]uint16, len(want))
	brain := make([]uint16, len(want))
	for i, v := range want {
		half[i] = float16.Fromfloat32(v).Bits()
		brain[i] = uint16(math.Float32bits(v) >> 16)
	}
	img := safetensorsImage(t, nil,
		stTensor{"a", DTypeF16, []int{3}, le(t, half)},
		stTensor{"b", DTypeBF16, []int{3}, le(t, brain)},
	)
	s, err := FromSafeTensors(bytes.NewReader(img))
	require.NoError(t, err)

	for _, name := range []string{"a", "b"} {
		m, err := s.Load(3, Float32)
		require.NoError(t, err, name)
		if diff := cmp.Diff(want, m.Float32()); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestSafeTensors_Int8(t *testing.T) {
	img := safetensorsImage(t, nil,
		stTensor{"q", DTypeI8, []int{3}, le(t, []int8{-1, 0, 127})},
	)

	s, err := FromSafeTensors(bytes.NewReader(img))
	require.NoError(t, err)
	_, err = s.Load(3, Float32)
	require.ErrorIs(t, err, errs.ErrConfig)

	s, err = FromSafeTensors(bytes.NewReader(img))
	require.NoError(t, err)
	m, err := s.Load(3, Auto)
	require.NoError(t, err)
	assert.Equal(t, mat.ElemInt8, m.ElemSize)
	assert.Equal(t, []int8{-1, 0, 127}, m.Int8())
}

func TestSafeTensors_SizeMismatch(t *testing.T) {
	img := safetensorsImage(t, nil,
		stTensor{"w", DTypeF32, []int{2}, le(t, []float32{1, 2})},
	)
	s, err := FromSafeTensors(bytes.NewReader(img))
	require.NoError(t, err)

	_, err = s.Load(3, Auto)
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestSafeTensors_BadHeader(t *testing.T) {
	tests := []struct {
		name string
		img  []byte
		want error
	}{
		{"truncated size", []byte{1, 2, 3}, io.ErrUnexpectedEOF},
		{"truncated header", append(le(t, []uint64{64}), '{'), io.ErrUnexpectedEOF},
		{"huge header", le(t, []uint64{1 << 40}), errs.ErrConfig},
		{"not json", append(le(t, []uint64{3}), "abc"...), errs.ErrConfig},
		{"unknown dtype", safetensorsImage(t, nil, stTensor{"x", "F64", []int{1}, make([]byte, 8)}), errs.ErrConfig},
		{"offsets", safetensorsImage(t, nil, stTensor{"x", DTypeF32, []int{3}, make([]byte, 8)}), errs.ErrConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := FromSafeTensors(bytes.NewReader(tt.img))
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, s)
		})
	}
}

func TestSafeTensors_TruncatedData(t *testing.T) {
	img := safetensorsImage(t, nil,
		stTensor{"w", DTypeF32, []int{4}, le(t, []float32{1, 2, 3, 4})},
	)
	s, err := FromSafeTensors(bytes.NewReader(img[:len(img)-3]))
	require.NoError(t, err)

	m, err := s.Load(4, Auto)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, m.Empty())
}

func TestOpenSafeTensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	img := safetensorsImage(t, nil,
		stTensor{"w", DTypeF32, []int{1}, le(t, []float32{7})},
	)
	require.NoError(t, os.WriteFile(path, img, 0o600))

	budget := mat.NewBudgetAllocator(nil, 1<<10)
	s, err := OpenSafeTensors(path, WithAllocator(budget))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	m, err := s.Load(1, Auto)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, m.Float32())
	assert.Positive(t, budget.InUse())

	_, err = OpenSafeTensors(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestMapSafeTensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	img := safetensorsImage(t, map[string]string{"source": "test"},
		stTensor{"w", DTypeF32, []int{3}, le(t, []float32{1, 2, 3})},
		stTensor{"b", DTypeF16, []int{1}, le(t, []uint16{float16.Fromfloat32(0.5).Bits()})},
	)
	require.NoError(t, os.WriteFile(path, img, 0o600))

	s, err := MapSafeTensors(path)
	require.NoError(t, err)
	assert.Equal(t, "test", s.Metadata()["source"])

	w, err := s.Load(3, Auto)
	require.NoError(t, err)
	b, err := s.Load(1, Float32)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Loaded Mats own their storage and outlive the mapping.
	assert.Equal(t, []float32{1, 2, 3}, w.Float32())
	assert.Equal(t, []float32{0.5}, b.Float32())
}

func TestMapSafeTensors_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := MapSafeTensors(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = MapSafeTensors(empty)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
