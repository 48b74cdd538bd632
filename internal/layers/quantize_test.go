package layers

import (
	"fmt"
	"testing"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantize(t *testing.T) {
	q := NewQuantize()
	require.NoError(t, layer.LoadParam(q, paramdict.NewBuilder().SetFloat(0, 10).Build()))

	out, err := layer.Forward(q, floats(t, 0.04, 0.05, -1.26, 20, -20), testOption(1))
	require.NoError(t, err)

	assert.Equal(t, mat.ElemInt8, out.ElemSize)
	assert.Equal(t, []int8{0, 1, -13, 127, -127}, out.Int8())
}

func TestQuantize_Channels(t *testing.T) {
	in, err := mat.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3, nil)
	require.NoError(t, err)

	q := NewQuantize()
	out, err := layer.Forward(q, in, testOption(3))
	require.NoError(t, err)

	assert.Equal(t, 3, out.C)
	assert.Equal(t, []int8{3, 4}, out.ChannelInt8(1))
	assert.Equal(t, []int8{5, 6}, out.ChannelInt8(2))
}

func TestQuantize_RejectsInt8Input(t *testing.T) {
	in, err := mat.New1D(4, mat.ElemInt8, nil)
	require.NoError(t, err)

	out, err := layer.Forward(NewQuantize(), in, testOption(1))
	require.ErrorIs(t, err, errs.ErrConfig)
	assert.Nil(t, out)
}

func int32Mat(t *testing.T, w, h, c int, values ...int32) *mat.Mat {
	t.Helper()
	m, err := mat.New(w, h, c, mat.ElemFloat32, nil)
	require.NoError(t, err)
	for q := 0; q < c; q++ {
		copy(m.ChannelInt32(q), values[q*w*h:(q+1)*w*h])
	}
	return m
}

func newDequantize(t *testing.T, scale float32, bias ...float32) *Dequantize {
	t.Helper()
	d := NewDequantize()
	b := paramdict.NewBuilder().SetFloat(0, scale)
	var weights []*mat.Mat
	if len(bias) > 0 {
		b.SetInt(1, 1).SetInt(2, len(bias))
		weights = append(weights, floats(t, bias...))
	}
	require.NoError(t, layer.LoadParam(d, b.Build()))
	require.NoError(t, layer.LoadModel(d, modelbin.FromMats(weights)))
	return d
}

func TestDequantize_PerElement(t *testing.T) {
	d := newDequantize(t, 0.5, 1, 2, 3)
	m := int32Mat(t, 3, 1, 1, 2, -4, 10)

	require.NoError(t, layer.ForwardInplace(d, m, testOption(2)))
	assert.Equal(t, []float32{2, 0, 8}, m.Flatten())
}

func TestDequantize_PerRow(t *testing.T) {
	d := newDequantize(t, 1, 10, 20)
	m := int32Mat(t, 2, 2, 1, 1, 2, 3, 4)

	require.NoError(t, layer.ForwardInplace(d, m, testOption(2)))
	assert.Equal(t, []float32{11, 12, 23, 24}, m.Flatten())
}

func TestDequantize_PerChannel(t *testing.T) {
	d := newDequantize(t, 2, 100, 200)
	m := int32Mat(t, 2, 1, 2, 1, 2, 3, 4)

	require.NoError(t, layer.ForwardInplace(d, m, testOption(2)))
	assert.Equal(t, []float32{102, 104, 206, 208}, m.Flatten())
}

func TestDequantize_NoBias(t *testing.T) {
	d := newDequantize(t, 0.25)
	m := int32Mat(t, 2, 1, 1, 4, -8)

	require.NoError(t, layer.ForwardInplace(d, m, testOption(1)))
	assert.Equal(t, []float32{1, -2}, m.Flatten())
}

func TestDequantize_Forward(t *testing.T) {
	// Forward goes through the clone-then-mutate default.
	d := newDequantize(t, 1)
	in := int32Mat(t, 2, 1, 1, 3, 5)

	out, err := layer.Forward(d, in, testOption(1))
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 5}, out.Flatten())
	assert.Equal(t, []int32{3, 5}, in.Int32())
}

func TestDequantize_Errors(t *testing.T) {
	d := NewDequantize()
	err := layer.LoadParam(d, paramdict.NewBuilder().SetInt(1, 1).Build())
	require.ErrorIs(t, err, errs.ErrConfig, "bias without size")

	d = NewDequantize()
	require.NoError(t, layer.LoadParam(d, paramdict.NewBuilder().SetInt(1, 1).SetInt(2, 2).Build()))
	require.ErrorIs(t, layer.LoadModel(d, modelbin.FromMats(nil)), errs.ErrLoad)

	d = newDequantize(t, 1, 1)
	m := int32Mat(t, 3, 1, 1, 1, 2, 3)
	require.ErrorIs(t, layer.ForwardInplace(d, m, testOption(1)), errs.ErrConfig, "bias shorter than input")
}

func TestQuantizeDequantize_RoundTrip(t *testing.T) {
	for _, scale := range []float32{1, 10, 127, 1000} {
		t.Run(fmt.Sprint(scale), func(t *testing.T) {
			limit := 127 / scale
			values := make([]float32, 41)
			for i := range values {
				values[i] = limit * (float32(i)/20 - 1)
			}

			q := NewQuantize()
			require.NoError(t, layer.LoadParam(q, paramdict.NewBuilder().SetFloat(0, scale).Build()))
			qm, err := layer.Forward(q, floats(t, values...), testOption(2))
			require.NoError(t, err)

			ints := make([]int32, len(values))
			for i, v := range qm.Int8() {
				ints[i] = int32(v)
			}
			m := int32Mat(t, len(values), 1, 1, ints...)
			require.NoError(t, layer.ForwardInplace(newDequantize(t, 1/scale), m, testOption(2)))

			step := 1 / scale
			for i, got := range m.Flatten() {
				assert.InDelta(t, values[i], got, float64(step), "value %d", i)
			}
		})
	}
}

func TestReLU(t *testing.T) {
	r := NewReLU()
	in := floats(t, -2, -0.5, 0, 3)

	out, err := layer.Forward(r, in, testOption(1))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 3}, out.Flatten())
	assert.Equal(t, []float32{-2, -0.5, 0, 3}, in.Flatten(), "forward leaves the input alone")
}

func TestReLU_Leaky(t *testing.T) {
	r := NewReLU()
	require.NoError(t, layer.LoadParam(r, paramdict.NewBuilder().SetFloat(0, 0.1).Build()))

	m, err := mat.FromFloat32([]float32{-10, 5, -20, 1}, 2, 1, 2, nil)
	require.NoError(t, err)
	require.NoError(t, layer.ForwardInplace(r, m, testOption(2)))
	assert.Equal(t, []float32{-1, 5, -2, 1}, m.Flatten())
}

func TestReLU_MultiRoutesToSingle(t *testing.T) {
	outs, err := layer.ForwardMulti(NewReLU(), []*mat.Mat{floats(t, -1, 1)}, testOption(1))
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, []float32{0, 1}, outs[0].Flatten())
}
