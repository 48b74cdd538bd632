package layers

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/born-ml/infer/internal/parallel"
)

// Dequantize turns int32 accumulators into float32 in place:
// v*scale + bias. The bias is indexed per element for 1-D blobs, per row
// for 2-D blobs and per channel for 3-D blobs.
type Dequantize struct {
	layer.Base

	Scale        float32
	BiasTerm     int
	BiasDataSize int

	bias *mat.Mat
}

// NewDequantize returns a Dequantize layer with scale 1 and no bias.
func NewDequantize() *Dequantize {
	d := &Dequantize{Scale: 1}
	d.Type = "Dequantize"
	d.OneBlobOnly = true
	d.SupportInplace = true
	return d
}

// LoadParam reads ids 0 (scale), 1 (bias_term) and 2 (bias_data_size).
func (d *Dequantize) LoadParam(pd *paramdict.ParamDict) error {
	d.Scale = pd.GetFloat(0, 1)
	d.BiasTerm = pd.GetInt(1, 0)
	d.BiasDataSize = pd.GetInt(2, 0)
	if d.BiasTerm != 0 && d.BiasDataSize <= 0 {
		return fmt.Errorf("dequantize: bias_data_size %d: %w", d.BiasDataSize, errs.ErrConfig)
	}
	return nil
}

// LoadModel reads the bias when bias_term is set.
func (d *Dequantize) LoadModel(mb modelbin.ModelBin) error {
	if d.BiasTerm == 0 {
		return nil
	}
	b, err := mb.Load(d.BiasDataSize, modelbin.Float32)
	if err != nil || b.Empty() {
		return loadFailed("dequantize: bias", err)
	}
	if b.Size() != d.BiasDataSize {
		return fmt.Errorf("dequantize: bias has %d values, want %d: %w", b.Size(), d.BiasDataSize, errs.ErrConfig)
	}
	d.bias.Release()
	d.bias = b
	return nil
}

// ForwardInplace rescales m, which must hold int32 values.
func (d *Dequantize) ForwardInplace(m *mat.Mat, opt option.Option) error {
	if m.Empty() {
		return fmt.Errorf("dequantize: empty input: %w", errs.ErrAllocation)
	}
	if m.ElemSize != mat.ElemFloat32 {
		return fmt.Errorf("dequantize: input elemsize %d: %w", m.ElemSize, errs.ErrConfig)
	}

	var (
		units int
		at    func(u int) (ints []int32, floats []float32)
	)
	switch m.Dims() {
	case 1:
		units = m.W
		ints, floats := m.Int32(), m.Float32()
		at = func(u int) ([]int32, []float32) { return ints[u : u+1], floats[u : u+1] }
	case 2:
		units = m.H
		ints, floats := m.Int32(), m.Float32()
		at = func(u int) ([]int32, []float32) {
			lo := u * m.W
			return ints[lo : lo+m.W], floats[lo : lo+m.W]
		}
	default:
		units = m.C
		at = func(u int) ([]int32, []float32) { return m.ChannelInt32(u), m.ChannelFloat32(u) }
	}

	var bias []float32
	if d.BiasTerm != 0 {
		if d.bias.Empty() {
			return fmt.Errorf("dequantize: bias not loaded: %w", errs.ErrLoad)
		}
		if d.bias.Size() < units {
			return fmt.Errorf("dequantize: %d bias values for %d units: %w", d.bias.Size(), units, errs.ErrConfig)
		}
		bias = d.bias.Float32()
	}

	scale := d.Scale
	parallel.For(units, func(u int) {
		ints, floats := at(u)
		var b float32
		if bias != nil {
			b = bias[u]
		}
		for i, v := range ints {
			floats[i] = float32(v)*scale + b
		}
	}, parallel.Threads(opt.NumThreads))

	return nil
}

// Destroy releases the bias.
func (d *Dequantize) Destroy() {
	d.bias.Release()
	d.bias = nil
}
