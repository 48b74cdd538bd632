package layers

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/born-ml/infer/internal/parallel"
)

// ReLU clamps negative values to zero, or scales them by Slope when it is
// non-zero (leaky ReLU). It only works in place; Forward goes through the
// clone-then-mutate default.
type ReLU struct {
	layer.Base

	Slope float32
}

// NewReLU returns a plain ReLU.
func NewReLU() *ReLU {
	r := &ReLU{}
	r.Type = "ReLU"
	r.OneBlobOnly = true
	r.SupportInplace = true
	return r
}

// LoadParam reads id 0 (slope).
func (r *ReLU) LoadParam(pd *paramdict.ParamDict) error {
	r.Slope = pd.GetFloat(0, 0)
	return nil
}

// ForwardInplace applies the activation to every element of m.
func (r *ReLU) ForwardInplace(m *mat.Mat, opt option.Option) error {
	if m.Empty() {
		return fmt.Errorf("relu: empty input: %w", errs.ErrAllocation)
	}
	if m.ElemSize != mat.ElemFloat32 {
		return fmt.Errorf("relu: input elemsize %d: %w", m.ElemSize, errs.ErrConfig)
	}

	slope := r.Slope
	parallel.For(m.C, func(c int) {
		ch := m.ChannelFloat32(c)
		if slope == 0 {
			for i, v := range ch {
				ch[i] = max(v, 0)
			}
			return
		}
		for i, v := range ch {
			if v < 0 {
				ch[i] = v * slope
			}
		}
	}, parallel.Threads(opt.NumThreads))

	return nil
}
