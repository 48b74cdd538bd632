package layers

import (
	"fmt"
	"math"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/born-ml/infer/internal/parallel"
)

// Quantize converts float32 blobs to int8 by scaling, rounding to nearest
// and clamping to [-127, 127].
type Quantize struct {
	layer.Base

	Scale float32
}

// NewQuantize returns a Quantize layer with scale 1.
func NewQuantize() *Quantize {
	q := &Quantize{Scale: 1}
	q.Type = "Quantize"
	q.OneBlobOnly = true
	return q
}

// LoadParam reads id 0 (scale).
func (q *Quantize) LoadParam(pd *paramdict.ParamDict) error {
	q.Scale = pd.GetFloat(0, 1)
	return nil
}

// Forward returns an int8 blob with the extents of bottom, allocated from
// opt.BlobAllocator.
func (q *Quantize) Forward(bottom *mat.Mat, opt option.Option) (*mat.Mat, error) {
	if bottom.ElemSize != mat.ElemFloat32 {
		return nil, fmt.Errorf("quantize: input elemsize %d: %w", bottom.ElemSize, errs.ErrConfig)
	}
	top, err := mat.New(bottom.W, bottom.H, bottom.C, mat.ElemInt8, opt.BlobAllocator)
	if err != nil {
		return nil, fmt.Errorf("quantize: %w", err)
	}

	scale := q.Scale
	parallel.For(bottom.C, func(c int) {
		src := bottom.ChannelFloat32(c)
		dst := top.ChannelInt8(c)
		for i, v := range src {
			dst[i] = float2int8(v * scale)
		}
	}, parallel.Threads(opt.NumThreads))

	return top, nil
}

func float2int8(v float32) int8 {
	r := math.Round(float64(v))
	switch {
	case r > 127:
		return 127
	case r < -127:
		return -127
	default:
		return int8(r)
	}
}
