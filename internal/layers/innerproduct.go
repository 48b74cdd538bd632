package layers

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/born-ml/infer/internal/parallel"
	"gonum.org/v1/gonum/blas/blas32"
)

// InnerProduct parameter ids.
const (
	paramNumOutput      = 0
	paramBiasTerm       = 1
	paramWeightDataSize = 2
	paramInt8ScaleTerm  = 8
)

// InnerProduct implements a fully connected layer.
//
// The whole input blob is flattened and multiplied against one weight row
// per output:
//
//	top[p] = bias[p] + Σ bottom[i] * weight[p*size + i]
//
// where size = weight_data_size / num_output must equal the number of input
// elements. Weights are stored row-major, one row of size elements per output.
//
// With int8 inference the weights are kept quantized, the input is quantized
// into a workspace blob on every call, and the int32 accumulators are
// rescaled by 1/(input_scale*weight_scale) before the bias is added.
//
// On a device the layer records one dispatch with bindings
// {input, output, weight, bias}.
type InnerProduct struct {
	layer.Base

	NumOutput      int
	BiasTerm       int
	WeightDataSize int
	Int8ScaleTerm  int

	useInt8  bool
	maxGroup [3]uint32

	weight      *mat.Mat // float32, or int8 with int8 inference
	bias        *mat.Mat
	weightScale float32
	inputScale  float32

	quantize   *Quantize   // input quantizer, int8 only
	dequantize *Dequantize // accumulator rescale, int8 only

	weightGPU *gpu.Mat
	biasGPU   *gpu.Mat
}

// NewInnerProduct returns an unconfigured InnerProduct.
func NewInnerProduct() *InnerProduct {
	ip := &InnerProduct{}
	ip.Type = "InnerProduct"
	ip.OneBlobOnly = true
	ip.SupportGPU = true
	return ip
}

// LoadParam reads ids 0 (num_output), 1 (bias_term), 2 (weight_data_size)
// and 8 (int8_scale_term).
func (ip *InnerProduct) LoadParam(pd *paramdict.ParamDict) error {
	ip.NumOutput = pd.GetInt(paramNumOutput, 0)
	ip.BiasTerm = pd.GetInt(paramBiasTerm, 0)
	ip.WeightDataSize = pd.GetInt(paramWeightDataSize, 0)
	ip.Int8ScaleTerm = pd.GetInt(paramInt8ScaleTerm, 0)

	if ip.NumOutput <= 0 {
		return fmt.Errorf("innerproduct: num_output %d: %w", ip.NumOutput, errs.ErrConfig)
	}
	if ip.WeightDataSize <= 0 || ip.WeightDataSize%ip.NumOutput != 0 {
		return fmt.Errorf("innerproduct: weight_data_size %d is not a multiple of num_output %d: %w",
			ip.WeightDataSize, ip.NumOutput, errs.ErrConfig)
	}

	ip.useInt8 = false
	if pd != nil {
		ip.useInt8 = pd.UseInt8Inference && ip.Int8ScaleTerm != 0
		ip.maxGroup = pd.MaxWorkgroupSize
	}
	return nil
}

// UsesInt8 reports whether forward runs the quantized kernel.
func (ip *InnerProduct) UsesInt8() bool {
	return ip.useInt8
}

// LoadModel reads, in order, the weights, the bias when bias_term is set,
// and the weight and input scales when int8_scale_term is set. Float
// weights are quantized once when int8 inference is on. When mb carries a
// transfer recorder the weights are uploaded as well.
func (ip *InnerProduct) LoadModel(mb modelbin.ModelBin) error {
	w, err := mb.Load(ip.WeightDataSize, modelbin.Auto)
	if err != nil || w.Empty() {
		return loadFailed("innerproduct: weight", err)
	}
	if w.Size() != ip.WeightDataSize {
		return fmt.Errorf("innerproduct: weight has %d values, want %d: %w", w.Size(), ip.WeightDataSize, errs.ErrConfig)
	}
	ip.setWeight(w)

	if ip.BiasTerm != 0 {
		b, err := mb.Load(ip.NumOutput, modelbin.Float32)
		if err != nil || b.Empty() {
			return loadFailed("innerproduct: bias", err)
		}
		if b.Size() != ip.NumOutput {
			return fmt.Errorf("innerproduct: bias has %d values, want %d: %w", b.Size(), ip.NumOutput, errs.ErrConfig)
		}
		ip.bias.Release()
		ip.bias = b
	}

	if ip.Int8ScaleTerm != 0 {
		if ip.weightScale, err = loadScalar(mb, "weight scale"); err != nil {
			return err
		}
		if ip.inputScale, err = loadScalar(mb, "input scale"); err != nil {
			return err
		}
	}

	isInt8 := ip.weight.ElemSize == mat.ElemInt8
	if isInt8 && !ip.useInt8 {
		return fmt.Errorf("innerproduct: int8 weights loaded with int8 inference disabled: %w", errs.ErrConfig)
	}

	if ip.useInt8 {
		if err := ip.setupInt8(!isInt8); err != nil {
			return err
		}
	}

	if t := mb.Transfer(); t != nil && ip.Pipeline() != nil {
		return ip.UploadModel(t)
	}
	return nil
}

func (ip *InnerProduct) releaseInt8() {
	if ip.dequantize != nil {
		layer.Destroy(ip.dequantize)
		ip.dequantize = nil
	}
	ip.quantize = nil
}

func (ip *InnerProduct) setWeight(w *mat.Mat) {
	ip.weight.Release()
	ip.weight = w
}

// setupInt8 prepares the quantize and dequantize sub-units and, when the
// stored weights are float, replaces them with their int8 quantization.
func (ip *InnerProduct) setupInt8(quantizeWeights bool) error {
	if ip.weightScale == 0 || ip.inputScale == 0 {
		return fmt.Errorf("innerproduct: zero int8 scale (weight %g, input %g): %w",
			ip.weightScale, ip.inputScale, errs.ErrConfig)
	}

	if quantizeWeights {
		wq := NewQuantize()
		if err := layer.LoadParam(wq, paramdict.NewBuilder().SetFloat(0, ip.weightScale).Build()); err != nil {
			return err
		}
		qw, err := layer.Forward(wq, ip.weight, option.Default())
		if err != nil {
			return fmt.Errorf("innerproduct: quantize weights: %w", err)
		}
		ip.setWeight(qw)
	}

	ip.releaseInt8()
	ip.quantize = NewQuantize()
	if err := layer.LoadParam(ip.quantize, paramdict.NewBuilder().SetFloat(0, ip.inputScale).Build()); err != nil {
		return err
	}

	ip.dequantize = NewDequantize()
	pd := paramdict.NewBuilder().
		SetFloat(0, 1/(ip.inputScale*ip.weightScale)).
		SetInt(1, ip.BiasTerm).
		SetInt(2, ip.NumOutput).
		Build()
	if err := layer.LoadParam(ip.dequantize, pd); err != nil {
		return err
	}
	var weights []*mat.Mat
	if ip.BiasTerm != 0 {
		weights = []*mat.Mat{ip.bias}
	}
	return layer.LoadModel(ip.dequantize, modelbin.FromMats(weights))
}

// Forward computes num_output float32 values from bottom. The output is
// allocated from opt.BlobAllocator; the int8 path also allocates a
// quantized copy of bottom from opt.WorkspaceAllocator.
func (ip *InnerProduct) Forward(bottom *mat.Mat, opt option.Option) (*mat.Mat, error) {
	if ip.weight.Empty() {
		return nil, fmt.Errorf("innerproduct: forward before load model: %w", errs.ErrLoad)
	}
	if bottom.Empty() {
		return nil, fmt.Errorf("innerproduct: empty input: %w", errs.ErrAllocation)
	}
	if bottom.ElemSize != mat.ElemFloat32 {
		return nil, fmt.Errorf("innerproduct: input elemsize %d: %w", bottom.ElemSize, errs.ErrConfig)
	}
	if want := ip.WeightDataSize / ip.NumOutput; bottom.Size() != want {
		return nil, fmt.Errorf("innerproduct: input has %d values, want %d: %w", bottom.Size(), want, errs.ErrConfig)
	}

	top, err := mat.New1D(ip.NumOutput, mat.ElemFloat32, opt.BlobAllocator)
	if err != nil {
		return nil, fmt.Errorf("innerproduct: %w", err)
	}

	if ip.useInt8 {
		err = ip.forwardInt8(bottom, top, opt)
	} else {
		err = ip.forwardFloat(bottom, top, opt)
	}
	if err != nil {
		top.Release()
		return nil, err
	}
	return top, nil
}

func (ip *InnerProduct) forwardFloat(bottom, top *mat.Mat, opt option.Option) error {
	size := bottom.W * bottom.H
	channels := bottom.C
	weight := ip.weight.Float32()
	out := top.Float32()

	var bias []float32
	if ip.BiasTerm != 0 {
		bias = ip.bias.Float32()
	}

	parallel.For(ip.NumOutput, func(p int) {
		var sum float32
		if bias != nil {
			sum = bias[p]
		}
		row := weight[p*size*channels : (p+1)*size*channels]
		for q := 0; q < channels; q++ {
			x := blas32.Vector{N: size, Inc: 1, Data: bottom.ChannelFloat32(q)}
			w := blas32.Vector{N: size, Inc: 1, Data: row[q*size : (q+1)*size]}
			sum += blas32.Dot(x, w)
		}
		out[p] = sum
	}, parallel.Threads(opt.NumThreads))

	return nil
}

func (ip *InnerProduct) forwardInt8(bottom, top *mat.Mat, opt option.Option) error {
	qopt := opt
	qopt.BlobAllocator = opt.WorkspaceAllocator
	qbottom, err := layer.Forward(ip.quantize, bottom, qopt)
	if err != nil {
		return fmt.Errorf("innerproduct: quantize input: %w", err)
	}
	defer qbottom.Release()

	size := bottom.W * bottom.H
	channels := bottom.C
	weight := ip.weight.Int8()
	acc := top.Int32()

	parallel.For(ip.NumOutput, func(p int) {
		var sum int32
		row := weight[p*size*channels : (p+1)*size*channels]
		for q := 0; q < channels; q++ {
			x := qbottom.ChannelInt8(q)
			w := row[q*size : (q+1)*size]
			for i, v := range x {
				sum += int32(v) * int32(w[i])
			}
		}
		acc[p] = sum
	}, parallel.Threads(opt.NumThreads))

	if err := layer.ForwardInplace(ip.dequantize, top, opt); err != nil {
		return fmt.Errorf("innerproduct: dequantize: %w", err)
	}
	return nil
}

// Destroy releases host and device weights.
func (ip *InnerProduct) Destroy() {
	ip.setWeight(nil)
	ip.bias.Release()
	ip.bias = nil
	ip.releaseInt8()
	ip.releaseGPU()
}

func loadScalar(mb modelbin.ModelBin, what string) (float32, error) {
	m, err := mb.Load(1, modelbin.Float32)
	if err != nil || m.Empty() {
		return 0, loadFailed("innerproduct: "+what, err)
	}
	defer m.Release()
	return m.Float32()[0], nil
}

// loadFailed reports a weight block that could not be read.
func loadFailed(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: empty block: %w", what, errs.ErrLoad)
	}
	return fmt.Errorf("%s: %w: %w", what, errs.ErrLoad, err)
}
