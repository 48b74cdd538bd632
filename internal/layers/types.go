// Package layers implements the layer types built into the runtime and the
// type table that maps their names to registry indices.
package layers

import "github.com/born-ml/infer/internal/layer"

// Type indices of the built-in table. Model files refer to layers by these
// numbers, so the order never changes and new types are only appended.
const (
	TypeAbsVal = iota
	TypeArgMax
	TypeBatchNorm
	TypeBias
	TypeBNLL
	TypeConcat
	TypeConvolution
	TypeCrop
	TypeDeconvolution
	TypeDropout
	TypeEltwise
	TypeELU
	TypeEmbed
	TypeExp
	TypeFlatten
	TypeInnerProduct
	TypeInput
	TypeLog
	TypeLRN
	TypeMemoryData
	TypeMVN
	TypePooling
	TypePower
	TypePReLU
	TypeProposal
	TypeReduction
	TypeReLU
	TypeReshape
	TypeROIPooling
	TypeScale
	TypeSigmoid
	TypeSlice
	TypeSoftmax
	TypeSplit
	TypeSPP
	TypeTanH
	TypeThreshold
	TypeTile
	TypeRNN
	TypeLSTM
	TypeBinaryOp
	TypeUnaryOp
	TypeConvolutionDepthWise
	TypePadding
	TypeSqueeze
	TypeExpandDims
	TypeNormalize
	TypePermute
	TypePriorBox
	TypeDetectionOutput
	TypeInterp
	TypeDeconvolutionDepthWise
	TypeShuffleChannel
	TypeInstanceNorm
	TypeClip
	TypeReorg
	TypeYoloDetectionOutput
	TypeQuantize
	TypeDequantize
	TypeYolov3DetectionOutput
)

// typeTable lists every known type in index order. A nil constructor marks
// a type whose kernels are not part of this runtime.
var typeTable = []struct {
	name string
	ctor layer.Constructor
}{
	{"AbsVal", nil},
	{"ArgMax", nil},
	{"BatchNorm", nil},
	{"Bias", nil},
	{"BNLL", nil},
	{"Concat", nil},
	{"Convolution", nil},
	{"Crop", nil},
	{"Deconvolution", nil},
	{"Dropout", nil},
	{"Eltwise", nil},
	{"ELU", nil},
	{"Embed", nil},
	{"Exp", nil},
	{"Flatten", nil},
	{"InnerProduct", func() layer.Layer { return NewInnerProduct() }},
	{"Input", nil},
	{"Log", nil},
	{"LRN", nil},
	{"MemoryData", nil},
	{"MVN", nil},
	{"Pooling", nil},
	{"Power", nil},
	{"PReLU", nil},
	{"Proposal", nil},
	{"Reduction", nil},
	{"ReLU", func() layer.Layer { return NewReLU() }},
	{"Reshape", nil},
	{"ROIPooling", nil},
	{"Scale", nil},
	{"Sigmoid", nil},
	{"Slice", nil},
	{"Softmax", nil},
	{"Split", nil},
	{"SPP", nil},
	{"TanH", nil},
	{"Threshold", nil},
	{"Tile", nil},
	{"RNN", nil},
	{"LSTM", nil},
	{"BinaryOp", nil},
	{"UnaryOp", nil},
	{"ConvolutionDepthWise", nil},
	{"Padding", nil},
	{"Squeeze", nil},
	{"ExpandDims", nil},
	{"Normalize", nil},
	{"Permute", nil},
	{"PriorBox", nil},
	{"DetectionOutput", nil},
	{"Interp", nil},
	{"DeconvolutionDepthWise", nil},
	{"ShuffleChannel", nil},
	{"InstanceNorm", nil},
	{"Clip", nil},
	{"Reorg", nil},
	{"YoloDetectionOutput", nil},
	{"Quantize", func() layer.Layer { return NewQuantize() }},
	{"Dequantize", func() layer.Layer { return NewDequantize() }},
	{"Yolov3DetectionOutput", nil},
}

// NewRegistry returns a sealed registry holding the built-in type table.
func NewRegistry() *layer.Registry {
	r := layer.NewRegistry()
	for _, t := range typeTable {
		r.Register(t.name, t.ctor)
	}
	r.Seal()
	return r
}
