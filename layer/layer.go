// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package layer

import (
	"io"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/layers"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
)

// Layer contract

// Layer is one computation unit of a network.
type Layer = layer.Layer

// Base holds the capability flags and identity every layer embeds.
type Base = layer.Base

// State is the lifecycle position of a layer.
type State = layer.State

// Lifecycle states.
const (
	StateConstructed   = layer.StateConstructed
	StateConfigured    = layer.StateConfigured
	StateModelLoaded   = layer.StateModelLoaded
	StatePipelineReady = layer.StatePipelineReady
	StateReady         = layer.StateReady
	StateFailed        = layer.StateFailed
)

// Info returns the common fields of l.
func Info(l Layer) *Base {
	return layer.Info(l)
}

// LoadParam configures l from pd.
func LoadParam(l Layer, pd *ParamDict) error {
	return layer.LoadParam(l, pd)
}

// LoadModel reads the weights of l from mb.
func LoadModel(l Layer, mb ModelBin) error {
	return layer.LoadModel(l, mb)
}

// CreatePipeline builds the device pipeline of l.
func CreatePipeline(l Layer) error {
	return layer.CreatePipeline(l)
}

// UploadModel records the weight uploads of l on t.
func UploadModel(l Layer, t *Transfer) error {
	return layer.UploadModel(l, t)
}

// Destroy releases everything l owns.
func Destroy(l Layer) {
	layer.Destroy(l)
}

// Forward computes the output of l for bottom.
func Forward(l Layer, bottom *Mat, opt Option) (*Mat, error) {
	return layer.Forward(l, bottom, opt)
}

// ForwardMulti computes the outputs of l for bottoms.
func ForwardMulti(l Layer, bottoms []*Mat, opt Option) ([]*Mat, error) {
	return layer.ForwardMulti(l, bottoms, opt)
}

// ForwardInplace overwrites m with the output of l.
func ForwardInplace(l Layer, m *Mat, opt Option) error {
	return layer.ForwardInplace(l, m, opt)
}

// ForwardInplaceMulti overwrites each blob of ms with the outputs of l.
func ForwardInplaceMulti(l Layer, ms []*Mat, opt Option) error {
	return layer.ForwardInplaceMulti(l, ms, opt)
}

// ForwardGPU records the device computation of l for bottom on cmd.
func ForwardGPU(l Layer, bottom *GPUMat, cmd *Compute, opt Option) (*GPUMat, error) {
	return layer.ForwardGPU(l, bottom, cmd, opt)
}

// ForwardGPUMulti records the device computation of l for bottoms on cmd.
func ForwardGPUMulti(l Layer, bottoms []*GPUMat, cmd *Compute, opt Option) ([]*GPUMat, error) {
	return layer.ForwardGPUMulti(l, bottoms, cmd, opt)
}

// ForwardInplaceGPU records an in-place device computation of l on cmd.
func ForwardInplaceGPU(l Layer, m *GPUMat, cmd *Compute, opt Option) error {
	return layer.ForwardInplaceGPU(l, m, cmd, opt)
}

// ForwardInplaceGPUMulti records an in-place multi-blob device computation.
func ForwardInplaceGPUMulti(l Layer, ms []*GPUMat, cmd *Compute, opt Option) error {
	return layer.ForwardInplaceGPUMulti(l, ms, cmd, opt)
}

// Registry

// Registry maps type indices and names to constructors.
type Registry = layer.Registry

// Entry is one registry slot.
type Entry = layer.Entry

// Constructor returns a fresh layer.
type Constructor = layer.Constructor

// NewRegistry returns a sealed registry holding the built-in type table.
func NewRegistry() *Registry {
	return layers.NewRegistry()
}

// NewEmptyRegistry returns an unsealed registry for custom type tables.
func NewEmptyRegistry() *Registry {
	return layer.NewRegistry()
}

// Built-in type indices.
const (
	TypeInnerProduct = layers.TypeInnerProduct
	TypeReLU         = layers.TypeReLU
	TypeQuantize     = layers.TypeQuantize
	TypeDequantize   = layers.TypeDequantize
)

// InnerProduct parameter ids.
const (
	InnerProductNumOutput      = 0
	InnerProductBiasTerm       = 1
	InnerProductWeightDataSize = 2
	InnerProductInt8ScaleTerm  = 8
)

// Built-in layers.
type (
	InnerProduct = layers.InnerProduct
	ReLU         = layers.ReLU
	Quantize     = layers.Quantize
	Dequantize   = layers.Dequantize
)

// Data

// Mat is a host tensor blob.
type Mat = mat.Mat

// Allocator supplies host blob storage.
type Allocator = mat.Allocator

// NewMat allocates a w×h×c float32 blob.
func NewMat(w, h, c int, alloc Allocator) (*Mat, error) {
	return mat.New(w, h, c, mat.ElemFloat32, alloc)
}

// MatFromFloat32 copies values into a new w×h×c blob.
func MatFromFloat32(values []float32, w, h, c int, alloc Allocator) (*Mat, error) {
	return mat.FromFloat32(values, w, h, c, alloc)
}

// NewPoolAllocator returns a recycling host allocator.
func NewPoolAllocator() *mat.PoolAllocator {
	return mat.NewPoolAllocator()
}

// ParamDict is a read-only map from parameter id to value.
type ParamDict = paramdict.ParamDict

// ParamBuilder assembles a ParamDict.
type ParamBuilder = paramdict.Builder

// NewParams starts an empty ParamDict.
func NewParams() *ParamBuilder {
	return paramdict.NewBuilder()
}

// ModelBin supplies weight blobs in load order.
type ModelBin = modelbin.ModelBin

// ModelFromReader reads tagged weight blocks from r.
func ModelFromReader(r io.Reader, opts ...modelbin.Option) ModelBin {
	return modelbin.FromReader(r, opts...)
}

// OpenSafeTensors opens a safetensors weight file. Tensors are served in
// the order their data appears in the file.
func OpenSafeTensors(path string, opts ...modelbin.Option) (*modelbin.SafeTensors, error) {
	return modelbin.OpenSafeTensors(path, opts...)
}

// ModelFromMats serves pre-built blobs in order.
func ModelFromMats(list []*Mat, opts ...modelbin.Option) ModelBin {
	return modelbin.FromMats(list, opts...)
}

// Option bundles the execution parameters of one forward call.
type Option = option.Option

// DefaultOption returns a copy of the process-wide default option.
func DefaultOption() Option {
	return option.Default()
}

// SetDefaultOption replaces the process-wide default option.
func SetDefaultOption(opt Option) error {
	return option.SetDefault(opt)
}

// GPU

// Device is a compute device.
type Device = gpu.Device

// GPUMat is a device-resident blob.
type GPUMat = gpu.Mat

// NewGPUMat allocates a w×h×c float32 device blob through alloc.
func NewGPUMat(w, h, c int, alloc GPUAllocator) (*GPUMat, error) {
	return gpu.NewMat(w, h, c, 4, alloc)
}

// Float32Bytes encodes values in device byte order for Transfer.RecordUpload.
func Float32Bytes(values []float32) []byte {
	return gpu.Float32ToBytes(values)
}

// Compute records compute commands.
type Compute = gpu.Compute

// Transfer records weight uploads.
type Transfer = gpu.Transfer

// Emulator runs the built-in shaders on the host.
type Emulator = gpu.Emulator

// NewEmulator returns a host device with the built-in kernels registered.
func NewEmulator() *Emulator {
	e := gpu.NewEmulator("emulator", [3]uint32{256, 256, 64})
	layers.RegisterKernels(e)
	return e
}

// NewCompute opens a compute recorder on dev.
func NewCompute(dev Device) *Compute {
	return gpu.NewCompute(dev)
}

// GPUAllocator hands out device buffers.
type GPUAllocator = gpu.Allocator

// NewTransfer opens an upload recorder whose weight buffers come from
// weightAlloc.
func NewTransfer(dev Device, weightAlloc GPUAllocator) *Transfer {
	return gpu.NewTransfer(dev, weightAlloc)
}

// Errors

// Error sentinels.
var (
	ErrConfig      = errs.ErrConfig
	ErrLoad        = errs.ErrLoad
	ErrUnsupported = errs.ErrUnsupported
	ErrAllocation  = errs.ErrAllocation
	ErrNotFound    = errs.ErrNotFound
)

// ErrorKind classifies err.
func ErrorKind(err error) errs.Kind {
	return errs.KindOf(err)
}
