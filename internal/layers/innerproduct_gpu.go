package layers

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/option"
	"k8s.io/klog/v2"
)

// InnerProductShader is the name the InnerProduct pipeline is compiled under.
const InnerProductShader = "innerproduct"

// innerProductWGSL computes one output per invocation. Sizes come from the
// bound buffers, so the pipeline needs no uniforms. SPEC_0 is bias_term.
const innerProductWGSL = `
@group(0) @binding(0) var<storage, read> bottom: array<f32>;
@group(0) @binding(1) var<storage, read_write> top: array<f32>;
@group(0) @binding(2) var<storage, read> weight: array<f32>;
@group(0) @binding(3) var<storage, read> bias: array<f32>;

@compute @workgroup_size(LOCAL_SIZE_X, LOCAL_SIZE_Y, LOCAL_SIZE_Z)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let p = gid.x;
    if (p >= arrayLength(&top)) {
        return;
    }

    let size = arrayLength(&bottom);
    var sum = 0.0;
    if (SPEC_0 == 1u) {
        sum = bias[p];
    }

    let row = p * size;
    for (var i = 0u; i < size; i = i + 1u) {
        sum = sum + bottom[i] * weight[row + i];
    }

    top[p] = sum;
}
`

// localSizeX returns the largest power-of-two fraction of the workgroup
// limit that does not exceed num_output.
func (ip *InnerProduct) localSizeX() uint32 {
	local := ip.maxGroup[0]
	if local == 0 {
		local = ip.Device().MaxWorkgroupSize()[0]
	}
	for local > 1 && int(local) > ip.NumOutput {
		local /= 2
	}
	return local
}

// CreatePipeline compiles the device kernel. Int8 inference has no device
// implementation.
func (ip *InnerProduct) CreatePipeline() error {
	if ip.useInt8 {
		return fmt.Errorf("innerproduct: int8 inference on gpu: %w", errs.ErrConfig)
	}

	p := ip.Pipeline()
	local := ip.localSizeX()
	p.LocalSize = [3]uint32{local, 1, 1}
	p.Specializations = []uint32{uint32(ip.BiasTerm)}
	p.BindingCount = 4
	p.Writes = []int{1}

	if err := p.Create(InnerProductShader, innerProductWGSL); err != nil {
		return err
	}
	klog.V(4).InfoS("Created pipeline", "layer", ip.Name, "shader", InnerProductShader,
		"device", p.Device().Name(), "localSize", p.LocalSize, "biasTerm", ip.BiasTerm)
	return nil
}

// UploadModel records the upload of the float weights and the bias. A zero
// bias is uploaded when bias_term is unset, so the binding set stays fixed.
func (ip *InnerProduct) UploadModel(t *gpu.Transfer) error {
	if ip.useInt8 {
		return fmt.Errorf("innerproduct: int8 weights on gpu: %w", errs.ErrConfig)
	}
	if ip.weight.Empty() {
		return fmt.Errorf("innerproduct: upload before load model: %w", errs.ErrLoad)
	}
	ip.releaseGPU()

	alloc := t.WeightAllocator()
	w, err := gpu.NewMat(ip.WeightDataSize, 1, 1, 4, alloc)
	if err != nil {
		return fmt.Errorf("innerproduct: weight buffer: %w", err)
	}
	b, err := gpu.NewMat(ip.NumOutput, 1, 1, 4, alloc)
	if err != nil {
		w.Release()
		return fmt.Errorf("innerproduct: bias buffer: %w", err)
	}

	bias := make([]float32, ip.NumOutput)
	if ip.BiasTerm != 0 {
		copy(bias, ip.bias.Float32())
	}
	if err := t.RecordUpload(w, gpu.Float32ToBytes(ip.weight.Flatten())); err != nil {
		w.Release()
		b.Release()
		return err
	}
	if err := t.RecordUpload(b, gpu.Float32ToBytes(bias)); err != nil {
		w.Release()
		b.Release()
		return err
	}
	t.RecordUploadBarrier(w)
	t.RecordUploadBarrier(b)

	ip.weightGPU, ip.biasGPU = w, b
	return nil
}

// ForwardGPU allocates a num_output device blob from opt.BlobGPUAllocator
// (the input's allocator when unset), binds {input, output, weight, bias}
// and records a dispatch covering every output.
func (ip *InnerProduct) ForwardGPU(bottom *gpu.Mat, cmd *gpu.Compute, opt option.Option) (*gpu.Mat, error) {
	if ip.weightGPU.Empty() {
		return nil, fmt.Errorf("innerproduct: gpu forward before upload model: %w", errs.ErrConfig)
	}
	if bottom.Empty() {
		return nil, fmt.Errorf("innerproduct: empty input: %w", errs.ErrAllocation)
	}
	if bottom.ElemSize != 4 {
		return nil, fmt.Errorf("innerproduct: input elemsize %d: %w", bottom.ElemSize, errs.ErrConfig)
	}
	if want := ip.WeightDataSize / ip.NumOutput; bottom.Total() != want {
		return nil, fmt.Errorf("innerproduct: input has %d values, want %d: %w", bottom.Total(), want, errs.ErrConfig)
	}

	alloc := opt.BlobGPUAllocator
	if alloc == nil {
		alloc = bottom.Allocator()
	}
	top, err := gpu.NewMat(ip.NumOutput, 1, 1, 4, alloc)
	if err != nil {
		return nil, fmt.Errorf("innerproduct: %w", err)
	}

	p := ip.Pipeline()
	if err := cmd.RecordBindings(p, []*gpu.Mat{bottom, top, ip.weightGPU, ip.biasGPU}); err != nil {
		top.Release()
		return nil, err
	}
	local := p.LocalSize[0]
	groups := (uint32(ip.NumOutput) + local - 1) / local
	if err := cmd.RecordDispatch(p, [3]uint32{groups, 1, 1}); err != nil {
		top.Release()
		return nil, err
	}
	return top, nil
}

func (ip *InnerProduct) releaseGPU() {
	if ip.weightGPU != nil {
		ip.weightGPU.Release()
		ip.weightGPU = nil
	}
	if ip.biasGPU != nil {
		ip.biasGPU.Release()
		ip.biasGPU = nil
	}
}

// RegisterKernels installs the host implementations of the built-in
// shaders on an emulated device.
func RegisterKernels(e *gpu.Emulator) {
	e.RegisterKernel(InnerProductShader, innerProductKernel)
}

func innerProductKernel(bindings [][]byte, spec []uint32, groups, local [3]uint32) {
	bottom := gpu.BytesToFloat32(bindings[0])
	weight := gpu.BytesToFloat32(bindings[2])
	bias := gpu.BytesToFloat32(bindings[3])
	numOutput := len(bindings[1]) / 4
	size := len(bottom)

	top := make([]float32, numOutput)
	invocations := int(groups[0] * local[0])
	for p := 0; p < invocations && p < numOutput; p++ {
		var sum float32
		if len(spec) > 0 && spec[0] == 1 {
			sum = bias[p]
		}
		row := weight[p*size : (p+1)*size]
		for i, v := range bottom {
			sum += v * row[i]
		}
		top[p] = sum
	}
	copy(bindings[1], gpu.Float32ToBytes(top))
}
