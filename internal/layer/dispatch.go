package layer

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
)

// LoadParam configures l from pd. A failure leaves the layer Failed.
func LoadParam(l Layer, pd *paramdict.ParamDict) error {
	b := l.base()
	if err := l.LoadParam(pd); err != nil {
		b.state = StateFailed
		return fmt.Errorf("layer %s: load param: %w", b.label(), err)
	}
	b.state = StateConfigured
	return nil
}

// LoadModel reads the weights of l from mb. A failure leaves the layer
// Failed and every later forward call is rejected with ErrLoad.
func LoadModel(l Layer, mb modelbin.ModelBin) error {
	b := l.base()
	if b.state == StateFailed {
		return fmt.Errorf("layer %s: load model after failed load param: %w", b.label(), errs.ErrLoad)
	}
	if err := l.LoadModel(mb); err != nil {
		b.state = StateFailed
		return fmt.Errorf("layer %s: load model: %w", b.label(), err)
	}
	b.state = StateModelLoaded
	if b.dev == nil {
		b.state = StateReady
	}
	return nil
}

// CreatePipeline builds the device pipeline of l. Layers without a device
// implementation succeed without doing anything.
func CreatePipeline(l Layer) error {
	b := l.base()
	if err := usable(b); err != nil {
		return err
	}
	pc, ok := l.(PipelineCreator)
	if !ok {
		return nil
	}
	if b.pipeline == nil {
		return fmt.Errorf("layer %s: create pipeline without a device: %w", b.label(), errs.ErrConfig)
	}
	if err := pc.CreatePipeline(); err != nil {
		return fmt.Errorf("layer %s: create pipeline: %w", b.label(), err)
	}
	b.state = StatePipelineReady
	return nil
}

// UploadModel records the weight uploads of l on t.
func UploadModel(l Layer, t *gpu.Transfer) error {
	b := l.base()
	if err := usable(b); err != nil {
		return err
	}
	if mu, ok := l.(ModelUploader); ok {
		if err := mu.UploadModel(t); err != nil {
			return fmt.Errorf("layer %s: upload model: %w", b.label(), err)
		}
	}
	b.state = StateReady
	return nil
}

// Destroy releases everything l owns, including its pipeline. The layer
// must not be used afterwards.
func Destroy(l Layer) {
	if d, ok := l.(Destroyer); ok {
		d.Destroy()
	}
	b := l.base()
	b.pipeline.Destroy()
	b.pipeline = nil
	b.dev = nil
}

// Forward computes the output of l for bottom. The default clones bottom
// through opt.BlobAllocator and runs ForwardInplace on the clone; it
// requires SupportInplace. On failure the output is nil.
func Forward(l Layer, bottom *mat.Mat, opt option.Option) (*mat.Mat, error) {
	b := l.base()
	if err := usable(b); err != nil {
		return nil, err
	}
	if f, ok := l.(Forwarder); ok {
		top, err := f.Forward(bottom, opt)
		if err != nil {
			return nil, err
		}
		return top, nil
	}
	if !b.SupportInplace {
		return nil, unsupported(b, "forward")
	}

	top, err := clone(b, bottom, opt)
	if err != nil {
		return nil, err
	}
	if err := ForwardInplace(l, top, opt); err != nil {
		top.Release()
		return nil, err
	}
	return top, nil
}

// ForwardMulti computes the outputs of l for bottoms. A OneBlobOnly layer
// given a single blob takes the Forward path.
func ForwardMulti(l Layer, bottoms []*mat.Mat, opt option.Option) ([]*mat.Mat, error) {
	b := l.base()
	if err := usable(b); err != nil {
		return nil, err
	}
	if b.OneBlobOnly && len(bottoms) == 1 {
		top, err := Forward(l, bottoms[0], opt)
		if err != nil {
			return nil, err
		}
		return []*mat.Mat{top}, nil
	}
	if f, ok := l.(MultiForwarder); ok {
		tops, err := f.ForwardMulti(bottoms, opt)
		if err != nil {
			return nil, err
		}
		return tops, nil
	}
	if !b.SupportInplace {
		return nil, unsupported(b, "forward")
	}

	tops := make([]*mat.Mat, 0, len(bottoms))
	for _, bottom := range bottoms {
		top, err := clone(b, bottom, opt)
		if err != nil {
			releaseAll(tops)
			return nil, err
		}
		tops = append(tops, top)
	}
	if err := ForwardInplaceMulti(l, tops, opt); err != nil {
		releaseAll(tops)
		return nil, err
	}
	return tops, nil
}

// ForwardInplace overwrites m with the output of l.
func ForwardInplace(l Layer, m *mat.Mat, opt option.Option) error {
	b := l.base()
	if err := usable(b); err != nil {
		return err
	}
	f, ok := l.(InplaceForwarder)
	if !ok {
		return unsupported(b, "forward in place")
	}
	return f.ForwardInplace(m, opt)
}

// ForwardInplaceMulti overwrites ms with the outputs of l. A OneBlobOnly
// layer given a single blob takes the ForwardInplace path.
func ForwardInplaceMulti(l Layer, ms []*mat.Mat, opt option.Option) error {
	b := l.base()
	if err := usable(b); err != nil {
		return err
	}
	if b.OneBlobOnly && len(ms) == 1 {
		return ForwardInplace(l, ms[0], opt)
	}
	f, ok := l.(MultiInplaceForwarder)
	if !ok {
		return unsupported(b, "forward in place")
	}
	return f.ForwardInplaceMulti(ms, opt)
}

// ForwardGPU records the device computation of l for bottom on cmd. The
// default allocates an output like bottom from bottom's allocator, records
// a device clone and runs ForwardInplaceGPU on it.
func ForwardGPU(l Layer, bottom *gpu.Mat, cmd *gpu.Compute, opt option.Option) (*gpu.Mat, error) {
	b := l.base()
	if err := usableGPU(b); err != nil {
		return nil, err
	}
	if f, ok := l.(GPUForwarder); ok {
		top, err := f.ForwardGPU(bottom, cmd, opt)
		if err != nil {
			return nil, err
		}
		return top, nil
	}
	if !b.SupportInplace {
		return nil, unsupported(b, "gpu forward")
	}

	top, err := cloneGPU(b, bottom, cmd)
	if err != nil {
		return nil, err
	}
	if err := ForwardInplaceGPU(l, top, cmd, opt); err != nil {
		top.Release()
		return nil, err
	}
	return top, nil
}

// ForwardGPUMulti is the multi-blob form of ForwardGPU.
func ForwardGPUMulti(l Layer, bottoms []*gpu.Mat, cmd *gpu.Compute, opt option.Option) ([]*gpu.Mat, error) {
	b := l.base()
	if err := usableGPU(b); err != nil {
		return nil, err
	}
	if b.OneBlobOnly && len(bottoms) == 1 {
		top, err := ForwardGPU(l, bottoms[0], cmd, opt)
		if err != nil {
			return nil, err
		}
		return []*gpu.Mat{top}, nil
	}
	if f, ok := l.(MultiGPUForwarder); ok {
		tops, err := f.ForwardGPUMulti(bottoms, cmd, opt)
		if err != nil {
			return nil, err
		}
		return tops, nil
	}
	if !b.SupportInplace {
		return nil, unsupported(b, "gpu forward")
	}

	tops := make([]*gpu.Mat, 0, len(bottoms))
	for _, bottom := range bottoms {
		top, err := cloneGPU(b, bottom, cmd)
		if err != nil {
			releaseAllGPU(tops)
			return nil, err
		}
		tops = append(tops, top)
	}
	if err := ForwardInplaceGPUMulti(l, tops, cmd, opt); err != nil {
		releaseAllGPU(tops)
		return nil, err
	}
	return tops, nil
}

// ForwardInplaceGPU records an in-place device computation of l on m.
func ForwardInplaceGPU(l Layer, m *gpu.Mat, cmd *gpu.Compute, opt option.Option) error {
	b := l.base()
	if err := usableGPU(b); err != nil {
		return err
	}
	f, ok := l.(InplaceGPUForwarder)
	if !ok {
		return unsupported(b, "gpu forward in place")
	}
	return f.ForwardInplaceGPU(m, cmd, opt)
}

// ForwardInplaceGPUMulti is the multi-blob form of ForwardInplaceGPU.
func ForwardInplaceGPUMulti(l Layer, ms []*gpu.Mat, cmd *gpu.Compute, opt option.Option) error {
	b := l.base()
	if err := usableGPU(b); err != nil {
		return err
	}
	if b.OneBlobOnly && len(ms) == 1 {
		return ForwardInplaceGPU(l, ms[0], cmd, opt)
	}
	f, ok := l.(MultiInplaceGPUForwarder)
	if !ok {
		return unsupported(b, "gpu forward in place")
	}
	return f.ForwardInplaceGPUMulti(ms, cmd, opt)
}

func usable(b *Base) error {
	if b.state == StateFailed {
		return fmt.Errorf("layer %s: not loaded: %w", b.label(), errs.ErrLoad)
	}
	return nil
}

func usableGPU(b *Base) error {
	if err := usable(b); err != nil {
		return err
	}
	if !b.SupportGPU {
		return unsupported(b, "gpu forward")
	}
	if !b.pipeline.Ready() {
		return fmt.Errorf("layer %s: gpu forward before create pipeline: %w", b.label(), errs.ErrConfig)
	}
	return nil
}

func unsupported(b *Base, op string) error {
	return fmt.Errorf("layer %s: %s: %w", b.label(), op, errs.ErrUnsupported)
}

func clone(b *Base, m *mat.Mat, opt option.Option) (*mat.Mat, error) {
	if m.Empty() {
		return nil, fmt.Errorf("layer %s: empty input: %w", b.label(), errs.ErrAllocation)
	}
	out, err := m.Clone(opt.BlobAllocator)
	if err != nil {
		return nil, fmt.Errorf("layer %s: clone input: %w", b.label(), err)
	}
	return out, nil
}

func cloneGPU(b *Base, m *gpu.Mat, cmd *gpu.Compute) (*gpu.Mat, error) {
	out, err := gpu.NewMatLike(m, nil)
	if err != nil {
		return nil, fmt.Errorf("layer %s: clone input: %w", b.label(), err)
	}
	cmd.RecordPrepareTransferBarrier(m)
	if err := cmd.RecordClone(m, out); err != nil {
		out.Release()
		return nil, fmt.Errorf("layer %s: clone input: %w", b.label(), err)
	}
	return out, nil
}

func releaseAll(ms []*mat.Mat) {
	for _, m := range ms {
		m.Release()
	}
}

func releaseAllGPU(ms []*gpu.Mat) {
	for _, m := range ms {
		m.Release()
	}
}
