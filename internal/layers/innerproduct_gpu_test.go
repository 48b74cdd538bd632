package layers

import (
	"strings"
	"testing"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice() *gpu.Emulator {
	dev := gpu.NewEmulator("emu", [3]uint32{256, 256, 64})
	RegisterKernels(dev)
	return dev
}

// newGPUFC creates, loads and uploads an InnerProduct on dev.
func newGPUFC(t *testing.T, dev *gpu.Emulator, pd *paramdict.ParamDict, weights ...*mat.Mat) layer.Layer {
	t.Helper()
	l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
	require.NoError(t, err)
	require.NoError(t, layer.LoadParam(l, pd))
	require.NoError(t, layer.LoadModel(l, modelbin.FromMats(weights)))
	require.NoError(t, layer.CreatePipeline(l))

	tr := gpu.NewTransfer(dev, dev)
	require.NoError(t, layer.UploadModel(l, tr))
	require.NoError(t, dev.Submit(tr.Commands()))
	assert.Equal(t, layer.StateReady, layer.Info(l).State())
	return l
}

func upload(t *testing.T, dev *gpu.Emulator, values ...float32) *gpu.Mat {
	t.Helper()
	m, err := gpu.NewMat(len(values), 1, 1, 4, dev)
	require.NoError(t, err)
	tr := gpu.NewTransfer(dev, dev)
	require.NoError(t, tr.RecordUpload(m, gpu.Float32ToBytes(values)))
	require.NoError(t, dev.Submit(tr.Commands()))
	return m
}

func TestInnerProductGPU_Forward(t *testing.T) {
	dev := newDevice()
	l := newGPUFC(t, dev, fcParams(3, 1, 6).Build(),
		floats(t, 1, 2, 3, 4, 5, 6),
		floats(t, 0.5, 0.5, 0.5))

	in := upload(t, dev, 10, 10)
	cmd := gpu.NewCompute(dev)
	out, err := layer.ForwardGPU(l, in, cmd, testOption(1))
	require.NoError(t, err)

	cmds := cmd.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, gpu.OpBind, cmds[0].Op)
	assert.Equal(t, gpu.OpDispatch, cmds[1].Op)

	ip := l.(*InnerProduct)
	assert.Equal(t, []*gpu.Mat{in, out, ip.weightGPU, ip.biasGPU}, cmds[0].Bindings)
	assert.Equal(t, [3]uint32{1, 1, 1}, cmds[1].Groups)

	require.NoError(t, dev.Submit(cmds))
	if diff := cmp.Diff([]float32{30.5, 70.5, 110.5}, dev.ReadFloat32(out)); diff != "" {
		t.Errorf("gpu result mismatch (-want +got):\n%s", diff)
	}
}

func TestInnerProductGPU_MatchesHost(t *testing.T) {
	const (
		numOutput = 100
		size      = 24
	)
	dev := newDevice()
	weights := make([]float32, numOutput*size)
	for i := range weights {
		weights[i] = float32(i%7) - 3
	}
	input := make([]float32, size)
	for i := range input {
		input[i] = float32(i%5) * 0.5
	}

	pd := fcParams(numOutput, 0, numOutput*size).MaxWorkgroupSize([3]uint32{64, 1, 1}).Build()
	host := newFC(t, pd, floats(t, weights...))
	want, err := layer.Forward(host, floats(t, input...), testOption(4))
	require.NoError(t, err)

	l := newGPUFC(t, dev, pd, floats(t, weights...))
	assert.Equal(t, [3]uint32{64, 1, 1}, layer.Info(l).Pipeline().LocalSize)

	cmd := gpu.NewCompute(dev)
	out, err := layer.ForwardGPU(l, upload(t, dev, input...), cmd, testOption(1))
	require.NoError(t, err)
	cmds := cmd.Commands()
	assert.Equal(t, [3]uint32{2, 1, 1}, cmds[len(cmds)-1].Groups, "ceil(100/64) workgroups")

	require.NoError(t, dev.Submit(cmds))
	if diff := cmp.Diff(want.Flatten(), dev.ReadFloat32(out)); diff != "" {
		t.Errorf("gpu differs from host (-host +gpu):\n%s", diff)
	}
}

func TestInnerProductGPU_Pipeline(t *testing.T) {
	tests := []struct {
		name      string
		maxGroup  uint32
		numOutput int
		biasTerm  int
		wantLocal uint32
	}{
		{"halved to fit", 256, 3, 1, 2},
		{"exact", 64, 64, 0, 64},
		{"device limit", 32, 1000, 0, 32},
		{"single output", 256, 1, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice()
			pd := fcParams(tt.numOutput, tt.biasTerm, tt.numOutput).
				MaxWorkgroupSize([3]uint32{tt.maxGroup, 1, 1}).
				Build()
			l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
			require.NoError(t, err)
			require.NoError(t, layer.LoadParam(l, pd))
			require.NoError(t, layer.CreatePipeline(l))

			p := layer.Info(l).Pipeline()
			assert.True(t, p.Ready())
			assert.Equal(t, [3]uint32{tt.wantLocal, 1, 1}, p.LocalSize)
			assert.Equal(t, []uint32{uint32(tt.biasTerm)}, p.Specializations)
			assert.Equal(t, 4, p.BindingCount)
			assert.Equal(t, InnerProductShader, p.Name())
		})
	}
}

func TestInnerProductGPU_UploadRecordsBarriers(t *testing.T) {
	dev := newDevice()
	l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
	require.NoError(t, err)
	require.NoError(t, layer.LoadParam(l, fcParams(2, 0, 4).Build()))
	require.NoError(t, layer.LoadModel(l, modelbin.FromMats([]*mat.Mat{floats(t, 1, 2, 3, 4)})))

	tr := gpu.NewTransfer(dev, dev)
	require.NoError(t, layer.UploadModel(l, tr))

	var ops []gpu.Op
	for _, c := range tr.Commands() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []gpu.Op{gpu.OpUpload, gpu.OpUpload, gpu.OpUploadBarrier, gpu.OpUploadBarrier}, ops)
	assert.Equal(t, []float32{0, 0}, gpu.BytesToFloat32(tr.Commands()[1].Data), "zero bias without bias_term")
	assert.Equal(t, 2, dev.Live())
}

func TestInnerProductGPU_DeferredUpload(t *testing.T) {
	dev := newDevice()
	l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
	require.NoError(t, err)
	require.NoError(t, layer.LoadParam(l, fcParams(1, 1, 2).Build()))

	tr := gpu.NewTransfer(dev, dev)
	mb := modelbin.FromMats([]*mat.Mat{floats(t, 1, 1), floats(t, 3)}, modelbin.WithTransfer(tr))
	require.NoError(t, layer.LoadModel(l, mb))
	assert.Len(t, tr.Commands(), 4, "load model records the uploads")

	require.NoError(t, layer.CreatePipeline(l))
	require.NoError(t, dev.Submit(tr.Commands()))

	cmd := gpu.NewCompute(dev)
	out, err := layer.ForwardGPU(l, upload(t, dev, 2, 5), cmd, testOption(1))
	require.NoError(t, err)
	require.NoError(t, dev.Submit(cmd.Commands()))
	assert.Equal(t, []float32{10}, dev.ReadFloat32(out))
}

func TestInnerProductGPU_Errors(t *testing.T) {
	t.Run("forward before create pipeline", func(t *testing.T) {
		dev := newDevice()
		l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
		require.NoError(t, err)
		require.NoError(t, layer.LoadParam(l, fcParams(1, 0, 2).Build()))
		require.NoError(t, layer.LoadModel(l, modelbin.FromMats([]*mat.Mat{floats(t, 1, 1)})))

		out, err := layer.ForwardGPU(l, upload(t, dev, 1, 1), gpu.NewCompute(dev), testOption(1))
		require.ErrorIs(t, err, errs.ErrConfig)
		assert.Nil(t, out)
	})

	t.Run("forward before upload", func(t *testing.T) {
		dev := newDevice()
		l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
		require.NoError(t, err)
		require.NoError(t, layer.LoadParam(l, fcParams(1, 0, 2).Build()))
		require.NoError(t, layer.LoadModel(l, modelbin.FromMats([]*mat.Mat{floats(t, 1, 1)})))
		require.NoError(t, layer.CreatePipeline(l))

		out, err := layer.ForwardGPU(l, upload(t, dev, 1, 1), gpu.NewCompute(dev), testOption(1))
		require.ErrorIs(t, err, errs.ErrConfig)
		assert.Nil(t, out)
	})

	t.Run("int8 pipeline", func(t *testing.T) {
		dev := newDevice()
		l, err := NewRegistry().CreateOnDevice(TypeInnerProduct, dev)
		require.NoError(t, err)
		require.NoError(t, layer.LoadParam(l, int8Params(1, 0, 2)))
		require.NoError(t, layer.LoadModel(l, modelbin.FromMats([]*mat.Mat{floats(t, 1, 1), floats(t, 1), floats(t, 1)})))
		require.ErrorIs(t, layer.CreatePipeline(l), errs.ErrConfig)
	})

	t.Run("input size", func(t *testing.T) {
		dev := newDevice()
		l := newGPUFC(t, dev, fcParams(1, 0, 2).Build(), floats(t, 1, 1))
		out, err := layer.ForwardGPU(l, upload(t, dev, 1, 2, 3), gpu.NewCompute(dev), testOption(1))
		require.ErrorIs(t, err, errs.ErrConfig)
		assert.Nil(t, out)
	})

	t.Run("int8 input", func(t *testing.T) {
		dev := newDevice()
		l := newGPUFC(t, dev, fcParams(1, 0, 2).Build(), floats(t, 1, 1))
		in, err := gpu.NewMat(2, 1, 1, 1, dev)
		require.NoError(t, err)

		cmd := gpu.NewCompute(dev)
		out, err := layer.ForwardGPU(l, in, cmd, testOption(1))
		require.ErrorIs(t, err, errs.ErrConfig)
		assert.Nil(t, out)
		assert.Empty(t, cmd.Commands())
	})

	t.Run("device out of memory", func(t *testing.T) {
		dev := newDevice()
		l := newGPUFC(t, dev, fcParams(2, 0, 4).Build(), floats(t, 1, 2, 3, 4))
		in := upload(t, dev, 1, 1)
		dev.SetCapacity(uint64(4*4 + 2*4 + 2*4)) // weights, bias, input

		out, err := layer.ForwardGPU(l, in, gpu.NewCompute(dev), testOption(1))
		require.ErrorIs(t, err, errs.ErrAllocation)
		assert.Nil(t, out)
	})
}

func TestInnerProductGPU_Destroy(t *testing.T) {
	dev := newDevice()
	l := newGPUFC(t, dev, fcParams(2, 1, 4).Build(), floats(t, 1, 2, 3, 4), floats(t, 0, 0))
	assert.Equal(t, 2, dev.Live())
	assert.Equal(t, 1, dev.Compiled())

	layer.Destroy(l)
	assert.Equal(t, 0, dev.Live())
	assert.Equal(t, 0, dev.Compiled())
}

func TestInnerProductShader(t *testing.T) {
	src := gpu.Specialize(innerProductWGSL, []uint32{1}, [3]uint32{64, 1, 1})

	assert.True(t, strings.HasPrefix(src, "const SPEC_0: u32 = 1u;\n"))
	assert.Contains(t, src, "const LOCAL_SIZE_X: u32 = 64u;")
	assert.Equal(t, 4, strings.Count(src, "@binding("))
	assert.Contains(t, src, "arrayLength(&top)")
}
