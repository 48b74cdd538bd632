package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
	"github.com/born-ml/infer/internal/layer"
	"github.com/born-ml/infer/internal/layers"
	"github.com/born-ml/infer/internal/mat"
	"github.com/born-ml/infer/internal/modelbin"
	"github.com/born-ml/infer/internal/option"
	"github.com/born-ml/infer/internal/paramdict"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type benchFlags struct {
	config     string
	threads    int
	numOutput  int
	size       int
	iterations int
	int8       bool
	gpu        bool
	seed       uint64
}

func newBenchCmd() *cobra.Command {
	var f benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time InnerProduct forward passes on random weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opt, err := benchOption(cmd, f)
			if err != nil {
				return err
			}
			var elapsed time.Duration
			if f.gpu {
				elapsed, err = benchGPU(f, opt)
			} else {
				elapsed, err = benchHost(f, opt)
			}
			if err != nil {
				return err
			}
			mode := "float32"
			switch {
			case f.gpu:
				mode = "gpu-emulator"
			case f.int8:
				mode = "int8"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "innerproduct %dx%d %s threads=%d: %v/op over %d iterations\n",
				f.numOutput, f.size, mode, opt.NumThreads, elapsed/time.Duration(f.iterations), f.iterations)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "YAML option file")
	fl.IntVarP(&f.threads, "threads", "t", 0, "worker threads (0 keeps the configured value)")
	fl.IntVar(&f.numOutput, "num-output", 1000, "outputs of the layer")
	fl.IntVar(&f.size, "size", 1024, "input elements")
	fl.IntVarP(&f.iterations, "iterations", "n", 100, "forward passes to time")
	fl.BoolVar(&f.int8, "int8", false, "quantize weights and run int8 inference")
	fl.BoolVar(&f.gpu, "gpu", false, "run on the host GPU emulator")
	fl.Uint64Var(&f.seed, "seed", 1, "weight generator seed")
	return cmd
}

// benchOption layers the option sources: built-in defaults, the config
// file, the environment, then explicit flags.
func benchOption(cmd *cobra.Command, f benchFlags) (option.Option, error) {
	if f.numOutput <= 0 || f.size <= 0 || f.iterations <= 0 {
		return option.Option{}, fmt.Errorf("bench: num-output, size and iterations must be positive: %w", errs.ErrConfig)
	}
	if f.gpu && f.int8 {
		return option.Option{}, fmt.Errorf("bench: int8 inference has no gpu path: %w", errs.ErrConfig)
	}

	opt := option.New()
	var err error
	if f.config != "" {
		if opt, err = option.LoadFile(f.config, opt); err != nil {
			return option.Option{}, err
		}
	}
	if opt, err = option.FromEnv(opt); err != nil {
		return option.Option{}, err
	}
	if cmd.Flags().Changed("threads") {
		opt.NumThreads = f.threads
	}
	if err := option.SetDefault(opt); err != nil {
		return option.Option{}, err
	}
	return opt, nil
}

func benchParams(f benchFlags, maxGroup [3]uint32) *paramdict.ParamDict {
	b := paramdict.NewBuilder().
		SetInt(0, f.numOutput).
		SetInt(1, 1).
		SetInt(2, f.numOutput*f.size).
		MaxWorkgroupSize(maxGroup)
	if f.int8 {
		b.SetInt(8, 1).UseInt8Inference(true)
	}
	return b.Build()
}

func benchWeights(f benchFlags) ([]*mat.Mat, *mat.Mat, error) {
	rng := rand.New(rand.NewPCG(f.seed, f.seed))
	random := func(n int) (*mat.Mat, error) {
		values := make([]float32, n)
		for i := range values {
			values[i] = rng.Float32()*2 - 1
		}
		return mat.FromFloat32(values, n, 1, 1, nil)
	}

	var weights []*mat.Mat
	for _, n := range []int{f.numOutput * f.size, f.numOutput} {
		m, err := random(n)
		if err != nil {
			return nil, nil, err
		}
		weights = append(weights, m)
	}
	if f.int8 {
		// Inputs and weights both lie in [-1, 1].
		for _, s := range []float32{127, 127} {
			m, err := mat.FromFloat32([]float32{s}, 1, 1, 1, nil)
			if err != nil {
				return nil, nil, err
			}
			weights = append(weights, m)
		}
	}
	in, err := random(f.size)
	if err != nil {
		return nil, nil, err
	}
	return weights, in, nil
}

func benchHost(f benchFlags, opt option.Option) (time.Duration, error) {
	weights, in, err := benchWeights(f)
	if err != nil {
		return 0, err
	}
	defer in.Release()

	l, err := layers.NewRegistry().Create(layers.TypeInnerProduct)
	if err != nil {
		return 0, err
	}
	defer layer.Destroy(l)
	if err := layer.LoadParam(l, benchParams(f, [3]uint32{})); err != nil {
		return 0, err
	}
	if err := layer.LoadModel(l, modelbin.FromMats(weights)); err != nil {
		return 0, err
	}

	pool := mat.NewPoolAllocator()
	opt.BlobAllocator = pool
	opt.WorkspaceAllocator = pool

	start := time.Now()
	for range f.iterations {
		out, err := layer.Forward(l, in, opt)
		if err != nil {
			return 0, err
		}
		out.Release()
	}
	elapsed := time.Since(start)
	klog.V(2).InfoS("Host bench done", "iterations", f.iterations, "elapsed", elapsed)
	return elapsed, nil
}

func benchGPU(f benchFlags, opt option.Option) (time.Duration, error) {
	weights, in, err := benchWeights(f)
	if err != nil {
		return 0, err
	}
	defer in.Release()

	dev := gpu.NewEmulator("emulator", [3]uint32{256, 256, 64})
	layers.RegisterKernels(dev)

	l, err := layers.NewRegistry().CreateOnDevice(layers.TypeInnerProduct, dev)
	if err != nil {
		return 0, err
	}
	defer layer.Destroy(l)
	if err := layer.LoadParam(l, benchParams(f, dev.MaxWorkgroupSize())); err != nil {
		return 0, err
	}
	if err := layer.LoadModel(l, modelbin.FromMats(weights)); err != nil {
		return 0, err
	}
	if err := layer.CreatePipeline(l); err != nil {
		return 0, err
	}

	up := gpu.NewTransfer(dev, dev)
	if err := layer.UploadModel(l, up); err != nil {
		return 0, err
	}
	bottom, err := gpu.NewMat(f.size, 1, 1, 4, dev)
	if err != nil {
		return 0, err
	}
	defer bottom.Release()
	if err := up.RecordUpload(bottom, gpu.Float32ToBytes(in.Flatten())); err != nil {
		return 0, err
	}
	if err := dev.Submit(up.Commands()); err != nil {
		return 0, err
	}

	opt.BlobGPUAllocator = dev
	cmd := gpu.NewCompute(dev)
	start := time.Now()
	for range f.iterations {
		top, err := layer.ForwardGPU(l, bottom, cmd, opt)
		if err != nil {
			return 0, err
		}
		if err := dev.Submit(cmd.Commands()); err != nil {
			return 0, err
		}
		top.Release()
		cmd.Reset()
	}
	elapsed := time.Since(start)
	klog.V(2).InfoS("Device bench done", "device", dev.Name(), "iterations", f.iterations, "elapsed", elapsed)
	return elapsed, nil
}
