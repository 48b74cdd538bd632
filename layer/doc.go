// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layer is the public API of the inference runtime.
//
// # Overview
//
// A network is a list of layers. Each layer is created from a Registry by
// its type index or name, configured from a ParamDict, filled from a
// ModelBin and then run on the host or on a GPU device:
//
//	reg := layer.NewRegistry()
//	fc, err := reg.CreateByName("InnerProduct")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pd := layer.NewParams().
//	    SetInt(layer.InnerProductNumOutput, 10).
//	    SetInt(layer.InnerProductBiasTerm, 1).
//	    SetInt(layer.InnerProductWeightDataSize, 10*784).
//	    Build()
//	if err := layer.LoadParam(fc, pd); err != nil {
//	    log.Fatal(err)
//	}
//
//	f, _ := os.Open("model.bin")
//	if err := layer.LoadModel(fc, layer.ModelFromReader(f)); err != nil {
//	    log.Fatal(err)
//	}
//
//	out, err := layer.Forward(fc, in, layer.DefaultOption())
//
// # Capabilities
//
// Layers implement only the forward variants they support. The package
// level Forward, ForwardInplace and their multi-blob and GPU forms fall
// back to a clone-then-mutate default and report ErrUnsupported when a
// layer has neither form.
//
// # GPU
//
// A layer created with CreateOnDevice owns one pipeline on that device.
// CreatePipeline compiles it, UploadModel records the weight uploads and
// ForwardGPU records the compute work on a Compute recorder that the
// caller submits:
//
//	dev := layer.NewEmulator()
//	fc, _ := reg.CreateOnDeviceByName("InnerProduct", dev)
//	// load param and model as above
//	_ = layer.CreatePipeline(fc)
//	t := layer.NewTransfer(dev, dev)
//	_ = layer.UploadModel(fc, t)
//	_ = dev.Submit(t.Commands())
//
// # Errors
//
// Every error wraps one of ErrConfig, ErrLoad, ErrUnsupported,
// ErrAllocation or ErrNotFound. Use errors.Is or ErrorKind to classify.
package layer
