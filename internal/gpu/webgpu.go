//go:build windows

package gpu

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/born-ml/infer/internal/errs"
	"github.com/go-webgpu/webgpu/wgpu"
)

// storageUsage is the usage every tensor buffer is created with: bound as a
// storage buffer, and both source and target of copies (clone, upload,
// readback).
const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// WebGPU is a Device backed by go-webgpu. It is also an Allocator (pooled
// storage buffers) and a Submitter replaying recorded commands into a command
// encoder.
type WebGPU struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	adapterInfo *wgpu.AdapterInfo
	maxGroup    [3]uint32

	mu   sync.Mutex
	pool map[uint64][]*wgpu.Buffer
}

type webgpuBuffer struct {
	buf  *wgpu.Buffer
	size uint64
}

func (b *webgpuBuffer) Size() uint64 {
	return b.size
}

type webgpuPipeline struct {
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (p *webgpuPipeline) Release() {
	p.pipeline.Release()
	p.shader.Release()
}

// NewWebGPU acquires the high-performance adapter and its default queue.
// Returns an error if WebGPU is not available.
func NewWebGPU() (dev *WebGPU, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("gpu: webgpu native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("gpu: request adapter: %w", err)
	}
	adapterInfo := adapter.GetInfo()

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("gpu: request device: %w", err)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("gpu: failed to get queue")
	}

	return &WebGPU{
		instance:    instance,
		adapter:     adapter,
		device:      device,
		queue:       queue,
		adapterInfo: &adapterInfo,
		// WebGPU guaranteed minimums for maxComputeWorkgroupSize{X,Y,Z}.
		maxGroup: [3]uint32{256, 256, 64},
		pool:     make(map[uint64][]*wgpu.Buffer),
	}, nil
}

// IsWebGPUAvailable reports whether an adapter can be acquired.
func IsWebGPUAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the adapter name.
func (w *WebGPU) Name() string {
	if w.adapterInfo != nil {
		return fmt.Sprintf("WebGPU (%s %s)", w.adapterInfo.Name, w.adapterInfo.VendorName)
	}
	return "WebGPU"
}

// MaxWorkgroupSize returns the workgroup limits.
func (w *WebGPU) MaxWorkgroupSize() [3]uint32 {
	return w.maxGroup
}

// CreatePipeline compiles desc.Source with its specializations substituted.
func (w *WebGPU) CreatePipeline(desc *PipelineDesc) (PipelineHandle, error) {
	source := Specialize(desc.Source, desc.Specializations, desc.LocalSize)
	shader := w.device.CreateShaderModuleWGSL(source)
	if shader == nil {
		return nil, fmt.Errorf("gpu: compile %s: %w", desc.Name, errs.ErrConfig)
	}
	pipeline := w.device.CreateComputePipelineSimple(nil, shader, "main")
	if pipeline == nil {
		shader.Release()
		return nil, fmt.Errorf("gpu: create pipeline %s: %w", desc.Name, errs.ErrConfig)
	}
	return &webgpuPipeline{shader: shader, pipeline: pipeline}, nil
}

// Alloc returns a storage buffer of size bytes, reusing a freed one of the
// same size when available.
func (w *WebGPU) Alloc(size uint64) (Buffer, error) {
	// Zero-sized bindings are invalid in WebGPU.
	size = max((size+3)&^3, 4)

	w.mu.Lock()
	if free := w.pool[size]; len(free) > 0 {
		buf := free[len(free)-1]
		w.pool[size] = free[:len(free)-1]
		w.mu.Unlock()
		return &webgpuBuffer{buf: buf, size: size}, nil
	}
	w.mu.Unlock()

	buf := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: storageUsage,
		Size:  size,
	})
	if buf == nil {
		return nil, fmt.Errorf("gpu: webgpu buffer of %d bytes: %w", size, errs.ErrAllocation)
	}
	return &webgpuBuffer{buf: buf, size: size}, nil
}

// Free returns b to the pool.
func (w *WebGPU) Free(b Buffer) {
	wb := b.(*webgpuBuffer)
	w.mu.Lock()
	w.pool[wb.size] = append(w.pool[wb.size], wb.buf)
	w.mu.Unlock()
}

// Submit encodes cmds into one command buffer and submits it. WebGPU orders
// passes within a submission, so barrier commands need no encoding; each
// dispatch gets its own compute pass.
func (w *WebGPU) Submit(cmds []Command) error {
	encoder := w.device.CreateCommandEncoder(nil)
	var staging []*wgpu.Buffer
	var groups []*wgpu.BindGroup
	defer func() {
		for _, s := range staging {
			s.Release()
		}
		for _, g := range groups {
			g.Release()
		}
	}()

	for _, cmd := range cmds {
		switch cmd.Op {
		case OpUpload:
			src := w.createMapped(cmd.Data)
			staging = append(staging, src)
			encoder.CopyBufferToBuffer(src, 0, raw(cmd.Dst), 0, uint64(len(cmd.Data)))
		case OpClone:
			//nolint:gosec // G115: ByteSize is non-negative
			encoder.CopyBufferToBuffer(raw(cmd.Src), 0, raw(cmd.Dst), 0, uint64(cmd.Src.ByteSize()))
		case OpDispatch:
			p, ok := cmd.Pipeline.Handle().(*webgpuPipeline)
			if !ok {
				return fmt.Errorf("gpu: pipeline %s was not created on webgpu: %w", cmd.Pipeline.Name(), errs.ErrConfig)
			}
			entries := make([]wgpu.BindGroupEntry, len(cmd.Bindings))
			for i, b := range cmd.Bindings {
				//nolint:gosec // G115: binding index and size are non-negative
				entries[i] = wgpu.BufferBindingEntry(uint32(i), raw(b), 0, b.Buffer().Size())
			}
			bindGroup := w.device.CreateBindGroupSimple(p.pipeline.GetBindGroupLayout(0), entries)
			groups = append(groups, bindGroup)

			pass := encoder.BeginComputePass(nil)
			pass.SetPipeline(p.pipeline)
			pass.SetBindGroup(0, bindGroup, nil)
			pass.DispatchWorkgroups(cmd.Groups[0], cmd.Groups[1], cmd.Groups[2])
			pass.End()
		}
	}

	w.queue.Submit(encoder.Finish(nil))
	return nil
}

// Read copies the contents of m back to host memory, blocking until the
// device has finished every submitted command.
func (w *WebGPU) Read(m *Mat) ([]byte, error) {
	//nolint:gosec // G115: ByteSize is non-negative
	size := uint64(m.ByteSize())
	stagingBuffer := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  m.Buffer().Size(),
	})
	defer stagingBuffer.Release()

	encoder := w.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(raw(m), 0, stagingBuffer, 0, m.Buffer().Size())
	w.queue.Submit(encoder.Finish(nil))

	if err := stagingBuffer.MapAsync(w.device, wgpu.MapModeRead, 0, m.Buffer().Size()); err != nil {
		return nil, fmt.Errorf("gpu: map staging buffer: %w", err)
	}
	mappedPtr := stagingBuffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mapped)
	stagingBuffer.Unmap()

	return result, nil
}

// Release drops pooled buffers and every WebGPU object.
func (w *WebGPU) Release() {
	w.mu.Lock()
	for _, free := range w.pool {
		for _, b := range free {
			b.Release()
		}
	}
	w.pool = nil
	w.mu.Unlock()

	if w.queue != nil {
		w.queue.Release()
		w.queue = nil
	}
	if w.device != nil {
		w.device.Release()
		w.device = nil
	}
	if w.adapter != nil {
		w.adapter.Release()
		w.adapter = nil
	}
	if w.instance != nil {
		w.instance.Release()
		w.instance = nil
	}
}

// createMapped creates a copy-source buffer initialized with data.
func (w *WebGPU) createMapped(data []byte) *wgpu.Buffer {
	size := max((uint64(len(data))+3)&^3, 4)
	buffer := w.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), size), data)
	buffer.Unmap()
	return buffer
}

func raw(m *Mat) *wgpu.Buffer {
	return m.Buffer().(*webgpuBuffer).buf
}
