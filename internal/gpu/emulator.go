package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/born-ml/infer/internal/errs"
)

// Kernel is the host implementation of a shader, used by the Emulator.
// bindings holds the byte contents of each bound buffer in slot order.
type Kernel func(bindings [][]byte, specializations []uint32, groups, local [3]uint32)

// Emulator is a host-memory Device. It allocates buffers in RAM, executes
// uploads and clones directly, and runs dispatches through registered host
// kernels. It backs the GPU paths on machines without an adapter.
type Emulator struct {
	name     string
	maxGroup [3]uint32

	mu        sync.Mutex
	kernels   map[string]Kernel
	live      int
	liveBytes uint64
	maxBytes  uint64
	compiled  int
}

type emuBuffer struct {
	data []byte
}

func (b *emuBuffer) Size() uint64 {
	return uint64(len(b.data))
}

type emuPipeline struct {
	e *Emulator
}

func (p *emuPipeline) Release() {
	p.e.mu.Lock()
	p.e.compiled--
	p.e.mu.Unlock()
}

// NewEmulator creates an emulated device with the given workgroup limits.
func NewEmulator(name string, maxWorkgroupSize [3]uint32) *Emulator {
	return &Emulator{
		name:     name,
		maxGroup: maxWorkgroupSize,
		kernels:  make(map[string]Kernel),
	}
}

// Name returns the device name.
func (e *Emulator) Name() string {
	return e.name
}

// MaxWorkgroupSize returns the configured limits.
func (e *Emulator) MaxWorkgroupSize() [3]uint32 {
	return e.maxGroup
}

// SetCapacity caps the bytes that may be allocated at once; 0 means unlimited.
func (e *Emulator) SetCapacity(bytes uint64) {
	e.mu.Lock()
	e.maxBytes = bytes
	e.mu.Unlock()
}

// RegisterKernel installs the host implementation of the named shader.
func (e *Emulator) RegisterKernel(name string, k Kernel) {
	e.mu.Lock()
	e.kernels[name] = k
	e.mu.Unlock()
}

// Alloc allocates a zeroed host buffer.
func (e *Emulator) Alloc(size uint64) (Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.maxBytes > 0 && e.liveBytes+size > e.maxBytes {
		return nil, fmt.Errorf("gpu: emulator out of memory (%d of %d bytes in use): %w",
			e.liveBytes, e.maxBytes, errs.ErrAllocation)
	}
	e.live++
	e.liveBytes += size
	return &emuBuffer{data: make([]byte, size)}, nil
}

// Free releases a buffer obtained from Alloc.
func (e *Emulator) Free(b Buffer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live--
	e.liveBytes -= b.Size()
}

// Live returns the number of outstanding buffers.
func (e *Emulator) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// Compiled returns the number of pipelines created and not yet released.
func (e *Emulator) Compiled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiled
}

// CreatePipeline accepts any source; execution is delegated to the kernel
// registered under desc.Name at submit time.
func (e *Emulator) CreatePipeline(desc *PipelineDesc) (PipelineHandle, error) {
	if desc.BindingCount <= 0 {
		return nil, fmt.Errorf("gpu: pipeline %s without bindings: %w", desc.Name, errs.ErrConfig)
	}
	e.mu.Lock()
	e.compiled++
	e.mu.Unlock()
	return &emuPipeline{e: e}, nil
}

// Submit executes cmds in order. Barriers are no-ops on the host.
func (e *Emulator) Submit(cmds []Command) error {
	for i, cmd := range cmds {
		switch cmd.Op {
		case OpUpload:
			copy(e.bytes(cmd.Dst), cmd.Data)
		case OpClone:
			copy(e.bytes(cmd.Dst), e.bytes(cmd.Src))
		case OpDispatch:
			e.mu.Lock()
			k, ok := e.kernels[cmd.Pipeline.Name()]
			e.mu.Unlock()
			if !ok {
				return fmt.Errorf("gpu: command %d: no kernel for %s: %w", i, cmd.Pipeline.Name(), errs.ErrUnsupported)
			}
			bindings := make([][]byte, len(cmd.Bindings))
			for j, b := range cmd.Bindings {
				bindings[j] = e.bytes(b)
			}
			k(bindings, cmd.Pipeline.Specializations, cmd.Groups, cmd.Pipeline.LocalSize)
		}
	}
	return nil
}

// Read copies the contents of m back to the host.
func (e *Emulator) Read(m *Mat) []byte {
	return append([]byte(nil), e.bytes(m)...)
}

// ReadFloat32 copies the contents of a float32 Mat back to the host.
func (e *Emulator) ReadFloat32(m *Mat) []float32 {
	return BytesToFloat32(e.bytes(m))
}

func (e *Emulator) bytes(m *Mat) []byte {
	b, ok := m.Buffer().(*emuBuffer)
	if !ok {
		panic(fmt.Sprintf("gpu: buffer %T does not belong to the emulator", m.Buffer()))
	}
	return b.data
}

// Float32ToBytes encodes values little-endian, the device byte order.
func Float32ToBytes(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// BytesToFloat32 decodes little-endian float32 values.
func BytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}
