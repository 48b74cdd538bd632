package gpu

import (
	"fmt"

	"github.com/born-ml/infer/internal/errs"
)

// Op identifies a recorded command.
type Op int

// Recorded operations.
const (
	OpUpload Op = iota
	OpUploadBarrier
	OpTransferBarrier
	OpClone
	OpReadBarrier
	OpBind
	OpDispatch
)

// String returns a human-readable op name.
func (o Op) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpUploadBarrier:
		return "upload-barrier"
	case OpTransferBarrier:
		return "transfer-barrier"
	case OpClone:
		return "clone"
	case OpReadBarrier:
		return "read-barrier"
	case OpBind:
		return "bind"
	case OpDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// Command is one recorded operation. Which fields are set depends on Op:
//
//	OpUpload          Dst, Data
//	OpUploadBarrier   Dst
//	OpTransferBarrier Src
//	OpClone           Src, Dst
//	OpReadBarrier     Src
//	OpBind            Pipeline, Bindings
//	OpDispatch        Pipeline, Bindings, Groups
type Command struct {
	Op       Op
	Src, Dst *Mat
	Data     []byte
	Pipeline *Pipeline
	Bindings []*Mat
	Groups   [3]uint32
}

// Compute records compute work for later submission. Commands execute in the
// order they were recorded. The recorder tracks buffers written by earlier
// commands and inserts a read barrier before the first later command that
// reads one of them.
//
// A Compute is not safe for concurrent use; each forward call stream owns one.
type Compute struct {
	dev   Device
	cmds  []Command
	dirty map[Buffer]struct{}
	bound map[*Pipeline][]*Mat
}

// NewCompute opens a command recorder for dev.
func NewCompute(dev Device) *Compute {
	return &Compute{
		dev:   dev,
		dirty: make(map[Buffer]struct{}),
		bound: make(map[*Pipeline][]*Mat),
	}
}

// Device returns the device the recorder targets.
func (c *Compute) Device() Device {
	return c.dev
}

// RecordPrepareTransferBarrier makes prior writes to m visible to transfers.
func (c *Compute) RecordPrepareTransferBarrier(m *Mat) {
	c.cmds = append(c.cmds, Command{Op: OpTransferBarrier, Src: m})
	delete(c.dirty, m.Buffer())
}

// RecordClone copies src into dst on the device.
func (c *Compute) RecordClone(src, dst *Mat) error {
	if src.Empty() || dst.Empty() {
		return fmt.Errorf("gpu: clone with empty mat: %w", errs.ErrAllocation)
	}
	if src.ByteSize() != dst.ByteSize() {
		return fmt.Errorf("gpu: clone %d bytes into %d: %w", src.ByteSize(), dst.ByteSize(), errs.ErrConfig)
	}
	c.readBarrier(src)
	c.cmds = append(c.cmds, Command{Op: OpClone, Src: src, Dst: dst})
	c.dirty[dst.Buffer()] = struct{}{}
	return nil
}

// RecordBindings updates the descriptor set of p with bindings, in slot order.
func (c *Compute) RecordBindings(p *Pipeline, bindings []*Mat) error {
	if !p.Ready() {
		return fmt.Errorf("gpu: bind on pipeline that was not created: %w", errs.ErrConfig)
	}
	if len(bindings) != p.BindingCount {
		return fmt.Errorf("gpu: pipeline %s takes %d bindings, got %d: %w",
			p.Name(), p.BindingCount, len(bindings), errs.ErrConfig)
	}
	for i, b := range bindings {
		if b.Empty() {
			return fmt.Errorf("gpu: pipeline %s binding %d is empty: %w", p.Name(), i, errs.ErrAllocation)
		}
		c.readBarrier(b)
	}

	bound := append([]*Mat(nil), bindings...)
	c.cmds = append(c.cmds, Command{Op: OpBind, Pipeline: p, Bindings: bound})
	c.bound[p] = bound
	return nil
}

// RecordDispatch records a dispatch of p over groups workgroups using the
// descriptor set from the most recent RecordBindings for p.
func (c *Compute) RecordDispatch(p *Pipeline, groups [3]uint32) error {
	bindings, ok := c.bound[p]
	if !ok {
		return fmt.Errorf("gpu: dispatch of %s without bindings: %w", p.Name(), errs.ErrConfig)
	}
	c.cmds = append(c.cmds, Command{Op: OpDispatch, Pipeline: p, Bindings: bindings, Groups: groups})
	for _, w := range p.Writes {
		c.dirty[bindings[w].Buffer()] = struct{}{}
	}
	return nil
}

// Commands returns the recorded commands in insertion order.
func (c *Compute) Commands() []Command {
	return append([]Command(nil), c.cmds...)
}

// Reset discards every recorded command.
func (c *Compute) Reset() {
	c.cmds = c.cmds[:0]
	clear(c.dirty)
	clear(c.bound)
}

func (c *Compute) readBarrier(m *Mat) {
	if _, ok := c.dirty[m.Buffer()]; !ok {
		return
	}
	c.cmds = append(c.cmds, Command{Op: OpReadBarrier, Src: m})
	delete(c.dirty, m.Buffer())
}

// Transfer records host-to-device uploads of layer weights.
type Transfer struct {
	dev         Device
	weightAlloc Allocator
	cmds        []Command
}

// NewTransfer opens an upload recorder; weight buffers are allocated from
// weightAlloc.
func NewTransfer(dev Device, weightAlloc Allocator) *Transfer {
	return &Transfer{dev: dev, weightAlloc: weightAlloc}
}

// Device returns the device the recorder targets.
func (t *Transfer) Device() Device {
	return t.dev
}

// WeightAllocator returns the allocator for weight buffers.
func (t *Transfer) WeightAllocator() Allocator {
	return t.weightAlloc
}

// RecordUpload copies data into dst. The data is copied at record time, so
// the caller may reuse its slice.
func (t *Transfer) RecordUpload(dst *Mat, data []byte) error {
	if dst.Empty() {
		return fmt.Errorf("gpu: upload into empty mat: %w", errs.ErrAllocation)
	}
	if len(data) != dst.ByteSize() {
		return fmt.Errorf("gpu: upload %d bytes into %d: %w", len(data), dst.ByteSize(), errs.ErrConfig)
	}
	t.cmds = append(t.cmds, Command{Op: OpUpload, Dst: dst, Data: append([]byte(nil), data...)})
	return nil
}

// RecordUploadBarrier makes a finished upload visible to compute work.
func (t *Transfer) RecordUploadBarrier(m *Mat) {
	t.cmds = append(t.cmds, Command{Op: OpUploadBarrier, Dst: m})
}

// Commands returns the recorded commands in insertion order.
func (t *Transfer) Commands() []Command {
	return append([]Command(nil), t.cmds...)
}
