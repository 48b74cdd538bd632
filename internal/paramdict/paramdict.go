// Package paramdict holds the per-layer scalar and array parameters read from
// a network description, keyed by small integer ids.
package paramdict

import "maps"

// kind is the stored type of a parameter.
type kind int

const (
	kindInt kind = iota + 1
	kindFloat
	kindInts
	kindFloats
)

type value struct {
	kind   kind
	i      int
	f      float32
	ints   []int
	floats []float32
}

// ParamDict is a read-only id to value map. Lookups of a missing id, or of an
// id stored with a different type, return the caller's default.
// The zero value is an empty dictionary.
type ParamDict struct {
	values map[int]value

	// UseInt8Inference lets layers with quantization scales run int8 kernels.
	UseInt8Inference bool
	// MaxWorkgroupSize is the device limit the loader saw, used by layers
	// that size their own workgroups.
	MaxWorkgroupSize [3]uint32
}

// GetInt returns the int parameter id, or def.
func (pd *ParamDict) GetInt(id, def int) int {
	if v, ok := pd.lookup(id, kindInt); ok {
		return v.i
	}
	return def
}

// GetFloat returns the float parameter id, or def.
func (pd *ParamDict) GetFloat(id int, def float32) float32 {
	if v, ok := pd.lookup(id, kindFloat); ok {
		return v.f
	}
	return def
}

// GetInts returns a copy of the int array parameter id, or def.
func (pd *ParamDict) GetInts(id int, def []int) []int {
	if v, ok := pd.lookup(id, kindInts); ok {
		return append([]int(nil), v.ints...)
	}
	return def
}

// GetFloats returns a copy of the float array parameter id, or def.
func (pd *ParamDict) GetFloats(id int, def []float32) []float32 {
	if v, ok := pd.lookup(id, kindFloats); ok {
		return append([]float32(nil), v.floats...)
	}
	return def
}

// Has reports whether id is set, whatever its type.
func (pd *ParamDict) Has(id int) bool {
	if pd == nil {
		return false
	}
	_, ok := pd.values[id]
	return ok
}

// Len returns the number of stored parameters.
func (pd *ParamDict) Len() int {
	if pd == nil {
		return 0
	}
	return len(pd.values)
}

func (pd *ParamDict) lookup(id int, k kind) (value, bool) {
	if pd == nil {
		return value{}, false
	}
	v, ok := pd.values[id]
	if !ok || v.kind != k {
		return value{}, false
	}
	return v, true
}

// Builder assembles a ParamDict. Later Set calls on the same id win.
type Builder struct {
	values map[int]value

	useInt8  bool
	maxGroup [3]uint32
}

// NewBuilder returns an empty builder. The workgroup limit defaults to
// 256×256×64, the WebGPU baseline.
func NewBuilder() *Builder {
	return &Builder{
		values:   make(map[int]value),
		maxGroup: [3]uint32{256, 256, 64},
	}
}

// SetInt stores an int parameter.
func (b *Builder) SetInt(id, v int) *Builder {
	b.values[id] = value{kind: kindInt, i: v}
	return b
}

// SetFloat stores a float parameter.
func (b *Builder) SetFloat(id int, v float32) *Builder {
	b.values[id] = value{kind: kindFloat, f: v}
	return b
}

// SetInts stores a copy of an int array parameter.
func (b *Builder) SetInts(id int, v []int) *Builder {
	b.values[id] = value{kind: kindInts, ints: append([]int(nil), v...)}
	return b
}

// SetFloats stores a copy of a float array parameter.
func (b *Builder) SetFloats(id int, v []float32) *Builder {
	b.values[id] = value{kind: kindFloats, floats: append([]float32(nil), v...)}
	return b
}

// UseInt8Inference sets the int8 inference hint.
func (b *Builder) UseInt8Inference(on bool) *Builder {
	b.useInt8 = on
	return b
}

// MaxWorkgroupSize sets the device workgroup limit hint.
func (b *Builder) MaxWorkgroupSize(size [3]uint32) *Builder {
	b.maxGroup = size
	return b
}

// Build returns an immutable snapshot; the builder may keep being used.
func (b *Builder) Build() *ParamDict {
	return &ParamDict{
		values:           maps.Clone(b.values),
		UseInt8Inference: b.useInt8,
		MaxWorkgroupSize: b.maxGroup,
	}
}
