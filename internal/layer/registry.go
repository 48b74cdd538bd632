package layer

import (
	"fmt"
	"sync"

	"github.com/born-ml/infer/internal/errs"
	"github.com/born-ml/infer/internal/gpu"
)

// Constructor returns a fresh layer instance. Instances never share state.
type Constructor func() Layer

// Entry is one registered layer type. New is nil for types that are known
// by name but not built into this runtime.
type Entry struct {
	Name  string
	Index int
	New   Constructor
}

// Registry maps layer type names to constructors. The index of a type is
// its registration position, so the table is append-only.
//
// Registration happens once during start-up and ends with Seal; lookups
// and creation are safe for concurrent use afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a layer type and returns its index. Registering after
// Seal or registering a name twice panics.
func (r *Registry) Register(name string, ctor Constructor) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		panic(fmt.Sprintf("layer: register %q on a sealed registry", name))
	}
	for _, e := range r.entries {
		if e.Name == name {
			panic(fmt.Sprintf("layer: type %q registered twice", name))
		}
	}
	index := len(r.entries)
	r.entries = append(r.entries, Entry{Name: name, Index: index, New: ctor})
	return index
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IndexOf returns the index of the named type, or -1.
func (r *Registry) IndexOf(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, e := range r.entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}

// Entries returns a copy of the type table in index order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.entries...)
}

// Create builds a new layer of the type at index. It fails with
// ErrNotFound when the index is out of range or the type has no
// constructor.
func (r *Registry) Create(index int) (Layer, error) {
	r.mu.RLock()
	if index < 0 || index >= len(r.entries) {
		n := len(r.entries)
		r.mu.RUnlock()
		return nil, fmt.Errorf("layer: index %d of %d: %w", index, n, errs.ErrNotFound)
	}
	e := r.entries[index]
	r.mu.RUnlock()

	if e.New == nil {
		return nil, fmt.Errorf("layer: type %s is not built in: %w", e.Name, errs.ErrNotFound)
	}
	l := e.New()
	if l == nil {
		return nil, fmt.Errorf("layer: constructor of %s returned nil: %w", e.Name, errs.ErrNotFound)
	}

	b := l.base()
	b.index = index
	if b.Type == "" {
		b.Type = e.Name
	}
	return l, nil
}

// CreateByName builds a new layer of the named type.
func (r *Registry) CreateByName(name string) (Layer, error) {
	index := r.IndexOf(name)
	if index < 0 {
		return nil, fmt.Errorf("layer: unknown type %q: %w", name, errs.ErrNotFound)
	}
	return r.Create(index)
}

// CreateOnDevice builds a new layer of the type at index, bound to dev
// with an unbuilt pipeline. CreatePipeline must succeed before the first
// GPU forward.
func (r *Registry) CreateOnDevice(index int, dev gpu.Device) (Layer, error) {
	l, err := r.Create(index)
	if err != nil {
		return nil, err
	}
	Bind(l, dev)
	return l, nil
}

// CreateOnDeviceByName is CreateOnDevice for a type name.
func (r *Registry) CreateOnDeviceByName(name string, dev gpu.Device) (Layer, error) {
	l, err := r.CreateByName(name)
	if err != nil {
		return nil, err
	}
	Bind(l, dev)
	return l, nil
}
