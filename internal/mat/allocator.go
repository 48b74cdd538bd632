package mat

import (
	"fmt"
	"sync"

	"github.com/born-ml/infer/internal/errs"
)

// Allocator hands out host storage for Mats.
// Implementations must be safe for concurrent use: one allocator is typically
// shared by every layer of a network and by overlapping forward calls.
type Allocator interface {
	// FastMalloc returns a zeroed buffer of exactly size bytes.
	FastMalloc(size int) ([]byte, error)
	// FastFree returns a buffer previously obtained from FastMalloc.
	FastFree(buf []byte)
}

type heapAllocator struct{}

func (heapAllocator) FastMalloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("mat: negative allocation size %d: %w", size, errs.ErrAllocation)
	}
	return make([]byte, size), nil
}

func (heapAllocator) FastFree([]byte) {}

var heap Allocator = heapAllocator{}

// Heap returns the shared garbage-collected allocator used when an Option
// carries no explicit allocator.
func Heap() Allocator {
	return heap
}

// orHeap substitutes the heap allocator for nil.
func orHeap(a Allocator) Allocator {
	if a == nil {
		return heap
	}
	return a
}

// sizeClass represents the bucket a pooled buffer belongs to.
type sizeClass int

const (
	smallClass sizeClass = iota
	mediumClass
	largeClass
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // Max buffers per class
)

// PoolAllocator recycles freed buffers to reduce allocation churn between
// forward calls. Buffers are bucketed by size class; a request is served by
// the first pooled buffer with enough capacity.
type PoolAllocator struct {
	mu sync.Mutex

	small  [][]byte
	medium [][]byte
	large  [][]byte

	// Statistics
	totalAllocated uint64
	totalReleased  uint64
	poolHits       uint64
	poolMisses     uint64
}

// NewPoolAllocator creates an empty pool.
func NewPoolAllocator() *PoolAllocator {
	return &PoolAllocator{
		small:  make([][]byte, 0, maxPoolSize),
		medium: make([][]byte, 0, maxPoolSize),
		large:  make([][]byte, 0, maxPoolSize),
	}
}

// FastMalloc returns a pooled buffer when one fits, a fresh one otherwise.
func (p *PoolAllocator) FastMalloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("mat: negative allocation size %d: %w", size, errs.ErrAllocation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	class := categorize(size)
	pool := p.pool(class)
	for i, buf := range pool {
		if cap(buf) >= size {
			p.set(class, append(pool[:i], pool[i+1:]...))
			p.poolHits++
			buf = buf[:size]
			clear(buf)
			return buf, nil
		}
	}

	p.poolMisses++
	p.totalAllocated++
	return make([]byte, size), nil
}

// FastFree returns buf to its size class. When the class is full the buffer
// is dropped and left to the garbage collector.
func (p *PoolAllocator) FastFree(buf []byte) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalReleased++
	class := categorize(cap(buf))
	pool := p.pool(class)
	if len(pool) >= maxPoolSize {
		return
	}
	p.set(class, append(pool, buf[:cap(buf)]))
}

// Clear drops every pooled buffer.
func (p *PoolAllocator) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.small = p.small[:0]
	p.medium = p.medium[:0]
	p.large = p.large[:0]
}

// Stats returns statistics about pool usage.
func (p *PoolAllocator) Stats() (allocated, released, hits, misses uint64, pooledCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.totalAllocated, p.totalReleased, p.poolHits, p.poolMisses,
		len(p.small) + len(p.medium) + len(p.large)
}

func categorize(size int) sizeClass {
	if size < smallThreshold {
		return smallClass
	}
	if size < mediumThreshold {
		return mediumClass
	}
	return largeClass
}

func (p *PoolAllocator) pool(class sizeClass) [][]byte {
	switch class {
	case smallClass:
		return p.small
	case mediumClass:
		return p.medium
	default:
		return p.large
	}
}

func (p *PoolAllocator) set(class sizeClass, pool [][]byte) {
	switch class {
	case smallClass:
		p.small = pool
	case mediumClass:
		p.medium = pool
	default:
		p.large = pool
	}
}

// BudgetAllocator caps the number of bytes outstanding through an underlying
// allocator. Requests that would exceed the budget fail with ErrAllocation.
type BudgetAllocator struct {
	next   Allocator
	budget int

	mu    sync.Mutex
	inUse int
	peak  int
}

// NewBudgetAllocator wraps next (nil means the heap) with a byte budget.
func NewBudgetAllocator(next Allocator, budget int) *BudgetAllocator {
	return &BudgetAllocator{next: orHeap(next), budget: budget}
}

// FastMalloc allocates from the underlying allocator if the budget allows.
func (b *BudgetAllocator) FastMalloc(size int) ([]byte, error) {
	b.mu.Lock()
	if b.inUse+size > b.budget {
		inUse := b.inUse
		b.mu.Unlock()
		return nil, fmt.Errorf("mat: %d bytes requested with %d of %d in use: %w",
			size, inUse, b.budget, errs.ErrAllocation)
	}
	b.inUse += size
	b.peak = max(b.peak, b.inUse)
	b.mu.Unlock()

	buf, err := b.next.FastMalloc(size)
	if err != nil {
		b.mu.Lock()
		b.inUse -= size
		b.mu.Unlock()
		return nil, err
	}
	return buf, nil
}

// FastFree releases buf and its share of the budget.
func (b *BudgetAllocator) FastFree(buf []byte) {
	b.mu.Lock()
	b.inUse -= len(buf)
	b.mu.Unlock()
	b.next.FastFree(buf)
}

// InUse returns the bytes currently outstanding.
func (b *BudgetAllocator) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Peak returns the highest number of bytes outstanding at once.
func (b *BudgetAllocator) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
