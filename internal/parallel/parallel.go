// Package parallel provides the data-parallel fan-out used inside a single
// forward call. Workers live only for the duration of one For call; nothing
// persists between calls.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	NumWorkers   int // Upper bound on goroutines running at once.
	MinChunkSize int // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	return Config{
		NumWorkers:   runtime.NumCPU(),
		MinChunkSize: 64, // Typical cache line aware chunk.
	}
}

// Threads returns a config for coarse work items (one output row, one
// channel) fanned out across at most n workers.
func Threads(n int) Config {
	return Config{NumWorkers: n, MinChunkSize: 1}
}

// For executes f(i) for i in [0, n) and returns once every call has finished.
// Indices are split into contiguous chunks run by at most cfg.NumWorkers
// goroutines. Falls back to sequential execution for a single worker or when
// n is below the chunk size.
func For(n int, f func(i int), cfg Config) {
	if cfg.NumWorkers <= 1 || n <= max(cfg.MinChunkSize, 1) {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)

	var g errgroup.Group
	g.SetLimit(cfg.NumWorkers)
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				f(i)
			}
			return nil
		})
	}
	_ = g.Wait() // workers never fail
}
