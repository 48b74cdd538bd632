// Package errs defines the error kinds shared by every layer of the runtime.
//
// Call sites wrap one of the sentinels with context:
//
//	return fmt.Errorf("innerproduct: bias length %d, want %d: %w", n, want, errs.ErrConfig)
//
// and callers classify with errors.Is or KindOf.
package errs

import "errors"

// Sentinel errors, one per Kind.
var (
	// ErrConfig reports invalid or contradictory configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrLoad reports a weight or bias buffer that could not be materialized.
	ErrLoad = errors.New("model load failed")
	// ErrUnsupported reports a default method invoked on a layer that lacks the capability.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrAllocation reports an output or intermediate buffer that could not be created.
	ErrAllocation = errors.New("allocation failed")
	// ErrNotFound reports an unknown layer type name or index.
	ErrNotFound = errors.New("layer type not found")
)

// Kind classifies an error returned by the runtime.
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	KindConfig
	KindLoad
	KindUnsupported
	KindAllocation
	KindNotFound
	KindUnknown
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConfig:
		return "config"
	case KindLoad:
		return "load"
	case KindUnsupported:
		return "unsupported"
	case KindAllocation:
		return "allocation"
	case KindNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// KindOf returns the kind of err. A nil error is KindNone; an error that wraps
// none of the sentinels is KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrLoad):
		return KindLoad
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrAllocation):
		return KindAllocation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindUnknown
	}
}
