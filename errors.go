package hoard

import "github.com/pkg/errors"

// StoreErrorKind classifies a failure surfaced by the persistent store adapter.
type StoreErrorKind int

const (
	StoreNotFound StoreErrorKind = iota
	StoreIoError
	StoreCorrupt
)

func (k StoreErrorKind) String() string {
	switch k {
	case StoreNotFound:
		return "not found"
	case StoreIoError:
		return "io error"
	case StoreCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// StoreError wraps a failure originating from the persistent store adapter.
type StoreError struct {
	Kind StoreErrorKind
	Page PageId
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return "store: " + e.Kind.String() + ": " + e.Err.Error()
	}
	return "store: " + e.Kind.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(kind StoreErrorKind, page PageId, err error) *StoreError {
	return &StoreError{Kind: kind, Page: page, Err: err}
}

// Sentinel errors compared against with errors.Is.
var (
	// ErrOutOfMemory is returned when the platform allocator refuses a request.
	ErrOutOfMemory = errors.New("hoard: out of memory")
	// ErrInvalidArgument is returned for a non-power-of-two page size, a
	// negative capacity limit, or any other malformed configuration. A zero
	// capacity limit is not an error; it selects the default.
	ErrInvalidArgument = errors.New("hoard: invalid argument")
	// ErrExhausted is returned when the capacity limit has been reached and
	// no victim is evictable because every frame is pinned.
	ErrExhausted = errors.New("hoard: exhausted, no evictable frame")
	// ErrShutdownInProgress is returned by Get, Put, StoreLarge,
	// ReleaseLarge and Prefetch once Close has begun draining.
	ErrShutdownInProgress = errors.New("hoard: shutdown in progress")
)

// IsNotFound reports whether err is (or wraps) a StoreError{Kind: StoreNotFound}.
func IsNotFound(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == StoreNotFound
	}
	return false
}
