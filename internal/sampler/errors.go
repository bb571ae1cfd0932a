package sampler

import (
	"errors"
	"fmt"
)

// Kind classifies why a file could not be sampled.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindUnreadable
	KindPartial
)

// Sentinels matched by errors.Is against a *SampleError.
var (
	ErrNotFound   = errors.New("sampler: file not found")
	ErrUnreadable = errors.New("sampler: file unreadable")
	ErrPartial    = errors.New("sampler: file changed while reading")
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindUnreadable:
		return "unreadable"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindPartial:
		return ErrPartial
	default:
		return ErrUnreadable
	}
}

// SampleError reports a file that could not be sampled. It never aborts the
// pipeline; callers log it and move on.
type SampleError struct {
	Kind     Kind
	Path     string
	Attempts int
	Err      error
}

func (e *SampleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sample %s: %s after %d attempt(s)", e.Path, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("sample %s: %s after %d attempt(s): %v", e.Path, e.Kind, e.Attempts, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *SampleError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the Kind of err, or 0 when err is not a *SampleError.
func KindOf(err error) Kind {
	var se *SampleError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
