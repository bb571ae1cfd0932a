package alert

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a submission failure.
type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ParseErrorKind parses the String form of an ErrorKind.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch s {
	case "transient":
		return Transient, nil
	case "permanent":
		return Permanent, nil
	default:
		return 0, fmt.Errorf("unknown error kind %q", s)
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	parsed, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var (
	ErrTransient = errors.New("alert: transient submission failure")
	ErrPermanent = errors.New("alert: permanent submission failure")
)

// SubmissionError reports a failed submission.
type SubmissionError struct {
	Kind     ErrorKind
	Sink     string
	Attempts int
	// RetryAfter is a hint from the sink to hold off further submissions.
	RetryAfter time.Duration
	Err        error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submission %s", e.Kind)
	if e.Sink != "" {
		msg += " via " + e.Sink
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() []error {
	sentinel := ErrTransient
	if e.Kind == Permanent {
		sentinel = ErrPermanent
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// NewTransient marks err as retryable.
func NewTransient(err error) error {
	return &SubmissionError{Kind: Transient, Err: err}
}

// NewPermanent marks err as never retryable.
func NewPermanent(err error) error {
	return &SubmissionError{Kind: Permanent, Err: err}
}

// KindOf classifies err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}
	var se *SubmissionError
	if errors.As(err, &se) && se.Kind != 0 {
		return se.Kind
	}
	return Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return KindOf(err) == Permanent
}

func retryAfter(err error) time.Duration {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
