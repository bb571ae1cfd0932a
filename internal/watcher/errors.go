package watcher

import (
	"errors"
	"fmt"
)

// WatchKind classifies a watch failure.
type WatchKind int

const (
	// KindSubscriptionLost means the notification subscription died and
	// could not be re-established.
	KindSubscriptionLost WatchKind = iota + 1
	// KindInitFailed means the first subscription could not be set up.
	KindInitFailed
)

var (
	ErrSubscriptionLost = errors.New("watcher: subscription lost")
	ErrInitFailed       = errors.New("watcher: watch initialization failed")

	errRootRemoved  = errors.New("root removed")
	errRootReplaced = errors.New("root replaced by a different directory")
)

func (k WatchKind) String() string {
	switch k {
	case KindSubscriptionLost:
		return "subscription_lost"
	case KindInitFailed:
		return "init_failed"
	default:
		return "unknown"
	}
}

// WatchError is returned by Run when watching cannot continue.
type WatchError struct {
	Kind     WatchKind
	Root     string
	Attempts int
	Err      error
}

func (e *WatchError) Error() string {
	switch e.Kind {
	case KindInitFailed:
		return fmt.Sprintf("watch %s: cannot subscribe: %v", e.Root, e.Err)
	default:
		return fmt.Sprintf("watch %s: subscription lost after %d resubscribe attempt(s): %v", e.Root, e.Attempts, e.Err)
	}
}

func (e *WatchError) Unwrap() []error {
	sentinel := ErrSubscriptionLost
	if e.Kind == KindInitFailed {
		sentinel = ErrInitFailed
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}
