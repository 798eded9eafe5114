package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration is startup-fatal: the process must not start runs.
	ErrConfiguration = errors.New("configuration error")

	// ErrResolution terminates a run before any message is processed.
	ErrResolution = errors.New("resolution error")

	ErrTransientFetch = errors.New("transient fetch error")
	ErrTransientRelay = errors.New("transient relay error")

	// ErrSourceUnavailable is run-fatal: the source cannot serve the chat.
	ErrSourceUnavailable = errors.New("message source unavailable")

	// ErrPersistence escalates to run-fatal once retries are exhausted.
	ErrPersistence = errors.New("persistence error")

	// ErrEndOfHistory is returned by a MessageSource past the last message.
	ErrEndOfHistory = errors.New("end of history")

	// ErrCancelled is reported when a cancel request was observed at a
	// suspension point.
	ErrCancelled = errors.New("run cancelled")

	ErrRunNotFound  = errors.New("run not found")
	ErrRunNotActive = errors.New("run not active")
	ErrInvalidSkip  = errors.New("invalid skip directive")
)

// FloodWaitError reports that the remote side throttled a call.
// It always counts as a transient error of the wrapped kind.
type FloodWaitError struct {
	RetryAfter time.Duration
	Kind       error // ErrTransientFetch or ErrTransientRelay
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s: %v", e.RetryAfter, e.Kind)
}

func (e *FloodWaitError) Unwrap() error {
	return e.Kind
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrTransientRelay)
}

// RetryHint extracts a server-provided wait from err, if any.
func RetryHint(err error) time.Duration {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter
	}
	return 0
}
