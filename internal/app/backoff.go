package app

import (
	"time"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// Backoff is the bounded retry state of one operation: how many attempts
// have failed and how long to wait before the next one.
type Backoff struct {
	base       time.Duration
	max        time.Duration
	maxRetries int

	attempt int
	delay   time.Duration
}

// NewBackoff creates a retry state doubling from base up to max, allowing
// maxRetries retries after the first attempt
func NewBackoff(base, max time.Duration, maxRetries int) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, maxRetries: maxRetries}
}

// Next records a failed attempt and returns the delay before retrying.
// ok is false once the retries are used up. A flood-wait hint from the
// remote side raises the delay and may exceed max.
func (b *Backoff) Next(err error) (delay time.Duration, ok bool) {
	b.attempt++
	if b.attempt > b.maxRetries {
		return 0, false
	}

	if b.delay == 0 {
		b.delay = b.base
	} else {
		b.delay *= 2
	}
	if b.delay > b.max {
		b.delay = b.max
	}

	delay = b.delay
	if hint := domain.RetryHint(err); hint > delay {
		delay = hint
	}
	return delay, true
}

// Attempt returns the number of failed attempts so far
func (b *Backoff) Attempt() int {
	return b.attempt
}
