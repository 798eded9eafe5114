// Package ratelimit spaces outbound calls at a fixed minimum interval.
//
// Unlike a token bucket there is no burst allowance: every Acquire returns at
// least one interval after the previous one returned, which matches a remote
// flood control that enforces a hard per-minute ceiling.
package ratelimit

import (
	"context"
	"time"
)

// Clock abstracts time so tests can drive the limiter deterministically.
// Implementations must return times carrying a monotonic reading.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall/monotonic clock of the process
var RealClock Clock = realClock{}

// Limiter enforces a fixed minimum spacing between Acquire returns
type Limiter struct {
	interval time.Duration
	clock    Clock

	// one-slot semaphore guarding last; waiting callers queue on it
	sem  chan struct{}
	last time.Time
}

// New creates a limiter with the given spacing
func New(interval time.Duration) *Limiter {
	return NewWithClock(interval, RealClock)
}

// NewPerMinute creates a limiter allowing n operations per minute
func NewPerMinute(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return New(time.Minute / time.Duration(n))
}

// NewWithClock creates a limiter driven by clock
func NewWithClock(interval time.Duration, clock Clock) *Limiter {
	return &Limiter{
		interval: interval,
		clock:    clock,
		sem:      make(chan struct{}, 1),
	}
}

// Interval returns the configured spacing
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the interval has elapsed since the previous Acquire
// returned. The only error is ctx ending while waiting, in which case the
// slot is not consumed.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	if !l.last.IsZero() {
		// Sub uses the monotonic reading, so wall clock jumps do not matter
		if wait := l.interval - l.clock.Now().Sub(l.last); wait > 0 {
			select {
			case <-l.clock.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	l.last = l.clock.Now()
	return nil
}
