package app

import (
	"context"
	"sync"
)

// CancelToken is a cooperative cancel flag. The indexer polls it at the top
// of every loop iteration and whenever it wakes from a limiter wait or a
// backoff sleep; it never interrupts an in-flight network call.
// A nil token is never cancelled.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an unfired token
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel requests cancellation. Safe to call more than once.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel was called
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once Cancel is called
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// waitContext derives a context for suspension points only: it ends when
// parent ends or the token fires.
func (t *CancelToken) waitContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if t == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
