package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/internal/ratelimit"
)

// Throttle is the rate limiter every outbound call passes through
type Throttle interface {
	Acquire(ctx context.Context) error
	Interval() time.Duration
}

const (
	persistBaseDelay = 500 * time.Millisecond
	persistMaxDelay  = 10 * time.Second
)

// caller runs remote and store operations with bounded retries
type caller struct {
	throttle       Throttle
	clock          ratelimit.Clock
	maxRetries     int
	maxBackoff     time.Duration
	persistRetries int
	logger         *zap.Logger
}

// remote runs op behind exactly one Acquire per attempt. Transient failures
// are retried with backoff seeded from the limiter interval; any other error
// is returned at once. A cancel observed at a suspension point yields
// domain.ErrCancelled.
func (c *caller) remote(ctx context.Context, token *CancelToken, name string, op func(context.Context) error) error {
	bo := NewBackoff(c.throttle.Interval(), c.maxBackoff, c.maxRetries)
	for {
		if token.Cancelled() {
			return domain.ErrCancelled
		}
		if err := c.acquire(ctx, token); err != nil {
			return err
		}

		// the call itself gets the parent context so a cancel request does
		// not cut it off midway
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}

		delay, ok := bo.Next(err)
		if !ok {
			return fmt.Errorf("%s failed after %d attempts: %w", name, bo.Attempt(), err)
		}
		c.logger.Warn("Transient failure, backing off",
			zap.String("op", name),
			zap.Int("attempt", bo.Attempt()),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := c.sleep(ctx, token, delay); err != nil {
			return err
		}
	}
}

// store retries a persistence operation and escalates to ErrPersistence
func (c *caller) store(ctx context.Context, name string, op func(context.Context) error) error {
	bo := NewBackoff(persistBaseDelay, persistMaxDelay, c.persistRetries)
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, ok := bo.Next(err)
		if !ok {
			return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, name, err)
		}
		c.logger.Warn("Store operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", bo.Attempt()),
			zap.Error(err))

		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *caller) acquire(ctx context.Context, token *CancelToken) error {
	waitCtx, cancel := token.waitContext(ctx)
	defer cancel()

	if err := c.throttle.Acquire(waitCtx); err != nil {
		return interrupted(ctx, token, err)
	}
	if token.Cancelled() {
		return domain.ErrCancelled
	}
	return nil
}

func (c *caller) sleep(ctx context.Context, token *CancelToken, d time.Duration) error {
	waitCtx, cancel := token.waitContext(ctx)
	defer cancel()

	select {
	case <-c.clock.After(d):
	case <-waitCtx.Done():
		return interrupted(ctx, token, waitCtx.Err())
	}
	if token.Cancelled() {
		return domain.ErrCancelled
	}
	return nil
}

// interrupted tells a parent shutdown apart from a cancel request
func interrupted(ctx context.Context, token *CancelToken, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if token.Cancelled() {
		return domain.ErrCancelled
	}
	return err
}
