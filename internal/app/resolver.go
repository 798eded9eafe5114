package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// Resolution is where a run starts
type Resolution struct {
	Cursor int

	// Prefetched is the media message found by auto-detection, handed to the
	// run loop so it is not fetched twice
	Prefetched *domain.Message
}

// Resolver turns a reference plus skip directive into a start cursor
type Resolver struct {
	source   domain.MessageSource
	caller   *caller
	maxProbe int
	logger   *zap.Logger
}

// NewResolver creates a resolver probing at most maxProbe messages
func NewResolver(source domain.MessageSource, c *caller, maxProbe int, logger *zap.Logger) *Resolver {
	if maxProbe <= 0 {
		maxProbe = 200
	}
	return &Resolver{source: source, caller: c, maxProbe: maxProbe, logger: logger}
}

// ResolveReference asks the source to interpret a link or forward
func (r *Resolver) ResolveReference(ctx context.Context, token *CancelToken, raw string) (domain.Reference, error) {
	var ref domain.Reference
	err := r.caller.remote(ctx, token, "resolve_reference", func(ctx context.Context) error {
		var err error
		ref, err = r.source.ResolveReference(ctx, raw)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) {
			return ref, err
		}
		return ref, fmt.Errorf("%w: reference %q: %v", domain.ErrResolution, raw, err)
	}
	return ref, nil
}

// Resolve computes the first index to process. Reference index 0 means the
// start of the chat.
func (r *Resolver) Resolve(ctx context.Context, token *CancelToken, ref domain.Reference, skip domain.SkipDirective) (Resolution, error) {
	switch skip.Mode {
	case domain.SkipExplicit:
		return Resolution{Cursor: max(ref.Index+skip.Count, 1)}, nil
	case domain.SkipAuto:
		return r.probe(ctx, token, ref)
	case domain.SkipNone, "":
		return Resolution{Cursor: ref.Index + 1}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: %s", domain.ErrInvalidSkip, skip.Mode)
	}
}

// probe walks forward from the reference until the first media message
func (r *Resolver) probe(ctx context.Context, token *CancelToken, ref domain.Reference) (Resolution, error) {
	start := max(ref.Index, 1)

	for i := 0; i < r.maxProbe; i++ {
		index := start + i

		var msg *domain.Message
		err := r.caller.remote(ctx, token, "probe", func(ctx context.Context) error {
			var err error
			msg, err = r.source.Fetch(ctx, ref.ChatID, index)
			return err
		})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrEndOfHistory):
			return Resolution{}, fmt.Errorf("%w: no media after %s before end of history", domain.ErrResolution, ref)
		case errors.Is(err, domain.ErrCancelled), ctx.Err() != nil:
			return Resolution{}, err
		case errors.Is(err, domain.ErrSourceUnavailable):
			return Resolution{}, fmt.Errorf("%w: %v", domain.ErrResolution, err)
		default:
			// one unreadable message does not decide where the run starts
			r.logger.Warn("Probe fetch failed",
				zap.String("chat_id", ref.ChatID),
				zap.Int("index", index),
				zap.Error(err))
			continue
		}

		if msg.IsMedia() {
			r.logger.Info("Auto-detected start",
				zap.String("chat_id", ref.ChatID),
				zap.Int("cursor", index),
				zap.Int("probed", i+1))
			return Resolution{Cursor: index, Prefetched: msg}, nil
		}
	}

	return Resolution{}, fmt.Errorf("%w: no media within %d messages after %s", domain.ErrResolution, r.maxProbe, ref)
}
