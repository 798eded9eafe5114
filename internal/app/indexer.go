package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/caption"
	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/internal/ratelimit"
)

// RunRequest describes one indexing run
type RunRequest struct {
	RunID     string
	Reference domain.Reference
	Skip      domain.SkipDirective

	// Total is a caller-stated number of messages; zero lets the indexer ask
	// the source for its latest index instead
	Total int

	// Throttle overrides the indexer's limiter for this run
	Throttle Throttle

	// Tracker lets the caller read live snapshots between emissions; one is
	// created when nil
	Tracker *Tracker

	// OnProgress receives every emitted snapshot, including the final one
	OnProgress func(domain.ProgressSnapshot)
}

// Indexer walks a chat history and maintains the record store
type Indexer struct {
	source   domain.MessageSource
	sink     domain.BackupSink
	repo     domain.RecordRepository
	throttle Throttle
	clock    ratelimit.Clock
	policy   caption.Policy
	config   *domain.IndexerConfig
	logger   *zap.Logger
}

// NewIndexer creates a new indexer
func NewIndexer(
	source domain.MessageSource,
	sink domain.BackupSink,
	repo domain.RecordRepository,
	throttle Throttle,
	policy caption.Policy,
	config *domain.IndexerConfig,
	logger *zap.Logger,
) *Indexer {
	return &Indexer{
		source:   source,
		sink:     sink,
		repo:     repo,
		throttle: throttle,
		clock:    ratelimit.RealClock,
		policy:   policy,
		config:   config,
		logger:   logger,
	}
}

// WithClock replaces the clock used for backoff sleeps and progress timing
func (x *Indexer) WithClock(clock ratelimit.Clock) *Indexer {
	x.clock = clock
	return x
}

// run is the in-memory state of one invocation
type run struct {
	req     RunRequest
	token   *CancelToken
	caller  *caller
	tracker *Tracker
	cursor  int
	logger  *zap.Logger
}

// Run executes one run to completion, cancellation or failure. The summary
// is always returned; the error is non-nil only for a failed run.
func (x *Indexer) Run(ctx context.Context, req RunRequest, token *CancelToken) (*domain.RunSummary, error) {
	throttle := req.Throttle
	if throttle == nil {
		throttle = x.throttle
	}
	tracker := req.Tracker
	if tracker == nil {
		tracker = NewTracker(req.RunID, x.config.ProgressInterval, x.clock.Now)
	}
	r := &run{
		req:     req,
		token:   token,
		caller:  x.newCaller(throttle),
		tracker: tracker,
		cursor:  req.Reference.Index,
		logger: x.logger.With(
			zap.String("run_id", req.RunID),
			zap.String("chat_id", req.Reference.ChatID)),
	}
	started := x.clock.Now()

	r.emit(r.tracker.Snapshot())
	r.logger.Info("Resolving start cursor",
		zap.Int("ref_index", req.Reference.Index),
		zap.String("skip", req.Skip.String()))

	resolver := NewResolver(x.source, r.caller, x.config.MaxProbe, r.logger)
	res, err := resolver.Resolve(ctx, token, req.Reference, req.Skip)
	if err != nil {
		if isInterrupt(ctx, err) {
			return x.finish(r, started, domain.StatusCancelled, nil), nil
		}
		return x.finish(r, started, domain.StatusFailed, err), err
	}

	r.cursor = res.Cursor
	r.tracker.Start(r.cursor)
	r.logger.Info("Run started", zap.Int("cursor", r.cursor))
	x.estimateTotal(ctx, r)
	r.emit(r.tracker.Snapshot())

	pending := res.Prefetched
	failedFrom := 0 // first index of the current run of fetch failures
	for {
		if token.Cancelled() || ctx.Err() != nil {
			return x.finish(r, started, domain.StatusCancelled, nil), nil
		}

		var msg *domain.Message
		if pending != nil && pending.Index == r.cursor {
			msg, err, pending = pending, nil, nil
		} else {
			msg, err = x.fetch(ctx, r)
		}

		switch {
		case err == nil:
			failedFrom = 0
		case errors.Is(err, domain.ErrEndOfHistory):
			return x.finish(r, started, domain.StatusCompleted, nil), nil
		case isInterrupt(ctx, err):
			return x.finish(r, started, domain.StatusCancelled, nil), nil
		case errors.Is(err, domain.ErrSourceUnavailable):
			return x.finish(r, started, domain.StatusFailed, err), err
		default:
			r.logger.Error("Fetch failed, skipping message",
				zap.Int("cursor", r.cursor),
				zap.Error(err))
			if failedFrom == 0 {
				failedFrom = r.cursor
			}
			r.cursor++
			r.tracker.Failed(r.cursor)
			if limit := x.config.MaxFetchFailures; limit > 0 && r.cursor-failedFrom >= limit {
				// resume from the first message of the failing streak
				r.cursor = failedFrom
				err = fmt.Errorf("%w: %d consecutive fetch failures from index %d: %v",
					domain.ErrSourceUnavailable, limit, failedFrom, err)
				return x.finish(r, started, domain.StatusFailed, err), err
			}
			r.poll()
			continue
		}

		if token.Cancelled() {
			return x.finish(r, started, domain.StatusCancelled, nil), nil
		}

		if !msg.IsMedia() {
			r.cursor++
			r.tracker.Skipped(r.cursor)
			r.poll()
			continue
		}

		err = x.processMedia(ctx, r, msg)
		switch {
		case err == nil:
			r.cursor++
			r.tracker.Processed(r.cursor)
		case errors.Is(err, domain.ErrPersistence):
			return x.finish(r, started, domain.StatusFailed, err), err
		case isInterrupt(ctx, err):
			// abandoned mid-message; the cursor stays so a resumed run redoes it
			return x.finish(r, started, domain.StatusCancelled, nil), nil
		default:
			r.logger.Error("Message failed after retries",
				zap.Int("cursor", r.cursor),
				zap.String("file_identifier", msg.FileIdentifier()),
				zap.Error(err))
			r.cursor++
			r.tracker.Failed(r.cursor)
		}
		r.poll()
	}
}

// ResolveReference interprets a user-supplied link or forward through the
// shared limiter
func (x *Indexer) ResolveReference(ctx context.Context, raw string) (domain.Reference, error) {
	resolver := NewResolver(x.source, x.newCaller(x.throttle), x.config.MaxProbe, x.logger)
	return resolver.ResolveReference(ctx, nil, raw)
}

func (x *Indexer) newCaller(throttle Throttle) *caller {
	return &caller{
		throttle:       throttle,
		clock:          x.clock,
		maxRetries:     x.config.MaxRetries,
		maxBackoff:     x.config.MaxBackoff,
		persistRetries: x.config.PersistenceRetries,
		logger:         x.logger,
	}
}

func (x *Indexer) fetch(ctx context.Context, r *run) (*domain.Message, error) {
	var msg *domain.Message
	err := r.caller.remote(ctx, r.token, "fetch", func(ctx context.Context) error {
		var err error
		msg, err = x.source.Fetch(ctx, r.req.Reference.ChatID, r.cursor)
		return err
	})
	return msg, err
}

// processMedia indexes one media message and relays it to the backup chat.
// The record is written before the relay so a failed relay still leaves the
// media indexed.
func (x *Indexer) processMedia(ctx context.Context, r *run, msg *domain.Message) error {
	parsed := caption.Parse(caption.Input{
		Caption:   msg.Caption,
		Performer: msg.Performer,
		Title:     msg.Title,
	}, x.policy)

	rec := domain.NewIndexRecord(msg)
	rec.Title = parsed.Title
	rec.Artist = parsed.Artist
	rec.TrackID = parsed.TrackID
	rec.SourceURL = parsed.URL
	rec.Platform = parsed.Platform

	var existing *domain.IndexRecord
	err := r.caller.store(ctx, "find", func(ctx context.Context) error {
		var err error
		existing, err = x.repo.FindByFileIdentifier(ctx, rec.FileIdentifier)
		return err
	})
	if err != nil {
		return err
	}
	if existing.HasBackup() {
		rec.BackupMessageID = existing.BackupMessageID
	}

	if err := x.upsert(ctx, r, rec); err != nil {
		return err
	}

	if rec.HasBackup() || !x.sink.Enabled() {
		return nil
	}

	text := caption.Minimal(rec.Title, rec.Artist, rec.TrackID)
	var backupID int
	err = r.caller.remote(ctx, r.token, "relay", func(ctx context.Context) error {
		var err error
		backupID, err = x.sink.Relay(ctx, msg, text)
		return err
	})
	if err != nil {
		if isInterrupt(ctx, err) {
			return err
		}
		return fmt.Errorf("relay %s: %w", rec.FileIdentifier, err)
	}

	rec.BackupMessageID = backupID
	return x.upsert(ctx, r, rec)
}

func (x *Indexer) upsert(ctx context.Context, r *run, rec *domain.IndexRecord) error {
	return r.caller.store(ctx, "upsert", func(ctx context.Context) error {
		return x.repo.Upsert(ctx, rec)
	})
}

// estimateTotal asks the source for its newest index when the caller gave
// no total. Failure only costs the ETA.
func (x *Indexer) estimateTotal(ctx context.Context, r *run) {
	if r.req.Total > 0 {
		r.tracker.SetTotal(r.req.Total)
		return
	}
	latest, ok := x.source.(domain.LatestIndexer)
	if !ok {
		return
	}

	var last int
	err := r.caller.remote(ctx, r.token, "latest_index", func(ctx context.Context) error {
		var err error
		last, err = latest.LatestIndex(ctx, r.req.Reference.ChatID)
		return err
	})
	if err != nil {
		r.logger.Warn("Could not estimate total", zap.Error(err))
		return
	}
	if total := last - r.cursor + 1; total > 0 {
		r.tracker.SetTotal(total)
	}
}

// finish emits the terminal snapshot and builds the summary
func (x *Indexer) finish(r *run, started time.Time, state domain.RunStatus, cause error) *domain.RunSummary {
	snap := r.tracker.Final(state)
	snap.Cursor = r.cursor
	r.emit(snap)

	sum := &domain.RunSummary{
		RunID:     r.req.RunID,
		State:     state,
		Processed: snap.Processed,
		Skipped:   snap.Skipped,
		Errors:    snap.Errors,
		Cursor:    r.cursor,
		Duration:  x.clock.Now().Sub(started),
		Err:       cause,
	}

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("processed", sum.Processed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errors", sum.Errors),
		zap.Int("cursor", sum.Cursor),
		zap.Duration("duration", sum.Duration),
	}
	if cause != nil {
		r.logger.Error("Run failed", append(fields, zap.Error(cause))...)
	} else {
		r.logger.Info("Run finished", fields...)
	}
	return sum
}

func (r *run) poll() {
	if snap, changed := r.tracker.Poll(); changed {
		r.emit(snap)
	}
}

func (r *run) emit(snap domain.ProgressSnapshot) {
	r.logger.Info("Progress",
		zap.String("state", string(snap.State)),
		zap.Int("cursor", snap.Cursor),
		zap.Int("processed", snap.Processed),
		zap.Int("skipped", snap.Skipped),
		zap.Int("errors", snap.Errors),
		zap.Float64("per_minute", snap.ThroughputPerMinute),
		zap.Duration("eta", snap.ETA))
	if r.req.OnProgress != nil {
		r.req.OnProgress(snap)
	}
}

// isInterrupt reports a cancel request or the end of the parent context
func isInterrupt(ctx context.Context, err error) bool {
	return errors.Is(err, domain.ErrCancelled) ||
		(ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)))
}
