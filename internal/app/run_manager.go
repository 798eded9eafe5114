package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/internal/ratelimit"
	"github.com/yourusername/tg-media-indexer/pkg/logger"
)

const subscriberBuffer = 16

// Notifier is told about runs reaching a terminal state
type Notifier interface {
	NotifyRunFinished(run *domain.Run)
}

// StartRequest is what the control surface submits
type StartRequest struct {
	Reference string `json:"reference" binding:"required"`
	Skip      string `json:"skip"`
	Total     int    `json:"total"`
}

// RunManager owns the active runs: one goroutine per run, a cancel token
// per run and the fan-out of progress snapshots to subscribers
type RunManager struct {
	indexer     *Indexer
	runs        domain.RunRepository
	notifier    Notifier
	config      *domain.IndexerConfig
	multiLogger *logger.MultiLogger
	logger      *zap.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu     sync.RWMutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	run         *domain.Run
	token       *CancelToken
	tracker     *Tracker
	subscribers map[chan domain.ProgressSnapshot]struct{}
}

// NewRunManager creates a new run manager
func NewRunManager(
	indexer *Indexer,
	runs domain.RunRepository,
	notifier Notifier,
	config *domain.IndexerConfig,
	multiLogger *logger.MultiLogger,
	logger *zap.Logger,
) *RunManager {
	ctx, stop := context.WithCancel(context.Background())
	return &RunManager{
		indexer:     indexer,
		runs:        runs,
		notifier:    notifier,
		config:      config,
		multiLogger: multiLogger,
		logger:      logger,
		ctx:         ctx,
		stop:        stop,
		active:      make(map[string]*activeRun),
	}
}

// Start validates the request, records the run and launches it
func (m *RunManager) Start(ctx context.Context, req StartRequest) (*domain.Run, error) {
	skip, err := domain.ParseSkipDirective(req.Skip)
	if err != nil {
		return nil, err
	}
	if req.Total < 0 {
		return nil, fmt.Errorf("total must not be negative")
	}

	ref, err := m.indexer.ResolveReference(ctx, req.Reference)
	if err != nil {
		return nil, err
	}

	run := domain.NewRun(ref, skip)
	if err := m.runs.CreateRun(run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	ar := &activeRun{
		run:         run,
		token:       NewCancelToken(),
		tracker:     NewTracker(run.ID, m.config.ProgressInterval, m.indexer.clock.Now),
		subscribers: make(map[chan domain.ProgressSnapshot]struct{}),
	}

	m.mu.Lock()
	m.active[run.ID] = ar
	m.mu.Unlock()

	m.logRunEvent("run_started",
		zap.String("id", run.ID),
		zap.String("reference", ref.String()),
		zap.String("skip", skip.String()))

	runReq := RunRequest{
		RunID:      run.ID,
		Reference:  ref,
		Skip:       skip,
		Total:      req.Total,
		Tracker:    ar.tracker,
		OnProgress: func(s domain.ProgressSnapshot) { m.publish(ar, s) },
	}
	if !m.config.SharedLimiter {
		runReq.Throttle = ratelimit.NewPerMinute(m.config.OpsPerMinute)
	}

	m.wg.Add(1)
	go m.execute(ar, runReq)

	return run, nil
}

func (m *RunManager) execute(ar *activeRun, req RunRequest) {
	defer m.wg.Done()

	sum, err := m.indexer.Run(m.ctx, req, ar.token)

	m.mu.Lock()
	ar.run.MarkFinished(sum)
	final := *ar.run
	m.mu.Unlock()

	// the row is final before streams end, so an end event can rely on it
	if uerr := m.runs.UpdateRun(&final); uerr != nil {
		m.logAppError("Failed to persist finished run", zap.String("id", final.ID), zap.Error(uerr))
	}

	m.mu.Lock()
	for ch := range ar.subscribers {
		close(ch)
	}
	ar.subscribers = nil
	delete(m.active, ar.run.ID)
	m.mu.Unlock()

	if err != nil {
		m.logAppError("Run failed", zap.String("id", final.ID), zap.Error(err))
	}
	m.logRunEvent("run_"+string(final.Status),
		zap.String("id", final.ID),
		zap.Int("processed", final.Processed),
		zap.Int("skipped", final.Skipped),
		zap.Int("errors", final.Errors),
		zap.Int("cursor", final.Cursor),
		zap.Duration("duration", sum.Duration))

	if m.notifier != nil {
		m.notifier.NotifyRunFinished(&final)
	}
}

// publish records the snapshot on the run row and fans it out.
// Slow subscribers miss snapshots rather than stall the run.
func (m *RunManager) publish(ar *activeRun, s domain.ProgressSnapshot) {
	m.mu.Lock()
	ar.run.Apply(s)
	row := *ar.run
	for ch := range ar.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	m.mu.Unlock()

	if s.State.IsTerminal() {
		return
	}
	if err := m.runs.UpdateRun(&row); err != nil {
		m.logAppError("Failed to persist run progress", zap.String("id", row.ID), zap.Error(err))
	}
	m.logRunEvent("run_progress",
		zap.String("id", s.RunID),
		zap.String("state", string(s.State)),
		zap.Int("cursor", s.Cursor),
		zap.Int("processed", s.Processed),
		zap.Float64("percent", s.Percent),
		zap.Duration("eta", s.ETA))
}

// Cancel requests cooperative cancellation of an active run
func (m *RunManager) Cancel(id string) error {
	m.mu.RLock()
	ar, ok := m.active[id]
	m.mu.RUnlock()

	if !ok {
		if _, err := m.runs.FindRun(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", domain.ErrRunNotActive, id)
	}

	ar.token.Cancel()
	m.logRunEvent("run_cancel_requested", zap.String("id", id))
	return nil
}

// Get returns the run row, with live counters for active runs
func (m *RunManager) Get(id string) (*domain.Run, error) {
	m.mu.RLock()
	if ar, ok := m.active[id]; ok {
		run := *ar.run
		m.mu.RUnlock()
		if !run.IsTerminal() {
			run.Apply(ar.tracker.Snapshot())
		}
		return &run, nil
	}
	m.mu.RUnlock()

	return m.runs.FindRun(id)
}

// List returns the most recent runs
func (m *RunManager) List(limit int) ([]*domain.Run, error) {
	runs, err := m.runs.ListRuns(limit)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, r := range runs {
		if ar, ok := m.active[r.ID]; ok {
			live := *ar.run
			runs[i] = &live
		}
	}
	return runs, nil
}

// Progress returns a fresh snapshot for an active run, or the terminal
// counters of a finished one
func (m *RunManager) Progress(id string) (domain.ProgressSnapshot, error) {
	m.mu.RLock()
	ar, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return ar.tracker.Snapshot(), nil
	}

	run, err := m.runs.FindRun(id)
	if err != nil {
		return domain.ProgressSnapshot{}, err
	}
	return domain.ProgressSnapshot{
		RunID:     run.ID,
		State:     run.Status,
		Cursor:    run.Cursor,
		Processed: run.Processed,
		Skipped:   run.Skipped,
		Errors:    run.Errors,
		At:        run.UpdatedAt,
	}, nil
}

// Subscribe delivers emitted snapshots of an active run. The channel is
// closed when the run ends; call the returned func to stop early.
func (m *RunManager) Subscribe(id string) (<-chan domain.ProgressSnapshot, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ar, ok := m.active[id]
	if !ok {
		if _, err := m.runs.FindRun(id); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrRunNotActive, id)
	}

	ch := make(chan domain.ProgressSnapshot, subscriberBuffer)
	ar.subscribers[ch] = struct{}{}

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := ar.subscribers[ch]; ok {
			delete(ar.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// ActiveCount returns the number of runs in progress
func (m *RunManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// RecoverInterrupted marks runs left unfinished by a previous process as
// cancelled, keeping their last cursor so they can be resumed
func (m *RunManager) RecoverInterrupted() error {
	stale, err := m.runs.FindActiveRuns()
	if err != nil {
		return fmt.Errorf("failed to list unfinished runs: %w", err)
	}

	for _, run := range stale {
		run.MarkFinished(&domain.RunSummary{
			RunID:     run.ID,
			State:     domain.StatusCancelled,
			Processed: run.Processed,
			Skipped:   run.Skipped,
			Errors:    run.Errors,
			Cursor:    run.Cursor,
			Err:       errors.New("interrupted by restart"),
		})
		if err := m.runs.UpdateRun(run); err != nil {
			return fmt.Errorf("failed to update run %s: %w", run.ID, err)
		}
		m.logRunEvent("run_recovered", zap.String("id", run.ID), zap.Int("cursor", run.Cursor))
	}
	return nil
}

// Shutdown cancels every active run and waits for them to stop. When ctx
// ends first the runs' context is cancelled as well.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, ar := range m.active {
		ar.token.Cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-done
		return ctx.Err()
	}
}

func (m *RunManager) logRunEvent(event string, fields ...zap.Field) {
	if m.multiLogger != nil {
		m.multiLogger.LogRunEvent(event, fields...)
	}
	m.logger.Info(event, fields...)
}

func (m *RunManager) logAppError(msg string, fields ...zap.Field) {
	if m.multiLogger != nil {
		m.multiLogger.LogAppError(msg, fields...)
	}
	m.logger.Error(msg, fields...)
}
