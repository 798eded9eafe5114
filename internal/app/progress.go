package app

import (
	"sync"
	"time"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// Tracker accumulates run counters and derives throughput and ETA.
// Snapshot may be called at any cadence; Poll only reports a change once the
// emit interval has passed since the previous emission.
type Tracker struct {
	mu    sync.Mutex
	now   func() time.Time
	every time.Duration

	runID     string
	state     domain.RunStatus
	cursor    int
	processed int
	skipped   int
	errors    int
	total     int

	startedAt time.Time
	lastEmit  time.Time
}

// NewTracker creates a tracker in the resolving state
func NewTracker(runID string, every time.Duration, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	t := &Tracker{
		now:   now,
		every: every,
		runID: runID,
		state: domain.StatusResolving,
	}
	t.startedAt = now()
	t.lastEmit = t.startedAt
	return t
}

// Start moves the tracker to running at cursor and restarts the clock
func (t *Tracker) Start(cursor int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = domain.StatusRunning
	t.cursor = cursor
	t.startedAt = t.now()
	t.lastEmit = t.startedAt
}

// SetTotal sets the expected number of messages; zero means unknown
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

func (t *Tracker) Processed(cursor int) { t.record(cursor, &t.processed) }
func (t *Tracker) Skipped(cursor int)   { t.record(cursor, &t.skipped) }
func (t *Tracker) Failed(cursor int)    { t.record(cursor, &t.errors) }

func (t *Tracker) record(cursor int, counter *int) {
	t.mu.Lock()
	*counter++
	t.cursor = cursor
	t.mu.Unlock()
}

// Snapshot returns the current view without touching the emission gate
func (t *Tracker) Snapshot() domain.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(t.now())
}

// Poll returns the current view and whether it should be published
func (t *Tracker) Poll() (domain.ProgressSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.lastEmit) < t.every {
		return t.snapshot(now), false
	}
	t.lastEmit = now
	return t.snapshot(now), true
}

// Final moves the tracker to a terminal state; the result is always emitted
func (t *Tracker) Final(state domain.RunStatus) domain.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.state = state
	t.lastEmit = now
	return t.snapshot(now)
}

func (t *Tracker) snapshot(now time.Time) domain.ProgressSnapshot {
	elapsed := now.Sub(t.startedAt)
	s := domain.ProgressSnapshot{
		RunID:         t.runID,
		State:         t.state,
		Cursor:        t.cursor,
		Processed:     t.processed,
		Skipped:       t.skipped,
		Errors:        t.errors,
		TotalEstimate: t.total,
		Elapsed:       elapsed,
		At:            now,
	}

	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return s
	}
	s.ThroughputPerMinute = float64(t.processed) / minutes

	if t.total <= 0 {
		return s
	}
	// the total counts history entries, so skipped and failed messages
	// consume it as well
	handled := t.processed + t.skipped + t.errors
	s.Percent = min(float64(handled)/float64(t.total)*100, 100)

	rate := float64(handled) / minutes
	if rate <= 0 {
		return s
	}
	remaining := max(t.total-handled, 0)
	s.ETA = time.Duration(float64(remaining) / rate * float64(time.Minute))
	eta := now.Add(s.ETA)
	s.EstimatedCompletion = &eta
	return s
}
