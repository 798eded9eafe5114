package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

type memoryRunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newMemoryRunRepo() *memoryRunRepo {
	return &memoryRunRepo{runs: make(map[string]domain.Run)}
}

func (r *memoryRunRepo) CreateRun(run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memoryRunRepo) UpdateRun(run *domain.Run) error { return r.CreateRun(run) }

func (r *memoryRunRepo) FindRun(id string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return &run, nil
}

func (r *memoryRunRepo) ListRuns(limit int) ([]*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Run
	for _, run := range r.runs {
		run := run
		out = append(out, &run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRunRepo) FindActiveRuns() ([]*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Run
	for _, run := range r.runs {
		if !run.IsTerminal() {
			run := run
			out = append(out, &run)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []domain.Run
}

func (n *recordingNotifier) NotifyRunFinished(run *domain.Run) {
	n.mu.Lock()
	n.runs = append(n.runs, *run)
	n.mu.Unlock()
}

func (n *recordingNotifier) Runs() []domain.Run {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Run(nil), n.runs...)
}

type managerFixture struct {
	*indexerFixture
	runs     *memoryRunRepo
	notifier *recordingNotifier
	manager  *RunManager
}

func newManagerFixture(t *testing.T, msgs ...*domain.Message) *managerFixture {
	t.Helper()
	f := &managerFixture{
		indexerFixture: newIndexerFixture(msgs...),
		runs:           newMemoryRunRepo(),
		notifier:       &recordingNotifier{},
	}
	f.manager = NewRunManager(f.indexer, f.runs, f.notifier, testIndexerConfig(), nil, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.manager.Shutdown(ctx)
	})
	return f
}

// gate blocks the fetch of index until released
func (f *managerFixture) gate(index int) (entered <-chan struct{}, release func()) {
	in := make(chan struct{}, 1)
	open := make(chan struct{})
	f.source.onFetch = func(i int) {
		if i == index {
			select {
			case in <- struct{}{}:
			default:
			}
			<-open
		}
	}
	var once sync.Once
	return in, func() { once.Do(func() { close(open) }) }
}

func (f *managerFixture) waitFinished(t *testing.T, id string) *domain.Run {
	t.Helper()
	var run *domain.Run
	require.Eventually(t, func() bool {
		found, err := f.runs.FindRun(id)
		if err != nil || !found.IsTerminal() {
			return false
		}
		run = found
		return f.manager.ActiveCount() == 0
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestRunManager_StartRunsToCompletion(t *testing.T) {
	f := newManagerFixture(t, audio(1, "a"), text(2), audio(3, "b"))

	run, err := f.manager.Start(context.Background(), StartRequest{Reference: "music/0"})
	require.NoError(t, err)
	assert.Equal(t, "music", run.ChatID)

	done := f.waitFinished(t, run.ID)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Processed)
	assert.Equal(t, 1, done.Skipped)
	assert.Equal(t, 4, done.Cursor)
	assert.NotNil(t, done.FinishedAt)

	require.Eventually(t, func() bool { return len(f.notifier.Runs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusCompleted, f.notifier.Runs()[0].Status)

	snap, err := f.manager.Progress(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, snap.State)
	assert.Equal(t, 2, snap.Processed)
}

func TestRunManager_StartValidation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, StartRequest{Reference: "music/1", Skip: "-3"})
	assert.ErrorIs(t, err, domain.ErrInvalidSkip)

	_, err = f.manager.Start(ctx, StartRequest{Reference: "music/1", Total: -1})
	assert.Error(t, err)

	_, err = f.manager.Start(ctx, StartRequest{Reference: "bad/1"})
	assert.ErrorIs(t, err, domain.ErrResolution)

	runs, err := f.manager.List(10)
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests create no run")
}

func TestRunManager_CancelActiveRun(t *testing.T) {
	f := newManagerFixture(t, audio(1, "a"), audio(2, "b"), audio(3, "c"))
	entered, release := f.gate(2)
	defer release()

	run, err := f.manager.Start(context.Background(), StartRequest{Reference: "music/0"})
	require.NoError(t, err)
	<-entered

	live, err := f.manager.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, live.Status)
	assert.Equal(t, 1, live.Processed)

	require.NoError(t, f.manager.Cancel(run.ID))
	release()

	done := f.waitFinished(t, run.ID)
	assert.Equal(t, domain.StatusCancelled, done.Status)
	assert.Equal(t, 2, done.Cursor, "resume from the unprocessed message")

	assert.ErrorIs(t, f.manager.Cancel(run.ID), domain.ErrRunNotActive)
	assert.ErrorIs(t, f.manager.Cancel("missing"), domain.ErrRunNotFound)
}

func TestRunManager_SubscribeReceivesSnapshots(t *testing.T) {
	f := newManagerFixture(t, audio(1, "a"), audio(2, "b"))
	entered, release := f.gate(1)
	defer release()

	run, err := f.manager.Start(context.Background(), StartRequest{Reference: "music/0"})
	require.NoError(t, err)
	<-entered

	ch, unsubscribe, err := f.manager.Subscribe(run.ID)
	require.NoError(t, err)
	defer unsubscribe()
	release()

	var last domain.ProgressSnapshot
	for snap := range ch {
		last = snap
	}
	assert.Equal(t, domain.StatusCompleted, last.State)
	assert.Equal(t, 2, last.Processed)

	_, _, err = f.manager.Subscribe(run.ID)
	assert.ErrorIs(t, err, domain.ErrRunNotActive)
}

func TestRunManager_FinalStateSurvivesFullSubscriber(t *testing.T) {
	var msgs []*domain.Message
	for i := 1; i <= 40; i++ {
		msgs = append(msgs, text(i))
	}
	f := newManagerFixture(t, msgs...)
	f.manager.config.ProgressInterval = time.Millisecond
	entered, release := f.gate(1)
	defer release()

	run, err := f.manager.Start(context.Background(), StartRequest{Reference: "music/0"})
	require.NoError(t, err)
	<-entered

	ch, unsubscribe, err := f.manager.Subscribe(run.ID)
	require.NoError(t, err)
	defer unsubscribe()
	release()
	f.waitFinished(t, run.ID)

	var last domain.ProgressSnapshot
	n := 0
	for snap := range ch {
		last = snap
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	assert.False(t, last.State.IsTerminal(), "the terminal snapshot did not fit")

	got, err := f.manager.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 40, got.Skipped)
}

func TestRunManager_UnsubscribeEarly(t *testing.T) {
	f := newManagerFixture(t, audio(1, "a"))
	entered, release := f.gate(1)
	defer release()

	run, err := f.manager.Start(context.Background(), StartRequest{Reference: "music/0"})
	require.NoError(t, err)
	<-entered

	ch, unsubscribe, err := f.manager.Subscribe(run.ID)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
}

func TestRunManager_RecoverInterrupted(t *testing.T) {
	f := newManagerFixture(t)

	stale := domain.NewRun(domain.Reference{ChatID: "music", Index: 10}, domain.SkipDirective{Mode: domain.SkipNone})
	stale.Status = domain.StatusRunning
	stale.Cursor = 57
	require.NoError(t, f.runs.CreateRun(stale))

	require.NoError(t, f.manager.RecoverInterrupted())

	found, err := f.runs.FindRun(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, found.Status)
	assert.Equal(t, 57, found.Cursor)
	assert.Equal(t, "interrupted by restart", found.ErrorMessage)
}

func TestRunManager_ShutdownCancelsActiveRuns(t *testing.T) {
	f := newManagerFixture(t, audio(1, "a"), audio(2, "b"))
	entered, release := f.gate(1)
	defer release()

	run, err := f.manager.Start(context.Background(), StartRequest{Reference: "music/0"})
	require.NoError(t, err)
	<-entered

	errCh := make(chan error, 1)
	go func() { errCh <- f.manager.Shutdown(context.Background()) }()

	f.manager.mu.RLock()
	ar := f.manager.active[run.ID]
	f.manager.mu.RUnlock()
	require.NotNil(t, ar)
	require.Eventually(t, ar.token.Cancelled, time.Second, time.Millisecond)
	release()

	require.NoError(t, <-errCh)
	found, err := f.runs.FindRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, found.Status)
	assert.Equal(t, 1, found.Cursor)
}
