package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/caption"
	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// fakeClock jumps forward on every After so sleeps complete immediately
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeThrottle grants every Acquire at once, counts them and moves the
// clock by one interval per grant
type fakeThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	clock    *fakeClock
	acquired int
}

func (f *fakeThrottle) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	if f.clock != nil {
		f.clock.Advance(f.interval)
	}
	return nil
}

func (f *fakeThrottle) Interval() time.Duration { return f.interval }

func (f *fakeThrottle) Acquired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

// fakeSource serves a fixed history; indexes past last are end of history
type fakeSource struct {
	mu       sync.Mutex
	messages map[int]*domain.Message
	last     int
	failures map[int][]error
	always   error
	fetches  map[int]int
	onFetch  func(index int)
}

func newFakeSource(msgs ...*domain.Message) *fakeSource {
	s := &fakeSource{
		messages: make(map[int]*domain.Message),
		failures: make(map[int][]error),
		fetches:  make(map[int]int),
	}
	for _, m := range msgs {
		s.messages[m.Index] = m
		s.last = max(s.last, m.Index)
	}
	return s
}

func (s *fakeSource) ResolveReference(ctx context.Context, raw string) (domain.Reference, error) {
	if strings.HasPrefix(raw, "bad") {
		return domain.Reference{}, errors.New("unknown chat")
	}
	return domain.ParseReference(raw)
}

func (s *fakeSource) Fetch(ctx context.Context, chatID string, index int) (*domain.Message, error) {
	s.mu.Lock()
	s.fetches[index]++
	hook := s.onFetch
	var err error
	if errs := s.failures[index]; len(errs) > 0 {
		err, s.failures[index] = errs[0], errs[1:]
	}
	if s.always != nil {
		err = s.always
	}
	msg, ok := s.messages[index]
	last := s.last
	s.mu.Unlock()

	if hook != nil {
		hook(index)
	}
	if err != nil {
		return nil, err
	}
	if index > last {
		return nil, domain.ErrEndOfHistory
	}
	if !ok {
		return &domain.Message{ChatID: chatID, Index: index}, nil
	}
	return msg, nil
}

func (s *fakeSource) LatestIndex(ctx context.Context, chatID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

func (s *fakeSource) Fetches(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[index]
}

type relayCall struct {
	index   int
	caption string
}

// fakeSink hands out backup ids from 1000 and can fail on demand
type fakeSink struct {
	mu      sync.Mutex
	enabled bool
	errs    []error
	always  error
	calls   []relayCall
	nextID  int
	onRelay func()
}

func newFakeSink() *fakeSink {
	return &fakeSink{enabled: true, nextID: 1000}
}

func (s *fakeSink) Enabled() bool { return s.enabled }

func (s *fakeSink) Relay(ctx context.Context, msg *domain.Message, text string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, relayCall{index: msg.Index, caption: text})
	if s.onRelay != nil {
		s.onRelay()
	}
	if s.always != nil {
		return 0, s.always
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return 0, err
	}
	s.nextID++
	return s.nextID, nil
}

func (s *fakeSink) Calls() []relayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relayCall(nil), s.calls...)
}

// memoryRepo is an in-memory RecordRepository
type memoryRepo struct {
	mu        sync.Mutex
	records   map[string]*domain.IndexRecord
	upsertErr error
	upserts   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]*domain.IndexRecord)}
}

func (r *memoryRepo) EnsureIndexes(ctx context.Context) error { return nil }

func (r *memoryRepo) Upsert(ctx context.Context, record *domain.IndexRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.upsertErr != nil {
		return r.upsertErr
	}
	if record.FileIdentifier == "" {
		return fmt.Errorf("record has no file identifier")
	}
	cp := *record
	r.records[record.FileIdentifier] = &cp
	return nil
}

func (r *memoryRepo) FindByFileIdentifier(ctx context.Context, id string) (*domain.IndexRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *memoryRepo) FindByTrackID(ctx context.Context, trackID string) ([]*domain.IndexRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.IndexRecord
	for _, rec := range r.records {
		if rec.TrackID == trackID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindByFileName(ctx context.Context, name string, limit int) ([]*domain.IndexRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.IndexRecord
	for _, rec := range r.records {
		if strings.Contains(strings.ToLower(rec.FileName), strings.ToLower(name)) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), nil
}

func (r *memoryRepo) Stats(ctx context.Context) (*domain.RecordStats, error) {
	count, _ := r.Count(ctx)
	return &domain.RecordStats{Total: count}, nil
}

func (r *memoryRepo) Close(ctx context.Context) error { return nil }

func (r *memoryRepo) Get(id string) *domain.IndexRecord {
	rec, _ := r.FindByFileIdentifier(context.Background(), id)
	return rec
}

func audio(index int, uniqueID string) *domain.Message {
	return &domain.Message{
		ChatID:       "music",
		Index:        index,
		Kind:         domain.KindAudio,
		FileID:       "file-" + uniqueID,
		FileUniqueID: uniqueID,
		FileName:     uniqueID + ".mp3",
	}
}

func text(index int) *domain.Message {
	return &domain.Message{ChatID: "music", Index: index, Caption: "just talking"}
}

func testIndexerConfig() *domain.IndexerConfig {
	return &domain.IndexerConfig{
		OpsPerMinute:       60,
		MaxRetries:         2,
		MaxBackoff:         10 * time.Second,
		MaxProbe:           10,
		MaxFetchFailures:   3,
		ProgressInterval:   time.Minute,
		PersistenceRetries: 1,
		SharedLimiter:      true,
	}
}

type indexerFixture struct {
	source   *fakeSource
	sink     *fakeSink
	repo     *memoryRepo
	throttle *fakeThrottle
	clock    *fakeClock
	indexer  *Indexer
}

func newIndexerFixture(msgs ...*domain.Message) *indexerFixture {
	clock := newFakeClock()
	f := &indexerFixture{
		source:   newFakeSource(msgs...),
		sink:     newFakeSink(),
		repo:     newMemoryRepo(),
		throttle: &fakeThrottle{interval: time.Second, clock: clock},
		clock:    clock,
	}
	f.indexer = NewIndexer(f.source, f.sink, f.repo, f.throttle, caption.DefaultPolicy, testIndexerConfig(), zap.NewNop()).
		WithClock(f.clock)
	return f
}

func (f *indexerFixture) newCaller() *caller {
	return f.indexer.newCaller(f.throttle)
}
