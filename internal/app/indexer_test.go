package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

func fromStart() RunRequest {
	return RunRequest{
		RunID:     "run-1",
		Reference: domain.Reference{ChatID: "music"},
		Skip:      domain.SkipDirective{Mode: domain.SkipNone},
	}
}

func TestRun_IndexesHistory(t *testing.T) {
	song := audio(1, "uniq-song")
	song.Performer = "Artist A"
	song.Title = "Song A"
	song.Caption = "info: https://example.com/track/XYZ123"
	video := audio(3, "uniq-video")
	video.Kind = domain.KindVideo

	f := newIndexerFixture(song, text(2), video)

	var snaps []domain.ProgressSnapshot
	req := fromStart()
	req.OnProgress = func(s domain.ProgressSnapshot) { snaps = append(snaps, s) }

	sum, err := f.indexer.Run(context.Background(), req, NewCancelToken())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, sum.State)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)
	assert.Equal(t, 4, sum.Cursor)

	rec := f.repo.Get("uniq-song")
	require.NotNil(t, rec)
	assert.Equal(t, "Song A", rec.Title)
	assert.Equal(t, "Artist A", rec.Artist)
	assert.Equal(t, "XYZ123", rec.TrackID)
	assert.Equal(t, "example.com", rec.Platform)
	assert.Equal(t, 1001, rec.BackupMessageID)

	calls := f.sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "🎵 Song A\n👤 Artist A\n🆔 XYZ123", calls[0].caption)
	assert.Equal(t, "🎵 Unknown Title\n👤 Unknown Artist\n🆔 N/A", calls[1].caption)

	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, domain.StatusCompleted, last.State)
	assert.Equal(t, 3, last.TotalEstimate, "total comes from the latest index")
	assert.InDelta(t, 100.0, last.Percent, 1e-9)
}

func TestRun_TaggedAudioAndInvisibleCharacterCaption(t *testing.T) {
	tagged := audio(2, "uniq-tagged")
	tagged.Performer = "Artist A"
	tagged.Title = "Song A"
	hidden := audio(3, "uniq-hidden")
	hidden.Caption = "info: https://example.com/track/\u200BXYZ123\u2063\u00AD"

	f := newIndexerFixture(text(1), tagged, hidden)

	sum, err := f.indexer.Run(context.Background(), fromStart(), NewCancelToken())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, sum.State)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Errors)

	rec := f.repo.Get("uniq-tagged")
	require.NotNil(t, rec)
	assert.Equal(t, "Song A", rec.Title)
	assert.Equal(t, "Artist A", rec.Artist)
	assert.Empty(t, rec.TrackID)

	rec = f.repo.Get("uniq-hidden")
	require.NotNil(t, rec)
	assert.Equal(t, "XYZ123", rec.TrackID)
	assert.Equal(t, "https://example.com/track/XYZ123", rec.SourceURL)
}

func TestRun_ReprocessingKeepsOneRecordPerFile(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"), audio(3, "a"))

	_, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)
	_, err = f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	count, _ := f.repo.Count(context.Background())
	assert.Equal(t, int64(2), count)
	assert.Len(t, f.sink.Calls(), 2, "backed up files are not relayed again")
	assert.Equal(t, 1001, f.repo.Get("a").BackupMessageID)
}

func TestRun_RelayRetriesExhausted(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"))
	f.sink.always = domain.ErrTransientRelay

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, sum.State)
	assert.Equal(t, 0, sum.Processed)
	assert.Equal(t, 2, sum.Errors)
	assert.Equal(t, 3, sum.Cursor)
	assert.Len(t, f.sink.Calls(), 6, "initial attempt plus two retries per message")

	rec := f.repo.Get("a")
	require.NotNil(t, rec, "the record is written before the relay")
	assert.False(t, rec.HasBackup())
}

func TestRun_RelayFloodWaitHonoursHint(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"))
	f.sink.errs = []error{&domain.FloodWaitError{RetryAfter: 30 * time.Second, Kind: domain.ErrTransientRelay}}

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Processed)
	assert.Contains(t, f.clock.Sleeps(), 30*time.Second)
	assert.Equal(t, 1001, f.repo.Get("a").BackupMessageID)
}

func TestRun_PermanentRelayErrorCountsAndContinues(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"))
	f.sink.errs = []error{errors.New("message to copy not found")}

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Errors)
	assert.Len(t, f.sink.Calls(), 2)
}

func TestRun_SinkDisabled(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"))
	f.sink.enabled = false

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Processed)
	assert.Empty(t, f.sink.Calls())
	assert.NotNil(t, f.repo.Get("a"))
}

func TestRun_FetchFailureSkipsMessage(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"))
	f.source.failures[1] = []error{errors.New("message unavailable")}

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Errors)
	assert.Nil(t, f.repo.Get("a"))
}

func TestRun_FetchFailureStreakFailsRun(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"), audio(3, "c"), audio(4, "d"))
	f.source.always = errors.New("chat music not in export file")

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "chat music not in export file")

	assert.Equal(t, domain.StatusFailed, sum.State)
	assert.Equal(t, 3, sum.Errors, "stops at the consecutive failure limit")
	assert.Equal(t, 1, sum.Cursor, "a resumed run retries the failing streak")
	assert.Zero(t, f.source.Fetches(4))
}

func TestRun_FetchFailureStreakResetsOnSuccess(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"), audio(3, "c"), audio(4, "d"), audio(5, "e"))
	f.sink.enabled = false
	f.source.failures[1] = []error{errors.New("message unavailable")}
	f.source.failures[2] = []error{errors.New("message unavailable")}
	f.source.failures[4] = []error{errors.New("message unavailable")}
	f.source.failures[5] = []error{errors.New("message unavailable")}

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, sum.State)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 4, sum.Errors)
	assert.Equal(t, 6, sum.Cursor)
}

func TestRun_UnavailableSourceFailsAtOnce(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"))
	f.source.always = fmt.Errorf("%w: tdl binary not found", domain.ErrSourceUnavailable)

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Equal(t, domain.StatusFailed, sum.State)
	assert.Zero(t, sum.Errors)
	assert.Equal(t, 1, sum.Cursor)
	assert.Equal(t, 1, f.source.Fetches(1))
}

func TestRun_TransientFetchRetried(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"))
	f.source.failures[1] = []error{domain.ErrTransientFetch}
	f.sink.enabled = false

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 2, f.source.Fetches(1))
	assert.Equal(t, []time.Duration{time.Second}, f.clock.Sleeps())
}

func TestRun_CancelKeepsResumeCursor(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"), audio(3, "c"))
	token := NewCancelToken()
	f.source.onFetch = func(index int) {
		if index == 2 {
			token.Cancel()
		}
	}

	sum, err := f.indexer.Run(context.Background(), fromStart(), token)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, sum.State)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 2, sum.Cursor, "message 2 was fetched but not processed")
	assert.Nil(t, f.repo.Get("b"))
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"))
	token := NewCancelToken()
	f.sink.always = domain.ErrTransientRelay
	f.sink.onRelay = token.Cancel

	sum, err := f.indexer.Run(context.Background(), fromStart(), token)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, sum.State)
	assert.Equal(t, 1, sum.Cursor)
	assert.Len(t, f.sink.Calls(), 1, "the in-flight relay completes")
}

func TestRun_ParentContextCancelled(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := f.indexer.Run(ctx, fromStart(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, sum.State)
}

func TestRun_PersistenceFailureFailsRun(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), audio(2, "b"))
	f.repo.upsertErr = errors.New("database is locked")

	sum, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.StatusFailed, sum.State)
	assert.Equal(t, 1, sum.Cursor)
	assert.Empty(t, f.sink.Calls())
}

func TestRun_ResolutionFailureFailsRun(t *testing.T) {
	f := newIndexerFixture(text(1), text(2))
	req := fromStart()
	req.Reference.Index = 1
	req.Skip = domain.SkipDirective{Mode: domain.SkipAuto}

	sum, err := f.indexer.Run(context.Background(), req, nil)
	assert.ErrorIs(t, err, domain.ErrResolution)
	assert.Equal(t, domain.StatusFailed, sum.State)
	assert.Zero(t, sum.Processed)
}

func TestRun_AutoSkipUsesPrefetchedMessage(t *testing.T) {
	f := newIndexerFixture(text(5), audio(6, "a"), audio(7, "b"))
	req := fromStart()
	req.Reference.Index = 5
	req.Skip = domain.SkipDirective{Mode: domain.SkipAuto}

	sum, err := f.indexer.Run(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, f.source.Fetches(6))
}

func TestRun_ExplicitTotalOverridesLatestIndex(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"))
	f.sink.enabled = false
	req := fromStart()
	req.Total = 40

	var last domain.ProgressSnapshot
	req.OnProgress = func(s domain.ProgressSnapshot) { last = s }

	_, err := f.indexer.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, 40, last.TotalEstimate)
}

func TestRun_EveryRemoteCallAcquiresOnce(t *testing.T) {
	f := newIndexerFixture(audio(1, "a"), text(2))

	_, err := f.indexer.Run(context.Background(), fromStart(), nil)
	require.NoError(t, err)

	// latest index, fetch 1, relay 1, fetch 2, fetch 3 (end of history)
	assert.Equal(t, 5, f.throttle.Acquired())
}
