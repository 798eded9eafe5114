package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSkipDirective(t *testing.T) {
	tests := []struct {
		input    string
		expected SkipDirective
	}{
		{"", SkipDirective{Mode: SkipNone}},
		{"none", SkipDirective{Mode: SkipNone}},
		{"0", SkipDirective{Mode: SkipNone}},
		{"auto", SkipDirective{Mode: SkipAuto}},
		{" AUTO ", SkipDirective{Mode: SkipAuto}},
		{"1000", SkipDirective{Mode: SkipExplicit, Count: 1000}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSkipDirective(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseSkipDirective_Invalid(t *testing.T) {
	for _, input := range []string{"-5", "abc", "1.5"} {
		_, err := ParseSkipDirective(input)
		assert.ErrorIs(t, err, ErrInvalidSkip, input)
	}
}

func TestSkipDirective_String(t *testing.T) {
	assert.Equal(t, "none", SkipDirective{}.String())
	assert.Equal(t, "auto", SkipDirective{Mode: SkipAuto}.String())
	assert.Equal(t, "42", SkipDirective{Mode: SkipExplicit, Count: 42}.String())
}

func TestNewRun(t *testing.T) {
	run := NewRun(Reference{ChatID: "music", Index: 10}, SkipDirective{Mode: SkipAuto})

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "music", run.ChatID)
	assert.Equal(t, 10, run.RefIndex)
	assert.Equal(t, "auto", run.Skip)
	assert.Equal(t, StatusResolving, run.Status)
	assert.False(t, run.IsTerminal())
}

func TestRun_MarkFinished(t *testing.T) {
	run := NewRun(Reference{ChatID: "music"}, SkipDirective{})

	run.MarkFinished(&RunSummary{
		State:     StatusFailed,
		Processed: 3,
		Skipped:   1,
		Errors:    2,
		Cursor:    7,
		Err:       errors.New("store down"),
	})

	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 7, run.Cursor)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 2, run.Errors)
	assert.Equal(t, "store down", run.ErrorMessage)
	assert.NotNil(t, run.FinishedAt)
	assert.True(t, run.IsTerminal())
}

func TestRun_Apply(t *testing.T) {
	run := NewRun(Reference{ChatID: "music"}, SkipDirective{})
	run.Apply(ProgressSnapshot{State: StatusRunning, Cursor: 12, Processed: 5, Skipped: 6})

	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, 12, run.Cursor)
	assert.Equal(t, 5, run.Processed)
	assert.Equal(t, 6, run.Skipped)
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusResolving.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestFloodWaitError(t *testing.T) {
	err := &FloodWaitError{RetryAfter: 12 * time.Second, Kind: ErrTransientRelay}

	assert.True(t, errors.Is(err, ErrTransientRelay))
	assert.True(t, IsTransient(err))
	assert.Equal(t, 12*time.Second, RetryHint(err))
	assert.Zero(t, RetryHint(ErrTransientFetch))
	assert.False(t, IsTransient(ErrPersistence))
}
