package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the state of an indexing run
type RunStatus string

const (
	StatusResolving RunStatus = "resolving"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal checks if the status ends a run
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// SkipMode is the policy for where a run begins relative to its reference
type SkipMode string

const (
	SkipNone     SkipMode = "none"
	SkipExplicit SkipMode = "explicit"
	SkipAuto     SkipMode = "auto"
)

// SkipDirective is resolved once per run from user input
type SkipDirective struct {
	Mode  SkipMode `json:"mode"`
	Count int      `json:"count,omitempty"`
}

func (d SkipDirective) String() string {
	if d.Mode == SkipExplicit {
		return strconv.Itoa(d.Count)
	}
	if d.Mode == "" {
		return string(SkipNone)
	}
	return string(d.Mode)
}

// ParseSkipDirective accepts "", "none", "auto" or a non-negative count
func ParseSkipDirective(s string) (SkipDirective, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none", "0":
		return SkipDirective{Mode: SkipNone}, nil
	case "auto", "auto_detect":
		return SkipDirective{Mode: SkipAuto}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return SkipDirective{}, fmt.Errorf("%w: %q", ErrInvalidSkip, s)
	}
	return SkipDirective{Mode: SkipExplicit, Count: n}, nil
}

// Run is the persisted snapshot of one indexing run, kept so a caller can
// resume from Cursor after a restart.
type Run struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	ChatID       string     `json:"chat_id" gorm:"not null;index"`
	RefIndex     int        `json:"ref_index"`
	Skip         string     `json:"skip"`
	Status       RunStatus  `json:"status" gorm:"not null;index"`
	Cursor       int        `json:"cursor"`
	Processed    int        `json:"processed"`
	Skipped      int        `json:"skipped"`
	Errors       int        `json:"errors"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewRun creates a run in the resolving state
func NewRun(ref Reference, skip SkipDirective) *Run {
	now := time.Now()
	return &Run{
		ID:        uuid.New().String(),
		ChatID:    ref.ChatID,
		RefIndex:  ref.Index,
		Skip:      skip.String(),
		Status:    StatusResolving,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Apply copies counters from a progress snapshot
func (r *Run) Apply(s ProgressSnapshot) {
	r.Status = s.State
	r.Cursor = s.Cursor
	r.Processed = s.Processed
	r.Skipped = s.Skipped
	r.Errors = s.Errors
	r.UpdatedAt = time.Now()
}

// MarkFinished records the terminal summary of the run
func (r *Run) MarkFinished(sum *RunSummary) {
	r.Status = sum.State
	r.Cursor = sum.Cursor
	r.Processed = sum.Processed
	r.Skipped = sum.Skipped
	r.Errors = sum.Errors
	if sum.Err != nil {
		r.ErrorMessage = sum.Err.Error()
	}
	now := time.Now()
	r.FinishedAt = &now
	r.UpdatedAt = now
}

// IsTerminal checks if the run is finished
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// RunSummary is returned by the orchestrator when a run ends
type RunSummary struct {
	RunID     string        `json:"run_id"`
	State     RunStatus     `json:"state"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Cursor    int           `json:"cursor"` // next index to fetch when resuming
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// ProgressSnapshot is a point-in-time view of a run
type ProgressSnapshot struct {
	RunID               string        `json:"run_id"`
	State               RunStatus     `json:"state"`
	Cursor              int           `json:"cursor"`
	Processed           int           `json:"processed"`
	Skipped             int           `json:"skipped"`
	Errors              int           `json:"errors"`
	TotalEstimate       int           `json:"total_estimate,omitempty"`
	Percent             float64       `json:"percent"`
	ThroughputPerMinute float64       `json:"throughput_per_minute"`
	Elapsed             time.Duration `json:"elapsed"`
	ETA                 time.Duration `json:"eta"`
	EstimatedCompletion *time.Time    `json:"estimated_completion,omitempty"`
	At                  time.Time     `json:"at"`
}
