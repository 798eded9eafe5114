package domain

import "context"

// RecordRepository is the persistence gateway for index records
type RecordRepository interface {
	// EnsureIndexes creates the unique file_identifier index and the lookup
	// indexes on file_name, track_id, title and artist
	EnsureIndexes(ctx context.Context) error

	// Upsert inserts the record or updates the existing one in place
	Upsert(ctx context.Context, record *IndexRecord) error

	// FindByFileIdentifier returns nil when the identifier is unknown
	FindByFileIdentifier(ctx context.Context, fileIdentifier string) (*IndexRecord, error)

	// FindByTrackID returns records carrying the given track id
	FindByTrackID(ctx context.Context, trackID string) ([]*IndexRecord, error)

	// FindByFileName matches case-insensitively on a substring of the name
	FindByFileName(ctx context.Context, name string, limit int) ([]*IndexRecord, error)

	// Count returns the total number of records
	Count(ctx context.Context) (int64, error)

	// Stats returns per-kind counters
	Stats(ctx context.Context) (*RecordStats, error)

	Close(ctx context.Context) error
}

// RunRepository persists run snapshots for the control surface
type RunRepository interface {
	CreateRun(run *Run) error
	UpdateRun(run *Run) error
	FindRun(id string) (*Run, error)
	ListRuns(limit int) ([]*Run, error)

	// FindActiveRuns returns runs that were not finished, e.g. after a crash
	FindActiveRuns() ([]*Run, error)
}
