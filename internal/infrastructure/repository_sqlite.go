package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// recordUpdateColumns are overwritten when an identifier is seen again;
// created_at keeps the first observation
var recordUpdateColumns = []string{
	"file_id", "file_name", "chat_id", "chat_title", "message_id", "sender_id", "date",
	"kind", "mime_type", "file_size", "duration", "width", "height", "caption",
	"title", "artist", "track_id", "source_url", "platform", "backup_message_id",
	"updated_at",
}

// SQLiteRepository implements RecordRepository and RunRepository using SQLite
type SQLiteRepository struct {
	db *gorm.DB
}

// NewSQLiteRepository opens (and migrates) the database at dbPath
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := db.AutoMigrate(&domain.Run{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := repo.EnsureIndexes(context.Background()); err != nil {
		return nil, err
	}
	return repo, nil
}

// EnsureIndexes migrates the record table; the unique key and lookup
// indexes come from the struct tags
func (r *SQLiteRepository) EnsureIndexes(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&domain.IndexRecord{}); err != nil {
		return fmt.Errorf("failed to migrate index records: %w", err)
	}
	return nil
}

// Upsert inserts the record or updates it in place on a duplicate identifier
func (r *SQLiteRepository) Upsert(ctx context.Context, record *domain.IndexRecord) error {
	if record.FileIdentifier == "" {
		return fmt.Errorf("record has no file identifier")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "file_identifier"}},
		DoUpdates: clause.AssignmentColumns(recordUpdateColumns),
	}).Create(record).Error
}

// FindByFileIdentifier returns nil if the identifier is unknown
func (r *SQLiteRepository) FindByFileIdentifier(ctx context.Context, fileIdentifier string) (*domain.IndexRecord, error) {
	var record domain.IndexRecord
	err := r.db.WithContext(ctx).Where("file_identifier = ?", fileIdentifier).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FindByTrackID finds records by track id
func (r *SQLiteRepository) FindByTrackID(ctx context.Context, trackID string) ([]*domain.IndexRecord, error) {
	var records []*domain.IndexRecord
	err := r.db.WithContext(ctx).Where("track_id = ?", trackID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// FindByFileName finds records whose file name contains name
func (r *SQLiteRepository) FindByFileName(ctx context.Context, name string, limit int) ([]*domain.IndexRecord, error) {
	var records []*domain.IndexRecord
	query := r.db.WithContext(ctx).
		Where("LOWER(file_name) LIKE ?", "%"+strings.ToLower(name)+"%").
		Order("file_name ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&records).Error
	return records, err
}

// Count returns the total number of records
func (r *SQLiteRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.IndexRecord{}).Count(&count).Error
	return count, err
}

// Stats returns record statistics
func (r *SQLiteRepository) Stats(ctx context.Context) (*domain.RecordStats, error) {
	db := r.db.WithContext(ctx)
	stats := &domain.RecordStats{}

	if err := db.Model(&domain.IndexRecord{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	kindCounts := []struct {
		Kind  domain.MediaKind
		Count int64
	}{}
	if err := db.Model(&domain.IndexRecord{}).
		Select("kind, count(*) as count").
		Group("kind").
		Scan(&kindCounts).Error; err != nil {
		return nil, err
	}
	for _, kc := range kindCounts {
		switch kc.Kind {
		case domain.KindAudio:
			stats.Audio = kc.Count
		case domain.KindVideo:
			stats.Video = kc.Count
		case domain.KindDocument:
			stats.Document = kc.Count
		case domain.KindPhoto:
			stats.Photo = kc.Count
		}
	}

	if err := db.Model(&domain.IndexRecord{}).Where("track_id <> ''").Count(&stats.WithTrack).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&domain.IndexRecord{}).Where("backup_message_id <> 0").Count(&stats.BackedUp).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// RunRepository implementation
// ============================================================================

// CreateRun creates a new run
func (r *SQLiteRepository) CreateRun(run *domain.Run) error {
	return r.db.Create(run).Error
}

// UpdateRun updates an existing run
func (r *SQLiteRepository) UpdateRun(run *domain.Run) error {
	return r.db.Save(run).Error
}

// FindRun finds a run by ID
func (r *SQLiteRepository) FindRun(id string) (*domain.Run, error) {
	var run domain.Run
	if err := r.db.First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the newest runs first
func (r *SQLiteRepository) ListRuns(limit int) ([]*domain.Run, error) {
	var runs []*domain.Run
	query := r.db.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&runs).Error
	return runs, err
}

// FindActiveRuns finds runs that never reached a terminal state
func (r *SQLiteRepository) FindActiveRuns() ([]*domain.Run, error) {
	var runs []*domain.Run
	err := r.db.Where("status IN ?", []domain.RunStatus{domain.StatusResolving, domain.StatusRunning}).
		Order("created_at ASC").
		Find(&runs).Error
	return runs, err
}
