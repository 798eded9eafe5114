package domain

import (
	"time"
)

// IndexRecord is one indexed media blob
type IndexRecord struct {
	FileIdentifier string    `json:"file_identifier" gorm:"primaryKey" bson:"file_identifier"`
	FileID         string    `json:"file_id,omitempty" bson:"file_id,omitempty"`
	FileName       string    `json:"file_name,omitempty" gorm:"index" bson:"file_name,omitempty"`
	ChatID         string    `json:"chat_id" gorm:"index" bson:"chat_id"`
	ChatTitle      string    `json:"chat_title,omitempty" bson:"chat_title,omitempty"`
	MessageID      int       `json:"message_id" bson:"message_id"`
	SenderID       int64     `json:"sender_id,omitempty" bson:"sender_id,omitempty"`
	Date           time.Time `json:"date" bson:"date"`

	Kind     MediaKind `json:"kind" gorm:"index" bson:"kind"`
	MimeType string    `json:"mime_type,omitempty" bson:"mime_type,omitempty"`
	FileSize int64     `json:"file_size" bson:"file_size"`
	Duration *int      `json:"duration,omitempty" bson:"duration,omitempty"`
	Width    *int      `json:"width,omitempty" bson:"width,omitempty"`
	Height   *int      `json:"height,omitempty" bson:"height,omitempty"`
	Caption  string    `json:"caption,omitempty" gorm:"type:text" bson:"caption,omitempty"`

	Title     string `json:"title,omitempty" gorm:"index" bson:"title,omitempty"`
	Artist    string `json:"artist,omitempty" gorm:"index" bson:"artist,omitempty"`
	TrackID   string `json:"track_id,omitempty" gorm:"index" bson:"track_id,omitempty"`
	SourceURL string `json:"source_url,omitempty" bson:"source_url,omitempty"`
	Platform  string `json:"platform,omitempty" bson:"platform,omitempty"`

	BackupMessageID int `json:"backup_message_id,omitempty" bson:"backup_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime" bson:"updated_at"`
}

// TableName specifies the table name for GORM
func (IndexRecord) TableName() string {
	return "index_records"
}

// HasBackup reports whether the blob was already relayed
func (r *IndexRecord) HasBackup() bool {
	return r != nil && r.BackupMessageID != 0
}

// NewIndexRecord builds the media part of a record from a message.
// Track facts are merged in by the caller.
func NewIndexRecord(msg *Message) *IndexRecord {
	rec := &IndexRecord{
		FileIdentifier: msg.FileIdentifier(),
		FileID:         msg.FileID,
		FileName:       msg.FileName,
		ChatID:         msg.ChatID,
		ChatTitle:      msg.ChatTitle,
		MessageID:      msg.Index,
		SenderID:       msg.SenderID,
		Date:           msg.Date,
		Kind:           msg.Kind,
		MimeType:       msg.MimeType,
		FileSize:       msg.FileSize,
		Caption:        msg.Caption,
	}
	if msg.Duration > 0 {
		d := msg.Duration
		rec.Duration = &d
	}
	if msg.Width > 0 && msg.Height > 0 {
		w, h := msg.Width, msg.Height
		rec.Width = &w
		rec.Height = &h
	}
	return rec
}

// RecordStats summarizes the store, as shown by the stats endpoint
type RecordStats struct {
	Total     int64 `json:"total"`
	Audio     int64 `json:"audio"`
	Video     int64 `json:"video"`
	Document  int64 `json:"document"`
	Photo     int64 `json:"photo"`
	WithTrack int64 `json:"with_track"`
	BackedUp  int64 `json:"backed_up"`
}
