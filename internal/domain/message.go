package domain

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MediaKind classifies the payload of a message
type MediaKind string

const (
	KindNone     MediaKind = ""
	KindAudio    MediaKind = "audio"
	KindVideo    MediaKind = "video"
	KindDocument MediaKind = "document"
	KindPhoto    MediaKind = "photo"
)

// Message is one entry of a chat history as seen by the indexer
type Message struct {
	ChatID    string
	ChatTitle string
	Index     int
	SenderID  int64
	Date      time.Time
	Caption   string

	Kind         MediaKind
	FileID       string
	FileUniqueID string
	FileName     string
	MimeType     string
	FileSize     int64
	Duration     int
	Width        int
	Height       int

	// Embedded file tags (ID3 and friends), when the media carries them
	Performer string
	Title     string
}

// IsMedia reports whether the message carries an indexable file
func (m *Message) IsMedia() bool {
	return m != nil && m.Kind != KindNone && m.FileIdentifier() != ""
}

// FileIdentifier returns the dedup key of the message's media blob
func (m *Message) FileIdentifier() string {
	if m.FileUniqueID != "" {
		return m.FileUniqueID
	}
	return m.FileID
}

var (
	audioExts = map[string]bool{".mp3": true, ".m4a": true, ".flac": true, ".ogg": true, ".opus": true, ".wav": true, ".aac": true}
	videoExts = map[string]bool{".mp4": true, ".mkv": true, ".mov": true, ".webm": true, ".avi": true}
	photoExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true}
)

// KindFromFileName classifies a file by extension; unknown files are documents
func KindFromFileName(name string) MediaKind {
	if name == "" {
		return KindNone
	}
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case audioExts[ext]:
		return KindAudio
	case videoExts[ext]:
		return KindVideo
	case photoExts[ext]:
		return KindPhoto
	default:
		return KindDocument
	}
}

// Reference points at a position in a chat history.
// Index 0 means "before the first message".
type Reference struct {
	ChatID string `json:"chat_id"`
	Index  int    `json:"index"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%d", r.ChatID, r.Index)
}

// ParseReference understands t.me links, "chat/123", forwarded "chat:123"
// and a bare chat name or id.
func ParseReference(raw string) (Reference, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Reference{}, fmt.Errorf("empty reference")
	}

	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/", "https://telegram.me/"} {
		if strings.HasPrefix(s, prefix) {
			return parseLinkPath(strings.TrimPrefix(s, prefix))
		}
	}

	if chat, idx, ok := strings.Cut(s, ":"); ok {
		return buildReference(chat, idx)
	}
	if chat, idx, ok := strings.Cut(s, "/"); ok {
		return buildReference(chat, idx)
	}
	return Reference{ChatID: strings.TrimPrefix(s, "@")}, nil
}

// parseLinkPath handles "<user>/<id>" and "c/<internal>/<id>"
func parseLinkPath(path string) (Reference, error) {
	path = strings.Trim(path, "/")
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")

	if parts[0] == "c" {
		if len(parts) < 2 || parts[1] == "" {
			return Reference{}, fmt.Errorf("invalid private link: %s", path)
		}
		// private channel links omit the -100 prefix of the peer id
		chat := "-100" + parts[1]
		if len(parts) == 2 {
			return Reference{ChatID: chat}, nil
		}
		return buildReference(chat, parts[len(parts)-1])
	}

	if len(parts) == 1 {
		return Reference{ChatID: parts[0]}, nil
	}
	return buildReference(parts[0], parts[len(parts)-1])
}

func buildReference(chat, idx string) (Reference, error) {
	chat = strings.TrimPrefix(strings.TrimSpace(chat), "@")
	if chat == "" {
		return Reference{}, fmt.Errorf("missing chat in reference")
	}
	n, err := strconv.Atoi(strings.TrimSpace(idx))
	if err != nil || n < 0 {
		return Reference{}, fmt.Errorf("invalid message index %q", idx)
	}
	return Reference{ChatID: chat, Index: n}, nil
}
