package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// exportData is the JSON written by `tdl chat export`. The optional media
// fields are not produced by tdl itself but are honored when present in a
// pre-exported history file.
type exportData struct {
	ID       int64           `json:"id"`
	Messages []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
	File string `json:"file"`
	Date int64  `json:"date"`
	Text string `json:"text"`

	SenderID     int64  `json:"sender_id,omitempty"`
	FileID       string `json:"file_id,omitempty"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Performer    string `json:"performer,omitempty"`
	Title        string `json:"title,omitempty"`
}

// page is one exported window [from, to] of a chat
type page struct {
	from, to int
	newest   int
	messages map[int]*domain.Message
}

// commandRunner executes a binary and returns its combined output
type commandRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).CombinedOutput()
}

var floodWaitRe = regexp.MustCompile(`FLOOD_WAIT_(\d+)`)

// TDLSource implements MessageSource and LatestIndexer on top of the tdl
// CLI, or on a pre-exported history file when one is configured
type TDLSource struct {
	config  *domain.TelegramConfig
	workDir string
	logger  *zap.Logger
	run     commandRunner

	mu     sync.Mutex
	pages  map[string]*page
	latest map[string]int

	// loaded from config.ExportFile; nil when tdl is used
	history map[string]*page
}

// NewTDLSource creates a source. With an export file configured the whole
// history is loaded up front and tdl is never invoked.
func NewTDLSource(config *domain.TelegramConfig, workDir string, logger *zap.Logger) (*TDLSource, error) {
	s := &TDLSource{
		config:  config,
		workDir: workDir,
		logger:  logger,
		run:     execRunner,
		pages:   make(map[string]*page),
		latest:  make(map[string]int),
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}

	if config.ExportFile != "" {
		if err := s.loadExportFile(config.ExportFile); err != nil {
			return nil, err
		}
		return s, nil
	}

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return s, nil
}

// ResolveReference parses t.me links, chat/index and forwarded chat:index.
// With an export file the chat must be the exported one.
func (s *TDLSource) ResolveReference(ctx context.Context, raw string) (domain.Reference, error) {
	ref, err := domain.ParseReference(raw)
	if err != nil {
		return ref, err
	}
	if s.history != nil {
		if _, err := s.historyFor(ref.ChatID); err != nil {
			return domain.Reference{}, err
		}
	}
	return ref, nil
}

// Fetch returns the message at index. Gaps inside an exported window are
// deleted or service messages and come back as non-media.
func (s *TDLSource) Fetch(ctx context.Context, chatID string, index int) (*domain.Message, error) {
	if index <= 0 {
		return nil, fmt.Errorf("invalid message index %d", index)
	}

	if s.history != nil {
		return s.fetchFromHistory(chatID, index)
	}

	p, err := s.window(ctx, chatID, index)
	if err != nil {
		return nil, err
	}
	if msg, ok := p.messages[index]; ok {
		return msg, nil
	}
	if s.pastEnd(chatID, p, index) {
		return nil, domain.ErrEndOfHistory
	}
	return placeholder(chatID, index), nil
}

// pastEnd decides end of history from what is already known, so a Fetch
// never costs more than the one export of its window. An index beyond the
// newest known message ends the chat; without a known latest index only an
// empty window does.
func (s *TDLSource) pastEnd(chatID string, p *page, index int) bool {
	if index <= p.newest {
		return false
	}
	s.mu.Lock()
	last, known := s.latest[chatID]
	s.mu.Unlock()
	if known {
		return index > last
	}
	return len(p.messages) == 0
}

// LatestIndex returns the id of the newest message in the chat
func (s *TDLSource) LatestIndex(ctx context.Context, chatID string) (int, error) {
	if s.history != nil {
		p, err := s.historyFor(chatID)
		if err != nil {
			return 0, err
		}
		return p.to, nil
	}

	s.mu.Lock()
	last, ok := s.latest[chatID]
	s.mu.Unlock()
	if ok {
		return last, nil
	}

	data, err := s.export(ctx, chatID, "last", "1")
	if err != nil {
		return 0, err
	}
	for _, m := range data.Messages {
		last = max(last, m.ID)
	}

	s.mu.Lock()
	s.latest[chatID] = last
	s.mu.Unlock()
	return last, nil
}

// window returns the cached page containing index, exporting it if needed.
// Only the most recent page per chat is kept since runs move forward.
func (s *TDLSource) window(ctx context.Context, chatID string, index int) (*page, error) {
	s.mu.Lock()
	p, ok := s.pages[chatID]
	s.mu.Unlock()
	if ok && index >= p.from && index <= p.to {
		return p, nil
	}

	size := s.config.PageSize
	from := (index-1)/size*size + 1
	to := from + size - 1

	data, err := s.export(ctx, chatID, "id", fmt.Sprintf("%d,%d", from, to))
	if err != nil {
		return nil, err
	}

	origin := data.origin(chatID)
	p = &page{from: from, to: to, messages: make(map[int]*domain.Message, len(data.Messages))}
	for _, m := range data.Messages {
		p.messages[m.ID] = m.toMessage(chatID, origin)
		p.newest = max(p.newest, m.ID)
	}

	s.mu.Lock()
	s.pages[chatID] = p
	if last, ok := s.latest[chatID]; ok && p.newest > last {
		s.latest[chatID] = p.newest
	}
	s.mu.Unlock()
	return p, nil
}

// export runs `tdl chat export` into a scratch file and parses it
func (s *TDLSource) export(ctx context.Context, chatID, filter, input string) (*exportData, error) {
	out := filepath.Join(s.workDir, fmt.Sprintf("export_%s_%s_%d.json",
		sanitizeFileName(chatID), filter, time.Now().UnixNano()))
	defer os.Remove(out)

	args := []string{
		"-n", s.config.Profile,
		"--storage", fmt.Sprintf("type=%s,path=%s", s.config.StorageType, s.config.StoragePath),
		"chat", "export",
		"-c", chatID,
		"-T", filter,
		"-i", input,
		"--with-content",
		"--all",
		"-o", out,
	}
	s.logger.Debug("Running tdl", zap.String("cmd", CommandLine(s.config.TDLBinary, args...)))

	output, err := s.run(ctx, s.config.TDLBinary, args...)
	if err != nil {
		return nil, classifyTDLError(err, output)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read export file: %v", domain.ErrTransientFetch, err)
	}
	var data exportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse export data: %w", err)
	}
	return &data, nil
}

// classifyTDLError maps tdl failures onto the retry taxonomy
func classifyTDLError(err error, output []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: tdl binary not found: %v", domain.ErrSourceUnavailable, err)
	}
	if m := floodWaitRe.FindSubmatch(output); m != nil {
		secs, _ := strconv.Atoi(string(m[1]))
		return &domain.FloodWaitError{RetryAfter: time.Duration(secs) * time.Second, Kind: domain.ErrTransientFetch}
	}
	msg := strings.TrimSpace(string(output))
	if len(msg) > 200 {
		msg = msg[len(msg)-200:]
	}
	return fmt.Errorf("%w: tdl failed: %v: %s", domain.ErrTransientFetch, err, msg)
}

func (s *TDLSource) loadExportFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read export file: %w", err)
	}
	var data exportData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse export file: %w", err)
	}

	chatID := data.origin("")
	if chatID == "" {
		return fmt.Errorf("export file %s has no chat id", path)
	}
	p := &page{from: 1, messages: make(map[int]*domain.Message, len(data.Messages))}
	for _, m := range data.Messages {
		p.messages[m.ID] = m.toMessage(chatID, chatID)
		p.to = max(p.to, m.ID)
	}
	s.history = map[string]*page{chatID: p}
	s.logger.Info("Loaded exported history",
		zap.String("chat_id", chatID),
		zap.Int("messages", len(data.Messages)),
		zap.Int("latest", p.to))
	return nil
}

// historyFor matches a chat id with or without the -100 channel prefix
func (s *TDLSource) historyFor(chatID string) (*page, error) {
	for _, id := range []string{chatID, strings.TrimPrefix(chatID, "-100"), "-100" + chatID} {
		if p, ok := s.history[id]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: chat %s not in export file", domain.ErrSourceUnavailable, chatID)
}

func (s *TDLSource) fetchFromHistory(chatID string, index int) (*domain.Message, error) {
	p, err := s.historyFor(chatID)
	if err != nil {
		return nil, err
	}
	if index > p.to {
		return nil, domain.ErrEndOfHistory
	}
	if msg, ok := p.messages[index]; ok {
		// relays must address the chat the way the caller named it
		m := *msg
		m.ChatID = chatID
		return &m, nil
	}
	return placeholder(chatID, index), nil
}

// origin is the numeric chat id of the export, the same however the caller
// spelled the chat. fallback is used when the export carries none.
func (d *exportData) origin(fallback string) string {
	if d.ID == 0 {
		return fallback
	}
	return strconv.FormatInt(d.ID, 10)
}

// toMessage addresses the message as chatID and derives fallback file ids
// from origin
func (m exportMessage) toMessage(chatID, origin string) *domain.Message {
	msg := &domain.Message{
		ChatID:   chatID,
		Index:    m.ID,
		SenderID: m.SenderID,
		Caption:  m.Text,
	}
	if m.Date > 0 {
		msg.Date = time.Unix(m.Date, 0).UTC()
	}
	if m.File == "" || m.Type == "service" {
		return msg
	}

	msg.Kind = domain.KindFromFileName(m.File)
	msg.FileName = m.File
	msg.FileUniqueID = m.FileUniqueID
	msg.FileID = m.FileID
	if msg.FileID == "" {
		// tdl exports carry no file ids; the message position is the
		// stable identity of its blob
		msg.FileID = fmt.Sprintf("%s:%d", origin, m.ID)
	}
	msg.MimeType = m.MimeType
	msg.FileSize = m.Size
	msg.Duration = m.Duration
	msg.Width = m.Width
	msg.Height = m.Height
	msg.Performer = m.Performer
	msg.Title = m.Title
	return msg
}

func placeholder(chatID string, index int) *domain.Message {
	return &domain.Message{ChatID: chatID, Index: index, Kind: domain.KindNone}
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}
