package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

const maxCaptionLength = 1024

type copyMessageRequest struct {
	ChatID     string `json:"chat_id"`
	FromChatID string `json:"from_chat_id"`
	MessageID  int    `json:"message_id"`
	Caption    string `json:"caption"`
}

type botAPIResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// BotAPISink relays media to the backup chat with the Bot API copyMessage call
type BotAPISink struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
	logger  *zap.Logger
}

// NewBotAPISink creates a sink; it is disabled when token or chat is empty
func NewBotAPISink(config *domain.TelegramConfig, logger *zap.Logger) *BotAPISink {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL := strings.TrimRight(config.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &BotAPISink{
		baseURL: baseURL,
		token:   config.BotToken,
		chatID:  config.BackupChatID,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Enabled reports whether a backup destination is configured
func (s *BotAPISink) Enabled() bool {
	return s.token != "" && s.chatID != ""
}

// Relay copies msg into the backup chat and returns the new message id
func (s *BotAPISink) Relay(ctx context.Context, msg *domain.Message, caption string) (int, error) {
	if !s.Enabled() {
		return 0, fmt.Errorf("backup sink not configured")
	}

	if r := []rune(caption); len(r) > maxCaptionLength {
		caption = string(r[:maxCaptionLength])
	}
	body, err := json.Marshal(copyMessageRequest{
		ChatID:     s.chatID,
		FromChatID: botChatID(msg.ChatID),
		MessageID:  msg.Index,
		Caption:    caption,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/bot"+s.token+"/copyMessage", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		// the token is part of the URL and must not reach the logs
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrTransientRelay, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read response: %v", domain.ErrTransientRelay, err)
	}

	var out botAPIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 500 {
			return 0, fmt.Errorf("%w: HTTP %d", domain.ErrTransientRelay, resp.StatusCode)
		}
		return 0, fmt.Errorf("invalid Bot API response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.OK {
		s.logger.Debug("Relayed message",
			zap.String("chat_id", msg.ChatID),
			zap.Int("message_id", msg.Index),
			zap.Int("backup_message_id", out.Result.MessageID))
		return out.Result.MessageID, nil
	}

	return 0, classifyBotAPIError(resp.StatusCode, &out)
}

func classifyBotAPIError(status int, out *botAPIResponse) error {
	code := out.ErrorCode
	if code == 0 {
		code = status
	}
	switch {
	case code == http.StatusTooManyRequests:
		return &domain.FloodWaitError{
			RetryAfter: time.Duration(out.Parameters.RetryAfter) * time.Second,
			Kind:       domain.ErrTransientRelay,
		}
	case code >= 500:
		return fmt.Errorf("%w: %d %s", domain.ErrTransientRelay, code, out.Description)
	default:
		return fmt.Errorf("copyMessage rejected: %d %s", code, out.Description)
	}
}

// botChatID turns a public username into the @name form the Bot API wants
func botChatID(chatID string) string {
	if strings.HasPrefix(chatID, "@") {
		return chatID
	}
	if _, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return chatID
	}
	return "@" + chatID
}

// NoopSink is used when no backup chat is configured
type NoopSink struct{}

func (NoopSink) Enabled() bool { return false }

func (NoopSink) Relay(ctx context.Context, msg *domain.Message, caption string) (int, error) {
	return 0, fmt.Errorf("backup sink not configured")
}
