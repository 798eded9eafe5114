package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// NotificationService sends desktop notifications when runs finish
type NotificationService struct {
	config *domain.NotificationConfig
	logger *zap.Logger
	run    commandRunner
}

// NewNotificationService creates a new notification service
func NewNotificationService(config *domain.NotificationConfig, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		config: config,
		logger: logger,
		run:    execRunner,
	}
}

// Send sends a notification
func (n *NotificationService) Send(title, message string) error {
	if !n.config.Enabled {
		n.logger.Debug("Notifications disabled, skipping",
			zap.String("title", title),
			zap.String("message", message))
		return nil
	}

	var binary string
	var args []string
	switch n.config.Method {
	case "osascript":
		binary = "osascript"
		args = []string{"-e", fmt.Sprintf(`display notification %s with title %s`, appleScriptString(message), appleScriptString(title))}
	case "notify-send":
		binary = "notify-send"
		args = []string{title, message}
	default:
		n.logger.Warn("Unknown notification method", zap.String("method", n.config.Method))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.run(ctx, binary, args...); err != nil {
		n.logger.Error("Failed to send notification",
			zap.String("method", n.config.Method),
			zap.Error(err))
		return err
	}

	n.logger.Debug("Notification sent",
		zap.String("title", title),
		zap.String("message", message))
	return nil
}

// NotifyRunFinished reports the terminal state of a run
func (n *NotificationService) NotifyRunFinished(run *domain.Run) {
	var title string
	switch run.Status {
	case domain.StatusCompleted:
		title = "Indexing Completed"
	case domain.StatusCancelled:
		title = "Indexing Cancelled"
	case domain.StatusFailed:
		title = "Indexing Failed"
	default:
		return
	}

	message := fmt.Sprintf("%s: %d indexed, %d skipped, %d errors (next %d)",
		truncateString(run.ChatID, 30), run.Processed, run.Skipped, run.Errors, run.Cursor)
	n.Send(title, message)
}

// appleScriptString quotes s as an AppleScript string literal
func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// truncateString truncates a string to the specified length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
