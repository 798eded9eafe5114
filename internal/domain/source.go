package domain

import "context"

// MessageSource reads a chat history
type MessageSource interface {
	// ResolveReference turns a user-supplied link or forward into a position
	ResolveReference(ctx context.Context, raw string) (Reference, error)

	// Fetch returns the message at index; ErrEndOfHistory past the end.
	// Deleted or service messages come back with Kind == KindNone.
	Fetch(ctx context.Context, chatID string, index int) (*Message, error)
}

// LatestIndexer is implemented by sources that know the newest message index
type LatestIndexer interface {
	LatestIndex(ctx context.Context, chatID string) (int, error)
}

// BackupSink relays media to the backup chat
type BackupSink interface {
	// Relay copies msg with the given caption and returns the destination
	// message id
	Relay(ctx context.Context, msg *Message, caption string) (int, error)

	// Enabled reports whether a destination is configured
	Enabled() bool
}
