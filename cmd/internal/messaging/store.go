package messaging

import (
	"context"
	"time"
)

// Fetcher returns the most recent messages of a conversation, newest first.
//
// Requirements:
//   - limit values of at least 100 (backfill) and 20 (poll) are supported
//   - an empty conversation yields an empty slice, not an error
type Fetcher interface {
	FetchRecent(ctx context.Context, conversationID string, limit int) ([]Message, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, conversationID string, limit int) ([]Message, error)

// FetchRecent calls f.
func (f FetcherFunc) FetchRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return f(ctx, conversationID, limit)
}

// MessageStore persists and queries messages.
type MessageStore interface {
	Fetcher
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Now            time.Time
}

// Directory resolves who is in a conversation and how to reach them.
type Directory interface {
	Participants(ctx context.Context, conversationID string) (Participants, error)
	DisplayName(ctx context.Context, userID string) (string, error)
	PushToken(ctx context.Context, userID string) (string, error)
}

// ConversationStore manages conversation rows and read state.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, userA, userB string, shopID *string) (Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// Backend is the full set of operations a storage backend provides.
type Backend interface {
	MessageStore
	Directory
	ConversationStore
}

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200

	defaultConversationLimit = 50
	maxConversationLimit     = 200
)

// ClampLimit normalizes a page size to [1, max], using def for non-positive input.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}
