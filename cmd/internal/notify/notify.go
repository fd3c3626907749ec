// Package notify delivers best-effort push notifications for new chat messages.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrNoPushToken is returned when the recipient has no registered device.
var ErrNoPushToken = errors.New("notify: recipient has no push token")

// Notification is the payload of a new-message push.
type Notification struct {
	RecipientUserID string `json:"recipient_user_id"`
	SenderName      string `json:"sender_name"`
	MessagePreview  string `json:"message_preview"`
	ConversationID  string `json:"conversation_id"`
	MessageID       string `json:"message_id,omitempty"`
}

// Validate reports whether n carries the fields every delivery path needs.
func (n Notification) Validate() error {
	if strings.TrimSpace(n.RecipientUserID) == "" {
		return errors.New("notify: missing recipient_user_id")
	}
	if strings.TrimSpace(n.ConversationID) == "" {
		return errors.New("notify: missing conversation_id")
	}
	return nil
}

// Notifier dispatches a notification. Implementations may deliver directly or enqueue.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// TokenLookup resolves a user's device push token.
type TokenLookup interface {
	PushToken(ctx context.Context, userID string) (string, error)
}

// Pusher sends a notification to a single device token.
type Pusher interface {
	Push(ctx context.Context, token string, n Notification) error
}

// LogNotifier only logs notifications. Used in development and when no push provider is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notify.log",
		"recipient_user_id", n.RecipientUserID,
		"conversation_id", n.ConversationID,
		"message_id", n.MessageID,
		"sender_name", n.SenderName,
		"preview_len", len(n.MessagePreview),
	)
	return nil
}

// DirectNotifier resolves the recipient's push token and pushes inline.
type DirectNotifier struct {
	tokens TokenLookup
	pusher Pusher
}

// NewDirectNotifier constructs a DirectNotifier.
func NewDirectNotifier(tokens TokenLookup, pusher Pusher) (*DirectNotifier, error) {
	if tokens == nil {
		return nil, errors.New("notify: nil token lookup")
	}
	if pusher == nil {
		return nil, errors.New("notify: nil pusher")
	}
	return &DirectNotifier{tokens: tokens, pusher: pusher}, nil
}

func (d *DirectNotifier) Notify(ctx context.Context, n Notification) error {
	return deliver(ctx, d.tokens, d.pusher, n)
}

func deliver(ctx context.Context, tokens TokenLookup, pusher Pusher, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	token, err := tokens.PushToken(ctx, n.RecipientUserID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return ErrNoPushToken
	}
	return pusher.Push(ctx, token, n)
}
