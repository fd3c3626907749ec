package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"happyinline/cmd/internal/notify"
)

const (
	defaultNotifyTimeout = 10 * time.Second

	// FallbackSenderName is used in notifications when the sender has no display name.
	FallbackSenderName = "Someone"
)

// Sender persists outbound messages and fires a best-effort push to the other participant.
type Sender struct {
	store    MessageStore
	dir      Directory
	notifier notify.Notifier
	log      *slog.Logger
	metrics  *Metrics

	notifyTimeout time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithNotifyTimeout bounds each detached notification dispatch (default 10s).
func WithNotifyTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// WithSenderMetrics records sends and notification failures on m.
func WithSenderMetrics(m *Metrics) SenderOption {
	return func(s *Sender) { s.metrics = m }
}

// WithClock overrides the time source used to stamp new messages.
func WithClock(now func() time.Time) SenderOption {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSender constructs a Sender.
func NewSender(store MessageStore, dir Directory, notifier notify.Notifier, log *slog.Logger, opts ...SenderOption) (*Sender, error) {
	if store == nil {
		return nil, errors.New("messaging: nil message store")
	}
	if dir == nil {
		return nil, errors.New("messaging: nil directory")
	}
	if notifier == nil {
		return nil, errors.New("messaging: nil notifier")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Sender{
		store:         store,
		dir:           dir,
		notifier:      notifier,
		log:           log,
		notifyTimeout: defaultNotifyTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SendInput is a request to post a message to a conversation.
// Text is stored as given.
type SendInput struct {
	ConversationID string
	SenderID       string
	Text           string
}

// Send persists the message and returns it. The recipient notification runs detached
// from ctx; its outcome never affects the result of Send.
func (s *Sender) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "messaging.Sender.Send"

	convID := strings.TrimSpace(in.ConversationID)
	senderID := strings.TrimSpace(in.SenderID)
	if convID == "" {
		return Message{}, invalid(op, "missing conversation_id")
	}
	if senderID == "" {
		return Message{}, invalid(op, "missing sender_id")
	}

	// The slot covers the append and the detached dispatch, so Close never
	// returns while either is still running.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Message{}, fmt.Errorf("%s: %w", op, ErrSenderClosed)
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	m, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        in.Text,
		Now:            s.now().UTC(),
	})
	if err != nil {
		s.wg.Done()
		return Message{}, fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.messageSent()

	go s.dispatch(context.WithoutCancel(ctx), m)

	return m, nil
}

// Wait blocks until every detached notification dispatch has finished. It must not
// race with new sends; shutdown paths use Close instead.
func (s *Sender) Wait() { s.wg.Wait() }

// Close stops accepting sends and waits for the ones in progress, including
// their notification dispatches. It is idempotent.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Sender) dispatch(parent context.Context, m Message) {
	defer s.wg.Done()

	log := s.log.With("conversation_id", m.ConversationID, "message_id", m.ID)
	defer func() {
		if r := recover(); r != nil {
			s.metrics.notifyFailed("panic")
			log.Error("notify.dispatch.panic", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, s.notifyTimeout)
	defer cancel()

	parts, err := s.dir.Participants(ctx, m.ConversationID)
	if err != nil {
		s.metrics.notifyFailed("participants")
		log.Warn("notify.dispatch.fail", "stage", "participants", "err", err)
		return
	}
	recipient, ok := parts.Other(m.SenderID)
	if !ok {
		s.metrics.notifyFailed("recipient")
		log.Warn("notify.dispatch.fail", "stage", "recipient", "sender_id", m.SenderID, "err", ErrNotParticipant)
		return
	}

	senderName := FallbackSenderName
	if name, err := s.dir.DisplayName(ctx, m.SenderID); err != nil {
		log.Debug("notify.sender_name.fail", "sender_id", m.SenderID, "err", err)
	} else if name = strings.TrimSpace(name); name != "" {
		senderName = name
	}

	n := notify.Notification{
		RecipientUserID: recipient,
		SenderName:      senderName,
		MessagePreview:  Preview(m.Content),
		ConversationID:  m.ConversationID,
		MessageID:       m.ID,
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.metrics.notifyFailed("notify")
		log.Warn("notify.dispatch.fail", "stage", "notify", "recipient_user_id", recipient, "err", err)
		return
	}
	log.Debug("notify.dispatch.ok", "recipient_user_id", recipient)
}
