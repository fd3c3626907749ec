package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"happyinline/cmd/identity/ids"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev-only fallback when no backend is configured.
// It implements Backend and keeps at most memMaxMessagesPerConversation messages
// per conversation.
type InMemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*memConv
	pairs    map[string]string // pairKey -> conversation id
	profiles map[string]Profile
}

// Profile is the subset of a user profile the messaging layer needs.
type Profile struct {
	ID        string
	Name      string
	PushToken string
}

type memConv struct {
	conv Conversation
	msgs []Message // ordered by CreatedAt, then insertion
}

// NewInMemoryStore constructs an in-memory Backend.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:    make(map[string]*memConv),
		pairs:    make(map[string]string),
		profiles: make(map[string]Profile),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// PutProfile creates or replaces a profile.
func (s *InMemoryStore) PutProfile(p Profile) {
	if strings.TrimSpace(p.ID) == "" {
		return
	}
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// PutConversation creates or replaces a conversation row with a fixed id.
func (s *InMemoryStore) PutConversation(c Conversation) {
	if strings.TrimSpace(c.ID) == "" {
		return
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[c.ID]
	if mc == nil {
		mc = &memConv{msgs: make([]Message, 0, 64)}
		s.convs[c.ID] = mc
	}
	mc.conv = c
	s.pairs[pairKey(c.Participant1, c.Participant2, c.ShopID)] = c.ID
}

// AppendMessage persists a message and bumps the conversation's last_message_at.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "messaging.InMemoryStore.AppendMessage"
	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.SenderID) == "" {
		return Message{}, invalid(op, "conversation_id and sender_id are required")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[in.ConversationID]
	if mc == nil {
		return Message{}, notFound(op, "conversation "+in.ConversationID)
	}

	msg := Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		CreatedAt:      now,
	}

	// Keep CreatedAt order even when callers pass out-of-order clocks.
	i := sort.Search(len(mc.msgs), func(i int) bool { return mc.msgs[i].CreatedAt.After(now) })
	mc.msgs = append(mc.msgs, Message{})
	copy(mc.msgs[i+1:], mc.msgs[i:])
	mc.msgs[i] = msg

	if len(mc.msgs) > memMaxMessagesPerConversation {
		mc.msgs = mc.msgs[len(mc.msgs)-memMaxMessagesPerConversation:]
	}

	if mc.conv.LastMessageAt == nil || now.After(*mc.conv.LastMessageAt) {
		ts := now
		mc.conv.LastMessageAt = &ts
	}

	return msg, nil
}

// FetchRecent returns up to limit messages, newest first.
func (s *InMemoryStore) FetchRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, invalid("messaging.InMemoryStore.FetchRecent", "missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit, defaultRecentLimit, maxRecentLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil || len(mc.msgs) == 0 {
		return []Message{}, nil
	}

	n := len(mc.msgs)
	if limit > n {
		limit = n
	}
	out := make([]Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, mc.msgs[i])
	}
	return out, nil
}

// Participants returns the participant pair of a conversation.
func (s *InMemoryStore) Participants(ctx context.Context, conversationID string) (Participants, error) {
	const op = "messaging.InMemoryStore.Participants"
	if err := ctx.Err(); err != nil {
		return Participants{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return Participants{}, notFound(op, "conversation "+conversationID)
	}
	return mc.conv.Participants(), nil
}

// DisplayName returns the profile name of userID.
func (s *InMemoryStore) DisplayName(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	p, ok := s.profiles[userID]
	s.mu.Unlock()
	if !ok {
		return "", notFound("messaging.InMemoryStore.DisplayName", "profile "+userID)
	}
	return p.Name, nil
}

// PushToken returns the registered push token of userID ("" when none).
func (s *InMemoryStore) PushToken(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	p, ok := s.profiles[userID]
	s.mu.Unlock()
	if !ok {
		return "", notFound("messaging.InMemoryStore.PushToken", "profile "+userID)
	}
	return p.PushToken, nil
}

// GetOrCreateConversation returns the conversation between two users (per shop), creating it if needed.
func (s *InMemoryStore) GetOrCreateConversation(ctx context.Context, userA, userB string, shopID *string) (Conversation, error) {
	const op = "messaging.InMemoryStore.GetOrCreateConversation"
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" || userA == userB {
		return Conversation{}, invalid(op, "two distinct participants are required")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(userA, userB, shopID)
	if id, ok := s.pairs[key]; ok {
		return s.convs[id].conv, nil
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, err
	}
	c := Conversation{
		ID:           id,
		Participant1: userA,
		Participant2: userB,
		ShopID:       shopID,
		CreatedAt:    now,
	}
	s.convs[id] = &memConv{conv: c, msgs: make([]Message, 0, 64)}
	s.pairs[key] = id
	return c, nil
}

// ListConversations returns the user's conversations, most recent activity first.
func (s *InMemoryStore) ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("messaging.InMemoryStore.ListConversations", "missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit, defaultConversationLimit, maxConversationLimit)

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, mc := range s.convs {
		if mc.conv.Participants().Has(userID) {
			out = append(out, mc.conv)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead marks every message in the conversation not sent by readerID as read.
func (s *InMemoryStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "messaging.InMemoryStore.MarkRead"
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(readerID) == "" {
		return 0, invalid(op, "conversation_id and reader_id are required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.convs[conversationID]
	if mc == nil {
		return 0, notFound(op, "conversation "+conversationID)
	}

	var n int64
	for i := range mc.msgs {
		if mc.msgs[i].SenderID != readerID && !mc.msgs[i].IsRead {
			mc.msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}

// UnreadCount counts unread messages addressed to userID across all conversations.
func (s *InMemoryStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, invalid("messaging.InMemoryStore.UnreadCount", "missing user_id")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, mc := range s.convs {
		if !mc.conv.Participants().Has(userID) {
			continue
		}
		for _, m := range mc.msgs {
			if m.SenderID != userID && !m.IsRead {
				n++
			}
		}
	}
	return n, nil
}

func activity(c Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func pairKey(a, b string, shopID *string) string {
	if b < a {
		a, b = b, a
	}
	shop := ""
	if shopID != nil {
		shop = *shopID
	}
	return a + "|" + b + "|" + shop
}
