package supabase

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"happyinline/cmd/internal/messaging"
)

const (
	messageColumns      = "id,conversation_id,sender_id,content,is_read,created_at"
	conversationColumns = "id,participant_1_id,participant_2_id,shop_id,last_message_at,created_at"
)

var _ messaging.Backend = (*Client)(nil)

// Close is a no-op; the HTTP client is owned by the caller.
func (c *Client) Close() error { return nil }

type messageRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r messageRow) message() messaging.Message {
	return messaging.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		IsRead:         r.IsRead,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

type conversationRow struct {
	ID            string     `json:"id"`
	Participant1  string     `json:"participant_1_id"`
	Participant2  string     `json:"participant_2_id"`
	ShopID        *string    `json:"shop_id"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (r conversationRow) conversation() messaging.Conversation {
	c := messaging.Conversation{
		ID:           r.ID,
		Participant1: r.Participant1,
		Participant2: r.Participant2,
		ShopID:       r.ShopID,
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.LastMessageAt != nil {
		ts := r.LastMessageAt.UTC()
		c.LastMessageAt = &ts
	}
	return c
}

// FetchRecent returns up to limit messages ordered by created_at DESC.
func (c *Client) FetchRecent(ctx context.Context, conversationID string, limit int) ([]messaging.Message, error) {
	const op = "supabase.FetchRecent"
	if err := validID(op, "conversation_id", conversationID); err != nil {
		return nil, err
	}
	limit = messaging.ClampLimit(limit, 20, 200)

	q := url.Values{}
	q.Set("select", messageColumns)
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", strconv.Itoa(limit))

	var rows []messageRow
	if _, err := c.do(ctx, request{method: http.MethodGet, table: "messages", query: q}, &rows); err != nil {
		return nil, err
	}
	out := make([]messaging.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

// AppendMessage inserts a message, then bumps the conversation's last_message_at.
// The bump is best-effort: the message is already stored when it runs.
func (c *Client) AppendMessage(ctx context.Context, in messaging.AppendMessageInput) (messaging.Message, error) {
	const op = "supabase.AppendMessage"
	if err := validID(op, "conversation_id", in.ConversationID); err != nil {
		return messaging.Message{}, err
	}
	if err := validID(op, "sender_id", in.SenderID); err != nil {
		return messaging.Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	body := map[string]any{
		"conversation_id": in.ConversationID,
		"sender_id":       in.SenderID,
		"content":         in.Content,
		"created_at":      now,
	}
	q := url.Values{}
	q.Set("select", messageColumns)

	var rows []messageRow
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		table:  "messages",
		query:  q,
		body:   body,
		prefer: []string{"return=representation"},
	}, &rows)
	if err != nil {
		var se *StatusError
		// 23503 foreign_key_violation: unknown conversation
		if errors.As(err, &se) && strings.Contains(se.Body, "23503") {
			return messaging.Message{}, notFound(op, "conversation "+in.ConversationID)
		}
		return messaging.Message{}, err
	}
	if len(rows) == 0 {
		return messaging.Message{}, errors.New("supabase: insert returned no rows")
	}

	bump := url.Values{}
	bump.Set("id", "eq."+in.ConversationID)
	_, _ = c.do(ctx, request{
		method: http.MethodPatch,
		table:  "conversations",
		query:  bump,
		body:   map[string]any{"last_message_at": now},
		prefer: []string{"return=minimal"},
	}, nil)

	return rows[0].message(), nil
}

// Participants returns the participant pair of a conversation.
func (c *Client) Participants(ctx context.Context, conversationID string) (messaging.Participants, error) {
	const op = "supabase.Participants"
	conv, err := c.conversation(ctx, op, conversationID)
	if err != nil {
		return messaging.Participants{}, err
	}
	return conv.Participants(), nil
}

func (c *Client) conversation(ctx context.Context, op, conversationID string) (messaging.Conversation, error) {
	if err := validID(op, "conversation_id", conversationID); err != nil {
		return messaging.Conversation{}, err
	}
	q := url.Values{}
	q.Set("select", conversationColumns)
	q.Set("id", "eq."+conversationID)
	q.Set("limit", "1")

	var rows []conversationRow
	if _, err := c.do(ctx, request{method: http.MethodGet, table: "conversations", query: q}, &rows); err != nil {
		return messaging.Conversation{}, err
	}
	if len(rows) == 0 {
		return messaging.Conversation{}, notFound(op, "conversation "+conversationID)
	}
	return rows[0].conversation(), nil
}

type profileRow struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	PushToken *string `json:"push_token"`
}

func (c *Client) profile(ctx context.Context, op, userID string) (profileRow, error) {
	if err := validID(op, "user_id", userID); err != nil {
		return profileRow{}, err
	}
	q := url.Values{}
	q.Set("select", "id,name,push_token")
	q.Set("id", "eq."+userID)
	q.Set("limit", "1")

	var rows []profileRow
	if _, err := c.do(ctx, request{method: http.MethodGet, table: "profiles", query: q}, &rows); err != nil {
		return profileRow{}, err
	}
	if len(rows) == 0 {
		return profileRow{}, notFound(op, "profile "+userID)
	}
	return rows[0], nil
}

// DisplayName returns the profile name of userID.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	p, err := c.profile(ctx, "supabase.DisplayName", userID)
	return p.Name, err
}

// PushToken returns the registered push token of userID ("" when none).
func (c *Client) PushToken(ctx context.Context, userID string) (string, error) {
	p, err := c.profile(ctx, "supabase.PushToken", userID)
	if err != nil || p.PushToken == nil {
		return "", err
	}
	return *p.PushToken, nil
}

// GetOrCreateConversation returns the conversation between two users (per shop), creating it if needed.
func (c *Client) GetOrCreateConversation(ctx context.Context, userA, userB string, shopID *string) (messaging.Conversation, error) {
	const op = "supabase.GetOrCreateConversation"
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if err := validID(op, "participant", userA); err != nil {
		return messaging.Conversation{}, err
	}
	if err := validID(op, "participant", userB); err != nil {
		return messaging.Conversation{}, err
	}
	if userA == userB {
		return messaging.Conversation{}, messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: "two distinct participants are required"}
	}
	if shopID != nil {
		if err := validID(op, "shop_id", *shopID); err != nil {
			return messaging.Conversation{}, err
		}
	}
	if userB < userA {
		userA, userB = userB, userA
	}

	if conv, ok, err := c.findConversation(ctx, userA, userB, shopID); err != nil || ok {
		return conv, err
	}

	body := map[string]any{
		"participant_1_id": userA,
		"participant_2_id": userB,
		"shop_id":          shopID,
	}
	q := url.Values{}
	q.Set("select", conversationColumns)

	var rows []conversationRow
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		table:  "conversations",
		query:  q,
		body:   body,
		prefer: []string{"return=representation"},
	}, &rows)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusConflict {
		// created concurrently by the other participant
		conv, ok, err := c.findConversation(ctx, userA, userB, shopID)
		if err == nil && !ok {
			err = notFound(op, "conversation vanished after conflict")
		}
		return conv, err
	}
	if err != nil {
		return messaging.Conversation{}, err
	}
	if len(rows) == 0 {
		return messaging.Conversation{}, errors.New("supabase: insert returned no rows")
	}
	return rows[0].conversation(), nil
}

func (c *Client) findConversation(ctx context.Context, a, b string, shopID *string) (messaging.Conversation, bool, error) {
	q := url.Values{}
	q.Set("select", conversationColumns)
	q.Set("participant_1_id", "eq."+a)
	q.Set("participant_2_id", "eq."+b)
	if shopID != nil {
		q.Set("shop_id", "eq."+*shopID)
	} else {
		q.Set("shop_id", "is.null")
	}
	q.Set("limit", "1")

	var rows []conversationRow
	if _, err := c.do(ctx, request{method: http.MethodGet, table: "conversations", query: q}, &rows); err != nil {
		return messaging.Conversation{}, false, err
	}
	if len(rows) == 0 {
		return messaging.Conversation{}, false, nil
	}
	return rows[0].conversation(), true, nil
}

func participantFilter(userID string) string {
	return "(participant_1_id.eq." + userID + ",participant_2_id.eq." + userID + ")"
}

// ListConversations returns the user's conversations, most recent activity first.
func (c *Client) ListConversations(ctx context.Context, userID string, limit int) ([]messaging.Conversation, error) {
	const op = "supabase.ListConversations"
	if err := validID(op, "user_id", userID); err != nil {
		return nil, err
	}
	limit = messaging.ClampLimit(limit, 50, 200)

	q := url.Values{}
	q.Set("select", conversationColumns)
	q.Set("or", participantFilter(userID))
	q.Set("order", "last_message_at.desc.nullslast,created_at.desc")
	q.Set("limit", strconv.Itoa(limit))

	var rows []conversationRow
	if _, err := c.do(ctx, request{method: http.MethodGet, table: "conversations", query: q}, &rows); err != nil {
		return nil, err
	}
	out := make([]messaging.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.conversation())
	}
	return out, nil
}

// MarkRead marks every message in the conversation not sent by readerID as read.
func (c *Client) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	const op = "supabase.MarkRead"
	if _, err := c.conversation(ctx, op, conversationID); err != nil {
		return 0, err
	}
	if err := validID(op, "reader_id", readerID); err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("select", "id")
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("sender_id", "neq."+readerID)
	q.Set("is_read", "eq.false")

	var rows []struct {
		ID string `json:"id"`
	}
	if _, err := c.do(ctx, request{
		method: http.MethodPatch,
		table:  "messages",
		query:  q,
		body:   map[string]any{"is_read": true},
		prefer: []string{"return=representation"},
	}, &rows); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// UnreadCount counts unread messages addressed to userID across all conversations.
func (c *Client) UnreadCount(ctx context.Context, userID string) (int64, error) {
	convs, err := c.ListConversations(ctx, userID, 200)
	if err != nil {
		return 0, err
	}
	if len(convs) == 0 {
		return 0, nil
	}
	idList := make([]string, 0, len(convs))
	for _, cv := range convs {
		idList = append(idList, cv.ID)
	}

	q := url.Values{}
	q.Set("select", "id")
	q.Set("conversation_id", "in.("+strings.Join(idList, ",")+")")
	q.Set("sender_id", "neq."+userID)
	q.Set("is_read", "eq.false")

	h, err := c.do(ctx, request{
		method: http.MethodHead,
		table:  "messages",
		query:  q,
		prefer: []string{"count=exact"},
	}, nil)
	if err != nil {
		return 0, err
	}
	return exactCount(h)
}
