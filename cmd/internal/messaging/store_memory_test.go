package messaging

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStore_FetchRecentNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seedStore(t)

	msgs, err := s.FetchRecent(ctx, "conv-1", 20)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("empty conversation should yield an empty, non-nil slice; got %#v", msgs)
	}

	var sent []Message
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, AppendMessageInput{
			ConversationID: "conv-1",
			SenderID:       "cust-1",
			Content:        "hi",
			Now:            testBase.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		sent = append(sent, m)
	}

	msgs, err = s.FetchRecent(ctx, "conv-1", 3)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len=%d want 3", len(msgs))
	}
	for i, want := range []string{sent[4].ID, sent[3].ID, sent[2].ID} {
		if msgs[i].ID != want {
			t.Fatalf("msgs[%d]=%s want %s", i, msgs[i].ID, want)
		}
	}

	if _, err := s.FetchRecent(ctx, " ", 3); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got, err := s.FetchRecent(ctx, "unknown", 3); err != nil || len(got) != 0 {
		t.Fatalf("unknown conversation: got %v, %v", got, err)
	}
}

func TestInMemoryStore_AppendKeepsTimeOrderAndBumpsActivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seedStore(t)

	late, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: "conv-1", SenderID: "cust-1", Content: "b", Now: testBase.Add(time.Minute)})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	early, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: "conv-1", SenderID: "cust-1", Content: "a", Now: testBase})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, _ := s.FetchRecent(ctx, "conv-1", 10)
	if len(msgs) != 2 || msgs[0].ID != late.ID || msgs[1].ID != early.ID {
		t.Fatalf("unexpected order: %+v", msgs)
	}

	convs, err := s.ListConversations(ctx, "cust-1", 10)
	if err != nil || len(convs) != 1 {
		t.Fatalf("ListConversations: %v %+v", err, convs)
	}
	if convs[0].LastMessageAt == nil || !convs[0].LastMessageAt.Equal(testBase.Add(time.Minute)) {
		t.Fatalf("last_message_at=%v want %v", convs[0].LastMessageAt, testBase.Add(time.Minute))
	}

	if _, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: "missing", SenderID: "cust-1"}); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_GetOrCreateConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewInMemoryStore()
	shop := "shop-1"

	a, err := s.GetOrCreateConversation(ctx, "cust-1", "barber-1", &shop)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	b, err := s.GetOrCreateConversation(ctx, "barber-1", "cust-1", &shop)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("participant order should not matter: %s != %s", a.ID, b.ID)
	}

	c, err := s.GetOrCreateConversation(ctx, "cust-1", "barber-1", nil)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	if c.ID == a.ID {
		t.Fatalf("different shop scope should create a separate conversation")
	}

	if _, err := s.GetOrCreateConversation(ctx, "cust-1", "cust-1", nil); !IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput for self-conversation, got %v", err)
	}

	p, err := s.Participants(ctx, a.ID)
	if err != nil || !p.Has("cust-1") || !p.Has("barber-1") || p.ShopID != shop {
		t.Fatalf("Participants=%+v,%v", p, err)
	}
}

func TestInMemoryStore_ReadState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seedStore(t)

	for i, sender := range []string{"cust-1", "cust-1", "barber-1"} {
		if _, err := s.AppendMessage(ctx, AppendMessageInput{ConversationID: "conv-1", SenderID: sender, Content: "x", Now: testBase.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	if n, _ := s.UnreadCount(ctx, "barber-1"); n != 2 {
		t.Fatalf("barber unread=%d want 2", n)
	}
	if n, _ := s.UnreadCount(ctx, "cust-1"); n != 1 {
		t.Fatalf("customer unread=%d want 1", n)
	}

	n, err := s.MarkRead(ctx, "conv-1", "barber-1")
	if err != nil || n != 2 {
		t.Fatalf("MarkRead=%d,%v want 2,nil", n, err)
	}
	if n, _ := s.MarkRead(ctx, "conv-1", "barber-1"); n != 0 {
		t.Fatalf("second MarkRead=%d want 0", n)
	}
	if n, _ := s.UnreadCount(ctx, "barber-1"); n != 0 {
		t.Fatalf("barber unread after MarkRead=%d want 0", n)
	}
	if _, err := s.MarkRead(ctx, "missing", "barber-1"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStore_Directory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := seedStore(t)

	if name, err := s.DisplayName(ctx, "cust-1"); err != nil || name != "Ada" {
		t.Fatalf("DisplayName=%q,%v", name, err)
	}
	if tok, err := s.PushToken(ctx, "barber-1"); err != nil || tok != "tok-barber" {
		t.Fatalf("PushToken=%q,%v", tok, err)
	}
	if _, err := s.DisplayName(ctx, "nobody"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Participants(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPreviewAndParticipants(t *testing.T) {
	t.Parallel()

	if got := Preview("  short  "); got != "short" {
		t.Fatalf("Preview=%q", got)
	}

	p := Participants{First: "a", Second: "b"}
	if o, ok := p.Other("a"); !ok || o != "b" {
		t.Fatalf("Other(a)=%q,%v", o, ok)
	}
	if o, ok := p.Other("b"); !ok || o != "a" {
		t.Fatalf("Other(b)=%q,%v", o, ok)
	}
	if _, ok := p.Other("c"); ok {
		t.Fatalf("Other(c) should fail")
	}
	if _, ok := p.Other(""); ok {
		t.Fatalf("Other(\"\") should fail")
	}
}
