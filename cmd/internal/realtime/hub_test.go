package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"happyinline/cmd/internal/messaging"
	v1 "happyinline/shared/contracts/inbox/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedStore(t *testing.T) *messaging.InMemoryStore {
	t.Helper()
	s := messaging.NewInMemoryStore()
	s.PutConversation(messaging.Conversation{ID: "conv-1", Participant1: "cust-1", Participant2: "barber-1"})
	s.PutConversation(messaging.Conversation{ID: "conv-2", Participant1: "other-1", Participant2: "other-2"})
	s.PutProfile(messaging.Profile{ID: "cust-1", Name: "Ada"})
	s.PutProfile(messaging.Profile{ID: "barber-1", Name: "Ben"})
	return s
}

type countingSubscriber struct {
	inner Subscriber
	n     atomic.Int32
}

func (c *countingSubscriber) Subscribe(ctx context.Context, id string, h messaging.Handler) (*messaging.Subscription, error) {
	c.n.Add(1)
	return c.inner.Subscribe(ctx, id, h)
}

func mustNewPoller(t *testing.T, f messaging.Fetcher) *messaging.Poller {
	t.Helper()
	p, err := messaging.NewPoller(f, testLogger(), messaging.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return p
}

func mustNewHub(t *testing.T, subs Subscriber, dir messaging.Directory) *Hub {
	t.Helper()
	h, err := NewHub(testLogger(), subs, dir, nil)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func waitPolling(t *testing.T, h *Hub, convID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := h.subscriptionState(convID); ok && st == messaging.StatePolling {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscription for %s never reached polling", convID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvEnvelope(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("client %s received nothing", c.SessionID)
		return v1.Envelope{}
	}
}

func TestNewHub_RequiresDependencies(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	p := mustNewPoller(t, store)

	if _, err := NewHub(nil, p, store, nil); err == nil {
		t.Fatalf("expected error for nil logger")
	}
	if _, err := NewHub(testLogger(), nil, store, nil); err == nil {
		t.Fatalf("expected error for nil subscriber")
	}
	if _, err := NewHub(testLogger(), p, nil, nil); err == nil {
		t.Fatalf("expected error for nil directory")
	}
}

func TestHub_SharesOneSubscriptionPerConversation(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	subs := &countingSubscriber{inner: mustNewPoller(t, store)}
	h := mustNewHub(t, subs, store)
	ctx := context.Background()

	a := NewClient("cust-1", "s-a", 8)
	b := NewClient("barber-1", "s-b", 8)

	if _, err := h.Join(ctx, a, "conv-1"); err != nil {
		t.Fatalf("Join a: %v", err)
	}
	if _, err := h.Join(ctx, b, "conv-1"); err != nil {
		t.Fatalf("Join b: %v", err)
	}
	if got := subs.n.Load(); got != 1 {
		t.Fatalf("subscriptions=%d want=1", got)
	}

	h.Leave("conv-1", "s-a")
	if got := h.Rooms(); got != 1 {
		t.Fatalf("rooms after first leave=%d want=1", got)
	}
	h.Leave("conv-1", "s-b")
	if got := h.Rooms(); got != 0 {
		t.Fatalf("rooms after last leave=%d want=0", got)
	}

	if _, err := h.Join(ctx, a, "conv-1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if got := subs.n.Load(); got != 2 {
		t.Fatalf("subscriptions after rejoin=%d want=2", got)
	}
}

func TestHub_JoinChecksMembership(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	h := mustNewHub(t, mustNewPoller(t, store), store)
	ctx := context.Background()
	c := NewClient("cust-1", "s-1", 8)

	if _, err := h.Join(ctx, c, "conv-2"); !messaging.IsNotParticipant(err) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := h.Join(ctx, c, "missing"); !messaging.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.Join(ctx, c, "  "); !messaging.IsInvalidInput(err) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if got := h.Rooms(); got != 0 {
		t.Fatalf("rooms=%d want=0", got)
	}
}

func TestHub_FansOutPolledMessages(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	h := mustNewHub(t, mustNewPoller(t, store), store)
	ctx := context.Background()

	a := NewClient("cust-1", "s-a", 8)
	b := NewClient("barber-1", "s-b", 8)
	for _, c := range []*Client{a, b} {
		if _, err := h.Join(ctx, c, "conv-1"); err != nil {
			t.Fatalf("Join %s: %v", c.SessionID, err)
		}
	}
	waitPolling(t, h, "conv-1")

	m, err := store.AppendMessage(ctx, messaging.AppendMessageInput{ConversationID: "conv-1", SenderID: "cust-1", Content: "hi"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	for _, c := range []*Client{a, b} {
		env := recvEnvelope(t, c)
		if env.Type != v1.TypeMessageNew {
			t.Fatalf("type=%q want=%q", env.Type, v1.TypeMessageNew)
		}
		var p v1.MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.MessageID != m.ID || p.Text != "hi" || p.SenderID != "cust-1" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	}
}

func TestHub_CloseCancelsSubscriptions(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	h := mustNewHub(t, mustNewPoller(t, store), store)
	ctx := context.Background()

	room, err := h.Join(ctx, NewClient("cust-1", "s-1", 8), "conv-1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	h.Close()
	if st := room.sub.State(); st != messaging.StateCancelled {
		t.Fatalf("state=%s want=cancelled", st)
	}
	if _, err := h.Join(ctx, NewClient("cust-1", "s-2", 8), "conv-1"); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	h.Close()
}
