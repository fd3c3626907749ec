package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"happyinline/cmd/internal/messaging"
)

// ErrHubClosed is returned by Join after Close.
var ErrHubClosed = errors.New("realtime: hub closed")

// Subscriber opens polling subscriptions. *messaging.Poller implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string, h messaging.Handler) (*messaging.Subscription, error)
}

// Hub keeps one room, and so one polling subscription, per conversation that
// has at least one joined session. The last Leave cancels the subscription.
type Hub struct {
	log     *slog.Logger
	subs    Subscriber
	dir     messaging.Directory
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewHub constructs a Hub. dir is used to check that joining users are participants.
func NewHub(log *slog.Logger, subs Subscriber, dir messaging.Directory, m *Metrics) (*Hub, error) {
	if log == nil {
		return nil, errors.New("realtime: nil logger")
	}
	if subs == nil {
		return nil, errors.New("realtime: nil subscriber")
	}
	if dir == nil {
		return nil, errors.New("realtime: nil directory")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:     log,
		subs:    subs,
		dir:     dir,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*Room),
	}, nil
}

// Join adds client to the conversation's room, opening the subscription when
// the room is new. The client's user must be a participant.
func (h *Hub) Join(ctx context.Context, client *Client, conversationID string) (*Room, error) {
	const op = "realtime.Hub.Join"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: "missing conversation_id"}
	}
	if client == nil || client.SessionID == "" {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrInvalidInput, Msg: "missing client"}
	}

	p, err := h.dir.Participants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !p.Has(client.UserID) {
		return nil, messaging.OpError{Op: op, Kind: messaging.ErrNotParticipant, Msg: "user " + client.UserID}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	room, ok := h.rooms[conversationID]
	if !ok {
		room = newRoom(h.log, h.metrics, conversationID)
		sub, err := h.subs.Subscribe(h.ctx, conversationID, room.deliver)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		room.sub = sub
		h.rooms[conversationID] = room
		h.metrics.roomOpened()
	}
	room.add(client)

	h.log.Info("ws.join", "conversation_id", conversationID, "session_id", client.SessionID, "user_id", client.UserID, "members", room.Size())
	return room, nil
}

// Leave removes the session from the conversation's room. Unknown rooms and
// sessions are ignored.
func (h *Hub) Leave(conversationID, sessionID string) {
	var sub *messaging.Subscription

	h.mu.Lock()
	room, ok := h.rooms[conversationID]
	if ok && room.remove(sessionID) == 0 {
		delete(h.rooms, conversationID)
		sub = room.sub
		h.metrics.roomClosed()
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.log.Info("ws.leave", "conversation_id", conversationID, "session_id", sessionID)

	// Cancel waits for the subscription loop, which may be inside room.deliver.
	if sub != nil {
		sub.Cancel()
	}
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close cancels every subscription. Later joins fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*messaging.Subscription, 0, len(h.rooms))
	for id, r := range h.rooms {
		subs = append(subs, r.sub)
		delete(h.rooms, id)
		h.metrics.roomClosed()
	}
	h.mu.Unlock()

	h.cancel()
	for _, s := range subs {
		s.Cancel()
	}
}

func (h *Hub) subscriptionState(conversationID string) (messaging.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[conversationID]
	if !ok {
		return messaging.StateIdle, false
	}
	return r.sub.State(), true
}
