package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"happyinline/cmd/internal/messaging"
	v1 "happyinline/shared/contracts/inbox/v1"
)

// Room is the set of sessions watching one conversation. It owns the polling
// subscription whose deliveries are fanned out as message_new envelopes.
//
// Fanout never blocks: a member whose queue is full misses the frame.
type Room struct {
	log     *slog.Logger
	metrics *Metrics
	ID      string

	sub *messaging.Subscription

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(log *slog.Logger, m *Metrics, id string) *Room {
	return &Room{
		log:     log,
		metrics: m,
		ID:      id,
		members: make(map[string]*Client),
	}
}

func (r *Room) add(c *Client) {
	r.mu.Lock()
	r.members[c.SessionID] = c
	r.mu.Unlock()
}

// remove drops sessionID and returns the remaining member count.
func (r *Room) remove(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	return len(r.members)
}

// Size returns the number of joined sessions.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// deliver is the subscription handler.
func (r *Room) deliver(m messaging.Message) {
	payload, err := json.Marshal(v1.MessageNewPayload{
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		Text:           m.Content,
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		r.log.Error("ws.room.encode.fail", "conversation_id", r.ID, "message_id", m.ID, "err", err)
		return
	}
	r.broadcast(newEnvelope(v1.TypeMessageNew, payload, time.Now().UTC()))
}

func (r *Room) broadcast(env v1.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.members {
		if !c.offer(env) {
			r.metrics.frameDropped()
			r.log.Debug("ws.room.drop", "conversation_id", r.ID, "session_id", c.SessionID, "type", env.Type)
		}
	}
}
