package messaging

import (
	"strings"
	"time"
)

// Message is one row of a conversation as returned by the backend.
// It is fetched, never owned: ids and timestamps are assigned by the store.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is a thread between exactly two participants, optionally scoped to a shop.
type Conversation struct {
	ID            string     `json:"id"`
	Participant1  string     `json:"participant_1_id"`
	Participant2  string     `json:"participant_2_id"`
	ShopID        *string    `json:"shop_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Participants returns the participant pair of the conversation.
func (c Conversation) Participants() Participants {
	p := Participants{First: c.Participant1, Second: c.Participant2}
	if c.ShopID != nil {
		p.ShopID = *c.ShopID
	}
	return p
}

// Participants is the resolved pair of users of a conversation.
type Participants struct {
	First  string
	Second string
	ShopID string
}

// Has reports whether userID is one of the two participants.
func (p Participants) Has(userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	return p.First == userID || p.Second == userID
}

// Other returns the participant that is not userID.
// ok is false when userID is not a participant.
func (p Participants) Other(userID string) (string, bool) {
	switch userID {
	case "":
		return "", false
	case p.First:
		return p.Second, p.Second != ""
	case p.Second:
		return p.First, p.First != ""
	default:
		return "", false
	}
}

const previewMaxRunes = 100

// Preview returns the notification preview of a message body: the first 100 runes.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= previewMaxRunes {
		return text
	}
	return string(r[:previewMaxRunes])
}
