// Package v1 defines the inbox WebSocket wire contract.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	// Subprotocol must be offered by clients during the upgrade.
	Subprotocol = "happyinline.inbox.v1"

	TypeHello             = "hello"
	TypeHelloAck          = "hello_ack"
	TypeConversationJoin  = "conversation_join"
	TypeConversationLeave = "conversation_leave"
	TypeMessageSend       = "message_send"
	TypeMessageAck        = "message_ack"
	TypeMessageNew        = "message_new"
	TypeError             = "error"
)

// ClientTypes are the envelope types a client may send.
var ClientTypes = map[string]struct{}{
	TypeHello:             {},
	TypeConversationJoin:  {},
	TypeConversationLeave: {},
	TypeMessageSend:       {},
}

// Envelope wraps every frame in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks an inbound (client to server) envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}
