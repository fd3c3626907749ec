package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultExpoPushURL is the Expo push API endpoint.
const DefaultExpoPushURL = "https://exp.host/--/api/v2/push/send"

// ErrPushRejected is returned when the push provider refuses a message.
var ErrPushRejected = errors.New("notify: push rejected")

// ExpoPusher sends notifications through the Expo push API.
type ExpoPusher struct {
	url         string
	client      *http.Client
	accessToken string
}

// ExpoOption configures an ExpoPusher.
type ExpoOption func(*ExpoPusher)

// WithExpoURL overrides the push endpoint.
func WithExpoURL(u string) ExpoOption {
	return func(p *ExpoPusher) {
		if u = strings.TrimSpace(u); u != "" {
			p.url = u
		}
	}
}

// WithExpoAccessToken sets the bearer token for projects with enhanced push security.
func WithExpoAccessToken(tok string) ExpoOption {
	return func(p *ExpoPusher) { p.accessToken = strings.TrimSpace(tok) }
}

// NewExpoPusher constructs an ExpoPusher using client for transport.
func NewExpoPusher(client *http.Client, opts ...ExpoOption) *ExpoPusher {
	if client == nil {
		client = http.DefaultClient
	}
	p := &ExpoPusher{url: DefaultExpoPushURL, client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Push sends n to a single Expo push token.
func (p *ExpoPusher) Push(ctx context.Context, token string, n Notification) error {
	body, err := json.Marshal([]expoMessage{{
		To:    token,
		Title: n.SenderName,
		Body:  n.MessagePreview,
		Sound: "default",
		Data: map[string]string{
			"type":            "new_message",
			"conversation_id": n.ConversationID,
			"message_id":      n.MessageID,
		},
	}})
	if err != nil {
		return fmt.Errorf("notify: encode expo message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build expo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.accessToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: expo request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("notify: read expo response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: expo status %d: %s", ErrPushRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out expoResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("notify: decode expo response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrPushRejected, out.Errors[0].Code, out.Errors[0].Message)
	}
	for _, t := range out.Data {
		if t.Status != "ok" {
			return fmt.Errorf("%w: %s (%s)", ErrPushRejected, t.Message, t.Details.Error)
		}
	}
	return nil
}
