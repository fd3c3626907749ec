// Package main provides a CI-friendly WebSocket smoke test for the inbox gateway.
//
// It validates:
//   - conversation creation over HTTP
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - join echo for both participants
//   - send -> ack
//   - polled message_new delivered to both participants exactly once
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "happyinline/shared/contracts/inbox/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type identity struct {
	user  string
	token string
}

func (id identity) apply(h http.Header) {
	if id.token != "" {
		h.Set("Authorization", "Bearer "+id.token)
		return
	}
	h.Set("X-User-ID", id.user)
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-customer", "First participant user id")
		userB   = flag.String("user-b", "smoke-barber", "Second participant user id")
		tokenA  = flag.String("token-a", "", "Bearer token for the first participant (dev header when empty)")
		tokenB  = flag.String("token-b", "", "Bearer token for the second participant (dev header when empty)")
		text    = flag.String("text", "see you at 3 ✂️", "Message text to send")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := deriveWSURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	idA := identity{user: *userA, token: *tokenA}
	idB := identity{user: *userB, token: *tokenB}

	convID := mustCreateConversation(root, *baseURL, *origin, idA, *userB, *timeout)

	a := mustConnect(root, "A", wsURL, *origin, idA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", wsURL, *origin, idB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: conv=%s A=%s(%s) B=%s(%s) origin=%q\n", convID, a.sessionID, a.userID, b.sessionID, b.userID, *origin)
	}

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	messageID := mustSendAndAssertAck(root, a, convID, clientMsgID, *text, *timeout)

	mustAssertNew(root, b, convID, messageID, a.userID, *text, *timeout)
	mustAssertNew(root, a, convID, messageID, a.userID, *text, *timeout)

	// The feed deduplicates by id, so later polls must not redeliver.
	mustAssertNoType(root, b, v1.TypeMessageNew, 3*time.Second)

	fmt.Printf("OK: A=%s B=%s conversation_id=%s message_id=%s\n", a.sessionID, b.sessionID, convID, messageID)
}

func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustCreateConversation(parent context.Context, baseURL, origin string, id identity, otherUser string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"participant_id": otherUser})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/v1/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	id.apply(req.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusOK {
		fatalf("create conversation: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("decode conversation: %v", err)
	}
	if strings.TrimSpace(out.Conversation.ID) == "" {
		fatalf("create conversation: missing id")
	}
	return out.Conversation.ID
}

func mustConnect(parent context.Context, name, wsURL, origin string, id identity, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	id.apply(h)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(name+"-hello", v1.TypeHello, v1.HelloPayload{Client: "ws-smoke"}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" || strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing session_id/user_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-join", v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID}), stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeConversationJoin, stepTimeout, nil)

	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("join echo conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) string {
	mustWriteWithTimeout(parent, c.conn, envelope(c.name+"-send-"+clientMsgID, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Text:           text,
	}), stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.CreatedAt.IsZero() {
		fatalf("ack created_at missing/zero (%s)", c.name)
	}
	return p.MessageID
}

func mustAssertNew(parent context.Context, c *smokeClient, convID, messageID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, map[string]struct{}{v1.TypeMessageAck: {}})

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("new conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.MessageID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.SenderID != senderID {
		fatalf("new sender_id mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("new text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): %s", c.name, errorDetail(env))
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): %s", c.name, errorDetail(env))
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func errorDetail(env v1.Envelope) string {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	return fmt.Sprintf("code=%q msg=%q", ep.Code, ep.Message)
}

func envelope(id, typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: b}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
