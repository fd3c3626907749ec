// Package realtime pushes polled conversation messages to websocket clients
// and accepts sends over the same socket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"happyinline/cmd/internal/auth"
	"happyinline/cmd/internal/messaging"
	v1 "happyinline/shared/contracts/inbox/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// MessageSender persists a message and triggers the recipient notification.
// *messaging.Sender implements it.
type MessageSender interface {
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
}

// GatewayConfig holds the websocket policy knobs. Zero durations and sizes take defaults.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins are full origins ("https://app.example") or bare hosts; "*" allows any.
	AllowedOrigins []string
	// DevInsecure disables the library's own origin verification.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig allows localhost origins only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the websocket entrypoint of the inbox.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits
// and heartbeats, and routes validated envelopes to the Hub and the sender.
type WSGateway struct {
	log    *slog.Logger
	hub    *Hub
	sender MessageSender
	authn  *auth.Authenticator
	cfg    GatewayConfig

	// websocket.Accept checks cross-origin requests against host patterns,
	// so these are derived from AllowedOrigins to keep both layers in agreement.
	originPatterns []string
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, hub *Hub, sender MessageSender, authn *auth.Authenticator, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		return nil, errors.New("realtime: nil logger")
	}
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if sender == nil {
		return nil, errors.New("realtime: nil sender")
	}
	if authn == nil {
		authn = auth.NewAuthenticator(nil)
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		sender:         sender,
		authn:          authn,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state owned by the read loop.
type session struct {
	client *Client
	joined map[string]struct{}
}

// HandleWS authenticates, upgrades and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.hub.metrics.upgradeRejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, err := g.authn.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		g.hub.metrics.upgradeRejected("auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(ident.UserID, sessionID, g.cfg.SendQueueSize)
	sess := &session{client: client, joined: make(map[string]struct{})}

	g.hub.metrics.sessionOpened()
	defer g.hub.metrics.sessionClosed()
	g.log.Info("ws.open", "session_id", sessionID, "user_id", ident.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown may run on any session goroutine; room membership is released by the read loop.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, client, shutdown)
	}()

	g.readLoop(ctx, conn, sess, shutdown)

	for convID := range sess.joined {
		g.hub.Leave(convID, sessionID)
	}
	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "session_id", sessionID, "user_id", ident.UserID)
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session, shutdown func(websocket.StatusCode, string)) {
	client := sess.client
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON")
				continue
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(time.Now()) {
			g.sendFinalError(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(client, env); err != nil {
				g.sendFinalError(ctx, conn, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				return
			}
		case v1.TypeConversationJoin:
			if code, err := g.onJoin(ctx, sess, env); err != nil {
				g.sendError(client, code, err.Error())
			}
		case v1.TypeConversationLeave:
			if err := g.onLeave(sess, env); err != nil {
				g.sendError(client, "leave_failed", err.Error())
			}
		case v1.TypeMessageSend:
			if code, err := g.onMessageSend(ctx, sess, env); err != nil {
				g.sendError(client, code, err.Error())
			}
		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if !g.reply(client, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: client.SessionID, UserID: client.UserID}) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, sess *session, env v1.Envelope) (string, error) {
	var p v1.ConversationJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "bad_payload", fmt.Errorf("invalid payload: %w", err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return "bad_payload", errors.New("missing conversation_id")
	}
	if _, ok := sess.joined[convID]; !ok && len(sess.joined) >= maxJoinedPerSession {
		return "join_limit", fmt.Errorf("at most %d conversations per session", maxJoinedPerSession)
	}

	if _, err := g.hub.Join(ctx, sess.client, convID); err != nil {
		g.log.Info("ws.join.fail", "session_id", sess.client.SessionID, "conversation_id", convID, "err", err)
		return errorCode(err, "join_failed"), err
	}
	sess.joined[convID] = struct{}{}

	if !g.reply(sess.client, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID}) {
		g.hub.Leave(convID, sess.client.SessionID)
		delete(sess.joined, convID)
		return "backpressure", errors.New("backpressure: join echo")
	}
	return "", nil
}

func (g *WSGateway) onLeave(sess *session, env v1.Envelope) error {
	var p v1.ConversationLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	if _, ok := sess.joined[convID]; !ok {
		return errors.New("not joined")
	}
	g.hub.Leave(convID, sess.client.SessionID)
	delete(sess.joined, convID)

	_ = g.reply(sess.client, v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: convID})
	return nil
}

// onMessageSend persists the message and acks it. The message_new frame for it
// arrives through the room's subscription like any other message.
func (g *WSGateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope) (string, error) {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "bad_payload", fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if _, ok := sess.joined[convID]; !ok {
		return "not_joined", errors.New("join first")
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return "bad_payload", errors.New("missing client_msg_id")
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		return "bad_payload", errors.New("empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return "bad_payload", fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	m, err := g.sender.Send(ctx, messaging.SendInput{
		ConversationID: convID,
		SenderID:       sess.client.UserID,
		Text:           text,
	})
	if err != nil {
		g.log.Warn("ws.send.fail", "session_id", sess.client.SessionID, "conversation_id", convID, "err", err)
		return errorCode(err, "send_failed"), errors.New("send failed")
	}

	if !g.reply(sess.client, v1.TypeMessageAck, v1.MessageAckPayload{
		ConversationID: m.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		MessageID:      m.ID,
		CreatedAt:      m.CreatedAt,
	}) {
		return "backpressure", errors.New("backpressure: ack")
	}
	return "", nil
}

func errorCode(err error, fallback string) string {
	switch {
	case messaging.IsNotParticipant(err):
		return "not_participant"
	case messaging.IsNotFound(err):
		return "not_found"
	case messaging.IsInvalidInput(err):
		return "bad_payload"
	case errors.Is(err, messaging.ErrSenderClosed):
		return "shutting_down"
	default:
		return fallback
	}
}

// ---- send helpers ----

func (g *WSGateway) reply(client *Client, typ string, payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return false
	}
	return client.offer(newEnvelope(typ, b, time.Now().UTC()))
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = g.reply(client, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// sendFinalError writes directly to the socket: the writer goroutine stops on
// shutdown and may not drain the queue first.
func (g *WSGateway) sendFinalError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	b, err := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	if err := writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, b, time.Now().UTC()), g.cfg.WriteTimeout); err != nil {
		g.log.Debug("ws.write.final.fail", "code", code, "err", err)
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad badJSONError
	switch {
	case errors.As(err, &bad):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns the sorted, de-duplicated hosts of the allowlist,
// or a single wildcard when the allowlist contains one.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
