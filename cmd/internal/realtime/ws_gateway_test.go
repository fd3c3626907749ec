package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"happyinline/cmd/internal/auth"
	"happyinline/cmd/internal/messaging"
	"happyinline/cmd/internal/notify"
	v1 "happyinline/shared/contracts/inbox/v1"

	"github.com/coder/websocket"
)

type wsTestEnv struct {
	store *messaging.InMemoryStore
	hub   *Hub
	srv   *httptest.Server
}

func testGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func startWSTestServer(t *testing.T, cfg GatewayConfig, authn *auth.Authenticator) *wsTestEnv {
	t.Helper()

	log := testLogger()
	store := seedStore(t)
	hub := mustNewHub(t, mustNewPoller(t, store), store)

	sender, err := messaging.NewSender(store, store, notify.LogNotifier{Log: log}, log)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	t.Cleanup(sender.Wait)

	gw, err := NewWSGateway(log, hub, sender, authn, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsTestEnv{store: store, hub: hub, srv: srv}
}

func dialWS(t *testing.T, baseHTTPURL string, h http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func mustDialAs(t *testing.T, env *wsTestEnv, userID string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set(auth.DevUserHeader, userID)
	conn, _, err := dialWS(t, env.srv.URL, h)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func clientEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      "c-" + typ,
		TS:      time.Now().UTC(),
		Payload: mustJSONRaw(t, payload),
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func mustDecode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

func expectErrorCode(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeError, 4)
	if got := mustDecode[v1.ErrorPayload](t, env); got.Code != code {
		t.Fatalf("error code=%q want=%q (%s)", got.Code, code, got.Message)
	}
}

func joinWS(t *testing.T, conn *websocket.Conn, convID string) {
	t.Helper()
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: convID}))
	env := readUntilType(t, conn, v1.TypeConversationJoin, 4)
	if got := mustDecode[v1.ConversationJoinPayload](t, env); got.ConversationID != convID {
		t.Fatalf("join echo for %q, want %q", got.ConversationID, convID)
	}
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, DefaultGatewayConfig(), nil)

	for _, origin := range []string{"", "http://evil.example"} {
		h := http.Header{}
		h.Set(auth.DevUserHeader, "cust-1")
		if origin != "" {
			h.Set("Origin", origin)
		}
		_, resp, err := dialWS(t, env.srv.URL, h)
		if err == nil {
			t.Fatalf("origin %q: expected dial error", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got %+v", origin, resp)
		}
	}

	h := http.Header{}
	h.Set(auth.DevUserHeader, "cust-1")
	h.Set("Origin", "http://localhost")
	if _, _, err := dialWS(t, env.srv.URL, h); err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
}

func TestWSGateway_RequiresIdentity(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)

	_, resp, err := dialWS(t, env.srv.URL, http.Header{})
	if err == nil {
		t.Fatalf("expected dial error without identity")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWSGateway_VerifiesBearerToken(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier("test-secret-0123456789", "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	env := startWSTestServer(t, testGatewayConfig(), auth.NewAuthenticator(v))

	h := http.Header{}
	h.Set("Authorization", "Bearer not-a-token")
	if _, resp, err := dialWS(t, env.srv.URL, h); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, err=%v resp=%+v", err, resp)
	}

	// Dev header is ignored once tokens are verified.
	h = http.Header{}
	h.Set(auth.DevUserHeader, "cust-1")
	if _, resp, err := dialWS(t, env.srv.URL, h); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for dev header, err=%v resp=%+v", err, resp)
	}

	tok, err := v.Issue("cust-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	h = http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	conn, _, err := dialWS(t, env.srv.URL, h)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	ack := mustDecode[v1.HelloAckPayload](t, readUntilType(t, conn, v1.TypeHelloAck, 2))
	if ack.UserID != "cust-1" || ack.SessionID == "" {
		t.Fatalf("unexpected hello_ack: %+v", ack)
	}
}

func TestWSGateway_JoinRequiresParticipant(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)
	conn := mustDialAs(t, env, "cust-1")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: "conv-2"}))
	expectErrorCode(t, conn, "not_participant")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeConversationJoin, v1.ConversationJoinPayload{ConversationID: "nope"}))
	expectErrorCode(t, conn, "not_found")

	if got := env.hub.Rooms(); got != 0 {
		t.Fatalf("rooms=%d want=0", got)
	}
}

func TestWSGateway_SendIsAckedAndDeliveredToBothParticipants(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)
	ctx := context.Background()

	// Backfilled history is not replayed to sockets.
	if _, err := env.store.AppendMessage(ctx, messaging.AppendMessageInput{ConversationID: "conv-1", SenderID: "barber-1", Content: "old"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	cust := mustDialAs(t, env, "cust-1")
	barber := mustDialAs(t, env, "barber-1")
	joinWS(t, cust, "conv-1")
	joinWS(t, barber, "conv-1")
	waitPolling(t, env.hub, "conv-1")

	writeEnvelopeWS(t, cust, clientEnvelope(t, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: "conv-1",
		ClientMsgID:    "cm-1",
		Text:           "  see you at 3  ",
	}))

	ack := mustDecode[v1.MessageAckPayload](t, readUntilType(t, cust, v1.TypeMessageAck, 4))
	if ack.ClientMsgID != "cm-1" || ack.MessageID == "" || ack.ConversationID != "conv-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	for name, conn := range map[string]*websocket.Conn{"cust": cust, "barber": barber} {
		got := mustDecode[v1.MessageNewPayload](t, readUntilType(t, conn, v1.TypeMessageNew, 4))
		if got.MessageID != ack.MessageID {
			t.Fatalf("%s: message_new id=%q want=%q (old history replayed?)", name, got.MessageID, ack.MessageID)
		}
		if got.Text != "see you at 3" || got.SenderID != "cust-1" {
			t.Fatalf("%s: unexpected message_new: %+v", name, got)
		}
	}
}

func TestWSGateway_SendValidation(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)
	conn := mustDialAs(t, env, "cust-1")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageSend, v1.MessageSendPayload{ConversationID: "conv-1", ClientMsgID: "a", Text: "hi"}))
	expectErrorCode(t, conn, "not_joined")

	joinWS(t, conn, "conv-1")

	cases := []v1.MessageSendPayload{
		{ConversationID: "conv-1", ClientMsgID: "b", Text: "   "},
		{ConversationID: "conv-1", ClientMsgID: "c", Text: strings.Repeat("x", maxMessageChars+1)},
		{ConversationID: "conv-1", ClientMsgID: "", Text: "hi"},
	}
	for _, p := range cases {
		writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageSend, p))
		expectErrorCode(t, conn, "bad_payload")
	}

	msgs, err := env.store.FetchRecent(context.Background(), "conv-1", 10)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("rejected sends were persisted: %+v", msgs)
	}
}

func TestWSGateway_LeaveClosesRoom(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)
	conn := mustDialAs(t, env, "cust-1")
	joinWS(t, conn, "conv-1")

	if got := env.hub.Rooms(); got != 1 {
		t.Fatalf("rooms=%d want=1", got)
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: "conv-1"}))
	readUntilType(t, conn, v1.TypeConversationLeave, 4)

	if got := env.hub.Rooms(); got != 0 {
		t.Fatalf("rooms after leave=%d want=0", got)
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeConversationLeave, v1.ConversationLeavePayload{ConversationID: "conv-1"}))
	expectErrorCode(t, conn, "leave_failed")
}

func TestWSGateway_DisconnectReleasesRooms(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)
	conn := mustDialAs(t, env, "cust-1")
	joinWS(t, conn, "conv-1")

	_ = conn.Close(websocket.StatusNormalClosure, "done")

	waitFor(t, "rooms released", func() bool { return env.hub.Rooms() == 0 })
}

func TestWSGateway_BadFramesKeepSessionOpen(t *testing.T) {
	t.Parallel()

	env := startWSTestServer(t, testGatewayConfig(), nil)
	conn := mustDialAs(t, env, "cust-1")

	writeRawWS(t, conn, []byte("{"))
	expectErrorCode(t, conn, "bad_json")

	bad := clientEnvelope(t, v1.TypeHello, v1.HelloPayload{})
	bad.V = 99
	writeEnvelopeWS(t, conn, bad)
	expectErrorCode(t, conn, "bad_envelope")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageNew, v1.MessageNewPayload{}))
	expectErrorCode(t, conn, "bad_envelope")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	readUntilType(t, conn, v1.TypeHelloAck, 2)
}

func TestWSGateway_RateLimitClosesSession(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.RateEvents = 3
	cfg.RateWindow = time.Minute
	env := startWSTestServer(t, cfg, nil)
	conn := mustDialAs(t, env, "cust-1")

	for i := 0; i < 4; i++ {
		writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	}
	expectErrorCode(t, conn, "rate_limited")
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{"http://localhost:3000", "https://App.Example", "localhost", " ", "app.example:8443"})
	want := []string{"app.example", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}

	if got := deriveOriginPatterns([]string{"http://localhost", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard patterns=%v", got)
	}
}
