package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExpoPusher_Push(t *testing.T) {
	t.Parallel()

	var got []expoMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"status":"ok","id":"ticket-1"}]}`))
	}))
	t.Cleanup(srv.Close)

	p := NewExpoPusher(srv.Client(), WithExpoURL(srv.URL), WithExpoAccessToken("secret"))
	if err := p.Push(context.Background(), "ExponentPushToken[abc]", testNotification()); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if auth != "Bearer secret" {
		t.Fatalf("Authorization=%q", auth)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	m := got[0]
	if m.To != "ExponentPushToken[abc]" || m.Title != "Ada" || m.Body != "see you at 3" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Data["conversation_id"] != "conv-1" || m.Data["type"] != "new_message" {
		t.Fatalf("unexpected data: %+v", m.Data)
	}
}

func TestExpoPusher_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "http error", status: http.StatusBadGateway, body: `upstream down`},
		{name: "request error", status: http.StatusOK, body: `{"errors":[{"code":"PUSH_TOO_MANY_EXPERIENCE_IDS","message":"nope"}]}`},
		{name: "ticket error", status: http.StatusOK, body: `{"data":[{"status":"error","message":"not registered","details":{"error":"DeviceNotRegistered"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			p := NewExpoPusher(srv.Client(), WithExpoURL(srv.URL))
			err := p.Push(context.Background(), "tok", testNotification())
			if !errors.Is(err, ErrPushRejected) {
				t.Fatalf("expected ErrPushRejected, got %v", err)
			}
		})
	}
}
