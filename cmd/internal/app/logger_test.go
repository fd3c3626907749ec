package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	newLogger(&jsonBuf, "info", "json", false).Info("feed.deliver", "conversation_id", "conv-1")

	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not decodable: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "feed.deliver" || rec["conversation_id"] != "conv-1" {
		t.Fatalf("unexpected json record: %v", rec)
	}

	var prettyBuf bytes.Buffer
	newLogger(&prettyBuf, "warn", "pretty", false).Info("dropped")
	if prettyBuf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", prettyBuf.String())
	}
	newLogger(&prettyBuf, "info", "PRETTY", false).Warn("feed.poll.fail", "conversation_id", "conv-1")
	out := prettyBuf.String()
	if !strings.Contains(out, "lvl=[WARN]") || !strings.Contains(out, "msg=feed.poll.fail") || !strings.Contains(out, "conversation_id=conv-1") {
		t.Fatalf("unexpected pretty output: %q", out)
	}
}
