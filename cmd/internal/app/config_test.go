package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Backend != BackendMemory {
		t.Fatalf("backend=%q want %q", cfg.Backend, BackendMemory)
	}
	if cfg.NotifyMode != NotifyLog {
		t.Fatalf("notify mode=%q want %q", cfg.NotifyMode, NotifyLog)
	}
	if cfg.FeedInterval != 2*time.Second {
		t.Fatalf("feed interval=%v want 2s", cfg.FeedInterval)
	}
	if cfg.FeedBackfillLimit != 100 || cfg.FeedPollLimit != 20 {
		t.Fatalf("feed limits=%d/%d want 100/20", cfg.FeedBackfillLimit, cfg.FeedPollLimit)
	}
	if cfg.FeedFetchTimeout != 0 {
		t.Fatalf("fetch timeout=%v want 0", cfg.FeedFetchTimeout)
	}
	if got := strings.Join(cfg.WSAllowedOrigins, ","); got != "http://localhost,http://127.0.0.1" {
		t.Fatalf("ws origins=%q", got)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("cors origins=%v want none", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HAPPYINLINE_FEED_INTERVAL", "500ms")
	t.Setenv("HAPPYINLINE_FEED_POLL_LIMIT", "7")
	t.Setenv("HAPPYINLINE_WS_ALLOWED_ORIGINS", " https://a.example , https://b.example ,")
	t.Setenv("HAPPYINLINE_LOG_FORMAT", "Pretty")
	t.Setenv("HAPPYINLINE_JWT_SECRET", "0123456789abcdef")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.FeedInterval != 500*time.Millisecond {
		t.Fatalf("feed interval=%v", cfg.FeedInterval)
	}
	if cfg.FeedPollLimit != 7 {
		t.Fatalf("poll limit=%d", cfg.FeedPollLimit)
	}
	if got := strings.Join(cfg.WSAllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("ws origins=%q", got)
	}
	if cfg.LogFormat != "pretty" {
		t.Fatalf("log format=%q", cfg.LogFormat)
	}
	if cfg.JWTSecret != "0123456789abcdef" {
		t.Fatalf("jwt secret not loaded")
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "happyinline.yaml")
	body := `
backend: postgres
database:
  url: postgres://localhost/inbox
  schema: salon
feed:
  interval: 3s
cors:
  allowed_origins:
    - https://app.example
    - https://*.preview.example
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HAPPYINLINE_CONFIG", path)
	// env still wins over the file
	t.Setenv("HAPPYINLINE_DATABASE_SCHEMA", "inbox")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend != BackendPostgres || cfg.DatabaseURL != "postgres://localhost/inbox" {
		t.Fatalf("backend=%q url=%q", cfg.Backend, cfg.DatabaseURL)
	}
	if cfg.DBSchema != "inbox" {
		t.Fatalf("schema=%q want inbox", cfg.DBSchema)
	}
	if cfg.FeedInterval != 3*time.Second {
		t.Fatalf("feed interval=%v", cfg.FeedInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://*.preview.example" {
		t.Fatalf("cors origins=%v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Setenv("HAPPYINLINE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Backend:           BackendMemory,
			NotifyMode:        NotifyLog,
			LogFormat:         "json",
			FeedInterval:      time.Second,
			FeedBackfillLimit: 100,
			FeedPollLimit:     20,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "postgres without url", mutate: func(c *Config) { c.Backend = BackendPostgres }, wantErr: "database.url"},
		{name: "supabase without key", mutate: func(c *Config) { c.Backend = BackendSupabase; c.SupabaseURL = "https://x.supabase.co" }, wantErr: "supabase.key"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend = "mongo" }, wantErr: "unknown backend"},
		{name: "queue without redis", mutate: func(c *Config) { c.NotifyMode = NotifyQueue }, wantErr: "redis.url"},
		{name: "unknown notify mode", mutate: func(c *Config) { c.NotifyMode = "sms" }, wantErr: "unknown notify.mode"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log.format"},
		{name: "zero interval", mutate: func(c *Config) { c.FeedInterval = 0 }, wantErr: "feed.interval"},
		{name: "zero poll limit", mutate: func(c *Config) { c.FeedPollLimit = 0 }, wantErr: "feed limits"},
		{name: "negative fetch timeout", mutate: func(c *Config) { c.FeedFetchTimeout = -time.Second }, wantErr: "fetch_timeout"},
		{name: "short jwt secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "jwt.secret"},
		{name: "readiness without db", mutate: func(c *Config) { c.ReadinessRequireDB = true }, wantErr: "readiness.require_db"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate err=%v want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("HAPPYINLINE_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("HAPPYINLINE_TEST_DOTENV", "")
	os.Unsetenv("HAPPYINLINE_TEST_DOTENV")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("HAPPYINLINE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("env=%q want from-file", got)
	}
}
