package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by LoadConfig.
const EnvPrefix = "HAPPYINLINE"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
)

// Notification delivery modes.
const (
	NotifyLog    = "log"
	NotifyDirect = "direct"
	NotifyQueue  = "queue"
)

// Config contains all runtime configuration.
type Config struct {
	HTTPAddr string
	LogLevel string
	// LogFormat is "json" or "pretty".
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	Backend string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	// DBMigrate creates the messaging tables at startup.
	DBMigrate bool

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool

	SupabaseURL    string
	SupabaseKey    string
	SupabaseSchema string

	// RedisURL enables the directory cache and is required by the queue notify mode.
	RedisURL    string
	CachePrefix string

	FeedInterval      time.Duration
	FeedBackfillLimit int
	FeedPollLimit     int
	FeedSeenCapacity  int
	FeedFetchTimeout  time.Duration

	NotifyMode        string
	NotifyTimeout     time.Duration
	ExpoPushURL       string
	ExpoAccessToken   string
	WorkerConcurrency int

	// JWTSecret enables bearer token verification; empty means dev identity headers.
	JWTSecret   string
	JWTAudience string

	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSDevInsecure       bool
	WSSendQueue         int
	WSHeartbeatInterval time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("backend", BackendMemory)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.migrate", false)
	v.SetDefault("readiness.require_db", false)

	v.SetDefault("supabase.url", "")
	v.SetDefault("supabase.key", "")
	v.SetDefault("supabase.schema", "public")

	v.SetDefault("redis.url", "")
	v.SetDefault("cache.prefix", "happyinline:")

	v.SetDefault("feed.interval", 2*time.Second)
	v.SetDefault("feed.backfill_limit", 100)
	v.SetDefault("feed.poll_limit", 20)
	v.SetDefault("feed.seen_capacity", 1024)
	v.SetDefault("feed.fetch_timeout", time.Duration(0))

	v.SetDefault("notify.mode", NotifyLog)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.expo_url", "")
	v.SetDefault("notify.expo_access_token", "")
	v.SetDefault("notify.worker_concurrency", 5)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.audience", "authenticated")

	v.SetDefault("ws.origin_required", true)
	v.SetDefault("ws.allowed_origins", "http://localhost,http://127.0.0.1")
	v.SetDefault("ws.dev_insecure", false)
	v.SetDefault("ws.send_queue", 256)
	v.SetDefault("ws.heartbeat_interval", 25*time.Second)
	v.SetDefault("ws.rate_events", 120)
	v.SetDefault("ws.rate_window", 10*time.Second)

	v.SetDefault("cors.allowed_origins", "")
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age_seconds", 600)
}

// LoadConfig reads defaults, then the optional file named by HAPPYINLINE_CONFIG,
// then HAPPYINLINE_* environment variables (HAPPYINLINE_FEED_INTERVAL for feed.interval).
func LoadConfig() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		HTTPAddr:          v.GetString("http.addr"),
		ReadHeaderTimeout: v.GetDuration("http.read_header_timeout"),
		ReadTimeout:       v.GetDuration("http.read_timeout"),
		WriteTimeout:      v.GetDuration("http.write_timeout"),
		IdleTimeout:       v.GetDuration("http.idle_timeout"),
		MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),

		Backend: strings.ToLower(strings.TrimSpace(v.GetString("backend"))),

		DatabaseURL:        strings.TrimSpace(v.GetString("database.url")),
		DBMaxConns:         v.GetInt32("database.max_conns"),
		DBMinConns:         v.GetInt32("database.min_conns"),
		DBSchema:           strings.TrimSpace(v.GetString("database.schema")),
		DBMigrate:          v.GetBool("database.migrate"),
		ReadinessRequireDB: v.GetBool("readiness.require_db"),

		SupabaseURL:    strings.TrimSpace(v.GetString("supabase.url")),
		SupabaseKey:    strings.TrimSpace(v.GetString("supabase.key")),
		SupabaseSchema: strings.TrimSpace(v.GetString("supabase.schema")),

		RedisURL:    strings.TrimSpace(v.GetString("redis.url")),
		CachePrefix: v.GetString("cache.prefix"),

		FeedInterval:      v.GetDuration("feed.interval"),
		FeedBackfillLimit: v.GetInt("feed.backfill_limit"),
		FeedPollLimit:     v.GetInt("feed.poll_limit"),
		FeedSeenCapacity:  v.GetInt("feed.seen_capacity"),
		FeedFetchTimeout:  v.GetDuration("feed.fetch_timeout"),

		NotifyMode:        strings.ToLower(strings.TrimSpace(v.GetString("notify.mode"))),
		NotifyTimeout:     v.GetDuration("notify.timeout"),
		ExpoPushURL:       strings.TrimSpace(v.GetString("notify.expo_url")),
		ExpoAccessToken:   strings.TrimSpace(v.GetString("notify.expo_access_token")),
		WorkerConcurrency: v.GetInt("notify.worker_concurrency"),

		JWTSecret:   v.GetString("jwt.secret"),
		JWTAudience: strings.TrimSpace(v.GetString("jwt.audience")),

		WSOriginRequired:    v.GetBool("ws.origin_required"),
		WSAllowedOrigins:    stringList(v, "ws.allowed_origins"),
		WSDevInsecure:       v.GetBool("ws.dev_insecure"),
		WSSendQueue:         v.GetInt("ws.send_queue"),
		WSHeartbeatInterval: v.GetDuration("ws.heartbeat_interval"),
		WSRateEvents:        v.GetInt("ws.rate_events"),
		WSRateWindow:        v.GetDuration("ws.rate_window"),

		CORSAllowedOrigins:   stringList(v, "cors.allowed_origins"),
		CORSAllowCredentials: v.GetBool("cors.allow_credentials"),
		CORSMaxAgeSeconds:    v.GetInt("cors.max_age_seconds"),
	}
}

// stringList accepts a YAML list or a comma separated string (the env form).
func stringList(v *viper.Viper, key string) []string {
	var parts []string
	if s, ok := v.Get(key).(string); ok {
		parts = strings.Split(s, ",")
	} else {
		parts = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects inconsistent combinations.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("backend=postgres requires database.url"))
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			errs = append(errs, errors.New("backend=supabase requires supabase.url and supabase.key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	switch c.NotifyMode {
	case NotifyLog, NotifyDirect:
	case NotifyQueue:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("notify.mode=queue requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.mode %q", c.NotifyMode))
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.LogFormat))
	}

	if c.FeedInterval <= 0 {
		errs = append(errs, errors.New("feed.interval must be positive"))
	}
	if c.FeedBackfillLimit <= 0 || c.FeedPollLimit <= 0 {
		errs = append(errs, errors.New("feed limits must be positive"))
	}
	if c.FeedFetchTimeout < 0 {
		errs = append(errs, errors.New("feed.fetch_timeout must not be negative"))
	}
	if c.JWTSecret != "" && len(strings.TrimSpace(c.JWTSecret)) < 16 {
		errs = append(errs, errors.New("jwt.secret must be at least 16 characters"))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("readiness.require_db requires database.url"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
