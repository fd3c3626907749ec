package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"happyinline/cmd/internal/cache"
	"happyinline/cmd/internal/messaging"
	"happyinline/cmd/internal/notify"
	"happyinline/cmd/internal/supabase"
	"happyinline/cmd/internal/transport"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is a small lifecycle abstraction for resources closed at shutdown.
type Store interface {
	Close(ctx context.Context) error
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }

// Runtime is the messaging core shared by the server and the CLI: the backend,
// the (optionally cached) directory, the feed poller and the send path.
type Runtime struct {
	Backend   messaging.Backend
	Directory messaging.Directory
	Poller    *messaging.Poller
	Sender    *messaging.Sender
	Metrics   *messaging.Metrics

	// DBPool is set for the postgres backend.
	DBPool *pgxpool.Pool
	// Worker is set in queue notify mode; the caller runs it.
	Worker *notify.Worker

	closers []Store
}

// NewRuntime builds the messaging core from cfg. reg may be nil to skip metrics.
func NewRuntime(ctx context.Context, cfg Config, log Logger, reg prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{}
	if reg != nil {
		rt.Metrics = messaging.NewMetrics(reg)
	}

	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(context.Background())
		}
	}()

	hc, err := transport.NewHTTPClient(transport.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := rt.openBackend(ctx, cfg, log, hc); err != nil {
		return nil, err
	}
	if err := rt.openDirectory(ctx, cfg, log); err != nil {
		return nil, err
	}

	notifier, err := rt.openNotifier(cfg, log, hc)
	if err != nil {
		return nil, err
	}

	popts := []messaging.PollerOption{
		messaging.WithInterval(cfg.FeedInterval),
		messaging.WithBackfillLimit(cfg.FeedBackfillLimit),
		messaging.WithPollLimit(cfg.FeedPollLimit),
		messaging.WithMetrics(rt.Metrics),
	}
	if cfg.FeedSeenCapacity > 0 {
		popts = append(popts, messaging.WithSeenCapacity(cfg.FeedSeenCapacity))
	}
	if cfg.FeedFetchTimeout > 0 {
		popts = append(popts, messaging.WithFetchTimeout(cfg.FeedFetchTimeout))
	}
	rt.Poller, err = messaging.NewPoller(rt.Backend, log, popts...)
	if err != nil {
		return nil, err
	}

	rt.Sender, err = messaging.NewSender(rt.Backend, rt.Directory, notifier, log,
		messaging.WithNotifyTimeout(cfg.NotifyTimeout),
		messaging.WithSenderMetrics(rt.Metrics),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return rt, nil
}

func (rt *Runtime) openBackend(ctx context.Context, cfg Config, log Logger, hc *http.Client) error {
	switch cfg.Backend {
	case BackendMemory, "":
		log.Info("backend.memory")
		rt.Backend = messaging.NewInMemoryStore()
		return nil

	case BackendPostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		rt.DBPool = pool
		rt.closers = append(rt.closers, closerFunc(func(context.Context) error {
			pool.Close()
			return nil
		}))

		// The store does not own the pool.
		st, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if cfg.DBMigrate {
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("postgres migrate: %w", err)
			}
			log.Info("db.migrate.ok", "schema", cfg.DBSchema)
		}
		log.Info("backend.postgres", "schema", cfg.DBSchema)
		rt.Backend = st
		return nil

	case BackendSupabase:
		c, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, hc, supabase.WithSchema(cfg.SupabaseSchema))
		if err != nil {
			return err
		}
		log.Info("backend.supabase", "url", cfg.SupabaseURL, "schema", cfg.SupabaseSchema)
		rt.Backend = c
		return nil

	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func (rt *Runtime) openDirectory(ctx context.Context, cfg Config, log Logger) error {
	rt.Directory = rt.Backend
	if cfg.RedisURL == "" {
		return nil
	}

	rc, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.CachePrefix)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	rt.closers = append(rt.closers, closerFunc(func(context.Context) error { return rc.Close() }))

	dir, err := messaging.NewCachedDirectory(rt.Backend, rc, log)
	if err != nil {
		return err
	}
	log.Info("directory.cache.redis", "prefix", cfg.CachePrefix)
	rt.Directory = dir
	return nil
}

func (rt *Runtime) openNotifier(cfg Config, log Logger, hc *http.Client) (notify.Notifier, error) {
	var expoOpts []notify.ExpoOption
	if cfg.ExpoPushURL != "" {
		expoOpts = append(expoOpts, notify.WithExpoURL(cfg.ExpoPushURL))
	}
	if cfg.ExpoAccessToken != "" {
		expoOpts = append(expoOpts, notify.WithExpoAccessToken(cfg.ExpoAccessToken))
	}

	switch cfg.NotifyMode {
	case NotifyLog, "":
		return notify.LogNotifier{Log: log}, nil

	case NotifyDirect:
		return notify.NewDirectNotifier(rt.Directory, notify.NewExpoPusher(hc, expoOpts...))

	case NotifyQueue:
		redisOpt, err := notify.ParseRedisURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		client := asynq.NewClient(redisOpt)
		rt.closers = append(rt.closers, closerFunc(func(context.Context) error { return client.Close() }))

		rt.Worker = notify.NewWorker(redisOpt,
			notify.WorkerConfig{Concurrency: cfg.WorkerConcurrency},
			notify.NewTaskHandler(rt.Directory, notify.NewExpoPusher(hc, expoOpts...), log),
			log,
		)
		return notify.NewQueueNotifier(client, log)

	default:
		return nil, fmt.Errorf("unknown notify mode %q", cfg.NotifyMode)
	}
}

// Close stops the send path and waits for its notification dispatches, then releases resources in reverse order.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.Sender != nil {
		rt.Sender.Close()
	}
	var errs []error
	if rt.Backend != nil {
		if err := rt.Backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
