// Package app wires the inbox server runtime: config, logging, the messaging
// core, HTTP routes, the websocket gateway and the notification worker.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"happyinline/cmd/internal/api"
	"happyinline/cmd/internal/auth"
	"happyinline/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the server runtime: it owns HTTP wiring and the messaging core.
type App struct {
	cfg Config
	log Logger

	reg *prometheus.Registry
	rt  *Runtime

	hub *realtime.Hub
	ws  *realtime.WSGateway
	api *api.Handler
}

// New constructs a fully wired App.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, err := NewRuntime(ctx, cfg, log, reg)
	if err != nil {
		return nil, err
	}

	a, err := newApp(cfg, log, reg, rt)
	if err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func newApp(cfg Config, log Logger, reg *prometheus.Registry, rt *Runtime) (*App, error) {
	authn, err := newAuthenticator(cfg, log)
	if err != nil {
		return nil, err
	}

	hub, err := realtime.NewHub(log, rt.Poller, rt.Directory, realtime.NewMetrics(reg))
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, rt.Sender, authn, realtime.GatewayConfig{
		OriginRequired:    cfg.WSOriginRequired,
		AllowedOrigins:    cfg.WSAllowedOrigins,
		DevInsecure:       cfg.WSDevInsecure,
		SendQueueSize:     cfg.WSSendQueue,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
	})
	if err != nil {
		hub.Close()
		return nil, err
	}

	// Membership checks read the (possibly cached) directory; everything else hits the backend.
	apiHandler, err := api.NewHandler(log, apiStore{Backend: rt.Backend, dir: rt.Directory}, rt.Sender, authn, api.DefaultConfig())
	if err != nil {
		hub.Close()
		return nil, err
	}

	return &App{
		cfg: cfg,
		log: log,
		reg: reg,
		rt:  rt,
		hub: hub,
		ws:  ws,
		api: apiHandler,
	}, nil
}

func newAuthenticator(cfg Config, log Logger) (*auth.Authenticator, error) {
	if cfg.JWTSecret == "" {
		log.Warn("auth.dev_mode", "header", auth.DevUserHeader)
		return auth.NewAuthenticator(nil), nil
	}
	v, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(v), nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.rt.DBPool, a.reg, a.ws, a.api)

	var h http.Handler = mux
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg, a.log)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server (and the notification worker in queue mode) and
// blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"backend", a.cfg.Backend,
		"notify_mode", a.cfg.NotifyMode,
	)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if a.rt.Worker == nil {
			return
		}
		if err := a.rt.Worker.Run(workerCtx); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}

	// Stop polling before the worker and the backend go away.
	a.hub.Close()
	if err := a.rt.Close(shutdownCtx); err != nil {
		a.log.Error("runtime.close.fail", "err", err)
	}
	stopWorker()
	<-workerDone

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
