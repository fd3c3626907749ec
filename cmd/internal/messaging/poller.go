package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultPollInterval is the fixed delay between poll cycles.
	DefaultPollInterval = 2 * time.Second
	// DefaultBackfillLimit is how many recent messages seed the seen-set at subscribe time.
	DefaultBackfillLimit = 100
	// DefaultPollLimit is how many recent messages each poll cycle fetches.
	DefaultPollLimit = 20

	defaultSeenCapacity = 1024
)

// Handler receives newly observed messages, one call per message.
type Handler func(Message)

// State is the lifecycle state of a Subscription.
type State int32

const (
	// StateIdle is a subscription whose loop has not started yet.
	StateIdle State = iota
	// StateBackfillPending waits for the initial backfill fetch.
	StateBackfillPending
	// StatePolling fetches on every tick and delivers unseen messages.
	StatePolling
	// StateCancelled is terminal; no handler call starts after it is observed by the loop.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackfillPending:
		return "backfill_pending"
	case StatePolling:
		return "polling"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Poller turns a pull-only Fetcher into per-conversation subscriptions.
// A Poller is immutable after construction and may serve any number of subscriptions.
type Poller struct {
	fetcher Fetcher
	log     *slog.Logger
	metrics *Metrics

	interval      time.Duration
	backfillLimit int
	pollLimit     int
	seenCapacity  int
	fetchTimeout  time.Duration

	newTicker func(time.Duration) (<-chan time.Time, func())
}

// PollerOption configures Poller behavior.
type PollerOption func(*Poller) error

// WithInterval sets the delay between poll cycles (default 2s).
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) error {
		if d <= 0 {
			return errors.New("messaging: poll interval must be positive")
		}
		p.interval = d
		return nil
	}
}

// WithBackfillLimit sets how many messages the initial backfill fetches (default 100).
func WithBackfillLimit(n int) PollerOption {
	return func(p *Poller) error {
		if n <= 0 {
			return errors.New("messaging: backfill limit must be positive")
		}
		p.backfillLimit = n
		return nil
	}
}

// WithPollLimit sets how many messages each poll cycle fetches (default 20).
func WithPollLimit(n int) PollerOption {
	return func(p *Poller) error {
		if n <= 0 {
			return errors.New("messaging: poll limit must be positive")
		}
		p.pollLimit = n
		return nil
	}
}

// WithSeenCapacity caps the per-subscription seen-set (default 1024).
// The effective capacity is never below backfill limit + poll limit.
func WithSeenCapacity(n int) PollerOption {
	return func(p *Poller) error {
		if n <= 0 {
			return errors.New("messaging: seen capacity must be positive")
		}
		p.seenCapacity = n
		return nil
	}
}

// WithFetchTimeout bounds every fetch. Zero (the default) means no timeout.
func WithFetchTimeout(d time.Duration) PollerOption {
	return func(p *Poller) error {
		if d < 0 {
			return errors.New("messaging: negative fetch timeout")
		}
		p.fetchTimeout = d
		return nil
	}
}

// WithMetrics records fetch and delivery metrics on m.
func WithMetrics(m *Metrics) PollerOption {
	return func(p *Poller) error {
		p.metrics = m
		return nil
	}
}

// withTicker replaces the interval ticker (tests).
func withTicker(fn func(time.Duration) (<-chan time.Time, func())) PollerOption {
	return func(p *Poller) error {
		p.newTicker = fn
		return nil
	}
}

// NewPoller constructs a Poller over fetcher.
func NewPoller(fetcher Fetcher, log *slog.Logger, opts ...PollerOption) (*Poller, error) {
	if fetcher == nil {
		return nil, errors.New("messaging: nil fetcher")
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Poller{
		fetcher:       fetcher,
		log:           log,
		interval:      DefaultPollInterval,
		backfillLimit: DefaultBackfillLimit,
		pollLimit:     DefaultPollLimit,
		seenCapacity:  defaultSeenCapacity,
		newTicker:     realTicker,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	if minCap := p.backfillLimit + p.pollLimit; p.seenCapacity < minCap {
		p.seenCapacity = minCap
	}
	return p, nil
}

// Subscribe starts a subscription on conversationID and returns immediately.
//
// The backfill fetch is issued right away; its messages are recorded as seen and never
// passed to h. Afterwards every poll cycle delivers messages not seen before, oldest first.
// Cancelling ctx has the same effect as Subscription.Cancel.
func (p *Poller) Subscribe(ctx context.Context, conversationID string, h Handler) (*Subscription, error) {
	const op = "messaging.Poller.Subscribe"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, invalid(op, "missing conversation_id")
	}
	if h == nil {
		return nil, invalid(op, "nil handler")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		p:              p,
		conversationID: conversationID,
		handler:        h,
		log:            p.log.With("conversation_id", conversationID),
		ctx:            sctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		results:        make(chan fetchResult),
		seen:           newSeenSet(p.seenCapacity),
	}

	p.metrics.subscriptionStarted()
	s.log.Info("feed.subscribe", "interval", p.interval, "backfill_limit", p.backfillLimit, "poll_limit", p.pollLimit)

	go s.run()
	return s, nil
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
