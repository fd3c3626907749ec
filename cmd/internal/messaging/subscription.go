package messaging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	fetchBackfill = "backfill"
	fetchPoll     = "poll"
)

// Subscription is a live polling feed on one conversation.
//
// Handler calls happen on the subscription's own goroutine, one at a time.
// Once Cancel returns, the handler is never invoked again.
type Subscription struct {
	p              *Poller
	conversationID string
	handler        Handler
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	loopID  atomic.Uint64
	done    chan struct{}
	results chan fetchResult

	// owned by run
	seen *seenSet
}

type fetchResult struct {
	kind string
	msgs []Message
	err  error
}

// ConversationID returns the conversation this subscription follows.
func (s *Subscription) ConversationID() string { return s.conversationID }

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

// Done is closed once the subscription loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel stops polling, abandons in-flight fetches and waits for the loop to exit,
// including any handler call in progress. It is idempotent. Called from inside the
// handler it returns without waiting; no further messages are delivered either way.
func (s *Subscription) Cancel() {
	if State(s.state.Swap(int32(StateCancelled))) != StateCancelled {
		s.log.Info("feed.cancel")
	}
	s.cancel()

	if id := s.loopID.Load(); id != 0 && id == goroutineID() {
		return
	}
	<-s.done
}

// goroutineID parses the current goroutine id from the stack header
// ("goroutine 42 [running]:"). Only used to detect Cancel calls made by the loop itself.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Subscription) run() {
	s.loopID.Store(goroutineID())
	defer close(s.done)
	defer s.p.metrics.subscriptionStopped()
	defer func() {
		s.seen = nil
		s.state.Store(int32(StateCancelled))
	}()

	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateBackfillPending)) {
		return
	}
	s.fetch(fetchBackfill, s.p.backfillLimit)

	select {
	case <-s.ctx.Done():
		return
	case r := <-s.results:
		s.applyBackfill(r)
	}

	if !s.state.CompareAndSwap(int32(StateBackfillPending), int32(StatePolling)) {
		return
	}
	ticks, stop := s.p.newTicker(s.p.interval)
	defer stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticks:
			s.fetch(fetchPoll, s.p.pollLimit)
		case r := <-s.results:
			s.applyPoll(r)
		}
	}
}

// fetch runs one FetchRecent call on its own goroutine and hands the result to run.
// Results that arrive after cancellation are discarded.
func (s *Subscription) fetch(kind string, limit int) {
	go func() {
		ctx := s.ctx
		if s.p.fetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.p.fetchTimeout)
			defer cancel()
		}

		start := time.Now()
		msgs, err := s.fetchRecent(ctx, limit)
		s.p.metrics.fetch(kind, time.Since(start).Seconds(), err)

		select {
		case s.results <- fetchResult{kind: kind, msgs: msgs, err: err}:
		case <-s.ctx.Done():
			s.p.metrics.drop()
		}
	}()
}

func (s *Subscription) fetchRecent(ctx context.Context, limit int) (msgs []Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, fmt.Errorf("fetcher panic: %v", r)
		}
	}()
	return s.p.fetcher.FetchRecent(ctx, s.conversationID, limit)
}

func (s *Subscription) applyBackfill(r fetchResult) {
	if r.err != nil {
		s.log.Warn("feed.backfill.fail", "err", r.err)
		return
	}
	for _, m := range r.msgs {
		if m.ID != "" {
			s.seen.Add(m.ID)
		}
	}
	s.log.Debug("feed.backfill.ok", "count", len(r.msgs), "seen", s.seen.Len())
}

func (s *Subscription) applyPoll(r fetchResult) {
	if s.ctx.Err() != nil {
		s.p.metrics.drop()
		return
	}
	if r.err != nil {
		s.log.Warn("feed.poll.fail", "err", r.err)
		return
	}

	fresh := make([]Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		if m.ID == "" {
			continue
		}
		if s.seen.Add(m.ID) {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return
	}

	// newest-first from the backend; deliver oldest first
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].CreatedAt.Before(fresh[j].CreatedAt)
	})

	s.log.Debug("feed.deliver", "count", len(fresh))
	for _, m := range fresh {
		if !s.deliver(m) {
			s.p.metrics.drop()
			return
		}
	}
}

// deliver invokes the handler unless the subscription has been cancelled.
// A concurrent Cancel blocks on done, so a call that passes the check below
// finishes before that Cancel returns.
func (s *Subscription) deliver(m Message) bool {
	if s.ctx.Err() != nil {
		return false
	}

	s.invoke(m)
	return true
}

func (s *Subscription) invoke(m Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("feed.handler.panic", "message_id", m.ID, "panic", r)
		}
	}()
	s.handler(m)
	s.p.metrics.deliver()
}
