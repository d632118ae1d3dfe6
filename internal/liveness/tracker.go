// Package liveness keeps a value fresh from two sources: pushed updates from
// the event channel and a poll fetcher.
//
// Push always wins. Polling is a standing fallback that only runs when no
// push has arrived within StaleAfter, so it caps staleness without competing
// with a healthy channel. When the channel gives up reconnecting the tracker
// keeps serving from polls.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/bountyhub/internal/circuitbreaker"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/realtime"
	"github.com/mbd888/bountyhub/internal/retry"
)

// Defaults for Config fields left zero.
const (
	DefaultStaleAfter   = 30 * time.Second
	DefaultPollAttempts = 3
)

// Source says where the current value came from.
type Source string

const (
	SourceNone Source = ""
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Fetcher polls the authoritative value.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Snapshot describes the tracked value.
type Snapshot struct {
	UpdatedAt time.Time
	Source    Source
	Stale     bool
}

// Config configures a Tracker.
type Config struct {
	// Key names the polled target for the circuit breaker and logs.
	Key        string
	StaleAfter time.Duration

	// Limiter and Breaker may be shared between trackers polling the same API.
	Limiter *rate.Limiter
	Breaker *circuitbreaker.Breaker

	// PollAttempts bounds transient retries within one poll.
	PollAttempts int
	PollBackoff  retry.Policy

	Logger *slog.Logger
	Now    func() time.Time
}

// Tracker merges pushed and polled values of T.
type Tracker[T any] struct {
	cfg    Config
	fetch  Fetcher[T]
	logger *slog.Logger

	mu        sync.Mutex
	value     T
	has       bool
	updatedAt time.Time
	source    Source
	nextPoll  time.Time
	forced    bool

	kick    chan struct{}
	updates chan struct{}
}

// New creates a tracker. Run must be called for polling to happen.
func New[T any](fetch Fetcher[T], cfg Config) *Tracker[T] {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollBackoff == nil {
		cfg.PollBackoff = retry.Exponential{Base: 200 * time.Millisecond, Max: 2 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker[T]{
		cfg:     cfg,
		fetch:   fetch,
		logger:  cfg.Logger.With("component", "liveness", "key", cfg.Key),
		kick:    make(chan struct{}, 1),
		updates: make(chan struct{}, 1),
	}
}

// Push records a value delivered by the event channel and defers the next
// poll by StaleAfter.
func (t *Tracker[T]) Push(v T) {
	t.mu.Lock()
	now := t.cfg.Now()
	t.value, t.has = v, true
	t.updatedAt = now
	t.source = SourcePush
	t.nextPoll = now.Add(t.cfg.StaleAfter)
	t.mu.Unlock()
	t.signal(t.updates)
}

// Invalidate forces a poll as soon as Run gets to it.
func (t *Tracker[T]) Invalidate() {
	t.mu.Lock()
	t.forced = true
	t.nextPoll = time.Time{}
	t.mu.Unlock()
	t.signal(t.kick)
}

// Value returns the current value. ok is false until something arrived.
func (t *Tracker[T]) Value() (v T, snap Snapshot, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap = Snapshot{
		UpdatedAt: t.updatedAt,
		Source:    t.source,
		Stale:     !t.has || t.cfg.Now().Sub(t.updatedAt) >= t.cfg.StaleAfter,
	}
	return t.value, snap, t.has
}

// Updates signals value changes. Signals coalesce.
func (t *Tracker[T]) Updates() <-chan struct{} { return t.updates }

// Run polls whenever the value goes stale or Invalidate is called, until ctx
// is done. The first poll happens immediately when nothing was pushed yet.
func (t *Tracker[T]) Run(ctx context.Context) error {
	for {
		wait := t.untilPoll()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			case <-t.kick:
				timer.Stop()
			}
			if t.untilPoll() > 0 {
				// A push moved the deadline.
				continue
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		if err := t.Poll(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Poll fetches once, subject to the limiter and breaker. A push that lands
// while the fetch is in flight wins over its result.
func (t *Tracker[T]) Poll(ctx context.Context) error {
	t.mu.Lock()
	started := t.cfg.Now()
	t.forced = false
	t.nextPoll = started.Add(t.cfg.StaleAfter)
	t.mu.Unlock()

	if t.cfg.Limiter != nil {
		if err := t.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if t.cfg.Breaker != nil && !t.cfg.Breaker.Allow(t.cfg.Key) {
		metrics.LivenessPollsTotal.WithLabelValues("skipped").Inc()
		return circuitbreaker.ErrOpen
	}

	var v T
	err := retry.Do(ctx, t.cfg.PollAttempts, t.cfg.PollBackoff, func() error {
		var ferr error
		v, ferr = t.fetch(ctx)
		return ferr
	})
	if err != nil {
		if t.cfg.Breaker != nil && !errors.Is(err, context.Canceled) {
			t.cfg.Breaker.RecordFailure(t.cfg.Key)
		}
		metrics.LivenessPollsTotal.WithLabelValues("error").Inc()
		t.logger.Warn("liveness poll failed", "error", err)
		return err
	}
	if t.cfg.Breaker != nil {
		t.cfg.Breaker.RecordSuccess(t.cfg.Key)
	}
	metrics.LivenessPollsTotal.WithLabelValues("ok").Inc()

	t.mu.Lock()
	if t.source == SourcePush && t.updatedAt.After(started) {
		t.mu.Unlock()
		return nil
	}
	now := t.cfg.Now()
	t.value, t.has = v, true
	t.updatedAt = now
	t.source = SourcePoll
	t.mu.Unlock()
	t.signal(t.updates)
	return nil
}

func (t *Tracker[T]) untilPoll() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced || t.nextPoll.IsZero() {
		return 0
	}
	return t.nextPoll.Sub(t.cfg.Now())
}

func (t *Tracker[T]) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Subscriber is the part of the event channel a tracker binds to.
type Subscriber interface {
	Subscribe(topic string, h realtime.Handler) (unsubscribe func())
}

// BindChannel pushes every message on topic that decode accepts. It forces
// a poll when the channel opens (events may have been missed while it was
// down) and when it gives up reconnecting.
func BindChannel[T any](t *Tracker[T], ch Subscriber, topic string, decode func(realtime.Message) (T, bool)) (unbind func()) {
	unsubs := []func(){
		ch.Subscribe(topic, func(msg realtime.Message) {
			if v, ok := decode(msg); ok {
				t.Push(v)
			}
		}),
		ch.Subscribe(realtime.EventOpen, func(realtime.Message) { t.Invalidate() }),
		ch.Subscribe(realtime.EventFailed, func(realtime.Message) {
			t.logger.Warn("live updates unavailable, falling back to polling")
			t.Invalidate()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
