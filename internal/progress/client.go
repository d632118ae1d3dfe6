// Package progress follows the live log of a single scan or validation over
// a one-way event stream.
//
// Each observed subject gets its own connection. Observers of the same
// subject share it; the connection goes away with the last observer or as
// soon as the subject reaches a terminal status, whichever comes first.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/retry"
)

// Defaults for Config fields left zero.
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Kind of subject whose progress is streamed.
type Kind string

const (
	KindScan       Kind = "scan"
	KindValidation Kind = "validation"
)

// Subject identifies what to observe. Status is the last known status; a
// terminal status means there is nothing left to stream.
type Subject struct {
	Kind   Kind
	ID     string
	Status events.Status
}

func (s Subject) key() string { return string(s.Kind) + "/" + s.ID }

// Config configures a Client.
type Config struct {
	// Origin is the API base URL, e.g. http://localhost:8080.
	Origin string
	// URLFor overrides how a subject maps to its stream URL.
	URLFor func(origin string, s Subject) string

	Source Source
	// Policy schedules reconnects; defaults to Exponential{1s, 30s}.
	Policy retry.Policy
	// MaxAttempts bounds consecutive failed reconnects; zero is unlimited.
	MaxAttempts int

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultURLFor returns {origin}/api/{kind}s/{id}/stream.
func DefaultURLFor(origin string, s Subject) string {
	return fmt.Sprintf("%s/api/%ss/%s/stream", strings.TrimRight(origin, "/"), s.Kind, s.ID)
}

// Client hands out watches over progress streams.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.URLFor == nil {
		cfg.URLFor = DefaultURLFor
	}
	if cfg.Source == nil {
		cfg.Source = SSESource{}
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.Exponential{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "progress"),
		sessions: make(map[string]*session),
	}
}

// WatchOption configures a Watch.
type WatchOption func(*Watch)

// OnRecord registers fn for every record appended after the watch starts.
// fn runs on the stream's goroutine and must not call Close on its own watch.
func OnRecord(fn func(Record)) WatchOption {
	return func(w *Watch) { w.onRecord = fn }
}

// Observe starts watching s. A subject already in a terminal status yields an
// inert watch and opens no connection.
func (c *Client) Observe(s Subject, opts ...WatchOption) *Watch {
	w := &Watch{subject: s, updates: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(w)
	}

	if s.Status.Terminal() {
		c.logger.Debug("subject already terminal, not connecting",
			"kind", s.Kind, "id", s.ID, "status", s.Status)
		return w
	}

	c.mu.Lock()
	sess, ok := c.sessions[s.key()]
	if !ok || sess.finished() {
		sess = newSession(c, s)
		c.sessions[s.key()] = sess
		ok = false
	}
	sess.attach(w)
	c.mu.Unlock()

	w.session = sess
	if !ok {
		sess.start()
	}
	return w
}

// Sessions returns the number of subjects with an open session.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Client) forget(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.subject.key()] == s {
		delete(c.sessions, s.subject.key())
	}
}

// session owns the connection for one subject.
type session struct {
	client  *Client
	subject Subject
	url     string
	logger  *slog.Logger

	mu          sync.Mutex
	watchers    []*Watch
	records     []Record
	bootstraps  map[string]bool
	status      events.Status
	terminal    bool
	closed      bool
	exhausted   bool
	gen         uint64
	attempts    int
	lastEventID string
	stream      Stream
	cancel      context.CancelFunc
	timer       *time.Timer
	done        chan struct{}
}

func newSession(c *Client, s Subject) *session {
	return &session{
		client:     c,
		subject:    s,
		url:        c.cfg.URLFor(c.cfg.Origin, s),
		logger:     c.logger.With("kind", s.Kind, "id", s.ID),
		bootstraps: make(map[string]bool),
		status:     s.Status,
		done:       make(chan struct{}),
	}
}

func (s *session) start() {
	metrics.ProgressSessions.Inc()
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	go s.run(gen)
}

func (s *session) attach(w *Watch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, w)
}

// detach removes w and tears the session down when it was the last watcher.
func (s *session) detach(w *Watch) {
	s.mu.Lock()
	for i, other := range s.watchers {
		if other == w {
			s.watchers = append(s.watchers[:i:i], s.watchers[i+1:]...)
			break
		}
	}
	last := len(s.watchers) == 0
	if last {
		s.shutdownLocked()
		s.closed = true
	}
	s.mu.Unlock()

	if last {
		s.client.forget(s)
		s.logger.Debug("progress session closed")
	}
}

// finished reports whether the session will never stream again, so new
// observers need a fresh one.
func (s *session) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.exhausted
}

// shutdownLocked stops the stream and any pending reconnect. Caller holds s.mu.
func (s *session) shutdownLocked() {
	if s.closed {
		return
	}
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	if !s.terminal {
		metrics.ProgressSessions.Dec()
	}
}

func (s *session) run(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if gen != s.gen || s.closed || s.terminal {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	lastID := s.lastEventID
	s.mu.Unlock()

	stream, err := s.client.cfg.Source.Open(ctx, s.url, lastID)
	if err != nil {
		s.fail(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed || s.terminal {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.stream = stream
	s.attempts = 0
	s.mu.Unlock()
	s.logger.Debug("progress stream open", "url", s.url)

	for {
		f, err := stream.Next()
		if err != nil {
			s.fail(gen, err)
			return
		}
		if !s.handle(gen, f) {
			return
		}
	}
}

// handle applies one frame. It returns false once the session should stop
// reading.
func (s *session) handle(gen uint64, f Frame) bool {
	p := parseFrame(f, s.client.cfg.Now())

	s.mu.Lock()
	if gen != s.gen || s.closed || s.terminal {
		s.mu.Unlock()
		return false
	}
	if f.ID != "" {
		s.lastEventID = f.ID
	}

	// The greeting is re-emitted on every open; keep only its first copy.
	appended := p.hasRecord && !(p.bootstrap && s.bootstraps[p.record.Message])
	if appended {
		if p.bootstrap {
			s.bootstraps[p.record.Message] = true
		}
		s.records = append(s.records, p.record)
	}
	if p.status != "" {
		s.status = p.status
	}
	terminal := s.status.Terminal()
	if terminal {
		s.shutdownLocked()
		s.terminal = true
		close(s.done)
	}
	watchers := append([]*Watch(nil), s.watchers...)
	s.mu.Unlock()

	if appended {
		metrics.ProgressRecordsTotal.WithLabelValues(string(s.subject.Kind)).Inc()
	}
	for _, w := range watchers {
		if appended {
			w.deliver(p.record)
		}
		w.notify()
	}
	if terminal {
		s.logger.Info("subject reached terminal status, stream closed", "status", s.status)
	}
	return !terminal
}

// fail closes the current stream and schedules a reconnect. Watchers are
// told when reconnects give up.
func (s *session) fail(gen uint64, cause error) {
	if watchers := s.failLocked(gen, cause); watchers != nil {
		for _, w := range watchers {
			w.notify()
		}
	}
}

// failLocked returns the watchers to notify when the session is exhausted.
func (s *session) failLocked(gen uint64, cause error) []*Watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed || s.terminal || s.exhausted {
		return nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.attempts++
	if limit := s.client.cfg.MaxAttempts; limit > 0 && s.attempts > limit {
		s.exhausted = true
		s.logger.Error("progress stream reconnects exhausted", "error", cause, "attempts", s.attempts-1)
		return append([]*Watch{}, s.watchers...)
	}

	s.gen++
	next := s.gen
	delay := s.client.cfg.Policy.Delay(s.attempts)
	metrics.ProgressReconnectsTotal.Inc()
	s.logger.Warn("progress stream dropped, reconnecting", "error", cause, "attempt", s.attempts, "delay", delay)
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if next != s.gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		s.run(next)
	})
	return nil
}

// reconnectPending reports whether a reconnect timer is armed.
func (s *session) reconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
