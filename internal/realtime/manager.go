package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/retry"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxAttempts       = 5
	DefaultReconnectInterval = time.Second
	DefaultReconnectMax      = 10 * time.Second
	DefaultHeartbeat         = 25 * time.Second
)

// ErrNoURL is returned by Connect when the manager has no endpoint.
var ErrNoURL = errors.New("realtime: no socket URL configured")

// controlFrame asks the server to start or stop forwarding topics.
type controlFrame struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// Config configures a Manager.
type Config struct {
	URL   string
	Token TokenSource

	// Policy schedules reconnects; defaults to Linear{1s, 10s}.
	Policy retry.Policy
	// MaxAttempts bounds consecutive failed reconnects before StateFailed.
	// Zero means DefaultMaxAttempts, negative means unlimited.
	MaxAttempts int
	Heartbeat   time.Duration

	Dialer Dialer
	Logger *slog.Logger
}

// Manager owns the single bidirectional event channel of a process. It is
// built once by the composition root and shared by every consumer; all
// consumers see the same State and the same reconnect budget.
//
// Handlers run one at a time on a dispatch goroutine, in registration order
// for any given message.
type Manager struct {
	cfg    Config
	broker *Broker
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	intentional bool
	attempts    int
	timer       *time.Timer
	dialCancel  context.CancelFunc

	qmu         sync.Mutex
	queue       []Message
	dispatching bool
	idle        *sync.Cond
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config) *Manager {
	if cfg.Policy == nil {
		cfg.Policy = retry.Linear{Base: DefaultReconnectInterval, Max: DefaultReconnectMax}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dialer == nil {
		hb := cfg.Heartbeat
		if hb == 0 {
			hb = DefaultHeartbeat
		}
		cfg.Dialer = WebSocketDialer{Heartbeat: hb}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		broker: NewBroker(),
		logger: cfg.Logger.With("component", "realtime"),
	}
	m.idle = sync.NewCond(&m.qmu)
	metrics.ChannelState.Set(float64(StateDisconnected))
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnects.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the channel. It is a no-op while connected or connecting.
// A failed dial is reported, then retried in the background under the
// reconnect policy.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.URL == "" {
		return ErrNoURL
	}

	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateDisconnected || m.state == StateFailed {
		m.attempts = 0
	}
	m.stopTimerLocked()
	m.intentional = false
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	dctx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	m.mu.Unlock()

	defer cancel()
	return m.dial(dctx, gen)
}

// Disconnect closes the channel and suppresses any reconnect, including one
// already scheduled or in flight.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.stopTimerLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	prev := m.state
	m.setStateLocked(StateDisconnected)
	if prev != StateDisconnected {
		m.enqueueLocked(Message{Topic: EventClose, Intentional: true, Timestamp: time.Now()})
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("channel disconnected", "previous_state", prev.String())
}

// Subscribe registers h for topic and returns a function that removes it.
// The first subscriber of a domain topic asks the server to forward it; the
// last one to leave asks the server to stop. Lifecycle topics are local.
func (m *Manager) Subscribe(topic string, h Handler) (unsubscribe func()) {
	sub, first := m.broker.Register(topic, h)
	if first && !IsLifecycle(topic) {
		m.sendControl(actionSubscribe, topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if sub.Close() && !IsLifecycle(topic) {
				m.sendControl(actionUnsubscribe, topic)
			}
		})
	}
}

// Send emits an event to the server. It never fails: when the channel is not
// connected the event is dropped with a warning.
func (m *Manager) Send(event string, data any) {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		metrics.ChannelSendDroppedTotal.Inc()
		m.logger.Warn("send while not connected, dropping event", "event", event, "state", state.String())
		return
	}

	env, err := events.NewEnvelope(events.Type(event), data)
	if err != nil {
		m.logger.Warn("send: cannot encode event", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		m.logger.Warn("send: cannot encode envelope", "event", event, "error", err)
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		metrics.ChannelSendDroppedTotal.Inc()
		m.logger.Warn("send failed", "event", event, "error", err)
	}
}

// Wait blocks until every queued message has been handed to its handlers.
// Handlers must not call it.
func (m *Manager) Wait() {
	m.qmu.Lock()
	for m.dispatching || len(m.queue) > 0 {
		m.idle.Wait()
	}
	m.qmu.Unlock()
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	header := http.Header{}
	if m.cfg.Token != nil {
		tok, err := m.cfg.Token(ctx)
		if err != nil {
			m.logger.Warn("token source failed, dialing anonymously", "error", err)
		} else if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.URL, header)

	m.mu.Lock()
	if gen != m.gen || m.intentional {
		// Disconnect or a newer Connect won the race.
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if err != nil {
			return err
		}
		return nil
	}
	m.dialCancel = nil

	if err != nil {
		m.enqueueLocked(Message{Topic: EventError, Err: err, Attempt: m.attempts, Timestamp: time.Now()})
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.logger.Warn("channel dial failed", "error", err, "attempt", m.attempts)
		return err
	}

	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	topics := m.domainTopics()
	m.enqueueLocked(Message{Topic: EventOpen, Timestamp: time.Now()})
	m.mu.Unlock()

	if len(topics) > 0 {
		m.writeControl(conn, actionSubscribe, topics)
	}
	go m.readLoop(conn, gen)

	m.logger.Info("channel connected", "url", m.cfg.URL, "topics", len(topics))
	return nil
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(conn, gen, err)
			return
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		ev, err := events.Decode(env)
		if err != nil {
			m.logger.Warn("dropping undecodable event", "type", env.Type, "error", err)
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.enqueueLocked(Message{
			Topic:     string(env.Type),
			Event:     ev,
			Data:      env.Data,
			Timestamp: env.Timestamp,
		})
		m.mu.Unlock()
	}
}

func (m *Manager) handleDrop(conn Conn, gen uint64, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.intentional {
		return
	}
	m.conn = nil
	m.enqueueLocked(Message{Topic: EventClose, Err: cause, Timestamp: time.Now()})
	m.scheduleReconnectLocked()
	m.logger.Warn("channel dropped", "error", cause, "attempt", m.attempts)
}

// scheduleReconnectLocked arms the next retry or gives up. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	m.attempts++
	if m.cfg.MaxAttempts > 0 && m.attempts > m.cfg.MaxAttempts {
		m.setStateLocked(StateFailed)
		m.enqueueLocked(Message{Topic: EventFailed, Attempt: m.attempts - 1, Timestamp: time.Now()})
		m.logger.Error("channel reconnect attempts exhausted, live updates unavailable",
			"max_attempts", m.cfg.MaxAttempts)
		return
	}

	m.setStateLocked(StateReconnecting)
	metrics.ChannelReconnectsTotal.Inc()
	gen := m.gen
	delay := m.cfg.Policy.Delay(m.attempts)
	m.timer = time.AfterFunc(delay, func() { m.retry(gen) })
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.intentional || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++
	next := m.gen
	m.setStateLocked(StateConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.mu.Unlock()

	defer cancel()
	_ = m.dial(ctx, next)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ChannelState.Set(float64(s))
}

func (m *Manager) domainTopics() []string {
	all := m.broker.Topics()
	out := all[:0]
	for _, t := range all {
		if !IsLifecycle(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) sendControl(action, topic string) {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		// Attached on the next successful open.
		return
	}
	m.writeControl(conn, action, []string{topic})
}

func (m *Manager) writeControl(conn Conn, action string, topics []string) {
	frame, err := json.Marshal(controlFrame{Action: action, Topics: topics})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		m.logger.Debug("control frame not written", "action", action, "error", err)
	}
}

// enqueueLocked appends msg to the dispatch queue and starts a dispatcher if
// none is running. Caller holds m.mu, which fixes the order of messages
// relative to state changes.
func (m *Manager) enqueueLocked(msg Message) {
	if IsLifecycle(msg.Topic) {
		metrics.ChannelEventsTotal.WithLabelValues(msg.Topic).Inc()
	}
	m.qmu.Lock()
	m.queue = append(m.queue, msg)
	start := !m.dispatching
	m.dispatching = true
	m.qmu.Unlock()

	if start {
		go m.dispatch()
	}
}

func (m *Manager) dispatch() {
	for {
		m.qmu.Lock()
		if len(m.queue) == 0 {
			m.dispatching = false
			m.idle.Broadcast()
			m.qmu.Unlock()
			return
		}
		msg := m.queue[0]
		m.queue[0] = Message{}
		m.queue = m.queue[1:]
		m.qmu.Unlock()

		m.broker.Publish(msg)
	}
}
