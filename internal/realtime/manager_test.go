package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/retry"
)

func newTestManager(d Dialer, maxAttempts int) *Manager {
	return NewManager(Config{
		URL:         "ws://bountyhub.test/ws",
		Policy:      retry.Linear{Base: time.Millisecond, Max: 5 * time.Millisecond},
		MaxAttempts: maxAttempts,
		Dialer:      d,
		Logger:      slog.Default(),
	})
}

func TestManager_ConnectEmitsOpen(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()

	rec := &recorder{}
	m.Subscribe(EventOpen, rec.handle)

	require.NoError(t, m.Connect(context.Background()))
	m.Wait()

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, rec.count(EventOpen))
}

func TestManager_ConnectWithoutURL(t *testing.T) {
	m := NewManager(Config{Dialer: new(fakeDialer)})
	assert.ErrorIs(t, m.Connect(context.Background()), ErrNoURL)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ConnectIsNoopWhileConnected(t *testing.T) {
	d := new(fakeDialer).succeed(newFakeConn())
	m := newTestManager(d, 3)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, d.count())
}

func TestManager_BearerToken(t *testing.T) {
	d := new(fakeDialer).succeed(newFakeConn())
	m := NewManager(Config{
		URL:    "ws://bountyhub.test/ws",
		Token:  StaticToken("tok_123"),
		Dialer: d,
	})
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	require.Len(t, d.headers, 1)
	assert.Equal(t, "Bearer tok_123", d.headers[0].Get("Authorization"))
}

func TestManager_DeliversDecodedEvents(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()

	rec := &recorder{}
	m.Subscribe(string(events.ScanProgress), rec.handle)
	require.NoError(t, m.Connect(context.Background()))

	conn.push(t, events.ScanEvent{Kind: events.ScanProgress, ScanID: "scn_1", Progress: 60})
	waitFor(t, func() bool { return rec.count(string(events.ScanProgress)) == 1 })

	msg := rec.last()
	scan, ok := msg.Event.(events.ScanEvent)
	require.True(t, ok, "got %T", msg.Event)
	assert.Equal(t, "scn_1", scan.ScanID)
	assert.Equal(t, 60, scan.Progress)
}

func TestManager_DropsMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()

	rec := &recorder{}
	m.Subscribe(string(events.ScanProgress), rec.handle)
	require.NoError(t, m.Connect(context.Background()))

	conn.inbound <- []byte("not json")
	conn.inbound <- []byte(`{"type":"scan:progress","data":{"progress":"lots"}}`)
	conn.push(t, events.ScanEvent{Kind: events.ScanProgress, ScanID: "ok"})

	waitFor(t, func() bool { return rec.count(string(events.ScanProgress)) == 1 })
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_HandlersFireInRegistrationOrder(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		m.Subscribe(string(events.VulnerabilityFound), func(Message) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	require.NoError(t, m.Connect(context.Background()))

	conn.push(t, events.FindingEvent{Kind: events.VulnerabilityFound, FindingID: "f1"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestManager_UnsubscribedHandlerNotInvoked(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()

	gone := &recorder{}
	kept := &recorder{}
	unsubscribe := m.Subscribe(string(events.PaymentReleased), gone.handle)
	m.Subscribe(string(events.PaymentReleased), kept.handle)
	require.NoError(t, m.Connect(context.Background()))

	unsubscribe()
	unsubscribe() // idempotent

	conn.push(t, events.PaymentEvent{Kind: events.PaymentReleased, PaymentID: "p1"})
	waitFor(t, func() bool { return kept.count(string(events.PaymentReleased)) == 1 })
	assert.Zero(t, gone.count(string(events.PaymentReleased)))
}

func TestManager_ControlFramesFollowReferenceCount(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()

	// Subscribed before connecting: attached on open.
	m.Subscribe(string(events.ScanStarted), func(Message) {})
	m.Subscribe(EventClose, func(Message) {})
	require.NoError(t, m.Connect(context.Background()))

	u1 := m.Subscribe(string(events.ScanCompleted), func(Message) {})
	u2 := m.Subscribe(string(events.ScanCompleted), func(Message) {})
	u1()
	u2()

	assert.Equal(t, []controlFrame{
		{Action: actionSubscribe, Topics: []string{"scan:started"}},
		{Action: actionSubscribe, Topics: []string{"scan:completed"}},
		{Action: actionUnsubscribe, Topics: []string{"scan:completed"}},
	}, conn.controls())
}

func TestManager_ReconnectsAndResubscribes(t *testing.T) {
	c1, c2 := newFakeConn(), newFakeConn()
	d := new(fakeDialer).succeed(c1).fail().succeed(c2)
	m := newTestManager(d, 5)
	defer m.Disconnect()

	rec := &recorder{}
	for _, topic := range []string{EventOpen, EventClose, EventError} {
		m.Subscribe(topic, rec.handle)
	}
	m.Subscribe(string(events.ValidationProgress), func(Message) {})
	require.NoError(t, m.Connect(context.Background()))

	c1.drop <- errors.New("reset by peer")

	waitFor(t, func() bool { return rec.count(EventOpen) == 2 })
	m.Wait()

	assert.Equal(t, []string{EventOpen, EventClose, EventError, EventOpen}, rec.topics())
	assert.Equal(t, StateConnected, m.State())
	assert.Zero(t, m.Attempts(), "attempts reset after a successful open")
	assert.Equal(t, []controlFrame{
		{Action: actionSubscribe, Topics: []string{"validation:progress"}},
	}, c2.controls())
}

func TestManager_FailsAfterMaxAttempts(t *testing.T) {
	c1 := newFakeConn()
	d := new(fakeDialer).succeed(c1)
	m := newTestManager(d, 2)
	defer m.Disconnect()

	rec := &recorder{}
	m.Subscribe(EventFailed, rec.handle)
	m.Subscribe(EventError, rec.handle)
	require.NoError(t, m.Connect(context.Background()))

	c1.drop <- errors.New("server went away")

	waitFor(t, func() bool { return m.State() == StateFailed })
	m.Wait()

	assert.Equal(t, 3, d.count(), "initial dial plus two retries")
	assert.Equal(t, 2, rec.count(EventError))
	assert.Equal(t, 1, rec.count(EventFailed))
	assert.Equal(t, 2, rec.last().Attempt)

	// A manual Connect after failure starts a fresh budget.
	d.succeed(newFakeConn())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_InitialDialFailureSchedulesRetry(t *testing.T) {
	conn := newFakeConn()
	d := new(fakeDialer).fail().succeed(conn)
	m := newTestManager(d, 3)
	defer m.Disconnect()

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, errRefused)

	waitFor(t, func() bool { return m.State() == StateConnected })
	assert.Equal(t, 2, d.count())
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	c1 := newFakeConn()
	d := new(fakeDialer).succeed(c1).succeed(newFakeConn())
	m := NewManager(Config{
		URL:    "ws://bountyhub.test/ws",
		Policy: retry.Linear{Base: 50 * time.Millisecond, Max: time.Second},
		Dialer: d,
	})

	rec := &recorder{}
	m.Subscribe(EventOpen, rec.handle)
	m.Subscribe(EventClose, rec.handle)
	require.NoError(t, m.Connect(context.Background()))

	c1.drop <- errors.New("blip")
	waitFor(t, func() bool { return m.State() == StateReconnecting })

	m.Disconnect()
	time.Sleep(150 * time.Millisecond)
	m.Wait()

	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, d.count(), "scheduled reconnect must not dial")
	assert.Equal(t, 1, rec.count(EventOpen))
	last := rec.last()
	assert.Equal(t, EventClose, last.Topic)
	assert.True(t, last.Intentional)
}

func TestManager_DisconnectDuringDialDiscardsConnection(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	d := new(fakeDialer).then(func() (Conn, error) {
		<-release
		return conn, nil
	})
	m := newTestManager(d, 3)

	rec := &recorder{}
	m.Subscribe(EventOpen, rec.handle)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	waitFor(t, func() bool { return m.State() == StateConnecting })

	m.Disconnect()
	close(release)
	<-done
	m.Wait()

	assert.Equal(t, StateDisconnected, m.State())
	assert.Zero(t, rec.count(EventOpen))
	select {
	case <-conn.closed:
	default:
		t.Fatal("late connection should be closed")
	}
}

func TestManager_SendWhileDisconnectedDrops(t *testing.T) {
	m := newTestManager(new(fakeDialer), 3)
	before := testutil.ToFloat64(metrics.ChannelSendDroppedTotal)

	assert.NotPanics(t, func() {
		m.Send("scan:cancel", map[string]string{"scanId": "scn_1"})
	})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ChannelSendDroppedTotal))
}

func TestManager_SendWritesEnvelope(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background()))

	m.Send("scan:cancel", map[string]string{"scanId": "scn_1"})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	assert.Contains(t, string(conn.written[0]), `"type":"scan:cancel"`)
	assert.Contains(t, string(conn.written[0]), `"scanId":"scn_1"`)
}

func TestManager_DisconnectLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	conn := newFakeConn()
	m := newTestManager(new(fakeDialer).succeed(conn), 3)
	m.Subscribe(EventOpen, func(Message) {})

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
	m.Wait()
}

func TestManager_AgainstHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(slog.Default())
	received := make(chan events.Envelope, 1)
	hub.OnMessage = func(env events.Envelope) { received <- env }
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	m := NewManager(Config{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Heartbeat: time.Second,
	})
	defer m.Disconnect()

	rec := &recorder{}
	m.Subscribe(string(events.ScanProgress), rec.handle)
	require.NoError(t, m.Connect(ctx))

	waitFor(t, func() bool { return hub.Subscribers(string(events.ScanProgress)) == 1 })
	hub.PublishEvent(events.ScanEvent{Kind: events.ScanProgress, ScanID: "scn_9", Progress: 10})
	hub.PublishEvent(events.ScanEvent{Kind: events.ScanCompleted, ScanID: "scn_9"})

	waitFor(t, func() bool { return rec.count(string(events.ScanProgress)) == 1 })
	scan, ok := rec.last().Event.(events.ScanEvent)
	require.True(t, ok)
	assert.Equal(t, "scn_9", scan.ScanID)

	m.Send("scan:cancel", map[string]string{"scanId": "scn_9"})
	select {
	case env := <-received:
		assert.Equal(t, events.Type("scan:cancel"), env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not receive client event")
	}
}
