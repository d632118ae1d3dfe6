package progress

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/retry"
)

type fakeStream struct {
	frames chan Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(frames ...Frame) *fakeStream {
	s := &fakeStream{
		frames: make(chan Frame, len(frames)+8),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		s.frames <- f
	}
	return s
}

func (s *fakeStream) Next() (Frame, error) {
	// Buffered frames drain before an injected error.
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return Frame{}, err
	case <-s.closed:
		return Frame{}, io.ErrClosedPipe
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	mu      sync.Mutex
	script  []func() (Stream, error)
	opens   int
	lastIDs []string
}

func (f *fakeSource) serve(s *fakeStream) *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, func() (Stream, error) { return s, nil })
	return f
}

func (f *fakeSource) refuse() *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, func() (Stream, error) { return nil, errors.New("connection refused") })
	return f
}

func (f *fakeSource) Open(ctx context.Context, _ string, lastEventID string) (Stream, error) {
	f.mu.Lock()
	f.opens++
	f.lastIDs = append(f.lastIDs, lastEventID)
	var next func() (Stream, error)
	if len(f.script) > 0 {
		next, f.script = f.script[0], f.script[1:]
	}
	f.mu.Unlock()

	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next()
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func newTestClient(src Source, maxAttempts int) *Client {
	return NewClient(Config{
		Origin:      "http://bountyhub.test",
		Source:      src,
		Policy:      retry.Exponential{Base: time.Millisecond, Max: 4 * time.Millisecond},
		MaxAttempts: maxAttempts,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func messages(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Message
	}
	return out
}

func TestObserve_TerminalSubjectNeverConnects(t *testing.T) {
	src := &fakeSource{}
	c := newTestClient(src, 0)

	for _, st := range []events.Status{events.StatusSucceeded, events.StatusFailed, events.StatusCanceled, events.StatusValidated, events.StatusRejected} {
		w := c.Observe(Subject{Kind: KindScan, ID: "scn_1", Status: st})
		select {
		case <-w.Done():
		default:
			t.Fatalf("%s: inert watch should be done", st)
		}
		assert.True(t, w.Terminal())
		assert.Empty(t, w.Records())
		w.Close()
		w.Close()
	}

	assert.Zero(t, src.count())
	assert.Zero(t, c.Sessions())
}

func TestObserve_BootstrapDedupAcrossReconnects(t *testing.T) {
	first := newFakeStream(
		Frame{Event: "connected", Data: "Connected to validation log stream"},
		Frame{Data: "Analyzing function `withdraw()`"},
		Frame{Data: "Analyzing function `withdraw()`"},
	)
	second := newFakeStream(
		Frame{Event: "connected", Data: "Connected to validation log stream"},
		Frame{Data: `{"message":"Consensus reached","status":"VALIDATED"}`},
	)
	src := (&fakeSource{}).serve(first).serve(second)
	c := newTestClient(src, 0)

	w := c.Observe(Subject{Kind: KindValidation, ID: "val_1", Status: events.StatusRunning})
	defer w.Close()

	waitFor(t, func() bool { return len(w.Records()) == 3 })
	first.errs <- errors.New("stream reset")

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal status not reached")
	}

	assert.Equal(t, []string{
		"Connected to validation log stream",
		"Analyzing function `withdraw()`",
		"Analyzing function `withdraw()`",
		"Consensus reached",
	}, messages(w.Records()))
	assert.Equal(t, events.StatusValidated, w.Status())
}

func TestObserve_TerminalStopsReconnecting(t *testing.T) {
	stream := newFakeStream(Frame{Data: `{"status":"FAILED","message":"Scan failed"}`})
	src := (&fakeSource{}).serve(stream)
	c := newTestClient(src, 0)

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_2"})
	defer w.Close()

	<-w.Done()
	time.Sleep(30 * time.Millisecond)

	assert.True(t, stream.isClosed())
	assert.Equal(t, 1, src.count())
	assert.False(t, w.session.reconnectPending())
	assert.Equal(t, []string{"Scan failed"}, messages(w.Records()))
}

func TestObserve_SharesSessionPerSubject(t *testing.T) {
	stream := newFakeStream(Frame{Data: "hello"})
	src := (&fakeSource{}).serve(stream)
	c := newTestClient(src, 0)

	subject := Subject{Kind: KindScan, ID: "scn_3", Status: events.StatusQueued}
	a := c.Observe(subject)
	b := c.Observe(subject)

	waitFor(t, func() bool { return len(b.Records()) == 1 })
	assert.Equal(t, 1, src.count())
	assert.Equal(t, 1, c.Sessions())

	a.Close()
	assert.False(t, stream.isClosed(), "still observed by b")

	b.Close()
	assert.True(t, stream.isClosed())
	assert.Zero(t, c.Sessions())
}

func TestWatch_CloseCancelsPendingReconnect(t *testing.T) {
	src := (&fakeSource{}).refuse()
	c := NewClient(Config{
		Origin: "http://bountyhub.test",
		Source: src,
		Policy: retry.Exponential{Base: time.Hour, Max: time.Hour},
	})

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_4"})
	waitFor(t, func() bool { return w.session.reconnectPending() })

	w.Close()
	w.Close()

	assert.False(t, w.session.reconnectPending())
	assert.Equal(t, 1, src.count())
}

func TestObserve_AttemptsResetOnOpen(t *testing.T) {
	s1 := newFakeStream()
	s2 := newFakeStream(Frame{Data: `{"status":"SUCCEEDED","message":"done"}`})
	src := (&fakeSource{}).refuse().refuse().serve(s1).refuse().serve(s2)
	c := newTestClient(src, 2)

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_5"})
	defer w.Close()

	waitFor(t, func() bool { return src.count() == 3 })
	s1.errs <- io.EOF

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("budget should have reset after the successful open")
	}
	assert.False(t, w.Exhausted())
	assert.Equal(t, 5, src.count())
}

func TestObserve_ExhaustsAfterMaxAttempts(t *testing.T) {
	src := &fakeSource{}
	c := newTestClient(src, 3)

	w := c.Observe(Subject{Kind: KindValidation, ID: "val_2"})
	defer w.Close()

	waitFor(t, w.Exhausted)
	assert.Equal(t, 4, src.count(), "first open plus three retries")
	assert.False(t, w.session.reconnectPending())
}

type sourceFunc func(ctx context.Context, url, lastEventID string) (Stream, error)

func (f sourceFunc) Open(ctx context.Context, url, lastEventID string) (Stream, error) {
	return f(ctx, url, lastEventID)
}

func TestObserve_ExhaustionNotifiesEveryWatcher(t *testing.T) {
	gate := make(chan struct{})
	src := sourceFunc(func(context.Context, string, string) (Stream, error) {
		<-gate
		return nil, errors.New("connection refused")
	})
	c := newTestClient(src, 1)

	w1 := c.Observe(Subject{Kind: KindScan, ID: "scn_9"})
	defer w1.Close()
	w2 := c.Observe(Subject{Kind: KindScan, ID: "scn_9"})
	defer w2.Close()
	require.Same(t, w1.session, w2.session)
	close(gate)

	for _, w := range []*Watch{w1, w2} {
		select {
		case <-w.Updates():
		case <-time.After(2 * time.Second):
			t.Fatal("watcher was not told that reconnects gave up")
		}
		assert.True(t, w.Exhausted())
	}
}

func TestObserve_AfterExhaustionStartsFreshSession(t *testing.T) {
	s := newFakeStream(Frame{Data: `{"message":"back online","status":"SUCCEEDED"}`})
	src := (&fakeSource{}).refuse().refuse().serve(s)
	c := newTestClient(src, 1)

	w1 := c.Observe(Subject{Kind: KindScan, ID: "scn_10"})
	defer w1.Close()
	waitFor(t, w1.Exhausted)
	assert.Equal(t, 2, src.count())

	w2 := c.Observe(Subject{Kind: KindScan, ID: "scn_10"})
	defer w2.Close()
	assert.NotSame(t, w1.session, w2.session)

	select {
	case <-w2.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("new observer joined the exhausted session")
	}
	assert.False(t, w2.Exhausted())
	assert.True(t, w1.Exhausted())
	assert.Equal(t, []string{"back online"}, messages(w2.Records()))
	assert.Equal(t, 3, src.count())
	assert.Equal(t, 1, c.Sessions())
}

func TestObserve_ResumesFromLastEventID(t *testing.T) {
	s1 := newFakeStream(Frame{ID: "10", Data: "a"}, Frame{ID: "11", Data: "b"})
	s2 := newFakeStream(Frame{ID: "12", Data: `{"message":"c","status":"SUCCEEDED"}`})
	src := (&fakeSource{}).serve(s1).serve(s2)
	c := newTestClient(src, 0)

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_6"})
	defer w.Close()

	waitFor(t, func() bool { return len(w.Records()) == 2 })
	s1.errs <- io.ErrUnexpectedEOF
	<-w.Done()

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []string{"", "11"}, src.lastIDs)
}

func TestWatch_OnRecordStopsAfterClose(t *testing.T) {
	stream := newFakeStream(Frame{Data: "one"})
	src := (&fakeSource{}).serve(stream)
	c := newTestClient(src, 0)

	var mu sync.Mutex
	var got []string
	w := c.Observe(Subject{Kind: KindScan, ID: "scn_7"}, OnRecord(func(r Record) {
		mu.Lock()
		got = append(got, r.Message)
		mu.Unlock()
	}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	w.Close()
	stream.frames <- Frame{Data: "two"}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one"}, got)
}

func TestWatch_TailKeepsFullSequence(t *testing.T) {
	stream := newFakeStream(Frame{Data: "1"}, Frame{Data: "2"}, Frame{Data: "3"})
	c := newTestClient((&fakeSource{}).serve(stream), 0)

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_8"})
	defer w.Close()

	waitFor(t, func() bool { return len(w.Records()) == 3 })
	assert.Equal(t, []string{"2", "3"}, messages(w.Tail(2)))
	assert.Equal(t, []string{"1", "2", "3"}, messages(w.Tail(10)))
	assert.Len(t, w.Records(), 3)
	assert.Nil(t, w.Tail(0))
}

func TestWatch_UpdatesSignal(t *testing.T) {
	stream := newFakeStream(Frame{Data: "x"})
	c := newTestClient((&fakeSource{}).serve(stream), 0)

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_9"})
	defer w.Close()

	select {
	case <-w.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal")
	}
}

func TestObserve_CloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	stream := newFakeStream(Frame{Data: "x"})
	c := newTestClient((&fakeSource{}).serve(stream), 0)

	w := c.Observe(Subject{Kind: KindScan, ID: "scn_10"})
	waitFor(t, func() bool { return len(w.Records()) == 1 })
	w.Close()
}

func TestObserve_OverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/validations/:id/stream", func(c *gin.Context) {
		c.SSEvent("connected", "Connected to validation log stream")
		c.SSEvent("log", gin.H{"level": "info", "message": "Replaying exploit"})
		c.SSEvent("log", gin.H{"level": "success", "message": "Validated", "status": "VALIDATED"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(Config{Origin: srv.URL})
	w := c.Observe(Subject{Kind: KindValidation, ID: "val_9", Status: events.StatusValidating})
	defer w.Close()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not reach terminal status")
	}
	recs := w.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, LevelSuccess, recs[2].Level)
}
