package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	inbound chan []byte
	drop    chan error
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		drop:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.inbound:
		return b, nil
	case err := <-c.drop:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, e events.Event) {
	t.Helper()
	env, err := events.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, _ := json.Marshal(env)
	c.inbound <- b
}

func (c *fakeConn) controls() []controlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []controlFrame
	for _, w := range c.written {
		var f controlFrame
		if json.Unmarshal(w, &f) == nil && f.Action != "" {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out scripted results in order. Once the script runs out
// every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	script  []func() (Conn, error)
	dials   int
	headers []http.Header
}

func (d *fakeDialer) then(f func() (Conn, error)) *fakeDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, f)
	return d
}

func (d *fakeDialer) succeed(c *fakeConn) *fakeDialer {
	return d.then(func() (Conn, error) { return c, nil })
}

func (d *fakeDialer) fail() *fakeDialer {
	return d.then(func() (Conn, error) { return nil, errRefused })
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	var next func() (Conn, error)
	if len(d.script) > 0 {
		next, d.script = d.script[0], d.script[1:]
	}
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if next == nil {
		return nil, errRefused
	}
	return next()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recorder collects messages delivered to handlers.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Topic
	}
	return out
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func (r *recorder) last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}
	}
	return r.msgs[len(r.msgs)-1]
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
