package progress

import (
	"sync"

	"github.com/mbd888/bountyhub/internal/events"
)

// closedDone is returned by Done on inert watches.
var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Watch is one observer's handle on a subject's progress.
type Watch struct {
	subject  Subject
	session  *session
	onRecord func(Record)
	updates  chan struct{}

	// cbMu serializes callbacks with Close so no callback runs after Close
	// returns.
	cbMu   sync.Mutex
	closed bool
}

// Subject returns the observed subject.
func (w *Watch) Subject() Subject { return w.subject }

// Records returns a copy of every record received so far, oldest first.
func (w *Watch) Records() []Record {
	if w.session == nil {
		return nil
	}
	w.session.mu.Lock()
	defer w.session.mu.Unlock()
	return append([]Record(nil), w.session.records...)
}

// Tail returns at most the n most recent records. The full sequence is kept.
func (w *Watch) Tail(n int) []Record {
	all := w.Records()
	if n <= 0 {
		return nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Status returns the latest known status of the subject.
func (w *Watch) Status() events.Status {
	if w.session == nil {
		return w.subject.Status
	}
	w.session.mu.Lock()
	defer w.session.mu.Unlock()
	return w.session.status
}

// Terminal reports whether the subject has reached a terminal status.
func (w *Watch) Terminal() bool {
	return w.Status().Terminal()
}

// Exhausted reports whether reconnects gave up. The caller should fall back
// to polling the subject.
func (w *Watch) Exhausted() bool {
	if w.session == nil {
		return false
	}
	w.session.mu.Lock()
	defer w.session.mu.Unlock()
	return w.session.exhausted
}

// Done is closed when the subject reaches a terminal status.
func (w *Watch) Done() <-chan struct{} {
	if w.session == nil {
		return closedDone
	}
	return w.session.done
}

// Updates signals that records or status changed. Signals coalesce; read
// Records or Status after receiving one.
func (w *Watch) Updates() <-chan struct{} { return w.updates }

// Close stops observing. The connection closes when no other watch shares
// it. Close is idempotent.
func (w *Watch) Close() {
	w.cbMu.Lock()
	if w.closed {
		w.cbMu.Unlock()
		return
	}
	w.closed = true
	w.cbMu.Unlock()

	if w.session != nil {
		w.session.detach(w)
	}
}

func (w *Watch) deliver(r Record) {
	if w.onRecord == nil {
		return
	}
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	if w.closed {
		return
	}
	w.onRecord(r)
}

func (w *Watch) notify() {
	select {
	case w.updates <- struct{}{}:
	default:
	}
}
