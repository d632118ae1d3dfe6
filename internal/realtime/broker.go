package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Broker fans messages out to the subscriptions registered for a topic.
// Each topic keeps an explicit reference count so callers learn exactly when
// the first subscriber arrives and the last one leaves.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	refs int
	subs []*Subscription
}

// Subscription is one registered handler. Close is idempotent.
type Subscription struct {
	broker  *Broker
	topic   string
	handler Handler
	active  atomic.Bool

	// mu is held for the whole handler call, so Close waits out an
	// in-flight delivery. A handler must not close its own subscription.
	mu sync.Mutex
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Register adds h under name. first is true when the topic had no
// subscribers before this call.
func (b *Broker) Register(name string, h Handler) (sub *Subscription, first bool) {
	sub = &Subscription{broker: b, topic: name, handler: h}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	t.refs++
	t.subs = append(t.subs, sub)
	return sub, t.refs == 1
}

// Publish delivers msg to every active subscription of msg.Topic in
// registration order and returns how many handlers ran.
func (b *Broker) Publish(msg Message) int {
	b.mu.Lock()
	t, ok := b.topics[msg.Topic]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	subs := make([]*Subscription, len(t.subs))
	copy(subs, t.subs)
	b.mu.Unlock()

	n := 0
	for _, s := range subs {
		if s.Deliver(msg) {
			n++
		}
	}
	return n
}

// Refs returns the reference count of a topic.
func (b *Broker) Refs(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t.refs
	}
	return 0
}

// Topics returns every topic with at least one subscriber, sorted.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for name, t := range b.topics {
		if t.refs > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Topic returns the topic this subscription is registered under.
func (s *Subscription) Topic() string { return s.topic }

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool { return s.active.Load() }

// Deliver invokes the handler unless the subscription has been closed.
func (s *Subscription) Deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return false
	}
	s.handler(msg)
	return true
}

// Close removes the subscription. It returns once no handler call is in
// flight, and the handler never runs again. last is true when this was the
// final subscriber of its topic; repeated calls return false.
func (s *Subscription) Close() (last bool) {
	s.mu.Lock()
	closed := s.active.CompareAndSwap(true, false)
	s.mu.Unlock()
	if !closed {
		return false
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[s.topic]
	if !ok {
		return false
	}
	for i, other := range t.subs {
		if other == s {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			break
		}
	}
	t.refs--
	if t.refs <= 0 {
		delete(b.topics, s.topic)
		return true
	}
	return false
}
