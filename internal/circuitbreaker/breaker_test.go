package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(c.now)), c
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("scan/scn_1") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("scan/scn_1")
	b.RecordFailure("scan/scn_1")
	if !b.Allow("scan/scn_1") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("scan/scn_1")
	if b.Allow("scan/scn_1") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("scan/scn_1") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("scan/scn_1"))
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, c := newTestBreaker(2)

	b.RecordFailure("k")
	b.RecordFailure("k")
	c.advance(59 * time.Second)
	if b.Allow("k") {
		t.Fatal("should stay open during cool-down")
	}

	c.advance(time.Second)
	if !b.Allow("k") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, c := newTestBreaker(2)

	b.RecordFailure("k")
	b.RecordFailure("k")
	c.advance(time.Minute)
	b.Allow("k")

	b.RecordSuccess("k")
	if b.State("k") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("k"))
	}
	if !b.Allow("k") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureRestartsCooldown(t *testing.T) {
	b, c := newTestBreaker(2)

	b.RecordFailure("k")
	b.RecordFailure("k")
	c.advance(time.Minute)
	b.Allow("k")

	b.RecordFailure("k")
	if b.State("k") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("k"))
	}
	c.advance(30 * time.Second)
	if b.Allow("k") {
		t.Fatal("cool-down should restart from the failed probe")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")

	b.RecordFailure("k")
	if !b.Allow("k") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2)

	b.RecordFailure("scan/a")
	b.RecordFailure("scan/a")

	if b.Allow("scan/a") {
		t.Fatal("scan/a should be open")
	}
	if !b.Allow("scan/b") {
		t.Fatal("scan/b should be closed")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	if err := b.Execute("k", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	called := false
	err := b.Execute("k", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}

	b.Reset("k")
	if err := b.Execute("k", func() error { return nil }); err != nil {
		t.Fatalf("expected success after reset, got %v", err)
	}
}

func TestBreaker_TransitionHook(t *testing.T) {
	var transitions []struct{ from, to State }
	c := &clock{t: time.Now()}
	b := New(2, time.Minute, WithClock(c.now), WithTransitionHook(func(key string, from, to State) {
		transitions = append(transitions, struct{ from, to State }{from, to})
	}))

	b.RecordFailure("k")
	b.RecordFailure("k")

	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("expected closed→open, got %v→%v", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
