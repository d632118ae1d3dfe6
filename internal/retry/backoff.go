package retry

import "time"

// Policy maps a reconnect/retry attempt number to the delay before it.
// Implementations are pure: same attempt, same delay.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Linear grows the delay by Base per attempt (Base*attempt), capped at Max.
// Used by the bidirectional event channel.
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*attempt, clamped to [0, Max].
func (p Linear) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}
	// Base*attempt > Max, checked by division to avoid overflow.
	if p.Max > 0 && time.Duration(attempt) > p.Max/p.Base {
		return p.Max
	}
	d := p.Base * time.Duration(attempt)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Exponential doubles the delay on every attempt (Base*2^attempt), capped at Max.
// Used by one-way progress streams.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*2^attempt, clamped to [Base, Max].
func (p Exponential) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		// Doubling past the int64 range; only reachable with no ceiling.
		if d >= time.Duration(1<<62) {
			return d
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Constant returns the same delay for every attempt.
type Constant time.Duration

// Delay returns the constant delay.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }
