// Package backoff computes reconnect delays: exponential growth from a base
// interval, capped, with optional jitter.
//
//	p := backoff.Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: true, MaxAttempts: 8}
//	delay := p.Delay(attempt)
//
// With jitter the delay is d/2 + random(0, d/2), which keeps many clients
// from reconnecting in lockstep after a backend restart.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      bool
	MaxAttempts int // 0 means retry forever
}

func Default() Policy {
	return Policy{
		Base:        1 * time.Second,
		Cap:         30 * time.Second,
		Jitter:      true,
		MaxAttempts: 8,
	}
}

// Delay returns min(Base * 2^attempt, Cap), jittered when enabled. attempt
// starts at zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(2, float64(attempt))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	delay := time.Duration(d)

	if p.Jitter && delay > 1 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}

// Exhausted reports whether attempts have used up the retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
