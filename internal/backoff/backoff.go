// Package backoff computes reconnect delays with decorrelated jitter.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Defaults match the gateway fleet's reconnect budget: first retry after
// about a second, never more than half a minute between attempts.
const (
	DefaultInitial    = 1 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
)

// Policy produces a randomized delay per attempt. Each delay is drawn
// uniformly from [Initial, 3*capped(Initial*Multiplier^attempt)] and then
// capped at Max, so retries spread out instead of thundering in lockstep.
//
// There is no attempt limit. Reconnection keeps trying until the session is
// closed on purpose; giving up is the caller's decision, not the policy's.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	mu        sync.Mutex
	attempt   int
	randFloat func() float64 // fraction in [0,1), swappable in tests
}

// New returns a Policy with the default pacing.
func New() *Policy {
	return &Policy{
		Initial:    DefaultInitial,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
		randFloat:  rand.Float64,
	}
}

// Next returns the delay for the current attempt and advances the counter.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.randFloat == nil {
		p.randFloat = rand.Float64
	}

	initial := float64(p.Initial)
	max := float64(p.Max)

	capped := math.Min(max, initial*math.Pow(p.Multiplier, float64(p.attempt)))
	upper := 3 * capped

	delay := initial + p.randFloat()*(upper-initial)
	if delay > max {
		delay = max
	}

	p.attempt++
	return time.Duration(delay)
}

// Reset clears the attempt counter after a successful connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}

// Attempt reports how many delays have been handed out since the last Reset.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}
