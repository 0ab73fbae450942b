package sefaz

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting SEFAZ while the breaker is
// open.
var ErrCircuitOpen = errors.New("sefaz: circuit breaker open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls fail fast
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker stops calling the authority after repeated transport failures.
// Only transport failures count; a rejection is a successful call.
type Breaker struct {
	maxFailures      int
	failureThreshold float64
	cooldown         time.Duration
	successThreshold int

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	total           int
	lastStateChange time.Time
	now             func() time.Time
}

// NewBreaker opens after maxFailures failures, or when at least maxFailures
// calls were made and the failure rate reached failureThreshold. It probes
// again after cooldown.
func NewBreaker(maxFailures int, failureThreshold float64, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	if failureThreshold <= 0 || failureThreshold > 1 {
		failureThreshold = 0.5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		maxFailures:      maxFailures,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		successThreshold: 3,
		now:              time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return true
	}
	if b.now().Sub(b.lastStateChange) < b.cooldown {
		return false
	}
	b.setState(BreakerHalfOpen)
	b.successes = 0
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	if err != nil {
		b.failures++
		switch b.state {
		case BreakerHalfOpen:
			b.setState(BreakerOpen)
		case BreakerClosed:
			rate := float64(b.failures) / float64(b.total)
			if b.failures >= b.maxFailures || (b.total >= b.maxFailures && rate >= b.failureThreshold) {
				b.setState(BreakerOpen)
			}
		}
		return
	}

	b.successes++
	switch b.state {
	case BreakerHalfOpen:
		if b.successes >= b.successThreshold {
			b.setState(BreakerClosed)
			b.failures, b.successes, b.total = 0, 0, 0
		}
	case BreakerClosed:
		if b.successes > b.failures {
			b.failures = 0
		}
	}
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	b.lastStateChange = b.now()
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(BreakerClosed)
	b.failures, b.successes, b.total = 0, 0, 0
}
