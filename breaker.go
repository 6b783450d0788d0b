package auditspool

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is reported when delivery to a destination is skipped
// because its emitter failed too often in a row.
var ErrCircuitOpen = errors.New("auditspool: circuit open")

// circuitBreaker stops delivery attempts to a destination after maxFails
// consecutive emitter failures. After timeout it lets attempts through again.
// A maxFails of zero or less disables it.
type circuitBreaker struct {
	mu       sync.Mutex
	open     bool
	fails    int
	maxFails int
	timeout  time.Duration
	lastFail time.Time
}

func newCircuitBreaker(timeout time.Duration, maxFails int) *circuitBreaker {
	return &circuitBreaker{maxFails: maxFails, timeout: timeout}
}

// Allow reports whether an attempt may be made. An open circuit closes once
// timeout has passed since the last failure.
func (cb *circuitBreaker) Allow() bool {
	if cb.maxFails <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open && time.Since(cb.lastFail) > cb.timeout {
		cb.open = false
		cb.fails = 0
	}
	return !cb.open
}

// RecordFailure counts a failed attempt and opens the circuit at the threshold.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails++
	cb.lastFail = time.Now()
	if cb.maxFails > 0 && cb.fails >= cb.maxFails {
		cb.open = true
	}
}

// RecordSuccess resets the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails = 0
	cb.open = false
}

// breakers holds one circuit breaker per destination.
type breakers struct {
	mu       sync.Mutex
	byName   map[string]*circuitBreaker
	timeout  time.Duration
	maxFails int
}

func newBreakers(timeout time.Duration, maxFails int) *breakers {
	return &breakers{byName: make(map[string]*circuitBreaker), timeout: timeout, maxFails: maxFails}
}

func (b *breakers) get(dest string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byName[dest]
	if !ok {
		cb = newCircuitBreaker(b.timeout, b.maxFails)
		b.byName[dest] = cb
	}
	return cb
}
