package cache

import (
	"context"
	"log"
	"sync"
	"time"
)

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// Metrics is a snapshot of breaker and cache counters.
type Metrics struct {
	Hits     int64  `json:"hits"`
	Misses   int64  `json:"misses"`
	Errors   int64  `json:"errors"`
	State    string `json:"state"`
	Failures int    `json:"consecutive_failures"`
}

// Breaker wraps a Cache with a circuit breaker. After Threshold consecutive
// backend errors the circuit opens and every operation short-circuits to a
// miss, so callers fall back to the database path. After Timeout a single
// probe is allowed through; success closes the circuit.
type Breaker struct {
	inner     Cache
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     string
	failures  int
	openedAt  time.Time
	probing   bool
	hits      int64
	misses    int64
	errors    int64
}

// NewBreaker wraps inner with default thresholds (5 failures, 60 s reset).
func NewBreaker(inner Cache) *Breaker {
	return &Breaker{
		inner:     inner,
		threshold: 5,
		timeout:   60 * time.Second,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Get implements Cache. When the circuit is open the call is a miss without
// touching the backend.
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !b.allow() {
		b.count(&b.misses)
		return nil, false, nil
	}
	value, found, err := b.inner.Get(ctx, key)
	b.observe(err)
	if err != nil {
		b.count(&b.errors)
		return nil, false, nil // degrade to a miss; caller uses the DB path
	}
	if found {
		b.count(&b.hits)
	} else {
		b.count(&b.misses)
	}
	return value, found, nil
}

// Set implements Cache. Writes are skipped while the circuit is open.
func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !b.allow() {
		return nil
	}
	err := b.inner.Set(ctx, key, value, ttl)
	b.observe(err)
	if err != nil {
		b.count(&b.errors)
	}
	return nil // cache writes are best-effort
}

// Delete implements Cache.
func (b *Breaker) Delete(ctx context.Context, key string) error {
	if !b.allow() {
		return nil
	}
	err := b.inner.Delete(ctx, key)
	b.observe(err)
	if err != nil {
		b.count(&b.errors)
	}
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Snapshot returns the current metrics.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return Metrics{
		Hits:     b.hits,
		Misses:   b.misses,
		Errors:   b.errors,
		State:    b.state,
		Failures: b.failures,
	}
}

// allow reports whether a call may reach the backend, transitioning
// OPEN -> HALF_OPEN when the reset timeout has elapsed. In HALF_OPEN only
// one probe is admitted at a time.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// refreshLocked applies the OPEN -> HALF_OPEN timeout transition.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		b.state = StateHalfOpen
		b.probing = false
		log.Printf("cache: circuit half-open, probing backend")
	}
}

// observe feeds a backend result into the breaker state machine.
func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err == nil {
			b.state = StateClosed
			b.failures = 0
			log.Printf("cache: circuit closed after successful probe")
		} else {
			b.state = StateOpen
			b.openedAt = b.now()
			log.Printf("cache: probe failed, circuit re-opened")
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
		log.Printf("cache: circuit opened after %d consecutive failures", b.failures)
	}
}

func (b *Breaker) count(c *int64) {
	b.mu.Lock()
	*c++
	b.mu.Unlock()
}
