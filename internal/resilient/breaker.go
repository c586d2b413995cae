package resilient

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrCircuitOpen is returned while a circuit is open. Callers must be able
// to tell "service degraded" apart from a genuine low-risk answer.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is either closed or open. There is no half-open probe state:
// once the cooldown passes the circuit closes and the next call is a normal
// attempt.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mosyne",
	Subsystem: "breaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(breakerTransitions)
}

type circuit struct {
	state    BreakerState
	failures int
	resetAt  time.Time
}

const (
	// DefaultBreakerThreshold is the consecutive-failure trip point.
	DefaultBreakerThreshold = 5
	// DefaultBreakerCooldown is how long a tripped circuit stays open.
	DefaultBreakerCooldown = 60 * time.Second
)

// Breaker is a per-key circuit breaker. Reaching threshold consecutive
// failures opens the circuit for cooldown; when the cooldown passes the
// circuit closes again with a clean failure counter.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a breaker with the given trip threshold and cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cooldown has passed closes here.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	if c.state == BreakerOpen {
		if b.now().Before(c.resetAt) {
			return false
		}
		b.transition(c, key, BreakerClosed)
		c.failures = 0
	}
	return true
}

// RecordSuccess resets the consecutive-failure counter for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		c.failures = 0
	}
}

// RecordFailure counts one failed call. Reaching the threshold opens the
// circuit until now + cooldown.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: BreakerClosed}
		b.circuits[key] = c
	}

	c.failures++
	if c.state == BreakerClosed && c.failures >= b.threshold {
		b.transition(c, key, BreakerOpen)
		c.resetAt = b.now().Add(b.cooldown)
	}
}

// State returns the current state for key, closing an expired circuit
// first. Unknown keys are closed.
func (b *Breaker) State(key string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return BreakerClosed
	}
	if c.state == BreakerOpen && !b.now().Before(c.resetAt) {
		b.transition(c, key, BreakerClosed)
		c.failures = 0
	}
	return c.state
}

// BreakerStats is a point-in-time view of one circuit.
type BreakerStats struct {
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	ResetAt  time.Time `json:"resetAt,omitempty"`
}

// Stats returns the circuit state for key.
func (b *Breaker) Stats(key string) BreakerStats {
	state := b.State(key)

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[key]
	if !ok {
		return BreakerStats{State: state.String()}
	}
	s := BreakerStats{State: state.String(), Failures: c.failures}
	if c.state == BreakerOpen {
		s.ResetAt = c.resetAt
	}
	return s
}

// transition changes state and counts it. Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, key string, to BreakerState) {
	if c.state == to {
		return
	}
	breakerTransitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
