package resilient

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimitTimeout is returned when WaitForToken gives up before the
// bucket refills enough to cover the requested cost.
var ErrRateLimitTimeout = errors.New("rate limit timeout exceeded")

const (
	// DefaultBucketCapacity is the burst size.
	DefaultBucketCapacity = 100
	// DefaultRefillRate is tokens added per second.
	DefaultRefillRate = 10.0
	// waitPollInterval is how often WaitForToken re-checks the bucket.
	waitPollInterval = 100 * time.Millisecond
)

// Bucket is a token bucket. It starts full and refills proportionally to
// elapsed time, capped at capacity.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full bucket with the given capacity and refill rate.
func NewBucket(capacity int, refillRate float64) *Bucket {
	if capacity <= 0 {
		capacity = DefaultBucketCapacity
	}
	if refillRate <= 0 {
		refillRate = DefaultRefillRate
	}
	b := &Bucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refill credits tokens for the time elapsed since the last refill.
// Caller must hold b.mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryConsume takes cost tokens if available and reports whether it did.
func (b *Bucket) TryConsume(cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

// WaitForToken polls TryConsume until it succeeds, the timeout elapses, or
// ctx is cancelled. The timeout is separate from any deadline on ctx.
func (b *Bucket) WaitForToken(ctx context.Context, cost int, timeout time.Duration) error {
	if b.TryConsume(cost) {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrRateLimitTimeout
		case <-ticker.C:
			if b.TryConsume(cost) {
				return nil
			}
		}
	}
}

// BucketStatus is a point-in-time view of the bucket.
type BucketStatus struct {
	Tokens     int     `json:"tokens"`
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refillRate"`
}

// Status refills and reports the current token count.
func (b *Bucket) Status() BucketStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return BucketStatus{
		Tokens:     int(b.tokens),
		Capacity:   int(b.capacity),
		RefillRate: b.refillRate,
	}
}
