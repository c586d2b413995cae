package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mosyne/mosyne/internal/retry"
)

// fakeClock drives the now() hooks without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCache_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10)
	c.now = clock.Now

	c.Set("k", "v", time.Second)
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected hit, got %v %v", v, ok)
	}

	clock.Advance(1100 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if s := c.Stats(); s.Size != 0 {
		t.Fatalf("expired entry should be evicted on read, size=%d", s.Size)
	}
}

func TestCache_CapacityEviction(t *testing.T) {
	c := NewCache(3)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Minute)
	}
	c.Set("k3", 3, time.Minute)

	s := c.Stats()
	if s.Size != 3 {
		t.Fatalf("cache must stay bounded at 3, got %d", s.Size)
	}
	if v, ok := c.Get("k3"); !ok || v != 3 {
		t.Fatal("newest entry must be present after eviction")
	}
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	c := NewCache(2)
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("a", 3, time.Minute)

	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatal("overwriting an existing key must not evict others")
	}
	if v, _ := c.Get("a"); v != 3 {
		t.Fatalf("expected overwritten value 3, got %v", v)
	}
}

func TestBucket_ProportionalRefill(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(10, 1)
	b.now = clock.Now
	b.lastRefill = clock.Now()

	// Drain the bucket.
	for i := 0; i < 10; i++ {
		if !b.TryConsume(1) {
			t.Fatalf("consume %d should succeed on a full bucket", i)
		}
	}
	if b.TryConsume(1) {
		t.Fatal("empty bucket must reject")
	}

	// 2.5 seconds at 1 token/s refills 2 tokens worth.
	clock.Advance(2500 * time.Millisecond)
	if !b.TryConsume(2) {
		t.Fatal("expected 2 tokens after 2.5s refill")
	}
	if b.TryConsume(1) {
		t.Fatal("only half a token should remain")
	}
}

func TestBucket_RefillCappedAtCapacity(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(10, 5)
	b.now = clock.Now
	b.lastRefill = clock.Now()

	clock.Advance(time.Hour)
	status := b.Status()
	if status.Tokens != 10 {
		t.Fatalf("tokens must cap at capacity, got %d", status.Tokens)
	}
}

func TestBucket_WaitForTokenTimeout(t *testing.T) {
	b := NewBucket(1, 0.001) // effectively no refill
	if !b.TryConsume(1) {
		t.Fatal("first token should be available")
	}

	start := time.Now()
	err := b.WaitForToken(context.Background(), 1, 150*time.Millisecond)
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}
}

func TestBucket_WaitForTokenSucceedsAfterRefill(t *testing.T) {
	b := NewBucket(1, 20) // fast refill for the test
	b.TryConsume(1)

	err := b.WaitForToken(context.Background(), 1, 2*time.Second)
	if err != nil {
		t.Fatalf("expected token after refill, got %v", err)
	}
}

func TestBucket_WaitForTokenRespectsContext(t *testing.T) {
	b := NewBucket(1, 0.001)
	b.TryConsume(1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := b.WaitForToken(ctx, 1, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBreaker_OpensAtThresholdAndResets(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(5, time.Minute)
	b.now = clock.Now

	for i := 0; i < 4; i++ {
		b.RecordFailure("envio")
	}
	if !b.Allow("envio") {
		t.Fatal("breaker must stay closed below the threshold")
	}

	b.RecordFailure("envio")
	if b.Allow("envio") {
		t.Fatal("breaker must open at the 5th consecutive failure")
	}
	if b.State("envio") != BreakerOpen {
		t.Fatalf("state = %s, want open", b.State("envio"))
	}

	// Still open just before the cooldown ends.
	clock.Advance(59 * time.Second)
	if b.Allow("envio") {
		t.Fatal("breaker must stay open during cooldown")
	}

	// Cooldown passed: closes again, no probe state.
	clock.Advance(2 * time.Second)
	if !b.Allow("envio") {
		t.Fatal("breaker must close after cooldown")
	}
	if b.State("envio") != BreakerClosed {
		t.Fatalf("state = %s, want closed", b.State("envio"))
	}

	// Failure counter was reset: one new failure must not trip it.
	b.RecordFailure("envio")
	if !b.Allow("envio") {
		t.Fatal("single failure after reset must not reopen")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	b.RecordFailure("k")

	if !b.Allow("k") {
		t.Fatal("non-consecutive failures must not trip the breaker")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := NewBreaker(2, time.Minute)

	b.RecordFailure("a")
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Fatal("circuit a should be open")
	}
	if !b.Allow("b") {
		t.Fatal("circuit b must be unaffected")
	}
}

func testClient(cfg Config, fallback FallbackProvider) *Client {
	return NewClient(cfg, fallback, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.RetryBase = time.Millisecond
	cfg.WaitTimeout = 100 * time.Millisecond
	return cfg
}

func TestClient_CachesSuccessfulQueries(t *testing.T) {
	c := testClient(fastConfig(), nil)
	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return "result", nil
	}

	r1, err := c.Query(context.Background(), "wallet:0xaaa", fn, QueryOptions{})
	if err != nil || r1.Cached {
		t.Fatalf("first query: %v cached=%v", err, r1.Cached)
	}
	r2, err := c.Query(context.Background(), "wallet:0xaaa", fn, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !r2.Cached || calls != 1 {
		t.Fatalf("second query must hit the cache: cached=%v calls=%d", r2.Cached, calls)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	c := testClient(cfg, nil)

	calls := 0
	r, err := c.Query(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return 42, nil
	}, QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r.Value != 42 || calls != 3 {
		t.Fatalf("expected success on 3rd call, got %v after %d calls", r.Value, calls)
	}
}

func TestClient_PermanentErrorNotRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 5
	c := testClient(cfg, nil)

	sentinel := errors.New("bad address")
	calls := 0
	_, err := c.Query(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls++
		return nil, retry.Permanent(sentinel)
	}, QueryOptions{})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestClient_BreakerOpensAfterExhaustedQueries(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerThreshold = 5
	c := testClient(cfg, nil)

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("backend down")
	}

	// Five exhausted queries trip the circuit.
	for i := 0; i < 5; i++ {
		if _, err := c.Query(context.Background(), "k", failing, QueryOptions{SkipCache: true}); err == nil {
			t.Fatalf("query %d should fail", i)
		}
	}

	_, err := c.Query(context.Background(), "k", failing, QueryOptions{SkipCache: true})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestClient_RateLimitTimeoutDoesNotTripBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.BucketCapacity = 1
	cfg.RefillRate = 0.001
	cfg.BreakerThreshold = 3
	cfg.WaitTimeout = 5 * time.Millisecond
	c := testClient(cfg, nil)

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}

	// The single token pays for one real call.
	if _, err := c.Query(context.Background(), "k", fn, QueryOptions{SkipCache: true}); err != nil {
		t.Fatal(err)
	}

	// Subsequent calls starve on the empty bucket. Local throttling must
	// surface as ErrRateLimitTimeout and leave the breaker closed.
	for i := 0; i < 3; i++ {
		_, err := c.Query(context.Background(), "k", fn, QueryOptions{SkipCache: true})
		if !errors.Is(err, ErrRateLimitTimeout) {
			t.Fatalf("query %d: expected ErrRateLimitTimeout, got %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("backend must only be reached once, got %d calls", calls)
	}

	_, err := c.Query(context.Background(), "k", fn, QueryOptions{SkipCache: true})
	if errors.Is(err, ErrCircuitOpen) {
		t.Fatal("rate limiting must not open the circuit")
	}
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

type mapFallback map[string]any

func (m mapFallback) Fallback(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func TestClient_FallbackOnOpenCircuit(t *testing.T) {
	cfg := fastConfig()
	cfg.BreakerThreshold = 1
	c := testClient(cfg, mapFallback{"k": "stale"})

	failing := func(ctx context.Context) (any, error) {
		return nil, errors.New("backend down")
	}

	// First failure trips the breaker; fallback already serves it.
	r, err := c.Query(context.Background(), "k", failing, QueryOptions{SkipCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Degraded || r.Value != "stale" {
		t.Fatalf("expected degraded fallback result, got %+v", r)
	}

	// Circuit now open: still served degraded, never an error.
	r, err = c.Query(context.Background(), "k", failing, QueryOptions{SkipCache: true})
	if err != nil || !r.Degraded {
		t.Fatalf("open circuit with fallback: %+v %v", r, err)
	}
}

func TestClient_FallbackMissPropagatesError(t *testing.T) {
	cfg := fastConfig()
	c := testClient(cfg, mapFallback{})

	sentinel := errors.New("backend down")
	_, err := c.Query(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, sentinel
	}, QueryOptions{SkipCache: true})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected original error when fallback misses, got %v", err)
	}
}

func TestClient_ConcurrentQueries(t *testing.T) {
	cfg := fastConfig()
	c := testClient(cfg, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			_, err := c.Query(context.Background(), key, func(ctx context.Context) (any, error) {
				return i, nil
			}, QueryOptions{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
}
