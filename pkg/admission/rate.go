package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RatePolicy bounds an agent's request rate, independent of the concurrency
// semaphore. Zero PerMinute means the agent carries no rate limit.
type RatePolicy struct {
	PerMinute int
	Burst     int
}

// RateStore abstracts the storage for rate limiting buckets.
type RateStore interface {
	// Allow checks whether the agent may perform an action costing cost
	// tokens. False means rate limited, not an error.
	Allow(ctx context.Context, agentID string, policy RatePolicy, cost int) (bool, error)
}

// tokenBucket implements a thread-safe token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, capacity int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryRateStore keeps per-agent buckets in process memory; suitable for
// single-instance sidecars.
type MemoryRateStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewMemoryRateStore creates an empty in-memory rate store.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{buckets: make(map[string]*tokenBucket)}
}

// Allow consumes cost tokens from the agent's bucket, creating the bucket
// lazily from the policy on first use.
func (s *MemoryRateStore) Allow(_ context.Context, agentID string, policy RatePolicy, cost int) (bool, error) {
	s.mu.Lock()
	tb, exists := s.buckets[agentID]
	if !exists {
		rate := float64(policy.PerMinute) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = policy.PerMinute
		}
		if burst <= 0 {
			burst = 1
		}
		tb = newTokenBucket(rate, burst)
		s.buckets[agentID] = tb
	}
	s.mu.Unlock()

	return tb.allow(cost), nil
}

// CheckRate evaluates the agent's rate policy against the store. A nil
// store or an unlimited policy admits everything; a limited agent with no
// store configured is denied (fail closed).
func CheckRate(ctx context.Context, store RateStore, agentID string, policy RatePolicy) error {
	if policy.PerMinute <= 0 {
		return nil
	}
	if store == nil {
		return fmt.Errorf("admission: rate policy set but no rate store configured")
	}
	allowed, err := store.Allow(ctx, agentID, policy, 1)
	if err != nil {
		return fmt.Errorf("admission: rate check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%w: rate limit for %s", ErrCapacityExceeded, agentID)
	}
	return nil
}
