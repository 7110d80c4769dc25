package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExactlyN(t *testing.T) {
	const limit = 4
	const callers = 16

	q := NewResourceQuota("agent-a", limit, 0)

	var mu sync.Mutex
	var granted []*Slot
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if slot, ok := q.TryAcquire(); ok {
				mu.Lock()
				granted = append(granted, slot)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, granted, limit, "exactly limit acquires should succeed")
	assert.Equal(t, limit, q.InUse())

	for _, s := range granted {
		s.Release()
	}
	assert.Equal(t, 0, q.InUse())
}

func TestQuotaLimitOneTwoCallers(t *testing.T) {
	q := NewResourceQuota("agent-b", 1, 0)

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.TryAcquire()
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestReleaseIdempotent(t *testing.T) {
	q := NewResourceQuota("agent-c", 1, 0)

	slot, ok := q.TryAcquire()
	require.True(t, ok)

	slot.Release()
	slot.Release() // second release must not free a phantom slot

	// One slot free: the first acquire succeeds, the second must not.
	s1, ok := q.TryAcquire()
	require.True(t, ok)
	_, ok = q.TryAcquire()
	assert.False(t, ok, "double release must not double-increment capacity")
	s1.Release()
}

func TestReleaseOnNilSlot(t *testing.T) {
	var s *Slot
	s.Release() // defensive cleanup path: must not panic
}

func TestAcquireBoundedWait(t *testing.T) {
	q := NewResourceQuota("agent-d", 1, 1)

	held, err := q.Acquire(context.Background())
	require.NoError(t, err)

	// One waiter fits in the queue and is served once the slot frees.
	done := make(chan error, 1)
	go func() {
		slot, err := q.Acquire(context.Background())
		if err == nil {
			slot.Release()
		}
		done <- err
	}()

	// Give the waiter time to enqueue, then saturate the queue.
	time.Sleep(20 * time.Millisecond)
	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCapacityExceeded, "queue is full, must fail fast")

	held.Release()
	require.NoError(t, <-done)
}

func TestAcquireContextCancel(t *testing.T) {
	q := NewResourceQuota("agent-e", 1, 4)

	held, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = q.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Waiting(), "canceled waiter must leave the queue")
}

func TestAcquireNoQueueFailsFast(t *testing.T) {
	q := NewResourceQuota("agent-f", 1, 0)
	held, err := q.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = q.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestControllerLazyQuota(t *testing.T) {
	c := NewController(8)

	q1 := c.QuotaFor("agent-x", 3)
	q2 := c.QuotaFor("agent-x", 99) // later limit is ignored
	assert.Same(t, q1, q2)
	assert.Equal(t, 3, q2.Limit())

	qo := c.QuotaFor("agent-y", 1)
	assert.NotSame(t, q1, qo)
}

func TestControllerConcurrentQuotaCreation(t *testing.T) {
	c := NewController(0)

	var wg sync.WaitGroup
	quotas := make([]*ResourceQuota, 32)
	for i := range quotas {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			quotas[i] = c.QuotaFor("same-agent", 2)
		}(i)
	}
	wg.Wait()

	for _, q := range quotas[1:] {
		assert.Same(t, quotas[0], q)
	}
}

func TestInvariantNeverExceedsLimit(t *testing.T) {
	const limit = 3
	q := NewResourceQuota("agent-inv", limit, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, ok := q.TryAcquire()
			if !ok {
				return
			}
			if got := q.InUse(); got > limit {
				t.Errorf("in-use %d exceeds limit %d", got, limit)
			}
			slot.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, q.InUse())
}

func TestCheckRateUnlimited(t *testing.T) {
	require.NoError(t, CheckRate(context.Background(), nil, "a", RatePolicy{}))
}

func TestCheckRateNoStoreFailsClosed(t *testing.T) {
	err := CheckRate(context.Background(), nil, "a", RatePolicy{PerMinute: 10})
	require.Error(t, err)
}

func TestMemoryRateStoreBurst(t *testing.T) {
	store := NewMemoryRateStore()
	policy := RatePolicy{PerMinute: 60, Burst: 2}

	ctx := context.Background()
	require.NoError(t, CheckRate(ctx, store, "agent-r", policy))
	require.NoError(t, CheckRate(ctx, store, "agent-r", policy))

	err := CheckRate(ctx, store, "agent-r", policy)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// A different agent has its own bucket.
	require.NoError(t, CheckRate(ctx, store, "agent-s", policy))
}

func TestCapacityErrorClassification(t *testing.T) {
	_, err := NewResourceQuota("a", 1, 0).Acquire(context.Background())
	require.NoError(t, err) // first slot fits

	q := NewResourceQuota("b", 1, 0)
	s, _ := q.TryAcquire()
	defer s.Release()
	_, err = q.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
}
