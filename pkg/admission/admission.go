// Package admission implements the bounded-concurrency gate in front of the
// wrapped agent. Each agent identity gets a ResourceQuota sized to its
// manifest concurrency limit; capacity is enforced by a channel semaphore,
// never by a read-then-written counter.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCapacityExceeded signals that no execution slot is available. It is a
// backpressure signal, not a fault: callers classify it as capacity-exceeded
// and may retry later.
var ErrCapacityExceeded = errors.New("admission: capacity exceeded")

// Slot is a granted unit of concurrency capacity. Release is idempotent:
// calling it more than once, or on a Slot whose acquire never completed,
// is a no-op and never double-frees capacity.
type Slot struct {
	once    sync.Once
	release func()
}

// Release returns the slot to its quota.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// ResourceQuota is the per-agent concurrency budget. The buffered channel is
// the semaphore: a successful send is an acquire, a receive is a release.
type ResourceQuota struct {
	agentID  string
	limit    int
	sem      chan struct{}
	waiting  atomic.Int64
	maxQueue int64
}

// NewResourceQuota creates a quota with the given slot limit and bounded
// wait queue capacity. maxQueue <= 0 disables queued waiting entirely.
func NewResourceQuota(agentID string, limit int, maxQueue int) *ResourceQuota {
	if limit < 1 {
		limit = 1
	}
	return &ResourceQuota{
		agentID:  agentID,
		limit:    limit,
		sem:      make(chan struct{}, limit),
		maxQueue: int64(maxQueue),
	}
}

// TryAcquire grants a slot without blocking. The false return is the
// backpressure signal; it is never an error condition.
func (q *ResourceQuota) TryAcquire() (*Slot, bool) {
	select {
	case q.sem <- struct{}{}:
		return &Slot{release: func() { <-q.sem }}, true
	default:
		return nil, false
	}
}

// Acquire grants a slot, queueing behind up to maxQueue other waiters. It
// fails fast with ErrCapacityExceeded once the wait queue is full, so a
// burst of callers cannot grow memory without bound.
func (q *ResourceQuota) Acquire(ctx context.Context) (*Slot, error) {
	if slot, ok := q.TryAcquire(); ok {
		return slot, nil
	}
	if q.maxQueue <= 0 {
		return nil, ErrCapacityExceeded
	}

	if q.waiting.Add(1) > q.maxQueue {
		q.waiting.Add(-1)
		return nil, ErrCapacityExceeded
	}
	defer q.waiting.Add(-1)

	select {
	case q.sem <- struct{}{}:
		return &Slot{release: func() { <-q.sem }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of currently granted slots.
func (q *ResourceQuota) InUse() int { return len(q.sem) }

// Limit returns the quota's slot capacity.
func (q *ResourceQuota) Limit() int { return q.limit }

// Waiting returns the current wait queue depth.
func (q *ResourceQuota) Waiting() int { return int(q.waiting.Load()) }

// Controller owns all per-agent quotas, created lazily on first request and
// kept for the process lifetime. There is no ambient global registry: the
// map lives here and is reached only through Controller methods.
type Controller struct {
	mu       sync.RWMutex
	quotas   map[string]*ResourceQuota
	maxQueue int
}

// NewController creates a Controller. maxQueue bounds each quota's wait
// queue for Acquire; TryAcquire is unaffected.
func NewController(maxQueue int) *Controller {
	return &Controller{
		quotas:   make(map[string]*ResourceQuota),
		maxQueue: maxQueue,
	}
}

// QuotaFor returns the agent's quota, creating it with the given limit on
// first use. The limit is fixed at creation; later calls with a different
// limit reuse the existing quota.
func (c *Controller) QuotaFor(agentID string, limit int) *ResourceQuota {
	c.mu.RLock()
	q, ok := c.quotas[agentID]
	c.mu.RUnlock()
	if ok {
		return q
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.quotas[agentID]; ok {
		return q
	}
	q = NewResourceQuota(agentID, limit, c.maxQueue)
	c.quotas[agentID] = q
	return q
}

// TryAcquire grants a slot for the agent without blocking.
func (c *Controller) TryAcquire(agentID string, limit int) (*Slot, bool) {
	return c.QuotaFor(agentID, limit).TryAcquire()
}

// Acquire grants a slot for the agent with bounded waiting.
func (c *Controller) Acquire(ctx context.Context, agentID string, limit int) (*Slot, error) {
	return c.QuotaFor(agentID, limit).Acquire(ctx)
}
