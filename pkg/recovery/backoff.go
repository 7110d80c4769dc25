package recovery

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds retry delays.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is tuned for transient capacity pressure: short first
// delay, capped under the typical SLA budget.
var DefaultBackoff = BackoffPolicy{
	BaseMs:      50,
	MaxMs:       2000,
	MaxJitterMs: 25,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay before the given attempt. The jitter is
// deterministic — a PRF over the trace id and attempt index — so identical
// failures replay identically.
func ComputeBackoff(traceID string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(traceID, attempt, policy)) * time.Millisecond
}

func deterministicJitter(traceID string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", traceID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
