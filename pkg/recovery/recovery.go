// Package recovery classifies execution failures and drives the
// retry/compensate/escalate decision. Compensation callbacks are guaranteed
// to run at most once per trace id, even when duplicate failure reports for
// the same request race.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh-labs/sidecar/pkg/admission"
	"github.com/agentmesh-labs/sidecar/pkg/manifest"
)

// FailureKind classifies an execution failure.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureValidation FailureKind = "validation_error"
	FailureDependency FailureKind = "dependency_error"
	FailureCapacity   FailureKind = "capacity_exceeded"
	FailureUnknown    FailureKind = "unknown"
)

// Strategy is the chosen recovery path.
type Strategy string

const (
	StrategyRetry      Strategy = "retry"
	StrategyCompensate Strategy = "compensate"
	StrategyEscalate   Strategy = "escalate"
)

// Terminal states of a recovery run.
const (
	StateRetried     = "RETRIED"
	StateCompensated = "COMPENSATED"
	StateEscalated   = "ESCALATED"
)

// ValidationError marks input the wrapped agent rejected; retrying cannot
// succeed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Msg }

// DependencyError marks a downstream collaborator failure.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ErrTimeout marks an execution that exceeded its latency budget. Context
// deadline errors classify the same way.
var ErrTimeout = errors.New("recovery: execution timed out")

// Classify maps an error to its failure kind using error types, not message
// matching.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		return FailureTimeout
	case errors.Is(err, admission.ErrCapacityExceeded):
		return FailureCapacity
	default:
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return FailureValidation
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return FailureDependency
	}
	return FailureUnknown
}

// AgentFailure is one failure report, consumed exactly once by the engine.
type AgentFailure struct {
	TraceID   string
	Kind      FailureKind
	Err       error
	Timestamp time.Time
}

// NewFailure builds a classified failure report.
func NewFailure(traceID string, err error) AgentFailure {
	return AgentFailure{
		TraceID:   traceID,
		Kind:      Classify(err),
		Err:       err,
		Timestamp: time.Now().UTC(),
	}
}

// RetryFunc re-executes the failed operation.
type RetryFunc func(ctx context.Context) error

// CompensationFunc undoes the partial effects of a failed operation. It is
// supplied by the caller; the engine never implements domain compensation
// itself.
type CompensationFunc func(ctx context.Context) error

// Result is the terminal outcome of one recovery run.
type Result struct {
	TraceID           string      `json:"trace_id"`
	Strategy          Strategy    `json:"strategy"`
	Attempts          int         `json:"attempts"`
	Compensated       bool        `json:"compensated"`
	CompensationError string      `json:"compensation_error,omitempty"`
	FinalState        string      `json:"final_state"`
	Kind              FailureKind `json:"failure_kind"`
}

// Engine selects and executes recovery strategies.
type Engine struct {
	backoff BackoffPolicy
	sleep   func(ctx context.Context, d time.Duration) error

	// compensated carries one atomic marker per trace id; the CAS is the
	// at-most-once guarantee for compensation callbacks.
	compensated sync.Map // trace id → *atomic.Bool
}

// NewEngine creates an Engine with the default backoff policy.
func NewEngine() *Engine {
	return &Engine{backoff: DefaultBackoff, sleep: sleepCtx}
}

// WithBackoff overrides the backoff policy.
func (e *Engine) WithBackoff(p BackoffPolicy) *Engine {
	e.backoff = p
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFailure runs the strategy table for the failure and returns the
// terminal result. retry may be nil when the operation cannot be re-run;
// compensate may be nil when no compensation is registered.
func (e *Engine) HandleFailure(
	ctx context.Context,
	failure AgentFailure,
	m *manifest.CapabilityManifest,
	retry RetryFunc,
	compensate CompensationFunc,
) *Result {
	res := &Result{TraceID: failure.TraceID, Kind: failure.Kind}

	switch failure.Kind {
	case FailureCapacity:
		return e.retryWithBackoff(ctx, failure, retry, e.backoff.MaxAttempts, res)

	case FailureTimeout:
		if m != nil && m.Capabilities.Idempotent {
			return e.retryWithBackoff(ctx, failure, retry, 1, res)
		}
		return e.escalate(res)

	case FailureDependency:
		if compensate != nil && m != nil && m.Capabilities.Reversibility != manifest.ReversibilityNone {
			return e.runCompensation(ctx, failure, compensate, res)
		}
		return e.escalate(res)

	case FailureValidation:
		// Retrying rejected input cannot succeed.
		return e.escalate(res)

	default: // FailureUnknown
		return e.retryWithBackoff(ctx, failure, retry, 1, res)
	}
}

func (e *Engine) retryWithBackoff(ctx context.Context, failure AgentFailure, retry RetryFunc, maxAttempts int, res *Result) *Result {
	if retry == nil {
		return e.escalate(res)
	}
	res.Strategy = StrategyRetry

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.sleep(ctx, ComputeBackoff(failure.TraceID, attempt, e.backoff)); err != nil {
			res.FinalState = StateEscalated
			res.Strategy = StrategyEscalate
			return res
		}
		res.Attempts = attempt
		if err := retry(ctx); err == nil {
			res.FinalState = StateRetried
			return res
		}
	}
	return e.escalate(res)
}

func (e *Engine) runCompensation(ctx context.Context, failure AgentFailure, compensate CompensationFunc, res *Result) *Result {
	res.Strategy = StrategyCompensate

	marker, _ := e.compensated.LoadOrStore(failure.TraceID, &atomic.Bool{})
	flag := marker.(*atomic.Bool)
	if !flag.CompareAndSwap(false, true) {
		// A concurrent report already ran (or is running) the callback for
		// this trace; this report escalates instead of invoking it again.
		return e.escalate(res)
	}

	if err := compensate(ctx); err != nil {
		// A failed callback still consumes the trace's single invocation.
		res.CompensationError = err.Error()
		return e.escalate(res)
	}
	res.Compensated = true
	res.FinalState = StateCompensated
	return res
}

func (e *Engine) escalate(res *Result) *Result {
	if res.Strategy == "" {
		res.Strategy = StrategyEscalate
	}
	res.FinalState = StateEscalated
	return res
}
