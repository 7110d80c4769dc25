// Package sidecar is the orchestrator tying the policy engine, admission
// controller, recovery engine and audit ledger into one request lifecycle:
//
//	RECEIVED → DECIDED → ADMITTED|REJECTED → EXECUTING → SUCCEEDED|FAILED
//	        → RECOVERING → RETRIED|COMPENSATED|ESCALATED
//
// The decision always runs before slot acquisition, so blocked and
// warned-without-override requests never consume capacity. Exactly one audit
// entry is appended per request, at finalization.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentmesh-labs/sidecar/pkg/admission"
	"github.com/agentmesh-labs/sidecar/pkg/canonicalize"
	"github.com/agentmesh-labs/sidecar/pkg/ledger"
	"github.com/agentmesh-labs/sidecar/pkg/manifest"
	"github.com/agentmesh-labs/sidecar/pkg/observability"
	"github.com/agentmesh-labs/sidecar/pkg/policy"
	"github.com/agentmesh-labs/sidecar/pkg/recovery"
)

// Request lifecycle states surfaced in responses and audit entries.
const (
	StateBlocked     = "BLOCKED"
	StateWarned      = "WARNED"
	StateRejected    = "REJECTED"
	StateSucceeded   = "SUCCEEDED"
	StateRetried     = "RETRIED"
	StateCompensated = "COMPENSATED"
	StateEscalated   = "ESCALATED"
)

// Request is one inbound action submitted through the sidecar.
type Request struct {
	// TraceID is caller-supplied; generated when empty.
	TraceID  string
	AgentID  string
	Manifest *manifest.CapabilityManifest
	Action   string
	Params   any
	// Override acknowledges a warn verdict and authorizes execution anyway.
	// It never affects hard blocks.
	Override bool
}

// Response is the outcome returned to the caller.
type Response struct {
	TraceID          string           `json:"trace_id"`
	State            string           `json:"state"`
	Verdict          policy.Verdict   `json:"verdict"`
	Score            float64          `json:"score"`
	TriggeredRules   []string         `json:"triggered_rules,omitempty"`
	RequiresOverride bool             `json:"requires_override,omitempty"`
	Result           any              `json:"result,omitempty"`
	Recovery         *recovery.Result `json:"recovery,omitempty"`
	ExecutionMs      float64          `json:"execution_ms,omitempty"`
}

// Executor is the wrapped agent. The sidecar forwards admitted requests to
// it and never interprets the result.
type Executor interface {
	Execute(ctx context.Context, req *Request) (any, error)
}

// SlotStore grants concurrency slots shared across sidecar replicas.
// admission.RedisSlotStore implements it.
type SlotStore interface {
	TryAcquire(ctx context.Context, agentID string, limit int) (*admission.Slot, bool, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// PolicyViolationError reports a blocked request. ContentSafety marks the
// hard-block subtype that no override can lift.
type PolicyViolationError struct {
	Decision      *policy.Decision
	ContentSafety bool
}

func (e *PolicyViolationError) Error() string {
	if e.ContentSafety {
		return fmt.Sprintf("sidecar: content safety violation: %v", e.Decision.TriggeredRules)
	}
	return fmt.Sprintf("sidecar: policy violation: %v", e.Decision.TriggeredRules)
}

// CapacityExceededError reports an admission denial.
type CapacityExceededError struct {
	AgentID string
	Err     error
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("sidecar: capacity exceeded for %s: %v", e.AgentID, e.Err)
}

func (e *CapacityExceededError) Unwrap() error { return e.Err }

// HandshakeError reports a manifest that does not satisfy the deployment's
// required capabilities.
type HandshakeError struct {
	AgentID string
	Missing []string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("sidecar: manifest for %s missing required capabilities: %v", e.AgentID, e.Missing)
}

// Orchestrator drives the request lifecycle.
type Orchestrator struct {
	logger      *slog.Logger
	engine      *policy.Engine
	controller  *admission.Controller
	slots       SlotStore
	rateStore   admission.RateStore
	audit       *ledger.Ledger
	recoverer   *recovery.Engine
	telemetry   *observability.Provider
	executor    Executor
	required    []manifest.Requirement
	execTimeout time.Duration

	compMu        sync.RWMutex
	compensations map[string]recovery.CompensationFunc
}

// New creates an Orchestrator around an executor with in-memory defaults:
// local semaphores, in-memory ledger, no rate limiting.
func New(executor Executor) *Orchestrator {
	return &Orchestrator{
		logger:        slog.Default().With("component", "sidecar"),
		engine:        policy.NewEngine(),
		controller:    admission.NewController(0),
		audit:         ledger.New(),
		recoverer:     recovery.NewEngine(),
		executor:      executor,
		execTimeout:   30 * time.Second,
		compensations: make(map[string]recovery.CompensationFunc),
	}
}

// WithEngine replaces the policy engine.
func (o *Orchestrator) WithEngine(e *policy.Engine) *Orchestrator {
	o.engine = e
	return o
}

// WithController replaces the admission controller.
func (o *Orchestrator) WithController(c *admission.Controller) *Orchestrator {
	o.controller = c
	return o
}

// WithSlotStore switches admission to a distributed slot store shared by
// all replicas wrapping the same agent. The local controller is bypassed.
func (o *Orchestrator) WithSlotStore(s SlotStore) *Orchestrator {
	o.slots = s
	return o
}

// WithRateStore enables the per-agent rate gate.
func (o *Orchestrator) WithRateStore(s admission.RateStore) *Orchestrator {
	o.rateStore = s
	return o
}

// WithLedger replaces the audit ledger.
func (o *Orchestrator) WithLedger(l *ledger.Ledger) *Orchestrator {
	o.audit = l
	return o
}

// WithRecovery replaces the recovery engine.
func (o *Orchestrator) WithRecovery(e *recovery.Engine) *Orchestrator {
	o.recoverer = e
	return o
}

// WithTelemetry attaches an observability provider.
func (o *Orchestrator) WithTelemetry(p *observability.Provider) *Orchestrator {
	o.telemetry = p
	return o
}

// WithRequirements sets the handshake capabilities every manifest must
// satisfy before any request is accepted.
func (o *Orchestrator) WithRequirements(reqs ...manifest.Requirement) *Orchestrator {
	o.required = reqs
	return o
}

// WithExecTimeout bounds each execution attempt.
func (o *Orchestrator) WithExecTimeout(d time.Duration) *Orchestrator {
	if d > 0 {
		o.execTimeout = d
	}
	return o
}

// RegisterCompensation installs the compensation callback for an action.
// The engine invokes it at most once per trace id; the sidecar never
// implements domain compensation itself.
func (o *Orchestrator) RegisterCompensation(action string, fn recovery.CompensationFunc) {
	o.compMu.Lock()
	defer o.compMu.Unlock()
	o.compensations[action] = fn
}

func (o *Orchestrator) compensationFor(action string) recovery.CompensationFunc {
	o.compMu.RLock()
	defer o.compMu.RUnlock()
	return o.compensations[action]
}

// Ledger exposes the audit ledger for export and verification.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.audit }

// Handle runs one request through the full lifecycle and returns the
// terminal response. The returned error carries the failure classification;
// the response is populated even on error so callers always see the verdict
// and trace id.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("sidecar: nil request")
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.Manifest == nil {
		return nil, fmt.Errorf("sidecar: request %s has no manifest", req.TraceID)
	}
	if err := req.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("sidecar: request %s: %w", req.TraceID, err)
	}
	if req.AgentID == "" {
		req.AgentID = req.Manifest.AgentID
	}

	var done func(error)
	if o.telemetry != nil {
		ctx, done = o.telemetry.TrackRequest(ctx, req.Action,
			attribute.String("agent.id", req.AgentID),
			attribute.String("trace.id", req.TraceID),
		)
	} else {
		done = func(error) {}
	}

	resp, err := o.handle(ctx, req)
	done(err)
	return resp, err
}

func (o *Orchestrator) handle(ctx context.Context, req *Request) (*Response, error) {
	log := o.logger.With("trace_id", req.TraceID, "agent_id", req.AgentID, "action", req.Action)

	digest, err := canonicalize.PayloadDigest(req.Params)
	if err != nil {
		return nil, fmt.Errorf("sidecar: request %s: payload digest: %w", req.TraceID, err)
	}

	// Handshake runs before any policy evaluation: an incompatible manifest
	// is not a policy verdict, it is a contract mismatch.
	if missing := req.Manifest.CheckRequirements(o.required); len(missing) > 0 {
		hErr := &HandshakeError{AgentID: req.AgentID, Missing: missing}
		o.finalize(log, req, digest, nil, ledger.EntryFields{
			FinalState:  StateRejected,
			Decision:    "handshake_incompatible",
			ErrorDetail: hErr.Error(),
		})
		return &Response{TraceID: req.TraceID, State: StateRejected}, hErr
	}

	// Decide before acquire: blocked requests never consume a slot.
	decision, err := o.engine.Decide(req.Manifest, req.Params)
	if err != nil {
		return nil, fmt.Errorf("sidecar: request %s: decide: %w", req.TraceID, err)
	}

	resp := &Response{
		TraceID:          req.TraceID,
		Verdict:          decision.Verdict,
		Score:            decision.Score,
		TriggeredRules:   decision.TriggeredRules,
		RequiresOverride: decision.RequiresOverride && !req.Override,
	}

	if decision.Verdict == policy.VerdictBlock {
		resp.State = StateBlocked
		pErr := &PolicyViolationError{Decision: decision, ContentSafety: decision.NonRetryable}
		o.finalize(log, req, digest, decision, ledger.EntryFields{
			FinalState:  StateBlocked,
			ErrorDetail: pErr.Error(),
		})
		if o.telemetry != nil {
			o.telemetry.RecordBlock(ctx, attribute.String("agent.id", req.AgentID))
		}
		log.Warn("request blocked", "rules", decision.TriggeredRules, "non_retryable", decision.NonRetryable)
		return resp, pErr
	}

	if decision.Verdict == policy.VerdictWarn && !req.Override {
		resp.State = StateWarned
		o.finalize(log, req, digest, decision, ledger.EntryFields{
			FinalState:  StateWarned,
			ErrorDetail: "override required",
		})
		log.Info("request needs override", "score", decision.Score, "rules", decision.TriggeredRules)
		return resp, nil
	}

	// Rate gate, then concurrency slot.
	rate := admission.RatePolicy{
		PerMinute: req.Manifest.Capabilities.RatePerMinute,
		Burst:     req.Manifest.Capabilities.Burst,
	}
	if err := admission.CheckRate(ctx, o.rateStore, req.AgentID, rate); err != nil {
		resp.State = StateRejected
		cErr := &CapacityExceededError{AgentID: req.AgentID, Err: err}
		o.finalize(log, req, digest, decision, ledger.EntryFields{
			FinalState:  StateRejected,
			ErrorDetail: cErr.Error(),
		})
		return resp, cErr
	}

	slot, err := o.acquireSlot(ctx, req)
	if err != nil {
		resp.State = StateRejected
		cErr := &CapacityExceededError{AgentID: req.AgentID, Err: err}
		o.finalize(log, req, digest, decision, ledger.EntryFields{
			FinalState:  StateRejected,
			ErrorDetail: cErr.Error(),
		})
		log.Warn("request rejected at admission", "error", err)
		return resp, cErr
	}
	// The slot is released on every path out of execution, including
	// timeouts.
	defer slot.Release()

	result, elapsed, execErr := o.execute(ctx, req)
	resp.ExecutionMs = elapsed

	if execErr == nil {
		resp.State = StateSucceeded
		resp.Result = result
		o.finalize(log, req, digest, decision, ledger.EntryFields{
			FinalState:  StateSucceeded,
			ExecutionMs: elapsed,
		})
		log.Info("request succeeded", "execution_ms", elapsed)
		return resp, nil
	}

	// RECOVERING: classify and hand to the recovery engine. A successful
	// retry surfaces to the caller as an ordinary success.
	failure := recovery.NewFailure(req.TraceID, execErr)
	log.Warn("execution failed", "kind", failure.Kind, "error", execErr)

	var retryResult any
	retryFn := func(ctx context.Context) error {
		r, _, err := o.execute(ctx, req)
		if err == nil {
			retryResult = r
		}
		return err
	}

	recResult := o.recoverer.HandleFailure(ctx, failure, req.Manifest, retryFn, o.compensationFor(req.Action))
	resp.Recovery = recResult

	fields := ledger.EntryFields{
		RecoveryAction: string(recResult.Strategy),
		ErrorDetail:    execErr.Error(),
		ExecutionMs:    elapsed,
	}
	switch recResult.FinalState {
	case recovery.StateRetried:
		resp.State = StateRetried
		resp.Result = retryResult
		fields.FinalState = StateRetried
		o.finalize(log, req, digest, decision, fields)
		log.Info("request recovered by retry", "attempts", recResult.Attempts)
		return resp, nil
	case recovery.StateCompensated:
		resp.State = StateCompensated
		fields.FinalState = StateCompensated
		o.finalize(log, req, digest, decision, fields)
		log.Info("request compensated")
		return resp, fmt.Errorf("sidecar: request %s failed and was compensated: %w", req.TraceID, execErr)
	default:
		resp.State = StateEscalated
		fields.FinalState = StateEscalated
		o.finalize(log, req, digest, decision, fields)
		log.Error("request escalated", "kind", failure.Kind)
		return resp, fmt.Errorf("sidecar: request %s escalated (%s): %w", req.TraceID, failure.Kind, execErr)
	}
}

// acquireSlot grants a concurrency slot from the distributed store when one
// is configured, otherwise from the local controller.
func (o *Orchestrator) acquireSlot(ctx context.Context, req *Request) (*admission.Slot, error) {
	limit := req.Manifest.Capabilities.ConcurrencyLimit
	if o.slots != nil {
		slot, ok, err := o.slots.TryAcquire(ctx, req.AgentID, limit)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, admission.ErrCapacityExceeded
		}
		return slot, nil
	}
	return o.controller.Acquire(ctx, req.AgentID, limit)
}

// execute runs one attempt against the wrapped agent under the execution
// timeout and reports the elapsed milliseconds.
func (o *Orchestrator) execute(ctx context.Context, req *Request) (any, float64, error) {
	timeout := o.execTimeout
	if sla := req.Manifest.Capabilities.SLALatencyMs; sla > 0 {
		timeout = time.Duration(sla) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := o.executor.Execute(ctx, req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	return result, elapsed, err
}

// finalize appends the request's single terminal audit entry. A ledger
// integrity failure here is loud: it is logged at error level and the entry
// loss is surfaced in the log, but the response already carries the
// decision so the caller is not blocked on audit I/O failures.
func (o *Orchestrator) finalize(log *slog.Logger, req *Request, digest string, d *policy.Decision, fields ledger.EntryFields) {
	fields.TraceID = req.TraceID
	fields.AgentID = req.AgentID
	fields.Action = req.Action
	fields.InputDigest = digest
	if d != nil {
		fields.Decision = string(d.Verdict)
		if len(fields.TriggeredRules) == 0 {
			fields.TriggeredRules = d.TriggeredRules
		}
	}
	if _, err := o.audit.Append(fields); err != nil {
		log.Error("audit append failed", "error", err)
	}
}
