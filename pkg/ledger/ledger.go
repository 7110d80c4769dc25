// Package ledger implements the tamper-evident audit ledger.
//
// Every finalized request produces exactly one entry. Entries are
// hash-chained: each entry's hash covers the previous entry's hash plus the
// canonical serialization of its own fields, so recomputing the chain from
// genesis detects any mutation. Entries are never edited or removed after
// append.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh-labs/sidecar/pkg/canonicalize"
)

// GenesisHash anchors the chain: the first entry's PrevHash is always this
// constant.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is one immutable, hash-chained audit record. InputDigest is a
// one-way digest of the request payload; raw payload content never enters
// the ledger.
type AuditEntry struct {
	Sequence       uint64   `json:"sequence"`
	TraceID        string   `json:"trace_id"`
	AgentID        string   `json:"agent_id"`
	Action         string   `json:"action"`
	Timestamp      string   `json:"timestamp"`
	InputDigest    string   `json:"input_digest"`
	Decision       string   `json:"decision"`
	FinalState     string   `json:"final_state"`
	TriggeredRules []string `json:"triggered_rules,omitempty"`
	RecoveryAction string   `json:"recovery_action,omitempty"`
	ErrorDetail    string   `json:"error_detail,omitempty"`
	ExecutionMs    float64  `json:"execution_ms,omitempty"`
	PrevHash       string   `json:"prev_hash"`
	EntryHash      string   `json:"entry_hash"`
}

// EntryFields is the caller-supplied portion of an entry. Sequence,
// timestamp and hashes are assigned by the ledger at append time.
type EntryFields struct {
	TraceID        string
	AgentID        string
	Action         string
	InputDigest    string
	Decision       string
	FinalState     string
	TriggeredRules []string
	RecoveryAction string
	ErrorDetail    string
	ExecutionMs    float64
}

// IntegrityError reports a broken hash chain. It is a distinct, loud
// failure mode: it signals tampering, not an ordinary policy block.
type IntegrityError struct {
	TraceID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at trace %s: %s", e.TraceID, e.Reason)
}

// Store is the pluggable durable-log adapter. The ledger writes through to
// it on append; implementations own their consistency guarantees.
type Store interface {
	Append(entry *AuditEntry) error
	Load() ([]AuditEntry, error)
}

// Ledger is the in-memory hash chain, optionally backed by a Store.
// Appends are serialized; reads take a shared lock.
type Ledger struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	byTrace  map[string]int
	headHash string
	clock    func() time.Time
	store    Store
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		byTrace:  make(map[string]int),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// Restore rebuilds a ledger from a durable store and verifies the restored
// chain before accepting it. A broken chain surfaces as *IntegrityError:
// trust decisions must not resume on a tampered log.
func Restore(store Store) (*Ledger, error) {
	entries, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("ledger: restore load failed: %w", err)
	}

	l := New()
	l.entries = entries
	for i := range entries {
		l.byTrace[entries[i].TraceID] = i
	}
	if len(entries) > 0 {
		l.headHash = entries[len(entries)-1].EntryHash
	}
	if err := l.VerifyStrict(); err != nil {
		return nil, err
	}
	l.store = store
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithStore attaches a durable store. Appends write through; a store
// failure fails the append so the chain and the store cannot diverge
// silently.
func (l *Ledger) WithStore(s Store) *Ledger {
	l.store = s
	return l
}

// hashEntry computes an entry's hash over the previous hash and the
// canonical form of every field except the hash itself.
func hashEntry(e *AuditEntry) (string, error) {
	hashInput := struct {
		Sequence       uint64   `json:"sequence"`
		TraceID        string   `json:"trace_id"`
		AgentID        string   `json:"agent_id"`
		Action         string   `json:"action"`
		Timestamp      string   `json:"timestamp"`
		InputDigest    string   `json:"input_digest"`
		Decision       string   `json:"decision"`
		FinalState     string   `json:"final_state"`
		TriggeredRules []string `json:"triggered_rules,omitempty"`
		RecoveryAction string   `json:"recovery_action,omitempty"`
		ErrorDetail    string   `json:"error_detail,omitempty"`
		ExecutionMs    float64  `json:"execution_ms,omitempty"`
		PrevHash       string   `json:"prev_hash"`
	}{
		e.Sequence, e.TraceID, e.AgentID, e.Action, e.Timestamp,
		e.InputDigest, e.Decision, e.FinalState, e.TriggeredRules,
		e.RecoveryAction, e.ErrorDetail, e.ExecutionMs, e.PrevHash,
	}
	canonical, err := canonicalize.JCS(hashInput)
	if err != nil {
		return "", fmt.Errorf("ledger: entry canonicalization failed: %w", err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// Append adds a new entry to the chain. Trace ids must be unique: a second
// append for the same trace id is rejected, keeping one terminal entry per
// request.
func (l *Ledger) Append(fields EntryFields) (*AuditEntry, error) {
	if fields.TraceID == "" {
		return nil, fmt.Errorf("ledger: trace id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.byTrace[fields.TraceID]; dup {
		return nil, fmt.Errorf("ledger: duplicate trace id %s", fields.TraceID)
	}

	entry := AuditEntry{
		Sequence:       uint64(len(l.entries)) + 1,
		TraceID:        fields.TraceID,
		AgentID:        fields.AgentID,
		Action:         fields.Action,
		Timestamp:      l.clock().UTC().Format(time.RFC3339Nano),
		InputDigest:    fields.InputDigest,
		Decision:       fields.Decision,
		FinalState:     fields.FinalState,
		TriggeredRules: fields.TriggeredRules,
		RecoveryAction: fields.RecoveryAction,
		ErrorDetail:    fields.ErrorDetail,
		ExecutionMs:    fields.ExecutionMs,
		PrevHash:       l.headHash,
	}

	hash, err := hashEntry(&entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if l.store != nil {
		if err := l.store.Append(&entry); err != nil {
			return nil, fmt.Errorf("ledger: durable append failed: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.byTrace[entry.TraceID] = len(l.entries) - 1
	l.headHash = entry.EntryHash

	out := entry
	return &out, nil
}

// Verify recomputes the chain from genesis. It returns false with the first
// divergent entry's trace id on any mismatch.
func (l *Ledger) Verify() (bool, string) {
	err := l.VerifyStrict()
	if err == nil {
		return true, ""
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return false, ie.TraceID
	}
	return false, ""
}

// VerifyStrict recomputes the chain from genesis and returns an
// *IntegrityError identifying the first divergent entry.
func (l *Ledger) VerifyStrict() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHash := GenesisHash
	for i := range l.entries {
		e := l.entries[i]
		if e.PrevHash != prevHash {
			return &IntegrityError{
				TraceID: e.TraceID,
				Reason:  fmt.Sprintf("chain broken at sequence %d: expected prev %s, got %s", e.Sequence, prevHash, e.PrevHash),
			}
		}
		computed, err := hashEntry(&e)
		if err != nil {
			return &IntegrityError{TraceID: e.TraceID, Reason: err.Error()}
		}
		if computed != e.EntryHash {
			return &IntegrityError{
				TraceID: e.TraceID,
				Reason:  fmt.Sprintf("hash mismatch at sequence %d", e.Sequence),
			}
		}
		prevHash = e.EntryHash
	}
	return nil
}

// Export returns a copy of the full chain in append order.
func (l *Ledger) Export() []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ExportTrace returns the entry for one trace id.
func (l *Ledger) ExportTrace(traceID string) (*AuditEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byTrace[traceID]
	if !ok {
		return nil, false
	}
	out := l.entries[idx]
	return &out, true
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
