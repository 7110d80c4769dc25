package ledger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreWriteThrough(t *testing.T) {
	store := openTestStore(t)

	l := New().WithStore(store)
	_, err := l.Append(fields("t-1"))
	require.NoError(t, err)
	_, err = l.Append(fields("t-2"))
	require.NoError(t, err)

	persisted, err := store.Load()
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "t-1", persisted[0].TraceID)
	assert.Equal(t, l.Head(), persisted[1].EntryHash)
}

func TestSQLiteStoreRoundTripFields(t *testing.T) {
	store := openTestStore(t)

	l := New().WithStore(store)
	_, err := l.Append(EntryFields{
		TraceID:        "t-full",
		AgentID:        "agent-a",
		Action:         "refund",
		InputDigest:    "sha256:deadbeef",
		Decision:       "warn",
		FinalState:     "ESCALATED",
		TriggeredRules: []string{"score_warn", "RequireReversibility"},
		RecoveryAction: "escalate",
		ErrorDetail:    "dependency unavailable",
		ExecutionMs:    42.5,
	})
	require.NoError(t, err)

	persisted, err := store.Load()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, l.Export()[0], persisted[0])
}

func TestSQLiteStoreRestore(t *testing.T) {
	store := openTestStore(t)

	l := New().WithStore(store)
	for _, id := range []string{"t-1", "t-2", "t-3"} {
		_, err := l.Append(fields(id))
		require.NoError(t, err)
	}

	restored, err := Restore(store)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Length())
	assert.Equal(t, l.Head(), restored.Head())

	// Appending keeps chaining from the restored head.
	_, err = restored.Append(fields("t-4"))
	require.NoError(t, err)
	ok, _ := restored.Verify()
	assert.True(t, ok)
}

func TestSQLiteStoreRestoreDetectsTampering(t *testing.T) {
	store := openTestStore(t)

	l := New().WithStore(store)
	_, err := l.Append(fields("t-1"))
	require.NoError(t, err)
	_, err = l.Append(fields("t-2"))
	require.NoError(t, err)

	// Tamper with the stored row behind the ledger's back.
	_, err = store.db.Exec(`UPDATE audit_log SET decision = 'block' WHERE trace_id = 't-1'`)
	require.NoError(t, err)

	_, err = Restore(store)
	require.Error(t, err)
	ie, ok := err.(*IntegrityError)
	require.True(t, ok, "expected *IntegrityError, got %T", err)
	assert.Equal(t, "t-1", ie.TraceID)
}

func TestSQLiteStoreDuplicateTraceConstraint(t *testing.T) {
	store := openTestStore(t)

	e := &AuditEntry{Sequence: 1, TraceID: "t-1", AgentID: "a", Timestamp: "now",
		Decision: "allow", PrevHash: GenesisHash, EntryHash: "h1"}
	require.NoError(t, store.Append(e))

	dup := &AuditEntry{Sequence: 2, TraceID: "t-1", AgentID: "a", Timestamp: "now",
		Decision: "allow", PrevHash: "h1", EntryHash: "h2"}
	assert.Error(t, store.Append(dup))
}
