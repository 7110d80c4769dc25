package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable-log adapter backed by SQLite. WAL mode keeps
// reads concurrent with the single append writer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the audit database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle (testing, shared pools).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("ledger: pragma failed: %w", err)
		}
	}

	query := `
    CREATE TABLE IF NOT EXISTS audit_log (
        sequence INTEGER PRIMARY KEY,
        trace_id TEXT UNIQUE NOT NULL,
        agent_id TEXT NOT NULL,
        action TEXT,
        timestamp TEXT NOT NULL,
        input_digest TEXT,
        decision TEXT NOT NULL,
        final_state TEXT,
        triggered_rules TEXT,
        recovery_action TEXT,
        error_detail TEXT,
        execution_ms REAL,
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id);
    CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_log(decision);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("ledger: migrate failed: %w", err)
	}
	return nil
}

// Append persists one entry. The UNIQUE constraint on trace_id backs the
// ledger's uniqueness invariant at the storage layer too.
func (s *SQLiteStore) Append(e *AuditEntry) error {
	rules, err := json.Marshal(e.TriggeredRules)
	if err != nil {
		return fmt.Errorf("ledger: marshal rules: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO audit_log (
        sequence, trace_id, agent_id, action, timestamp, input_digest,
        decision, final_state, triggered_rules, recovery_action,
        error_detail, execution_ms, prev_hash, entry_hash
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.TraceID, e.AgentID, e.Action, e.Timestamp, e.InputDigest,
		e.Decision, e.FinalState, string(rules), e.RecoveryAction,
		e.ErrorDetail, e.ExecutionMs, e.PrevHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert failed: %w", err)
	}
	return nil
}

// Load reads the full chain in sequence order, for rebuilding the in-memory
// ledger or external verification.
func (s *SQLiteStore) Load() ([]AuditEntry, error) {
	rows, err := s.db.Query(`
        SELECT sequence, trace_id, agent_id, action, timestamp, input_digest,
               decision, final_state, triggered_rules, recovery_action,
               error_detail, execution_ms, prev_hash, entry_hash
        FROM audit_log ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: load failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var rules string
		if err := rows.Scan(
			&e.Sequence, &e.TraceID, &e.AgentID, &e.Action, &e.Timestamp,
			&e.InputDigest, &e.Decision, &e.FinalState, &rules,
			&e.RecoveryAction, &e.ErrorDetail, &e.ExecutionMs,
			&e.PrevHash, &e.EntryHash,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan failed: %w", err)
		}
		if rules != "" && rules != "null" {
			if err := json.Unmarshal([]byte(rules), &e.TriggeredRules); err != nil {
				return nil, fmt.Errorf("ledger: unmarshal rules: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
