package ledger

import "time"

// Query filters exports for point lookups and verification tooling. Zero
// values mean "no filter".
type Query struct {
	AgentID  string
	Decision string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Select returns the entries matching the query, in append order.
func (l *Ledger) Select(q Query) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []AuditEntry
	for i := range l.entries {
		e := l.entries[i]
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.Decision != "" && e.Decision != q.Decision {
			continue
		}
		if !q.Since.IsZero() || !q.Until.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil {
				continue
			}
			if !q.Since.IsZero() && ts.Before(q.Since) {
				continue
			}
			if !q.Until.IsZero() && ts.After(q.Until) {
				continue
			}
		}
		matched = append(matched, e)
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// Stats summarizes the ledger for operational review.
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	ByDecision   map[string]int `json:"by_decision"`
	ByAgent      map[string]int `json:"by_agent"`
	AvgExecMs    float64        `json:"avg_execution_ms"`
}

// Statistics computes aggregate counts and the mean execution time across
// entries that executed.
func (l *Ledger) Statistics() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		TotalEntries: len(l.entries),
		ByDecision:   make(map[string]int),
		ByAgent:      make(map[string]int),
	}
	var execSum float64
	var execCount int
	for i := range l.entries {
		e := l.entries[i]
		s.ByDecision[e.Decision]++
		s.ByAgent[e.AgentID]++
		if e.ExecutionMs > 0 {
			execSum += e.ExecutionMs
			execCount++
		}
	}
	if execCount > 0 {
		s.AvgExecMs = execSum / float64(execCount)
	}
	return s
}
