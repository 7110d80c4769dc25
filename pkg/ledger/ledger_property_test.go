//go:build property
// +build property

package ledger

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestChainRoundTrip verifies that any appended chain verifies, and that
// mutating any single entry breaks verification at exactly that entry.
func TestChainRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains verify; tampered chains identify the offender", prop.ForAll(
		func(n, victim int, decisions []string) bool {
			if n < 1 {
				n = 1
			}
			victim = victim % n

			l := New()
			for i := 0; i < n; i++ {
				decision := "allow"
				if i < len(decisions) && decisions[i] != "" {
					decision = decisions[i]
				}
				_, err := l.Append(EntryFields{
					TraceID:  fmt.Sprintf("t-%d", i),
					AgentID:  "agent-prop",
					Decision: decision,
				})
				if err != nil {
					return false
				}
			}
			if ok, _ := l.Verify(); !ok {
				return false
			}

			l.entries[victim].Decision = l.entries[victim].Decision + "-tampered"
			ok, offender := l.Verify()
			return !ok && offender == fmt.Sprintf("t-%d", victim)
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 1<<20),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
