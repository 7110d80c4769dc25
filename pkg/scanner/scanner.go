// Package scanner detects sensitive data patterns inside request payloads:
// payment card numbers (Luhn-validated), national identity numbers, and
// credential material. It is a pure matcher with no side effects and is safe
// for concurrent use.
package scanner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FindingKind categorizes a detected sensitive pattern.
type FindingKind string

const (
	FindingPaymentCard FindingKind = "payment_card"
	FindingNationalID  FindingKind = "national_id"
	FindingCredential  FindingKind = "credential"
)

// Finding is one detected sensitive value.
type Finding struct {
	Kind FindingKind `json:"kind"`
	// Location is the dotted field path where the value was found,
	// e.g. "params.card" or "params.items[2].notes". The matched value
	// itself is never carried in a Finding.
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
}

// cardCandidate matches 13-19 digit groups with standard separators
// (spaces or hyphens between 3-6 digit runs). Candidates still have to pass
// the Luhn checksum before they become findings.
var cardCandidate = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)

// nationalID matches fixed-hyphenation identity numbers (3-2-4 digit groups).
var nationalID = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret[_-]?key|password)\s*[:=]\s*\S+`),
}

// Scanner is a stateless content-safety matcher.
type Scanner struct{}

// New returns a Scanner.
func New() *Scanner {
	return &Scanner{}
}

// Scan walks the payload and returns all findings. It never returns an
// error: a field that cannot be scanned is skipped and the rest of the
// payload is still examined. Findings are ordered by location for
// deterministic output.
func (s *Scanner) Scan(payload any) []Finding {
	var findings []Finding
	s.walk("", payload, &findings)
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Location != findings[j].Location {
			return findings[i].Location < findings[j].Location
		}
		return findings[i].Kind < findings[j].Kind
	})
	return findings
}

func (s *Scanner) walk(path string, v any, out *[]Finding) {
	// A single hostile field (e.g. a self-referential fmt.Stringer) must not
	// abort the scan of sibling fields.
	defer func() {
		_ = recover()
	}()

	switch t := v.(type) {
	case nil:
		return
	case string:
		s.scanString(path, t, out)
	case []byte:
		s.scanString(path, string(t), out)
	case map[string]any:
		for k, child := range t {
			s.walk(join(path, k), child, out)
		}
	case []any:
		for i, child := range t {
			s.walk(fmt.Sprintf("%s[%d]", path, i), child, out)
		}
	case fmt.Stringer:
		s.scanString(path, t.String(), out)
	default:
		// Numbers, bools and unknown types carry no scannable text. Numeric
		// card values would already be quoted in transit; unquoted numbers
		// lose leading zeros and are not reliable PAN candidates.
	}
}

func (s *Scanner) scanString(path, value string, out *[]Finding) {
	for _, candidate := range cardCandidate.FindAllString(value, -1) {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, candidate)
		if len(digits) < 13 || len(digits) > 19 {
			continue
		}
		if luhnValid(digits) {
			*out = append(*out, Finding{Kind: FindingPaymentCard, Location: path, Confidence: 0.95})
		}
	}

	if nationalID.MatchString(value) {
		*out = append(*out, Finding{Kind: FindingNationalID, Location: path, Confidence: 0.85})
	}

	for _, p := range credentialPatterns {
		if p.MatchString(value) {
			*out = append(*out, Finding{Kind: FindingCredential, Location: path, Confidence: 0.8})
			break
		}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// luhnValid reports whether a digit string passes the Luhn checksum.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
