// Package security provides a static pattern scan over agent source text.
// It is a heuristic, advisory layer: findings inform the validator's verdict
// (critical ones veto it), but the scan is not a substitute for the
// isolation boundary the code actually runs inside.
package security

import (
	"fmt"
	"regexp"
)

// Severity of a finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the severity as its string name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts the string names produced by MarshalJSON.
func (s *Severity) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"low"`:
		*s = SeverityLow
	case `"medium"`:
		*s = SeverityMedium
	case `"high"`:
		*s = SeverityHigh
	case `"critical"`:
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %s", b)
	}
	return nil
}

// Finding is one matched rule with its occurrence count.
type Finding struct {
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	Location       string   `json:"location,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// Rule pairs a source pattern with its advisory metadata. Rules are applied
// in declaration order so findings come out deterministically.
type Rule struct {
	Name           string
	Pattern        *regexp.Regexp
	Severity       Severity
	Description    string
	Recommendation string
}

// MaxCodeLength is the medium-severity size threshold: generated agents
// beyond this are hard to review and usually hide redundant logic.
const MaxCodeLength = 10000

// Scanner evaluates an ordered rule table against source text.
type Scanner struct {
	rules []Rule
}

func NewScanner() *Scanner {
	return &Scanner{rules: defaultRules()}
}

// Scan is a pure function over the source text; it never executes anything.
// One finding is emitted per matched rule, carrying the occurrence count in
// Location.
func (s *Scanner) Scan(code string) []Finding {
	var findings []Finding

	for _, rule := range s.rules {
		matches := rule.Pattern.FindAllStringIndex(code, -1)
		if len(matches) == 0 {
			continue
		}
		findings = append(findings, Finding{
			Severity:       rule.Severity,
			Description:    rule.Description,
			Location:       fmt.Sprintf("%d occurrence(s), first at offset %d", len(matches), matches[0][0]),
			Recommendation: rule.Recommendation,
		})
	}

	if len(code) > MaxCodeLength {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Description:    fmt.Sprintf("code length %d exceeds %d character review threshold", len(code), MaxCodeLength),
			Recommendation: "split the agent into smaller functions or remove generated boilerplate",
		})
	}

	return findings
}

// HasCritical reports whether any finding carries critical severity.
func HasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:           "dynamic_code",
			Pattern:        regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(|\bFunction\s*\(\s*['"]`),
			Severity:       SeverityCritical,
			Description:    "dynamic code generation from strings (eval / Function constructor)",
			Recommendation: "express the logic directly; generated agents must not generate further code",
		},
		{
			Name:           "host_object_access",
			Pattern:        regexp.MustCompile(`\bdocument\s*\.|(^|[^.\w])window\s*\.|\bglobalThis\s*\.|\bprocess\s*\.`),
			Severity:       SeverityHigh,
			Description:    "direct access to ambient host objects",
			Recommendation: "use the explicitly bound context variables instead of host globals",
		},
		{
			Name:           "unbounded_loop",
			Pattern:        regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:       SeverityHigh,
			Description:    "unbounded loop literal",
			Recommendation: "bound the loop or restructure around the input size",
		},
		{
			Name:           "ambient_storage",
			Pattern:        regexp.MustCompile(`\blocalStorage\b|\bsessionStorage\b|\bindexedDB\b|\brequire\s*\(\s*['"]fs['"]`),
			Severity:       SeverityMedium,
			Description:    "ambient storage access",
			Recommendation: "agents receive and return data through their entry point only",
		},
		{
			Name:           "timer_usage",
			Pattern:        regexp.MustCompile(`\bsetTimeout\s*\(|\bsetInterval\s*\(|\bsetImmediate\s*\(`),
			Severity:       SeverityMedium,
			Description:    "timer usage",
			Recommendation: "request the timers capability if scheduling is genuinely required",
		},
		{
			Name:           "network_surface",
			Pattern:        regexp.MustCompile(`\bfetch\s*\(|\bXMLHttpRequest\b|\bWebSocket\s*\(|\brequire\s*\(\s*['"]https?['"]`),
			Severity:       SeverityMedium,
			Description:    "network call surface",
			Recommendation: "request the net capability; calls are audited through the egress gateway",
		},
	}
}
