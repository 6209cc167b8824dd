package sandbox

import (
	"fmt"
	"regexp"
)

// The sanitizer is a best-effort textual filter applied before the harness
// is built. It rejects constructs that would let agent code manufacture new
// code from strings or reach host objects the harness cannot shadow. It is
// not a verified isolation boundary; a sufficiently obfuscated payload can
// evade it, which is why executions also run inside a process or container
// isolator.

type sanitizeRule struct {
	name    string
	pattern *regexp.Regexp
}

var rejectRules = []sanitizeRule{
	{"dynamic code from string", regexp.MustCompile(`\beval\s*\(|new\s+Function\s*\(|\bFunction\s*\(\s*['"]`)},
	{"module loading", regexp.MustCompile(`\brequire\s*\(|\bimport\s*\(`)},
	{"host process access", regexp.MustCompile(`\bprocess\s*\.\s*(binding|dlopen|env|exit|kill|mainModule)`)},
	{"prototype constructor walk", regexp.MustCompile(`\.constructor\s*\(\s*['"]|constructor\s*\[\s*['"]constructor`)},
}

// SanitizeSource checks a raw code payload against the reject rules.
// A nil error means the code may proceed to the harness; rejections are a
// normal execution outcome, not a host failure.
func SanitizeSource(code string) error {
	for _, rule := range rejectRules {
		if loc := rule.pattern.FindStringIndex(code); loc != nil {
			return fmt.Errorf("code rejected by sanitizer: %s near offset %d", rule.name, loc[0])
		}
	}
	return nil
}
