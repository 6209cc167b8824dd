// Package validator exercises candidate agent code against declared test
// cases and a static security scan, producing a single verdict with
// aggregated performance data.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"agent-refinery/internal/sandbox"
	"agent-refinery/internal/security"
)

// TestCase declares one functional expectation for an agent. Read-only once
// handed to the validator.
type TestCase struct {
	Name            string
	Input           map[string]any
	ExpectedType    string         // "", "object", "array", "string", "number", "boolean", "null"
	ExpectedPattern *regexp.Regexp // matched against the canonical serialization of the value
	Check           func(value any) (bool, string)
}

// Outcome is the classified result of running one test case.
type Outcome struct {
	TestCase      TestCase        `json:"-"`
	Name          string          `json:"name"`
	Passed        bool            `json:"passed"`
	Execution     *sandbox.Result `json:"execution,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Performance aggregates elapsed/memory across all test executions.
type Performance struct {
	AvgElapsed  time.Duration `json:"avg_elapsed"`
	MaxElapsed  time.Duration `json:"max_elapsed"`
	AvgMemoryMB *float64      `json:"avg_memory_mb,omitempty"`
}

// Result is the complete validation verdict.
// Invariant: Valid == every outcome passed && no critical finding.
type Result struct {
	Valid       bool               `json:"valid"`
	Outcomes    []Outcome          `json:"outcomes"`
	Findings    []security.Finding `json:"findings,omitempty"`
	Performance Performance        `json:"performance"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Options tunes one validation call.
type Options struct {
	TestCases          []TestCase
	SkipSecurityChecks bool
	TestTimeout        time.Duration // per-test budget, independent per execution
	MaxParallel        int
	Capabilities       []string
	Bindings           map[string]any
}

// Executor abstracts the sandbox manager for testability.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

type Validator struct {
	executor Executor
	scanner  *security.Scanner
}

func New(executor Executor) *Validator {
	return &Validator{
		executor: executor,
		scanner:  security.NewScanner(),
	}
}

const (
	defaultTestTimeout = 5 * time.Second
	defaultMaxParallel = 4
)

// ValidateAgent always returns a complete Result, even when every test
// fails or the scanner vetoes the code; there is no "validation crashed"
// state visible to callers.
func (v *Validator) ValidateAgent(ctx context.Context, code string, opts Options) *Result {
	result := &Result{CreatedAt: time.Now()}

	if !opts.SkipSecurityChecks {
		result.Findings = v.scanner.Scan(code)
	}

	testCases := opts.TestCases
	if len(testCases) == 0 {
		// Every agent is exercised at least once, even with no declared
		// contract. Debatable policy for the verdict, so the synthetic
		// case is clearly named.
		testCases = []TestCase{{Name: "default-smoke", Input: map[string]any{}}}
	}

	timeout := opts.TestTimeout
	if timeout <= 0 {
		timeout = defaultTestTimeout
	}
	parallel := opts.MaxParallel
	if parallel <= 0 {
		parallel = defaultMaxParallel
	}

	outcomes := make([]Outcome, len(testCases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, tc := range testCases {
		g.Go(func() error {
			outcomes[i] = v.runTest(gctx, code, tc, timeout, opts)
			return nil
		})
	}
	_ = g.Wait() // closures never return errors; failures live in outcomes

	result.Outcomes = outcomes
	result.Performance = aggregate(outcomes)

	allPassed := true
	for _, o := range outcomes {
		if !o.Passed {
			allPassed = false
			break
		}
	}
	result.Valid = allPassed && !security.HasCritical(result.Findings)

	log.Info().
		Bool("valid", result.Valid).
		Int("tests", len(outcomes)).
		Int("findings", len(result.Findings)).
		Msg("validation completed")

	return result
}

// runTest executes one test case under its own timeout and classifies the
// outcome. One slow or hanging test can never starve the others.
func (v *Validator) runTest(ctx context.Context, code string, tc TestCase, timeout time.Duration, opts Options) Outcome {
	outcome := Outcome{TestCase: tc, Name: tc.Name}

	if v.executor == nil {
		outcome.FailureReason = "sandbox unavailable: no executor configured"
		return outcome
	}

	execResult, err := v.executor.Execute(ctx, sandbox.Request{
		Code:         code,
		Timeout:      timeout,
		Capabilities: opts.Capabilities,
		Bindings:     opts.Bindings,
		Input:        tc.Input,
	})
	if err != nil {
		outcome.FailureReason = fmt.Sprintf("sandbox unavailable: %v", err)
		return outcome
	}
	outcome.Execution = execResult

	if !execResult.Success {
		outcome.FailureReason = execResult.ErrorMessage
		return outcome
	}

	if tc.ExpectedType != "" {
		if actual := typeName(execResult.Value); actual != tc.ExpectedType {
			outcome.FailureReason = fmt.Sprintf("expected type %q, got %q", tc.ExpectedType, actual)
			return outcome
		}
	}

	if tc.ExpectedPattern != nil {
		serialized := canonicalize(execResult.Value)
		if !tc.ExpectedPattern.MatchString(serialized) {
			outcome.FailureReason = fmt.Sprintf("result %q does not match pattern %q", serialized, tc.ExpectedPattern)
			return outcome
		}
	}

	if tc.Check != nil {
		if ok, reason := tc.Check(execResult.Value); !ok {
			if reason == "" {
				reason = "custom check failed"
			}
			outcome.FailureReason = reason
			return outcome
		}
	}

	outcome.Passed = true
	return outcome
}

func aggregate(outcomes []Outcome) Performance {
	var perf Performance
	var totalElapsed time.Duration
	var totalMemory float64
	var executed, withMemory int

	for _, o := range outcomes {
		if o.Execution == nil {
			continue
		}
		executed++
		totalElapsed += o.Execution.Elapsed
		if o.Execution.Elapsed > perf.MaxElapsed {
			perf.MaxElapsed = o.Execution.Elapsed
		}
		if o.Execution.MemoryUsedMB != nil {
			withMemory++
			totalMemory += *o.Execution.MemoryUsedMB
		}
	}

	if executed > 0 {
		perf.AvgElapsed = totalElapsed / time.Duration(executed)
	}
	if withMemory > 0 {
		avg := totalMemory / float64(withMemory)
		perf.AvgMemoryMB = &avg
	}
	return perf
}

// typeName maps a decoded JSON value onto the type vocabulary test cases
// declare expectations in.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "unknown"
	}
}

// canonicalize produces the serialization ExpectedPattern matches against:
// strings as-is, everything else as compact JSON.
func canonicalize(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
