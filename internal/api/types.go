package api

import (
	"fmt"
	"regexp"
	"time"

	"agent-refinery/internal/validator"
)

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecuteRequest is the API-level request to run agent code once.
type ExecuteRequest struct {
	AgentID       string         `json:"agent_id,omitempty"`
	Code          string         `json:"code"`
	Timeout       Duration       `json:"timeout,omitempty"`
	MemoryLimitMB int64          `json:"memory_limit_mb,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Bindings      map[string]any `json:"bindings,omitempty"`
	Input         any            `json:"input,omitempty"`
}

// ExecuteResponse is the API-level result of one sandbox run.
type ExecuteResponse struct {
	ExecutionID  string   `json:"execution_id"`
	Success      bool     `json:"success"`
	Value        any      `json:"value,omitempty"`
	Error        string   `json:"error,omitempty"`
	Duration     string   `json:"duration"`
	MemoryUsedMB *float64 `json:"memory_used_mb,omitempty"`
	Logs         []string `json:"logs,omitempty"`
}

// TestSpecWire is the serialized form of one declared test case. Patterns
// arrive as source text and are compiled during conversion.
type TestSpecWire struct {
	Name            string         `json:"name"`
	Input           map[string]any `json:"input,omitempty"`
	ExpectedType    string         `json:"expected_type,omitempty"`
	ExpectedPattern string         `json:"expected_pattern,omitempty"`
}

// ToTestCase compiles the wire spec into a runnable test case.
func (s TestSpecWire) ToTestCase() (validator.TestCase, error) {
	tc := validator.TestCase{
		Name:         s.Name,
		Input:        s.Input,
		ExpectedType: s.ExpectedType,
	}
	if tc.Name == "" {
		return tc, fmt.Errorf("test case name is required")
	}
	switch s.ExpectedType {
	case "", "object", "array", "string", "number", "boolean", "null":
	default:
		return tc, fmt.Errorf("test %q: unknown expected_type %q", s.Name, s.ExpectedType)
	}
	if s.ExpectedPattern != "" {
		re, err := regexp.Compile(s.ExpectedPattern)
		if err != nil {
			return tc, fmt.Errorf("test %q: invalid expected_pattern: %w", s.Name, err)
		}
		tc.ExpectedPattern = re
	}
	return tc, nil
}

// ValidateRequest is the API-level request to validate agent code.
type ValidateRequest struct {
	AgentID            string         `json:"agent_id,omitempty"`
	Code               string         `json:"code"`
	TestCases          []TestSpecWire `json:"test_cases,omitempty"`
	SkipSecurityChecks bool           `json:"skip_security_checks,omitempty"`
	TestTimeout        Duration       `json:"test_timeout,omitempty"`
	Capabilities       []string       `json:"capabilities,omitempty"`
}

// FeedbackRequest is the API-level feedback submission body. The agent ID
// comes from the URL path.
type FeedbackRequest struct {
	ExecutionID string   `json:"execution_id"`
	UserID      string   `json:"user_id,omitempty"`
	Rating      int      `json:"rating,omitempty"`
	FreeText    string   `json:"free_text,omitempty"`
	Successful  bool     `json:"successful"`
	Tags        []string `json:"tags,omitempty"`
}

// MetricsRequest is the API-level execution metric submission body.
type MetricsRequest struct {
	ExecutionID  string   `json:"execution_id"`
	ElapsedMS    int64    `json:"elapsed_ms"`
	MemoryUsedMB *float64 `json:"memory_used_mb,omitempty"`
	ErrorCount   int      `json:"error_count"`
	OutputSize   int      `json:"output_size"`
}

// StoredResponse acknowledges a telemetry write. Stored=false means the
// record was dropped; the request itself still succeeded.
type StoredResponse struct {
	Stored bool `json:"stored"`
}

// ImproveRequest triggers one improvement cycle for an agent.
type ImproveRequest struct {
	OriginalCode string   `json:"original_code"`
	FocusAreas   []string `json:"focus_areas,omitempty"`
}

// TerminateResponse reports how many live executions were cancelled.
type TerminateResponse struct {
	Terminated int `json:"terminated"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	Sandbox      string `json:"sandbox"`
	Database     bool   `json:"database"`
	LiveContexts int    `json:"live_contexts"`
	Uptime       string `json:"uptime"`
}
