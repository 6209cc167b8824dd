package sandbox

import "time"

// Request describes one execution of an untrusted code string. Immutable
// once created; it exists only for the duration of one Execute call.
type Request struct {
	Code          string         `json:"code"`
	Timeout       time.Duration  `json:"timeout"`
	MemoryLimitMB int64          `json:"memory_limit_mb"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Bindings      map[string]any `json:"bindings,omitempty"`
	Input         any            `json:"input,omitempty"` // argument handed to processRequest
}

// Result is the structured outcome of one execution. Exactly one Result is
// produced per Request; all sandbox-side resources tied to ExecutionID are
// released before Execute returns.
type Result struct {
	ExecutionID  string        `json:"execution_id"`
	Success      bool          `json:"success"`
	Value        any           `json:"value,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	MemoryUsedMB *float64      `json:"memory_used_mb,omitempty"`
	LogLines     []string      `json:"log_lines,omitempty"`
}
