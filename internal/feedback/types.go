package feedback

import (
	"context"
	"time"

	"agent-refinery/internal/validator"
)

// AgentFeedback is one durable, append-only feedback record, keyed by
// (AgentID, ExecutionID).
type AgentFeedback struct {
	AgentID     string    `json:"agent_id"`
	ExecutionID string    `json:"execution_id"`
	UserID      string    `json:"user_id"`
	Rating      int       `json:"rating,omitempty"` // 1..5, 0 when not given
	FreeText    string    `json:"free_text,omitempty"`
	Successful  bool      `json:"successful"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetricRecord is one durable execution metric, written once per real
// (non-test) execution, never mutated.
type MetricRecord struct {
	AgentID      string        `json:"agent_id"`
	ExecutionID  string        `json:"execution_id"`
	Elapsed      time.Duration `json:"elapsed"`
	MemoryUsedMB *float64      `json:"memory_used_mb,omitempty"`
	ErrorCount   int           `json:"error_count"`
	OutputSize   int           `json:"output_size"`
	Timestamp    time.Time     `json:"timestamp"`
}

// TestSpec is the serializable shape of a suggested test case. The pattern
// is carried as source text; conversion to a validator.TestCase compiles it.
type TestSpec struct {
	Name            string         `json:"name"`
	Input           map[string]any `json:"input,omitempty"`
	ExpectedType    string         `json:"expected_type,omitempty"`
	ExpectedPattern string         `json:"expected_pattern,omitempty"`
}

// CodeVersion is one entry in an agent's append-only improvement history.
// The latest version is the deployment candidate; persisting a version never
// retracts the previously deployed one.
type CodeVersion struct {
	AgentID             string     `json:"agent_id"`
	Code                string     `json:"code"`
	ImprovementsApplied []string   `json:"improvements_applied,omitempty"`
	SuggestedTests      []TestSpec `json:"suggested_tests,omitempty"`
	Version             time.Time  `json:"version"`
	CreatedBy           string     `json:"created_by"`
}

// ImprovementRequest bundles everything the external improvement service
// needs for one cycle. Constructed fresh per cycle, never persisted.
type ImprovementRequest struct {
	AgentID           string             `json:"agent_id"`
	OriginalCode      string             `json:"original_code"`
	RecentValidations []validator.Result `json:"recent_validations,omitempty"`
	RecentMetrics     []MetricRecord     `json:"recent_metrics,omitempty"`
	RecentFeedback    []AgentFeedback    `json:"recent_feedback,omitempty"`
	FocusAreas        []string           `json:"focus_areas,omitempty"`
}

// ImprovementResult is the service's response: improved code plus advisory
// metadata about what changed.
type ImprovementResult struct {
	AgentID             string     `json:"agent_id"`
	Code                string     `json:"code"`
	ImprovementsApplied []string   `json:"improvements_applied,omitempty"`
	SuggestedTests      []TestSpec `json:"suggested_tests,omitempty"`
	Version             time.Time  `json:"version"`
	CreatedBy           string     `json:"created_by"`
}

// Store is the persistence boundary: insert-row and select-recent-rows
// semantics only, ordered by timestamp descending with a caller-supplied
// limit. Validation snapshots are written by the API layer and read-only
// here.
type Store interface {
	InsertFeedback(ctx context.Context, fb AgentFeedback) error
	InsertMetrics(ctx context.Context, m MetricRecord) error
	InsertCodeVersion(ctx context.Context, v CodeVersion) error
	RecentFeedback(ctx context.Context, agentID string, limit int) ([]AgentFeedback, error)
	RecentMetrics(ctx context.Context, agentID string, limit int) ([]MetricRecord, error)
	RecentValidations(ctx context.Context, agentID string, limit int) ([]validator.Result, error)
	ListCodeVersions(ctx context.Context, agentID string, limit int) ([]CodeVersion, error)
}

// Improver is the external code-improvement service boundary: a single
// request/response operation with unspecified latency. Callers needing a
// bounded round-trip wrap the context with their own deadline.
type Improver interface {
	RequestImprovement(ctx context.Context, req *ImprovementRequest) (*ImprovementResult, error)
}
