// Package feedback implements the closed improvement loop: telemetry and
// user feedback accumulate per agent, get bundled into an improvement
// request for the external service, and the returned code is versioned.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Limits bounds how much history one improvement request carries.
type Limits struct {
	Validations int
	Metrics     int
	Feedback    int
}

func DefaultLimits() Limits {
	return Limits{Validations: 5, Metrics: 20, Feedback: 20}
}

// Loop composes the store and the improvement service. Telemetry paths
// degrade gracefully: storage failures are logged and converted to safe
// defaults so they never block the primary workflow. Only the improvement
// service call itself is allowed to fail loudly.
type Loop struct {
	store    Store
	improver Improver
	limits   Limits
}

func NewLoop(store Store, improver Improver, limits Limits) *Loop {
	if limits.Validations <= 0 {
		limits.Validations = DefaultLimits().Validations
	}
	if limits.Metrics <= 0 {
		limits.Metrics = DefaultLimits().Metrics
	}
	if limits.Feedback <= 0 {
		limits.Feedback = DefaultLimits().Feedback
	}
	return &Loop{store: store, improver: improver, limits: limits}
}

// StoreFeedback appends one feedback record. Returns false instead of an
// error on failure so UI flows are never blocked by telemetry issues.
func (l *Loop) StoreFeedback(ctx context.Context, fb AgentFeedback) bool {
	if fb.AgentID == "" || fb.ExecutionID == "" {
		log.Warn().Msg("feedback dropped: missing agent or execution id")
		return false
	}
	if fb.Rating < 0 || fb.Rating > 5 {
		log.Warn().Int("rating", fb.Rating).Msg("feedback dropped: rating out of range")
		return false
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now()
	}

	if err := l.store.InsertFeedback(ctx, fb); err != nil {
		log.Error().Err(err).
			Str("agent_id", fb.AgentID).
			Str("execution_id", fb.ExecutionID).
			Msg("failed to store feedback")
		return false
	}
	return true
}

// StoreExecutionMetrics appends one metric record, same non-throwing
// contract as StoreFeedback.
func (l *Loop) StoreExecutionMetrics(ctx context.Context, m MetricRecord) bool {
	if m.AgentID == "" || m.ExecutionID == "" {
		log.Warn().Msg("metrics dropped: missing agent or execution id")
		return false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	if err := l.store.InsertMetrics(ctx, m); err != nil {
		log.Error().Err(err).
			Str("agent_id", m.AgentID).
			Str("execution_id", m.ExecutionID).
			Msg("failed to store execution metrics")
		return false
	}
	return true
}

// GetAgentFeedback returns the most recent feedback for an agent, newest
// first. Empty slice, never nil, on failure.
func (l *Loop) GetAgentFeedback(ctx context.Context, agentID string, limit int) []AgentFeedback {
	records, err := l.store.RecentFeedback(ctx, agentID, limit)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to read feedback")
		return []AgentFeedback{}
	}
	if records == nil {
		records = []AgentFeedback{}
	}
	return records
}

// GetAgentMetrics returns the most recent metric records for an agent,
// newest first. Empty slice, never nil, on failure.
func (l *Loop) GetAgentMetrics(ctx context.Context, agentID string, limit int) []MetricRecord {
	records, err := l.store.RecentMetrics(ctx, agentID, limit)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to read metrics")
		return []MetricRecord{}
	}
	if records == nil {
		records = []MetricRecord{}
	}
	return records
}

// ListVersions returns an agent's newest code versions. Empty slice, never
// nil, on failure.
func (l *Loop) ListVersions(ctx context.Context, agentID string, limit int) []CodeVersion {
	versions, err := l.store.ListCodeVersions(ctx, agentID, limit)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to read code versions")
		return []CodeVersion{}
	}
	if versions == nil {
		versions = []CodeVersion{}
	}
	return versions
}

// CreateImprovementRequest gathers the agent's recent history into a fresh
// request. Reads degrade gracefully; a request with empty history is still
// a usable request.
func (l *Loop) CreateImprovementRequest(ctx context.Context, agentID, originalCode string, focus []string) *ImprovementRequest {
	req := &ImprovementRequest{
		AgentID:        agentID,
		OriginalCode:   originalCode,
		RecentMetrics:  l.GetAgentMetrics(ctx, agentID, l.limits.Metrics),
		RecentFeedback: l.GetAgentFeedback(ctx, agentID, l.limits.Feedback),
		FocusAreas:     focus,
	}

	validations, err := l.store.RecentValidations(ctx, agentID, l.limits.Validations)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("failed to read validation history")
	} else {
		req.RecentValidations = validations
	}

	return req
}

// RequestCodeImprovement delegates to the external improvement service.
// This is the one step whose failure propagates: the caller explicitly
// needs to know the improvement did not happen.
func (l *Loop) RequestCodeImprovement(ctx context.Context, req *ImprovementRequest) (*ImprovementResult, error) {
	if l.improver == nil {
		return nil, fmt.Errorf("improvement service not configured")
	}
	result, err := l.improver.RequestImprovement(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("requesting improvement for agent %s: %w", req.AgentID, err)
	}
	return result, nil
}

// Run executes one full improvement cycle: assemble history, call the
// service, and persist the returned code as a new append-only version.
// A persistence failure is logged but does not invalidate the returned
// result — the caller already holds the improved code.
func (l *Loop) Run(ctx context.Context, agentID, originalCode string, focus []string) (*ImprovementResult, error) {
	req := l.CreateImprovementRequest(ctx, agentID, originalCode, focus)

	result, err := l.RequestCodeImprovement(ctx, req)
	if err != nil {
		return nil, err
	}

	version := CodeVersion{
		AgentID:             agentID,
		Code:                result.Code,
		ImprovementsApplied: result.ImprovementsApplied,
		SuggestedTests:      result.SuggestedTests,
		Version:             result.Version,
		CreatedBy:           result.CreatedBy,
	}
	if version.Version.IsZero() {
		version.Version = time.Now()
	}

	if err := l.store.InsertCodeVersion(ctx, version); err != nil {
		log.Error().Err(err).
			Str("agent_id", agentID).
			Msg("failed to persist improved code version")
	} else {
		log.Info().
			Str("agent_id", agentID).
			Time("version", version.Version).
			Int("improvements", len(result.ImprovementsApplied)).
			Msg("improvement cycle completed")
	}

	return result, nil
}
