package feedback

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"agent-refinery/internal/validator"
)

// memStore keeps everything in slices, optionally failing selected ops.
type memStore struct {
	feedback    []AgentFeedback
	metrics     []MetricRecord
	versions    []CodeVersion
	validations []validator.Result

	failInserts     bool
	failReads       bool
	failValidations bool
	failVersions    bool
}

var errStore = errors.New("connection refused")

func (s *memStore) InsertFeedback(_ context.Context, fb AgentFeedback) error {
	if s.failInserts {
		return errStore
	}
	s.feedback = append(s.feedback, fb)
	return nil
}

func (s *memStore) InsertMetrics(_ context.Context, m MetricRecord) error {
	if s.failInserts {
		return errStore
	}
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *memStore) InsertCodeVersion(_ context.Context, v CodeVersion) error {
	if s.failVersions {
		return errStore
	}
	s.versions = append(s.versions, v)
	return nil
}

func recentFirst[T any](items []T, limit int) []T {
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

func (s *memStore) RecentFeedback(_ context.Context, _ string, limit int) ([]AgentFeedback, error) {
	if s.failReads {
		return nil, errStore
	}
	return recentFirst(s.feedback, limit), nil
}

func (s *memStore) RecentMetrics(_ context.Context, _ string, limit int) ([]MetricRecord, error) {
	if s.failReads {
		return nil, errStore
	}
	return recentFirst(s.metrics, limit), nil
}

func (s *memStore) RecentValidations(_ context.Context, _ string, limit int) ([]validator.Result, error) {
	if s.failValidations {
		return nil, errStore
	}
	return recentFirst(s.validations, limit), nil
}

func (s *memStore) ListCodeVersions(_ context.Context, _ string, limit int) ([]CodeVersion, error) {
	if s.failVersions {
		return nil, errStore
	}
	return recentFirst(s.versions, limit), nil
}

// fakeImprover returns a canned result or error.
type fakeImprover struct {
	result  *ImprovementResult
	err     error
	lastReq *ImprovementRequest
}

func (f *fakeImprover) RequestImprovement(_ context.Context, req *ImprovementRequest) (*ImprovementResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestStoreFeedback(t *testing.T) {
	store := &memStore{}
	loop := NewLoop(store, nil, Limits{})

	ok := loop.StoreFeedback(context.Background(), AgentFeedback{
		AgentID:     "agent-1",
		ExecutionID: "exec-1",
		Rating:      4,
	})
	if !ok {
		t.Fatal("StoreFeedback = false for a valid record")
	}
	if len(store.feedback) != 1 {
		t.Fatalf("stored %d records, want 1", len(store.feedback))
	}
	if store.feedback[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be defaulted")
	}
}

func TestStoreFeedback_Invalid(t *testing.T) {
	store := &memStore{}
	loop := NewLoop(store, nil, Limits{})

	tests := []struct {
		name string
		fb   AgentFeedback
	}{
		{"missing agent id", AgentFeedback{ExecutionID: "e"}},
		{"missing execution id", AgentFeedback{AgentID: "a"}},
		{"rating too high", AgentFeedback{AgentID: "a", ExecutionID: "e", Rating: 6}},
		{"rating negative", AgentFeedback{AgentID: "a", ExecutionID: "e", Rating: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if loop.StoreFeedback(context.Background(), tt.fb) {
				t.Error("StoreFeedback = true for invalid record")
			}
		})
	}
	if len(store.feedback) != 0 {
		t.Errorf("invalid records were stored: %v", store.feedback)
	}
}

func TestStoreFeedback_StorageFailureReturnsFalse(t *testing.T) {
	loop := NewLoop(&memStore{failInserts: true}, nil, Limits{})

	ok := loop.StoreFeedback(context.Background(), AgentFeedback{AgentID: "a", ExecutionID: "e"})
	if ok {
		t.Error("StoreFeedback = true despite storage failure")
	}
}

func TestStoreExecutionMetrics(t *testing.T) {
	store := &memStore{}
	loop := NewLoop(store, nil, Limits{})

	ok := loop.StoreExecutionMetrics(context.Background(), MetricRecord{
		AgentID:     "agent-1",
		ExecutionID: "exec-1",
		Elapsed:     time.Second,
	})
	if !ok {
		t.Fatal("StoreExecutionMetrics = false")
	}
	if store.metrics[0].Timestamp.IsZero() {
		t.Error("Timestamp should be defaulted")
	}

	if loop.StoreExecutionMetrics(context.Background(), MetricRecord{ExecutionID: "e"}) {
		t.Error("accepted a record without an agent id")
	}

	failing := NewLoop(&memStore{failInserts: true}, nil, Limits{})
	if failing.StoreExecutionMetrics(context.Background(), MetricRecord{AgentID: "a", ExecutionID: "e"}) {
		t.Error("StoreExecutionMetrics = true despite storage failure")
	}
}

func TestGetAgentFeedback_MostRecentFirst(t *testing.T) {
	store := &memStore{}
	loop := NewLoop(store, nil, Limits{})

	for i, id := range []string{"e1", "e2", "e3"} {
		loop.StoreFeedback(context.Background(), AgentFeedback{
			AgentID:     "a",
			ExecutionID: id,
			CreatedAt:   time.Now().Add(time.Duration(i) * time.Minute),
		})
	}

	records := loop.GetAgentFeedback(context.Background(), "a", 2)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ExecutionID != "e3" || records[1].ExecutionID != "e2" {
		t.Errorf("order = [%s %s], want newest first", records[0].ExecutionID, records[1].ExecutionID)
	}
}

func TestGetAgentFeedback_FailureYieldsEmptyNotNil(t *testing.T) {
	loop := NewLoop(&memStore{failReads: true}, nil, Limits{})

	records := loop.GetAgentFeedback(context.Background(), "a", 10)
	if records == nil {
		t.Fatal("returned nil, want empty slice")
	}
	if len(records) != 0 {
		t.Errorf("got %d records from a failing store", len(records))
	}

	metrics := loop.GetAgentMetrics(context.Background(), "a", 10)
	if metrics == nil || len(metrics) != 0 {
		t.Errorf("GetAgentMetrics = %v, want empty slice", metrics)
	}
}

func TestCreateImprovementRequest(t *testing.T) {
	store := &memStore{
		validations: []validator.Result{{Valid: false}, {Valid: true}},
	}
	loop := NewLoop(store, nil, Limits{Validations: 5, Metrics: 3, Feedback: 3})

	loop.StoreFeedback(context.Background(), AgentFeedback{AgentID: "a", ExecutionID: "e1", Rating: 2})
	loop.StoreExecutionMetrics(context.Background(), MetricRecord{AgentID: "a", ExecutionID: "e1"})

	req := loop.CreateImprovementRequest(context.Background(), "a", "code here", []string{"latency"})

	if req.AgentID != "a" || req.OriginalCode != "code here" {
		t.Errorf("request identity wrong: %+v", req)
	}
	if len(req.RecentValidations) != 2 {
		t.Errorf("RecentValidations = %d, want 2", len(req.RecentValidations))
	}
	if len(req.RecentFeedback) != 1 || len(req.RecentMetrics) != 1 {
		t.Errorf("history sizes = %d feedback, %d metrics", len(req.RecentFeedback), len(req.RecentMetrics))
	}
	if len(req.FocusAreas) != 1 || req.FocusAreas[0] != "latency" {
		t.Errorf("FocusAreas = %v", req.FocusAreas)
	}
}

func TestCreateImprovementRequest_DegradesGracefully(t *testing.T) {
	loop := NewLoop(&memStore{failReads: true, failValidations: true}, nil, Limits{})

	req := loop.CreateImprovementRequest(context.Background(), "a", "code", nil)
	if req == nil {
		t.Fatal("request is nil despite read failures")
	}
	if len(req.RecentFeedback) != 0 || len(req.RecentMetrics) != 0 || len(req.RecentValidations) != 0 {
		t.Errorf("expected empty history, got %+v", req)
	}
}

func TestRequestCodeImprovement_ErrorPropagates(t *testing.T) {
	imp := &fakeImprover{err: errors.New("service unavailable")}
	loop := NewLoop(&memStore{}, imp, Limits{})

	_, err := loop.RequestCodeImprovement(context.Background(), &ImprovementRequest{AgentID: "a"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if !strings.Contains(err.Error(), "service unavailable") {
		t.Errorf("error = %v, should wrap the service error", err)
	}
}

func TestRequestCodeImprovement_NoImprover(t *testing.T) {
	loop := NewLoop(&memStore{}, nil, Limits{})

	_, err := loop.RequestCodeImprovement(context.Background(), &ImprovementRequest{AgentID: "a"})
	if err == nil {
		t.Error("expected error with no improver configured")
	}
}

func TestRun_PersistsVersion(t *testing.T) {
	store := &memStore{}
	imp := &fakeImprover{result: &ImprovementResult{
		AgentID:             "a",
		Code:                "improved code",
		ImprovementsApplied: []string{"tightened loop"},
		Version:             time.Now(),
		CreatedBy:           "improvement-service",
	}}
	loop := NewLoop(store, imp, Limits{})

	result, err := loop.Run(context.Background(), "a", "original code", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Code != "improved code" {
		t.Errorf("Code = %q", result.Code)
	}
	if imp.lastReq == nil || imp.lastReq.OriginalCode != "original code" {
		t.Error("improver did not receive the original code")
	}
	if len(store.versions) != 1 {
		t.Fatalf("persisted %d versions, want 1", len(store.versions))
	}
	if store.versions[0].Code != "improved code" {
		t.Errorf("persisted code = %q", store.versions[0].Code)
	}
}

func TestRun_PersistFailureStillReturnsResult(t *testing.T) {
	store := &memStore{failVersions: true}
	imp := &fakeImprover{result: &ImprovementResult{AgentID: "a", Code: "improved"}}
	loop := NewLoop(store, imp, Limits{})

	result, err := loop.Run(context.Background(), "a", "orig", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result == nil || result.Code != "improved" {
		t.Errorf("result = %+v, want the improved code despite persist failure", result)
	}
}

func TestRun_ServiceFailureReturnsError(t *testing.T) {
	store := &memStore{}
	imp := &fakeImprover{err: errors.New("boom")}
	loop := NewLoop(store, imp, Limits{})

	result, err := loop.Run(context.Background(), "a", "orig", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if len(store.versions) != 0 {
		t.Error("no version should be persisted on service failure")
	}
}

func TestListVersions_GracefulOnFailure(t *testing.T) {
	loop := NewLoop(&memStore{failVersions: true}, nil, Limits{})
	versions := loop.ListVersions(context.Background(), "a", 10)
	if versions == nil || len(versions) != 0 {
		t.Errorf("ListVersions = %v, want empty slice", versions)
	}
}
