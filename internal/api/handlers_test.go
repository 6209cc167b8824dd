package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"agent-refinery/internal/feedback"
	"agent-refinery/internal/monitor"
	"agent-refinery/internal/sandbox"
	"agent-refinery/internal/validator"
)

// fakeSandbox satisfies the Sandbox interface with canned results.
type fakeSandbox struct {
	result *sandbox.Result
	err    error
	live   int
}

func (f *fakeSandbox) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSandbox) TerminateAll() int { return f.live }
func (f *fakeSandbox) LiveContexts() int { return f.live }

// nullStore satisfies feedback.Store in memory.
type nullStore struct {
	feedback []feedback.AgentFeedback
	fail     bool
}

var errDown = errors.New("store down")

func (s *nullStore) InsertFeedback(_ context.Context, fb feedback.AgentFeedback) error {
	if s.fail {
		return errDown
	}
	s.feedback = append(s.feedback, fb)
	return nil
}
func (s *nullStore) InsertMetrics(context.Context, feedback.MetricRecord) error { return nil }
func (s *nullStore) InsertCodeVersion(context.Context, feedback.CodeVersion) error {
	return nil
}
func (s *nullStore) RecentFeedback(context.Context, string, int) ([]feedback.AgentFeedback, error) {
	return s.feedback, nil
}
func (s *nullStore) RecentMetrics(context.Context, string, int) ([]feedback.MetricRecord, error) {
	return nil, nil
}
func (s *nullStore) RecentValidations(context.Context, string, int) ([]validator.Result, error) {
	return nil, nil
}
func (s *nullStore) ListCodeVersions(context.Context, string, int) ([]feedback.CodeVersion, error) {
	return nil, nil
}

func testHandlers(sb Sandbox, store feedback.Store) *Handlers {
	var exec validator.Executor
	if sb != nil {
		exec = sb
	}
	var loop *feedback.Loop
	if store != nil {
		loop = feedback.NewLoop(store, nil, feedback.Limits{})
	}
	return NewHandlers(sb, validator.New(exec), loop, nil, nil, monitor.NewMetrics(), 5*time.Second, 2, 0)
}

// gatherMetric finds one metric family on the handlers' registry.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestHandleExecute_Success(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{
		ExecutionID: "exec-1",
		Success:     true,
		Value:       map[string]any{"x": 1.0},
		Elapsed:     25 * time.Millisecond,
		LogLines:    []string{"log: hi"},
	}}
	h := testHandlers(sb, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute",
		strings.NewReader(`{"code":"function processRequest(){return {x:1};}"}`))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExecutionID != "exec-1" || !resp.Success {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Duration != "25ms" {
		t.Errorf("Duration = %q, want 25ms", resp.Duration)
	}
}

func TestHandleExecute_BadRequests(t *testing.T) {
	h := testHandlers(&fakeSandbox{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"empty code", `{"code":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.HandleExecute(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleExecute_InvalidRequestFromSandbox(t *testing.T) {
	sb := &fakeSandbox{err: &sandbox.ExecutionError{
		ExecID: "x", Op: "validate",
		Err: sandbox.ErrInvalidRequest,
	}}
	h := testHandlers(sb, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"x","timeout":"5h"}`))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid request", rec.Code)
	}
}

func TestHandleExecute_NoSandbox(t *testing.T) {
	h := testHandlers(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"x"}`))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleValidate_Success(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{
		ExecutionID: "exec-1",
		Success:     true,
		Value:       "hello world",
	}}
	h := testHandlers(sb, nil)

	body := `{
		"code": "function processRequest(){return \"hello world\";}",
		"test_cases": [{"name":"greets","expected_type":"string","expected_pattern":"^hello"}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var result validator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Valid {
		t.Errorf("Valid = false: %+v", result.Outcomes)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Name != "greets" {
		t.Errorf("Outcomes = %+v", result.Outcomes)
	}
}

func TestHandleValidate_BadPattern(t *testing.T) {
	h := testHandlers(&fakeSandbox{result: &sandbox.Result{Success: true}}, nil)

	body := `{"code":"x","test_cases":[{"name":"t","expected_pattern":"["}]}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an invalid pattern", rec.Code)
	}
}

func TestHandleValidate_UnknownExpectedType(t *testing.T) {
	h := testHandlers(&fakeSandbox{result: &sandbox.Result{Success: true}}, nil)

	body := `{"code":"x","test_cases":[{"name":"t","expected_type":"tuple"}]}`
	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleValidate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an unknown expected type", rec.Code)
	}
}

func TestHandleSubmitFeedback(t *testing.T) {
	store := &nullStore{}
	h := testHandlers(nil, store)

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/feedback",
		strings.NewReader(`{"execution_id":"exec-1","rating":5,"successful":true}`))
	req.SetPathValue("id", "agent-1")
	rec := httptest.NewRecorder()
	h.HandleSubmitFeedback(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp StoredResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Stored {
		t.Error("Stored = false")
	}
	if len(store.feedback) != 1 || store.feedback[0].AgentID != "agent-1" {
		t.Errorf("stored = %+v", store.feedback)
	}
}

func TestHandleSubmitFeedback_StoreFailureIsOKFalse(t *testing.T) {
	h := testHandlers(nil, &nullStore{fail: true})

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/feedback",
		strings.NewReader(`{"execution_id":"exec-1"}`))
	req.SetPathValue("id", "agent-1")
	rec := httptest.NewRecorder()
	h.HandleSubmitFeedback(rec, req)

	// Telemetry failures are not HTTP errors.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StoredResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Stored {
		t.Error("Stored = true despite store failure")
	}
}

func TestHandleSubmitFeedback_NoStore(t *testing.T) {
	h := testHandlers(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/feedback", strings.NewReader(`{}`))
	req.SetPathValue("id", "agent-1")
	rec := httptest.NewRecorder()
	h.HandleSubmitFeedback(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleExecute_ObservesOutputSize(t *testing.T) {
	sb := &fakeSandbox{result: &sandbox.Result{
		ExecutionID: "exec-1",
		Success:     true,
		Value:       map[string]any{"x": 1.0},
	}}
	h := testHandlers(sb, nil)

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"x"}`))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	fam := gatherMetric(t, h.metrics.Registry, "refinery_output_size_bytes")
	if fam == nil {
		t.Fatal("output size histogram not registered")
	}
	hist := fam.GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("sample count = %d, want 1", hist.GetSampleCount())
	}
	// {"x":1} is 7 bytes: the output, not the error text.
	if hist.GetSampleSum() != 7 {
		t.Errorf("sample sum = %v, want 7", hist.GetSampleSum())
	}

	fam = gatherMetric(t, h.metrics.Registry, "refinery_active_contexts")
	if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 0 {
		t.Errorf("active contexts = %v after the request returned, want 0", got)
	}
}

func TestHandleSubmitFeedback_DropCounted(t *testing.T) {
	h := testHandlers(nil, &nullStore{fail: true})

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/feedback",
		strings.NewReader(`{"execution_id":"exec-1"}`))
	req.SetPathValue("id", "agent-1")
	h.HandleSubmitFeedback(httptest.NewRecorder(), req)

	fam := gatherMetric(t, h.metrics.Registry, "refinery_telemetry_dropped_total")
	if fam == nil || len(fam.GetMetric()) == 0 {
		t.Fatal("dropped-telemetry counter has no samples")
	}
	m := fam.GetMetric()[0]
	if m.GetLabel()[0].GetValue() != "feedback" || m.GetCounter().GetValue() != 1 {
		t.Errorf("counter = %v", m)
	}
}

func TestHandleImprove_AppliesConfiguredTimeout(t *testing.T) {
	imp := &deadlineImprover{}
	loop := feedback.NewLoop(&nullStore{}, imp, feedback.Limits{})
	h := NewHandlers(nil, validator.New(nil), loop, nil, nil, monitor.NewMetrics(),
		5*time.Second, 2, 30*time.Second)

	req := httptest.NewRequest(http.MethodPost, "/agents/agent-1/improve",
		strings.NewReader(`{"original_code":"code"}`))
	req.SetPathValue("id", "agent-1")
	rec := httptest.NewRecorder()
	h.HandleImprove(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !imp.sawDeadline {
		t.Error("improvement call had no deadline despite a configured timeout")
	}
}

// deadlineImprover records whether the improvement context carried a deadline.
type deadlineImprover struct {
	sawDeadline bool
}

func (d *deadlineImprover) RequestImprovement(ctx context.Context, req *feedback.ImprovementRequest) (*feedback.ImprovementResult, error) {
	_, d.sawDeadline = ctx.Deadline()
	return &feedback.ImprovementResult{AgentID: req.AgentID, Code: "improved"}, nil
}

func TestHandleTerminate(t *testing.T) {
	h := testHandlers(&fakeSandbox{live: 3}, nil)

	req := httptest.NewRequest(http.MethodPost, "/terminate", nil)
	rec := httptest.NewRecorder()
	h.HandleTerminate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp TerminateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Terminated != 3 {
		t.Errorf("Terminated = %d, want 3", resp.Terminated)
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("Duration = %s, want 1m30s", d.Duration)
	}

	out, err := json.Marshal(Duration{10 * time.Second})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `"10s"` {
		t.Errorf("Marshal = %s, want \"10s\"", out)
	}

	if err := json.Unmarshal([]byte(`"not a duration"`), &d); err == nil {
		t.Error("expected error for malformed duration")
	}
}
