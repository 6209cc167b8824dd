package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"agent-refinery/internal/feedback"
	"agent-refinery/internal/monitor"
	"agent-refinery/internal/sandbox"
	"agent-refinery/internal/storage"
	"agent-refinery/internal/validator"
)

// Sandbox is the execution surface the handlers need from the manager.
type Sandbox interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
	TerminateAll() int
	LiveContexts() int
}

type Handlers struct {
	sandbox   Sandbox
	validator *validator.Validator
	loop      *feedback.Loop
	db        *storage.DB
	writer    *storage.MetricWriter
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	testTimeout    time.Duration
	maxParallel    int
	improveTimeout time.Duration
}

func NewHandlers(sb Sandbox, v *validator.Validator, loop *feedback.Loop, db *storage.DB, writer *storage.MetricWriter, metrics *monitor.Metrics, testTimeout time.Duration, maxParallel int, improveTimeout time.Duration) *Handlers {
	return &Handlers{
		sandbox:        sb,
		validator:      v,
		loop:           loop,
		db:             db,
		writer:         writer,
		metrics:        metrics,
		tracer:         monitor.NewTracer(),
		testTimeout:    testTimeout,
		maxParallel:    maxParallel,
		improveTimeout: improveTimeout,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.sandbox == nil {
		writeError(w, "sandbox unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))

	ctx, span := h.tracer.StartSpan(r.Context(), "execute",
		monitor.AttrAgentID.String(req.AgentID))
	defer span.End()

	h.metrics.ActiveContexts.Inc()
	defer h.metrics.ActiveContexts.Dec()

	result, err := h.sandbox.Execute(ctx, sandbox.Request{
		Code:          req.Code,
		Timeout:       req.Timeout.Duration,
		MemoryLimitMB: req.MemoryLimitMB,
		Capabilities:  req.Capabilities,
		Bindings:      req.Bindings,
		Input:         req.Input,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrInvalidRequest) {
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
			return
		}
		h.metrics.RecordError("internal")
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return
	}

	span.SetAttributes(
		monitor.AttrExecID.String(result.ExecutionID),
		attribute.Bool("refinery.success", result.Success),
	)

	status := "success"
	if !result.Success {
		status = "failed"
	}
	h.metrics.RecordExecution("sandbox", status, result.Elapsed.Seconds())

	outputSize := 0
	if result.Value != nil {
		if raw, err := json.Marshal(result.Value); err == nil {
			outputSize = len(raw)
		}
	}
	h.metrics.OutputSizeBytes.Observe(float64(outputSize))

	// Real (non-test) executions feed the improvement loop.
	if req.AgentID != "" && h.writer != nil {
		errCount := 0
		if !result.Success {
			errCount = 1
		}
		h.writer.Record(feedback.MetricRecord{
			AgentID:      req.AgentID,
			ExecutionID:  result.ExecutionID,
			Elapsed:      result.Elapsed,
			MemoryUsedMB: result.MemoryUsedMB,
			ErrorCount:   errCount,
			OutputSize:   outputSize,
			Timestamp:    time.Now(),
		})
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		ExecutionID:  result.ExecutionID,
		Success:      result.Success,
		Value:        result.Value,
		Error:        result.ErrorMessage,
		Duration:     result.Elapsed.String(),
		MemoryUsedMB: result.MemoryUsedMB,
		Logs:         result.LogLines,
	})
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	testCases := make([]validator.TestCase, 0, len(req.TestCases))
	for _, spec := range req.TestCases {
		tc, err := spec.ToTestCase()
		if err != nil {
			writeError(w, err.Error(), "INVALID_TEST_CASE", http.StatusBadRequest, r)
			return
		}
		testCases = append(testCases, tc)
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "validate",
		monitor.AttrAgentID.String(req.AgentID))
	defer span.End()

	result := h.validator.ValidateAgent(ctx, req.Code, validator.Options{
		TestCases:          testCases,
		SkipSecurityChecks: req.SkipSecurityChecks,
		TestTimeout:        pickTimeout(req.TestTimeout.Duration, h.testTimeout),
		MaxParallel:        h.maxParallel,
		Capabilities:       req.Capabilities,
	})

	span.SetAttributes(monitor.AttrVerdict.Bool(result.Valid))

	passed, failed := 0, 0
	for _, o := range result.Outcomes {
		if o.Passed {
			passed++
		} else {
			failed++
		}
	}
	severities := make([]string, 0, len(result.Findings))
	for _, f := range result.Findings {
		severities = append(severities, f.Severity.String())
	}
	h.metrics.RecordValidation(result.Valid, passed, failed, severities)

	// Snapshots power later improvement cycles; a failed write never fails
	// the validation response.
	if h.db != nil && req.AgentID != "" {
		if err := h.db.InsertValidationSnapshot(r.Context(), req.AgentID, result); err != nil {
			log.Error().Err(err).Str("agent_id", req.AgentID).Msg("failed to persist validation snapshot")
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, "feedback store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	agentID := r.PathValue("id")
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	stored := h.loop.StoreFeedback(r.Context(), feedback.AgentFeedback{
		AgentID:     agentID,
		ExecutionID: req.ExecutionID,
		UserID:      req.UserID,
		Rating:      req.Rating,
		FreeText:    req.FreeText,
		Successful:  req.Successful,
		Tags:        req.Tags,
	})
	if !stored {
		h.metrics.TelemetryDropped.WithLabelValues("feedback").Inc()
	}
	writeJSON(w, http.StatusOK, StoredResponse{Stored: stored})
}

func (h *Handlers) HandleGetFeedback(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, "feedback store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	agentID := r.PathValue("id")
	records := h.loop.GetAgentFeedback(r.Context(), agentID, limitParam(r))
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleSubmitMetrics(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, "feedback store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	agentID := r.PathValue("id")
	var req MetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	stored := h.loop.StoreExecutionMetrics(r.Context(), feedback.MetricRecord{
		AgentID:      agentID,
		ExecutionID:  req.ExecutionID,
		Elapsed:      time.Duration(req.ElapsedMS) * time.Millisecond,
		MemoryUsedMB: req.MemoryUsedMB,
		ErrorCount:   req.ErrorCount,
		OutputSize:   req.OutputSize,
	})
	if !stored {
		h.metrics.TelemetryDropped.WithLabelValues("metric").Inc()
	}
	writeJSON(w, http.StatusOK, StoredResponse{Stored: stored})
}

func (h *Handlers) HandleGetMetrics(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, "feedback store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	agentID := r.PathValue("id")
	records := h.loop.GetAgentMetrics(r.Context(), agentID, limitParam(r))
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) HandleImprove(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, "feedback store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	agentID := r.PathValue("id")
	var req ImproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.OriginalCode == "" {
		writeError(w, "original_code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "improve",
		monitor.AttrAgentID.String(agentID))
	defer span.End()

	// The loop itself never bounds the improvement round-trip; the deadline
	// is applied here, at the caller.
	if h.improveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.improveTimeout)
		defer cancel()
	}

	result, err := h.loop.Run(ctx, agentID, req.OriginalCode, req.FocusAreas)
	if err != nil {
		h.metrics.RecordImprovement("failed")
		log.Error().Err(err).Str("agent_id", agentID).Msg("improvement cycle failed")
		writeError(w, err.Error(), "IMPROVEMENT_FAILED", http.StatusBadGateway, r)
		return
	}

	h.metrics.RecordImprovement("succeeded")
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, "feedback store not configured", "STORE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	agentID := r.PathValue("id")
	versions := h.loop.ListVersions(r.Context(), agentID, limitParam(r))
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handlers) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	if h.sandbox == nil {
		writeError(w, "sandbox unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	n := h.sandbox.TerminateAll()
	writeJSON(w, http.StatusOK, TerminateResponse{Terminated: n})
}

func pickTimeout(requested, configured time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return configured
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 20
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
