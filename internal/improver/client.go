// Package improver is the client for the external code-improvement
// service. The service is treated as an opaque request/response boundary
// with unspecified latency; no timeout is enforced here, so callers wrap
// the context with their own deadline when bounded latency matters.
package improver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"agent-refinery/internal/feedback"
)

// ServiceError reports a failed improvement round-trip: transport errors,
// non-2xx statuses, and semantically empty responses all land here.
type ServiceError struct {
	StatusCode int // 0 when the request never completed
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("improvement service returned %d: %s", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("improvement service unreachable: %s", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Client talks JSON over HTTP to the improvement service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// No client-level timeout: round-trip latency is the caller's
		// policy, applied through the request context.
		http: &http.Client{},
	}
}

var _ feedback.Improver = (*Client)(nil)

// RequestImprovement posts one ImprovementRequest and decodes the result.
func (c *Client) RequestImprovement(ctx context.Context, req *feedback.ImprovementRequest) (*feedback.ImprovementResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("encoding request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/improve", bytes.NewReader(body))
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ServiceError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(snippet))),
		}
	}

	var result feedback.ImprovementResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&result); err != nil {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}

	// A response without code is semantically empty; surfacing it as a
	// success would overwrite the agent with nothing.
	if strings.TrimSpace(result.Code) == "" {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Err: fmt.Errorf("response contains no improved code")}
	}

	if result.AgentID == "" {
		result.AgentID = req.AgentID
	}
	if result.Version.IsZero() {
		result.Version = time.Now()
	}
	if result.CreatedBy == "" {
		result.CreatedBy = "improvement-service"
	}

	log.Info().
		Str("agent_id", req.AgentID).
		Dur("round_trip", time.Since(start)).
		Int("improvements", len(result.ImprovementsApplied)).
		Msg("improvement received")

	return &result, nil
}
