package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-refinery/internal/runtime"
	"agent-refinery/pkg/harness"
)

const maxCodeBytes = 1 << 20

// Options configures a Manager.
type Options struct {
	MaxConcurrent   int
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	DefaultMemoryMB int64
	EgressGateway   string // audit gateway URL for the net capability
	EgressSecret    string // shared secret the gateway expects, "" when unset
}

// Manager owns the registry of live execution contexts and the isolation
// backend. One Manager is embedded per process boundary; it is never a
// package-level singleton.
type Manager struct {
	isolator runtime.Isolator
	opts     Options
	sem      chan struct{}

	mu     sync.Mutex
	live   map[string]context.CancelFunc
	closed bool
}

func NewManager(isolator runtime.Isolator, opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 100
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 60 * time.Second
	}
	if opts.DefaultMemoryMB <= 0 {
		opts.DefaultMemoryMB = 256
	}
	return &Manager{
		isolator: isolator,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		live:     make(map[string]context.CancelFunc),
	}
}

// Execute runs one code string once under the request's budgets. Agent
// failures — syntax errors, thrown errors, timeouts, sanitizer rejections,
// memory overruns — are reported inside the Result with Success=false and
// never as a returned error. The returned error covers host-level failures
// only. Exactly one Result is produced per call and every resource tied to
// its execution is released before Execute returns.
func (m *Manager) Execute(ctx context.Context, req Request) (*Result, error) {
	execID := uuid.New().String()

	logger := log.With().
		Str("exec_id", execID).
		Int("code_bytes", len(req.Code)).
		Logger()

	if err := m.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	if m.isolator == nil {
		return nil, &ExecutionError{ExecID: execID, Op: "isolator", Err: ErrIsolatorUnavailable}
	}

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.opts.DefaultTimeout
	}
	memoryMB := req.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = m.opts.DefaultMemoryMB
	}

	// Sanitizer rejection is a normal outcome: the code never ran.
	if err := SanitizeSource(req.Code); err != nil {
		logger.Warn().Err(err).Msg("code rejected before execution")
		return &Result{
			ExecutionID:  execID,
			Success:      false,
			ErrorMessage: err.Error(),
		}, nil
	}

	builder := harness.NewBuilder().
		Allow(req.Capabilities...).
		WithEgress(m.opts.EgressGateway, m.opts.EgressSecret).
		WithExecID(execID)
	for name, value := range req.Bindings {
		builder.Bind(name, value)
	}
	if req.Input != nil {
		builder.WithInput(req.Input)
	}
	source, err := builder.Build(req.Code)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "build_harness", Err: err}
	}

	execCtx, cancel, err := m.register(ctx, execID, timeout)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "register", Err: err}
	}
	defer func() {
		cancel()
		m.unregister(execID)
	}()

	raw, err := m.isolator.Run(execCtx, runtime.RunSpec{
		ExecID:        execID,
		Source:        source,
		Timeout:       timeout,
		MemoryLimitMB: memoryMB,
	})
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "run", Err: err}
	}

	result := m.interpret(execID, builder.Sentinel(), timeout, memoryMB, raw)

	logger.Info().
		Bool("success", result.Success).
		Dur("elapsed", result.Elapsed).
		Msg("execution finished")

	return result, nil
}

// interpret converts a raw isolator outcome into a Result.
func (m *Manager) interpret(execID, sentinel string, timeout time.Duration, memoryMB int64, raw *runtime.RawResult) *Result {
	result := &Result{
		ExecutionID: execID,
		Elapsed:     raw.Elapsed,
	}

	env, hasEnvelope := harness.ParseEnvelope(sentinel, raw.Stdout)
	if hasEnvelope {
		result.LogLines = env.Logs
		if env.ElapsedMS > 0 {
			result.Elapsed = time.Duration(env.ElapsedMS) * time.Millisecond
		}
		if env.HeapUsed > 0 {
			mb := float64(env.HeapUsed) / (1024 * 1024)
			result.MemoryUsedMB = &mb
		}
	}

	switch {
	case raw.TimedOut:
		result.ErrorMessage = fmt.Sprintf("timeout: execution exceeded %s", timeout)

	case hasEnvelope && !env.OK:
		result.ErrorMessage = env.Error

	case hasEnvelope && result.MemoryUsedMB != nil && *result.MemoryUsedMB > float64(memoryMB):
		result.ErrorMessage = fmt.Sprintf("memory limit exceeded: used %.1fMB of %dMB", *result.MemoryUsedMB, memoryMB)

	case hasEnvelope:
		var value any
		if len(env.Value) > 0 {
			if err := json.Unmarshal(env.Value, &value); err != nil {
				result.ErrorMessage = "result value is not valid JSON"
				break
			}
		}
		result.Success = true
		result.Value = value

	default:
		// No envelope: node refused the harness (syntax error in agent
		// code) or the process died before emitting.
		msg := strings.TrimSpace(raw.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("execution aborted with exit code %d", raw.ExitCode)
		}
		result.ErrorMessage = firstLines(msg, 5)
	}

	return result
}

func (m *Manager) validateRequest(req Request) error {
	if req.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > maxCodeBytes {
		return fmt.Errorf("%w: code exceeds 1MB limit", ErrInvalidRequest)
	}
	if req.Timeout > m.opts.MaxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, m.opts.MaxTimeout)
	}
	for _, c := range req.Capabilities {
		if c != harness.CapabilityNet && c != harness.CapabilityTimers {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, c)
		}
	}
	return nil
}

func (m *Manager) register(ctx context.Context, execID string, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrManagerClosed
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	m.live[execID] = cancel
	return execCtx, cancel, nil
}

func (m *Manager) unregister(execID string) {
	m.mu.Lock()
	delete(m.live, execID)
	m.mu.Unlock()
}

// LiveContexts reports the number of executions currently registered.
func (m *Manager) LiveContexts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// TerminateAll force-cancels every live execution context and reports how
// many were cancelled. Intended for process shutdown; individual executions
// may only be terminated by their owning call.
func (m *Manager) TerminateAll() int {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.live))
	for _, cancel := range m.live {
		cancels = append(cancels, cancel)
	}
	count := len(cancels)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if count > 0 {
		log.Warn().Int("count", count).Msg("force-terminated live executions")
	}
	return count
}

// Close marks the manager closed and tears down remaining contexts and the
// isolation backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.TerminateAll()
	if m.isolator != nil {
		return m.isolator.Close()
	}
	return nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n")
}
