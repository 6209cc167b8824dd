package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024
)

// ProcessIsolator runs harness source in a node subprocess. It is the
// default backend: weaker than a container boundary but available anywhere
// node is installed. V8 code generation from strings is disabled and the
// heap is capped; the harness handles capability shadowing.
type ProcessIsolator struct {
	nodePath string
}

func NewProcessIsolator(nodePath string) (*ProcessIsolator, error) {
	if nodePath == "" {
		nodePath = "node"
	}
	resolved, err := exec.LookPath(nodePath)
	if err != nil {
		return nil, fmt.Errorf("node not found in PATH: %w", err)
	}
	log.Info().Str("node", resolved).Msg("using process isolator")
	return &ProcessIsolator{nodePath: resolved}, nil
}

func (p *ProcessIsolator) Name() string { return "process" }

func (p *ProcessIsolator) Run(ctx context.Context, spec RunSpec) (*RawResult, error) {
	workDir, err := os.MkdirTemp("", "sandbox-"+spec.ExecID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	harnessPath := filepath.Join(workDir, "harness.js")
	if err := os.WriteFile(harnessPath, []byte(spec.Source), 0600); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	memoryMB := spec.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = 256
	}

	cmd := exec.CommandContext(runCtx, p.nodePath,
		"--disallow-code-generation-from-strings",
		fmt.Sprintf("--max-old-space-size=%d", memoryMB),
		harnessPath,
	) // #nosec G204 -- binary resolved at construction, harness path built internally

	// A bare environment: the subprocess inherits nothing from the host.
	cmd.Env = []string{"NODE_ENV=sandbox", "LANG=C.UTF-8"}
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// SIGKILL rather than the default SIGTERM-and-wait; untrusted code is
	// not given a chance to handle signals.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &RawResult{
		Stdout:  truncate(stdout.String(), maxStdoutBytes),
		Stderr:  truncate(stderr.String(), maxStderrBytes),
		Elapsed: elapsed,
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("start node: %w", runErr)
	}

	return result, nil
}

func (p *ProcessIsolator) Close() error { return nil }
