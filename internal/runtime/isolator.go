// Package runtime provides the isolation primitives that sandbox executions
// run inside. The Isolator interface keeps the concrete boundary (subprocess
// or container) swappable without touching validation or feedback logic.
package runtime

import (
	"context"
	"fmt"
	"time"
)

// RunSpec is one prepared harness execution handed to an isolator.
type RunSpec struct {
	ExecID        string
	Source        string // complete harness source, ready to run
	Timeout       time.Duration
	MemoryLimitMB int64
}

// RawResult is the unparsed outcome of an isolator run. Envelope extraction
// happens in the sandbox manager, not here.
type RawResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Elapsed  time.Duration
}

// Isolator executes harness source inside an isolation boundary. A timeout
// or crash of the hosted code must never surface as an error; errors are
// reserved for host-level failures (isolator unreachable, workspace setup).
type Isolator interface {
	Name() string
	Run(ctx context.Context, spec RunSpec) (*RawResult, error)
	Close() error
}

// Options selects and configures the isolation backend.
type Options struct {
	Backend          string // "process", "container", or "auto"
	NodePath         string // path to the node binary (process backend)
	ContainerdSocket string
	Namespace        string
	Image            string // node image reference (container backend)
}

// New picks an isolation backend. "auto" prefers containerd when its socket
// is reachable and falls back to a local node subprocess.
func New(ctx context.Context, opts Options) (Isolator, error) {
	backend := opts.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "process":
		return NewProcessIsolator(opts.NodePath)
	case "container":
		return NewContainerIsolator(ctx, opts)
	case "auto":
		if iso, err := NewContainerIsolator(ctx, opts); err == nil {
			return iso, nil
		}
		return NewProcessIsolator(opts.NodePath)
	default:
		return nil, fmt.Errorf("unknown isolator backend %q: must be auto, process, or container", backend)
	}
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
