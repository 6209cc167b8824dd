package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

const defaultNodeImage = "docker.io/library/node:20-slim"

// ContainerIsolator runs each harness inside a fresh containerd task. This
// is the hardened backend: the node process sits behind kernel namespaces,
// dropped capabilities, and cgroup resource limits in addition to the
// harness-level shadowing.
type ContainerIsolator struct {
	client    *containerd.Client
	namespace string
	image     string
}

func NewContainerIsolator(ctx context.Context, opts Options) (*ContainerIsolator, error) {
	socket := opts.ContainerdSocket
	if socket == "" {
		socket = "/run/containerd/containerd.sock"
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "agent-refinery"
	}
	image := opts.Image
	if image == "" {
		image = defaultNodeImage
	}

	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("using container isolator")

	return &ContainerIsolator{
		client:    client,
		namespace: namespace,
		image:     image,
	}, nil
}

func (c *ContainerIsolator) Name() string { return "container" }

func (c *ContainerIsolator) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *ContainerIsolator) Run(ctx context.Context, spec RunSpec) (*RawResult, error) {
	logger := log.With().Str("exec_id", spec.ExecID).Logger()

	workDir, err := os.MkdirTemp("", "sandbox-"+spec.ExecID+"-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	harnessPath := filepath.Join(workDir, "harness.js")
	if err := os.WriteFile(harnessPath, []byte(spec.Source), 0600); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}
	// Container runs as nobody (UID 65534); the file must be world-readable.
	if err := os.Chmod(harnessPath, 0444); err != nil { // #nosec G302
		return nil, fmt.Errorf("chmod harness: %w", err)
	}

	nsCtx := c.withNamespace(ctx)

	image, err := c.pullImage(nsCtx)
	if err != nil {
		return nil, err
	}

	runCtx := nsCtx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(nsCtx, spec.Timeout)
		defer cancel()
	}

	memoryMB := spec.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = 256
	}

	containerID := "sandbox-" + spec.ExecID
	container, err := c.client.NewContainer(nsCtx, containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(
				"node",
				"--disallow-code-generation-from-strings",
				fmt.Sprintf("--max-old-space-size=%d", memoryMB),
				"/workspace/harness.js",
			),
			oci.WithHostname("sandbox"),
			hardenSpec(workDir, memoryMB),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer func() {
		if cleanErr := c.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(runCtx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(runCtx)
	if err != nil {
		return nil, fmt.Errorf("task wait: %w", err)
	}
	if err := task.Start(runCtx); err != nil {
		return nil, fmt.Errorf("task start: %w", err)
	}

	start := time.Now()

	select {
	case status := <-exitCh:
		return &RawResult{
			Stdout:   truncate(stdout.String(), maxStdoutBytes),
			Stderr:   truncate(stderr.String(), maxStderrBytes),
			ExitCode: int(status.ExitCode()),
			Elapsed:  time.Since(start),
		}, nil

	case <-runCtx.Done():
		logger.Warn().Msg("execution timed out, killing task")
		if err := task.Kill(context.Background(), 9); err != nil && !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh

		return &RawResult{
			Stdout:   truncate(stdout.String(), maxStdoutBytes),
			Stderr:   truncate(stderr.String(), maxStderrBytes),
			ExitCode: -1,
			TimedOut: true,
			Elapsed:  time.Since(start),
		}, nil
	}
}

func (c *ContainerIsolator) pullImage(ctx context.Context) (containerd.Image, error) {
	if image, err := c.client.GetImage(ctx, c.image); err == nil {
		return image, nil
	}

	log.Info().Str("ref", c.image).Msg("pulling isolator image")
	image, err := c.client.Pull(ctx, c.image, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", c.image, err)
	}
	return image, nil
}

func (c *ContainerIsolator) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	cleanupCtx, cancel := context.WithTimeout(c.withNamespace(ctx), 30*time.Second)
	defer cancel()

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(cleanupCtx, 9)
		}
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", container.ID()).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", container.ID(), err)
	}
	return nil
}

// TerminateOrphans removes sandbox containers left over from previous runs.
func (c *ContainerIsolator) TerminateOrphans(ctx context.Context) (int, error) {
	nsCtx := c.withNamespace(ctx)

	containers, err := c.client.Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, container := range containers {
		if err := c.cleanupContainer(ctx, container); err != nil {
			log.Error().Err(err).Str("container_id", container.ID()).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (c *ContainerIsolator) Close() error {
	return c.client.Close()
}

// hardenSpec confines the node process: no capabilities, fresh namespaces,
// read-only rootfs, masked kernel surfaces, and cgroup ceilings derived from
// the per-request memory budget.
func hardenSpec(workDir string, memoryMB int64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if s.Process == nil {
			s.Process = &specs.Process{}
		}
		if s.Process.Capabilities == nil {
			s.Process.Capabilities = &specs.LinuxCapabilities{}
		}

		memoryBytes := memoryMB * 1024 * 1024
		// Small headroom over the V8 heap cap so node can fail gracefully
		// before the OOM killer fires.
		cgroupLimit := memoryBytes + 64*1024*1024
		s.Linux.Resources.Memory = &specs.LinuxMemory{
			Limit: &cgroupLimit,
			Swap:  &cgroupLimit,
		}

		pids := int64(50)
		s.Linux.Resources.Pids = &specs.LinuxPids{Limit: pids}

		period := uint64(100000)
		quota := int64(50000) // half a core
		s.Linux.Resources.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}

		none := []string{}
		s.Process.Capabilities.Bounding = none
		s.Process.Capabilities.Effective = none
		s.Process.Capabilities.Inheritable = none
		s.Process.Capabilities.Permitted = none
		s.Process.Capabilities.Ambient = none
		s.Process.NoNewPrivileges = true
		s.Process.User = specs.User{UID: 65534, GID: 65534}
		s.Process.Env = []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=/tmp",
			"LANG=C.UTF-8",
			"NODE_ENV=sandbox",
		}

		s.Linux.Namespaces = []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		}
		s.Linux.MaskedPaths = []string{
			"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
			"/proc/timer_list", "/proc/timer_stats", "/proc/sched_debug",
			"/proc/scsi", "/sys/firmware",
		}
		s.Linux.ReadonlyPaths = []string{
			"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq",
			"/proc/sys", "/proc/sysrq-trigger",
		}

		if s.Root != nil {
			s.Root.Readonly = true
		}

		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: "/workspace",
			Type:        "bind",
			Source:      workDir,
			Options:     []string{"rbind", "ro"},
		})
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "nodev", "size=67108864", "mode=1777"},
		})

		s.Process.Rlimits = []specs.POSIXRlimit{
			{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
			{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		}

		return nil
	}
}
