package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/mender/internal/dispatch"
)

// Invocation is one check command to run inside a provisioned scratch dir.
type Invocation struct {
	ID      string
	HostDir string
	File    string // relative, slash-separated
	Argv    []string
	Image   string
	Env     map[string]string
	Timeout time.Duration
}

// Backend executes check commands in isolation. Implementations must return
// an error wrapping dispatch.ErrStart when the command could not be started
// and dispatch.ErrTimeout when it outlived Invocation.Timeout.
type Backend interface {
	Name() string
	Exec(ctx context.Context, inv Invocation) (dispatch.Outcome, error)
}

// passthroughEnv lists host variables a check may see. Everything else is
// scrubbed.
var passthroughEnv = []string{
	"PATH", "HOME", "TMPDIR", "LANG", "LC_ALL", "USER",
	"GOPATH", "GOCACHE", "GOMODCACHE", "GOFLAGS", "GOPROXY", "GOTOOLCHAIN",
	"PYTHONPATH", "VIRTUAL_ENV",
	"NODE_PATH", "npm_config_cache",
}

// ProcessBackend runs checks as host processes in their own process group
// with a scrubbed environment.
type ProcessBackend struct {
	logger *slog.Logger
	env    []string
}

// NewProcessBackend creates a host-process backend.
func NewProcessBackend(logger *slog.Logger) *ProcessBackend {
	env := make([]string, 0, len(passthroughEnv))
	for _, k := range passthroughEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return &ProcessBackend{logger: logger, env: env}
}

func (b *ProcessBackend) Name() string { return "process" }

func (b *ProcessBackend) Exec(ctx context.Context, inv Invocation) (dispatch.Outcome, error) {
	argv := expandArgs(inv.Argv, inv.File, inv.HostDir)
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("%w: %v", dispatch.ErrStart, err)
	}
	return dispatch.Run(ctx, dispatch.Command{
		Path:    path,
		Args:    argv[1:],
		Dir:     inv.HostDir,
		Env:     mergeEnv(b.env, inv.Env),
		Timeout: inv.Timeout,
		Grace:   2 * time.Second,
	}, b.logger)
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra)+1)
	out = append(out, base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return append(out, "MENDER_SANDBOX=1")
}

// ContainerBackend runs each check in a throwaway container with networking
// disabled and resource limits applied. The scratch dir is bind-mounted at
// /workspace.
type ContainerBackend struct {
	Runtime   string // docker or podman
	MemoryMB  int
	CPUs      float64
	PidsLimit int
	logger    *slog.Logger
}

const containerWorkdir = "/workspace"

// NewContainerBackend creates a container backend using runtime.
func NewContainerBackend(runtime string, memoryMB int, cpus float64, logger *slog.Logger) *ContainerBackend {
	if strings.TrimSpace(runtime) == "" {
		runtime = "docker"
	}
	return &ContainerBackend{
		Runtime:   runtime,
		MemoryMB:  memoryMB,
		CPUs:      cpus,
		PidsLimit: 256,
		logger:    logger,
	}
}

func (b *ContainerBackend) Name() string { return "container" }

// Args builds the runtime argv for inv.
func (b *ContainerBackend) Args(inv Invocation) []string {
	args := []string{
		"run", "--rm",
		"--name", containerName(inv.ID),
		"--network", "none",
		"--pids-limit", fmt.Sprint(b.PidsLimit),
		"-v", inv.HostDir + ":" + containerWorkdir,
		"-w", containerWorkdir,
		"-e", "MENDER_SANDBOX=1",
	}
	if b.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", b.MemoryMB))
	}
	if b.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", b.CPUs))
	}
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+inv.Env[k])
	}
	args = append(args, inv.Image)
	return append(args, expandArgs(inv.Argv, inv.File, containerWorkdir)...)
}

func (b *ContainerBackend) Exec(ctx context.Context, inv Invocation) (dispatch.Outcome, error) {
	if inv.Image == "" {
		return dispatch.Outcome{}, fmt.Errorf("%w: no container image for this toolchain", dispatch.ErrStart)
	}
	path, err := exec.LookPath(b.Runtime)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("%w: %v", dispatch.ErrStart, err)
	}

	out, err := dispatch.Run(ctx, dispatch.Command{
		Path:    path,
		Args:    b.Args(inv),
		Timeout: inv.Timeout,
		Grace:   2 * time.Second,
	}, b.logger)
	if out.TimedOut || ctx.Err() != nil {
		b.remove(inv.ID)
	}
	// The runtime exits 125 when it could not create the container at all.
	if err == nil && out.ExitCode == 125 {
		return out, fmt.Errorf("%w: %s: %s", dispatch.ErrStart, b.Runtime, strings.TrimSpace(out.Stderr))
	}
	return out, err
}

// remove force-removes a container whose client was killed.
func (b *ContainerBackend) remove(id string) {
	path, err := exec.LookPath(b.Runtime)
	if err != nil {
		return
	}
	_, err = dispatch.Run(context.Background(), dispatch.Command{
		Path:    path,
		Args:    []string{"rm", "-f", containerName(id)},
		Timeout: 15 * time.Second,
	}, b.logger)
	if err != nil {
		b.logger.Warn("failed to remove sandbox container", "container", containerName(id), "error", err)
	}
}

func containerName(id string) string {
	return "mender-" + id
}
