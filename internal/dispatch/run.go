package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a command.
	maxStderrBytes = 64 * 1024

	// defaultMaxStdout caps captured stdout unless Command.MaxStdout says otherwise.
	defaultMaxStdout = 4 << 20

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	// ErrTimeout is returned when a command outlives its timeout.
	ErrTimeout = errors.New("command timed out")
	// ErrStart is returned when the command could not be started at all.
	ErrStart = errors.New("command failed to start")
)

// Command describes one subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env replaces the environment when non-nil.
	Env   []string
	Stdin io.Reader

	Timeout   time.Duration
	Grace     time.Duration
	MaxStdout int
}

// Usage is the resource consumption of a finished command.
type Usage struct {
	UserCPU   time.Duration `json:"user_cpu"`
	SystemCPU time.Duration `json:"system_cpu"`
	MaxRSS    int64         `json:"max_rss_bytes"`
	Wall      time.Duration `json:"wall"`
}

// Outcome is what a finished (or killed) command produced.
type Outcome struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	TimedOut bool
	Usage    Usage
	// StdoutTruncated is set when stdout exceeded Command.MaxStdout.
	StdoutTruncated bool
}

// Run executes cmd and waits for it. The returned error is non-nil only when
// the command could not start, timed out, or ctx ended; a non-zero exit is
// reported in Outcome.ExitCode.
func Run(ctx context.Context, cmd Command, logger *slog.Logger) (Outcome, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cmd.Timeout <= 0 {
		return Outcome{}, fmt.Errorf("%w: timeout must be positive", ErrStart)
	}
	grace := cmd.Grace
	if grace <= 0 {
		grace = terminationGracePeriod
	}
	maxStdout := cmd.MaxStdout
	if maxStdout <= 0 {
		maxStdout = defaultMaxStdout
	}

	// Don't use CommandContext; termination is managed here so the whole
	// process group gets SIGTERM before SIGKILL.
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = cmd.Env
	}
	c.Stdin = cmd.Stdin
	c.WaitDelay = grace
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &cappedBuffer{max: maxStdout}
	stderr := &cappedBuffer{max: maxStderrBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	timeoutTimer := time.NewTimer(cmd.Timeout)
	defer timeoutTimer.Stop()

	logger.Debug("spawning command", "path", cmd.Path, "args", cmd.Args, "dir", cmd.Dir, "timeout", cmd.Timeout)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	started := time.Now()
	if err := c.Start(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %v", ErrStart, cmd.Path, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- c.Wait()
	}()

	var (
		err      error
		timedOut bool
	)
	select {
	case err = <-waitErr:
	case <-timeoutTimer.C:
		timedOut = true
		logger.Warn("command timed out, sending SIGTERM", "path", cmd.Path, "timeout", cmd.Timeout)
		err = terminate(c, waitErr, grace, logger)
	case <-ctx.Done():
		logger.Info("context ended, sending SIGTERM", "path", cmd.Path)
		err = terminate(c, waitErr, grace, logger)
	}

	out := Outcome{
		ExitCode: -1,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,

		StdoutTruncated: stdout.truncated,
	}
	if c.ProcessState != nil {
		out.ExitCode = c.ProcessState.ExitCode()
		out.Usage = usageOf(c.ProcessState)
	}
	out.Usage.Wall = time.Since(started)

	switch {
	case timedOut:
		return out, fmt.Errorf("%w after %s", ErrTimeout, cmd.Timeout)
	case ctx.Err() != nil:
		return out, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, fmt.Errorf("wait for process: %w", err)
		}
		logger.Debug("command exited with non-zero status", "path", cmd.Path, "exit_code", exitErr.ExitCode())
	}
	return out, nil
}

// terminate signals the process group with SIGTERM, waits for the grace
// period and then sends SIGKILL. It always waits for the process to be reaped.
func terminate(c *exec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) error {
	if c.Process == nil {
		return <-waitErr
	}
	pgid := -c.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to send SIGTERM", "pid", c.Process.Pid, "error", err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case err := <-waitErr:
		logger.Debug("command exited after SIGTERM", "pid", c.Process.Pid)
		// Children that ignored SIGTERM must not outlive the leader.
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return err
	case <-graceTimer.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL", "pid", c.Process.Pid)
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Error("failed to send SIGKILL", "pid", c.Process.Pid, "error", err)
		}
		return <-waitErr
	}
}

// cappedBuffer keeps the first max bytes written and discards the rest while
// still reporting full writes, so the child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

func (b *cappedBuffer) String() string { return b.buf.String() }
