package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mender/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	script := writeScript(t, `read line
echo "got:$line"
echo "oops" >&2
exit 3
`)

	out, err := Run(context.Background(), Command{
		Path:    script,
		Stdin:   strings.NewReader("hello\n"),
		Timeout: 5 * time.Second,
	}, log.Get())
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "got:hello\n", string(out.Stdout))
	assert.Equal(t, "oops\n", out.Stderr)
	assert.False(t, out.TimedOut)
	assert.Greater(t, out.Usage.Wall, time.Duration(0))
}

func TestRunRunsInDirWithEnv(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, `pwd
echo "$MENDER_TEST"
`)

	out, err := Run(context.Background(), Command{
		Path:    script,
		Dir:     dir,
		Env:     []string{"MENDER_TEST=value", "PATH=/usr/bin:/bin"},
		Timeout: 5 * time.Second,
	}, log.Get())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out.Stdout)), "\n")
	require.Len(t, lines, 2)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, []string{dir, resolved}, lines[0])
	assert.Equal(t, "value", lines[1])
}

func TestRunTimeoutTerminatesProcess(t *testing.T) {
	script := writeScript(t, "sleep 30\n")

	start := time.Now()
	out, err := Run(context.Background(), Command{
		Path:    script,
		Timeout: 200 * time.Millisecond,
		Grace:   200 * time.Millisecond,
	}, log.Get())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunTimeoutEscalatesToSIGKILL(t *testing.T) {
	script := writeScript(t, `trap '' TERM
while true; do sleep 1; done
`)

	start := time.Now()
	out, err := Run(context.Background(), Command{
		Path:    script,
		Timeout: 200 * time.Millisecond,
		Grace:   300 * time.Millisecond,
	}, log.Get())
	require.Error(t, err)
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunContextCancel(t *testing.T) {
	script := writeScript(t, "sleep 30\n")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	out, err := Run(ctx, Command{Path: script, Timeout: time.Minute, Grace: 200 * time.Millisecond}, log.Get())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, out.TimedOut)
}

func TestRunStartFailure(t *testing.T) {
	_, err := Run(context.Background(), Command{
		Path:    filepath.Join(t.TempDir(), "does-not-exist"),
		Timeout: time.Second,
	}, log.Get())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStart))

	_, err = Run(context.Background(), Command{Path: "/bin/true"}, log.Get())
	assert.True(t, errors.Is(err, ErrStart), "zero timeout must be rejected")
}

func TestRunCapsStdout(t *testing.T) {
	script := writeScript(t, "head -c 10000 /dev/zero\n")

	out, err := Run(context.Background(), Command{
		Path:      script,
		Timeout:   5 * time.Second,
		MaxStdout: 100,
	}, log.Get())
	require.NoError(t, err)
	assert.Len(t, out.Stdout, 100)
	assert.True(t, out.StdoutTruncated)
	assert.Equal(t, 0, out.ExitCode)
}
