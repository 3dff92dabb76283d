package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/mender/internal/config"
	"github.com/mattjoyce/mender/internal/events"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/remediation"
	"github.com/mattjoyce/mender/internal/scheduler/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestLogBuffer is a bytes.Buffer that can be shared with a logger.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestCalculateJitteredInterval(t *testing.T) {
	tests := []struct {
		name         string
		baseInterval time.Duration
		jitter       time.Duration
	}{
		{name: "No Jitter", baseInterval: 1 * time.Minute, jitter: 0},
		{name: "Positive Jitter", baseInterval: 5 * time.Minute, jitter: 30 * time.Second},
		{name: "Large Jitter", baseInterval: 1 * time.Hour, jitter: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for range 100 {
				jittered := calculateJitteredInterval(tt.baseInterval, tt.jitter)
				if tt.jitter == 0 {
					assert.Equal(t, tt.baseInterval, jittered)
				} else {
					assert.GreaterOrEqual(t, jittered, tt.baseInterval)
					assert.Less(t, jittered, tt.baseInterval+tt.jitter)
				}
			}
		})
	}
}

func TestFilterFor(t *testing.T) {
	assert.Nil(t, filterFor(config.ScheduledWorkspace{Path: "/w"}))
	assert.Equal(t,
		&issue.Filter{Categories: []string{"security"}, MinSeverity: issue.SeverityHigh},
		filterFor(config.ScheduledWorkspace{Categories: []string{"security"}, MinSeverity: "high"}))
}

func TestTrigger(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	slogger, logBuf := NewTestSlogger()
	hub := events.NewHub(32)
	s := New(config.SchedulerConfig{}, runner, hub, slogger)
	ctx := context.Background()
	ws := config.ScheduledWorkspace{Path: "/srv/app", Categories: []string{"bug"}}

	t.Run("started", func(t *testing.T) {
		runner.EXPECT().StartAutomatedFix(ctx, "/srv/app", &issue.Filter{Categories: []string{"bug"}}).
			Return(remediation.Session{ID: "s1"}, nil)
		s.trigger(ctx, ws, "interval")
		evs := hub.SnapshotSince(0)
		require.NotEmpty(t, evs)
		last := evs[len(evs)-1]
		assert.Equal(t, TypeTriggered, last.Type)
		assert.Equal(t, "s1", last.SessionID)
	})

	t.Run("busy is skipped", func(t *testing.T) {
		for _, busy := range []error{remediation.ErrAlreadyActive, remediation.ErrWorkspaceBusy} {
			runner.EXPECT().StartAutomatedFix(ctx, "/srv/app", gomock.Any()).Return(remediation.Session{}, busy)
			s.trigger(ctx, ws, "watch")
			evs := hub.SnapshotSince(0)
			assert.Equal(t, TypeSkipped, evs[len(evs)-1].Type)
		}
		assert.Contains(t, logBuf.String(), "Skipped scheduled remediation")
	})

	t.Run("other errors are logged", func(t *testing.T) {
		before := len(hub.SnapshotSince(0))
		runner.EXPECT().StartAutomatedFix(ctx, "/srv/app", gomock.Any()).Return(remediation.Session{}, errors.New("disk gone"))
		s.trigger(ctx, ws, "interval")
		assert.Len(t, hub.SnapshotSince(0), before)
		assert.Contains(t, logBuf.String(), "Failed to start scheduled remediation")
	})
}

func TestTickLoopTriggersRepeatedly(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	slogger, _ := NewTestSlogger()

	fired := make(chan struct{}, 16)
	runner.EXPECT().StartAutomatedFix(gomock.Any(), "/w", gomock.Nil()).DoAndReturn(
		func(context.Context, string, *issue.Filter) (remediation.Session, error) {
			fired <- struct{}{}
			return remediation.Session{ID: "s"}, nil
		}).MinTimes(2)

	s := New(config.SchedulerConfig{Workspaces: []config.ScheduledWorkspace{{Path: "/w", Every: 20 * time.Millisecond}}},
		runner, nil, slogger)
	require.NoError(t, s.Start(context.Background()))
	for range 2 {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("interval trigger did not fire")
		}
	}
	s.Stop()
	s.Stop()
}

func TestWatchDebouncesChanges(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	slogger, _ := NewTestSlogger()
	root := t.TempDir()

	var mu sync.Mutex
	phase := remediation.PhaseIdle
	runner.EXPECT().Status().DoAndReturn(func() remediation.Session {
		mu.Lock()
		defer mu.Unlock()
		return remediation.Session{Phase: phase}
	}).AnyTimes()

	fired := make(chan struct{}, 16)
	runner.EXPECT().StartAutomatedFix(gomock.Any(), root, gomock.Any()).DoAndReturn(
		func(context.Context, string, *issue.Filter) (remediation.Session, error) {
			fired <- struct{}{}
			return remediation.Session{ID: "s"}, nil
		}).AnyTimes()

	s := New(config.SchedulerConfig{Workspaces: []config.ScheduledWorkspace{{Path: root, Watch: true, Debounce: 100 * time.Millisecond}}},
		runner, nil, slogger)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	expectFires := func(n int) {
		t.Helper()
		for range n {
			select {
			case <-fired:
			case <-time.After(3 * time.Second):
				t.Fatal("watch trigger did not fire")
			}
		}
		select {
		case <-fired:
			t.Fatal("unexpected extra trigger")
		case <-time.After(400 * time.Millisecond):
		}
	}

	// A burst of writes is one run.
	for i := range 5 {
		require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte{byte('a' + i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	expectFires(1)

	// Lock sentinel and ignored directories are invisible.
	require.NoError(t, os.WriteFile(filepath.Join(root, ".mender.lock"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	expectFires(0)

	// Directories created after start are watched too.
	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	expectFires(1)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "x.go"), []byte("package pkg"), 0o644))
	expectFires(1)

	// Writes during an active session are the engine's own.
	mu.Lock()
	phase = remediation.PhaseTesting
	mu.Unlock()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("fixed"), 0o644))
	expectFires(0)
}

func TestRelevant(t *testing.T) {
	root := "/srv/app"
	tests := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"write", fsnotify.Event{Name: "/srv/app/main.go", Op: fsnotify.Write}, true},
		{"chmod only", fsnotify.Event{Name: "/srv/app/main.go", Op: fsnotify.Chmod}, false},
		{"lock sentinel", fsnotify.Event{Name: "/srv/app/.mender.lock", Op: fsnotify.Create}, false},
		{"reclaim guard", fsnotify.Event{Name: "/srv/app/.mender.lock.reclaim", Op: fsnotify.Remove}, false},
		{"nested lookalike", fsnotify.Event{Name: "/srv/app/docs/.mender.lock", Op: fsnotify.Write}, true},
		{"atomic write temp", fsnotify.Event{Name: "/srv/app/pkg/.mender-tmp-123", Op: fsnotify.Create}, false},
		{"vcs", fsnotify.Event{Name: "/srv/app/.git/index", Op: fsnotify.Write}, false},
		{"nested vendor", fsnotify.Event{Name: "/srv/app/web/node_modules/x.js", Op: fsnotify.Write}, false},
		{"outside", fsnotify.Event{Name: "/srv/other/main.go", Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevant(root, tt.ev))
		})
	}
}

func TestStartFailsForMissingWatchRoot(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	s := New(config.SchedulerConfig{Workspaces: []config.ScheduledWorkspace{
		{Path: "/w", Every: time.Hour},
		{Path: filepath.Join(t.TempDir(), "missing"), Watch: true},
	}}, runner, nil, slog.New(slog.DiscardHandler))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
}
