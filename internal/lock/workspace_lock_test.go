package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/storage"
)

const ws = "/work/project"

func newTestManager(t *testing.T, fs afero.Fs, pid int, prober Prober) *Manager {
	t.Helper()
	return NewManager(fs,
		WithIdentity("host-a", pid),
		WithProber(prober),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
		WithLogger(log.Discard()),
	)
}

func memFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(ws, 0o755))
	return fs
}

func alwaysAlive() Prober {
	return ProberFunc(func(int) (bool, error) { return true, nil })
}

func alwaysDead() Prober {
	return ProberFunc(func(int) (bool, error) { return false, nil })
}

func TestAcquireWritesRecordAndReleaseRemovesIt(t *testing.T) {
	fs := memFs(t)
	m := newTestManager(t, fs, 100, alwaysAlive())

	h, err := m.Acquire(context.Background(), ws, "sess-1")
	require.NoError(t, err)

	rec, err := m.Inspect(ws)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, Record{
		Workspace:  ws,
		PID:        100,
		Hostname:   "host-a",
		SessionID:  "sess-1",
		AcquiredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, *rec)

	require.NoError(t, m.Verify(h))
	require.NoError(t, m.Release(h))

	locked, err := m.IsLocked(ws)
	require.NoError(t, err)
	assert.False(t, locked)

	// Second release is a no-op, as is releasing nil.
	assert.NoError(t, m.Release(h))
	assert.NoError(t, m.Release(nil))
}

func TestAcquireIsExclusive(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, afero.NewOsFs(), 100, alwaysAlive())

	const contenders = 16
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		busy    atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Acquire(context.Background(), dir, fmt.Sprintf("sess-%d", i))
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrAlreadyLocked):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(contenders-1), busy.Load())
}

func TestAcquireReclaimsDeadOwnerOnSameHost(t *testing.T) {
	fs := memFs(t)
	old := newTestManager(t, fs, 200, alwaysAlive())
	_, err := old.Acquire(context.Background(), ws, "crashed")
	require.NoError(t, err)

	m := newTestManager(t, fs, 100, alwaysDead())
	h, err := m.Acquire(context.Background(), ws, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", h.SessionID)

	rec, err := m.Inspect(ws)
	require.NoError(t, err)
	assert.Equal(t, "fresh", rec.SessionID)
}

func TestAcquireNeverReclaimsOptimistically(t *testing.T) {
	tests := []struct {
		name   string
		seed   func(t *testing.T, fs afero.Fs)
		prober Prober
	}{
		{
			name: "owner alive",
			seed: func(t *testing.T, fs afero.Fs) {
				writeRecord(t, fs, Record{PID: 200, Hostname: "host-a", SessionID: "other"})
			},
			prober: alwaysAlive(),
		},
		{
			name: "liveness unknown",
			seed: func(t *testing.T, fs afero.Fs) {
				writeRecord(t, fs, Record{PID: 200, Hostname: "host-a", SessionID: "other"})
			},
			prober: ProberFunc(func(int) (bool, error) { return false, errors.New("probe failed") }),
		},
		{
			name: "foreign host",
			seed: func(t *testing.T, fs afero.Fs) {
				writeRecord(t, fs, Record{PID: 200, Hostname: "host-b", SessionID: "other"})
			},
			prober: alwaysDead(),
		},
		{
			name: "unparsable sentinel",
			seed: func(t *testing.T, fs afero.Fs) {
				require.NoError(t, afero.WriteFile(fs, SentinelPath(ws), []byte("not json"), 0o644))
			},
			prober: alwaysDead(),
		},
		{
			name: "missing pid",
			seed: func(t *testing.T, fs afero.Fs) {
				writeRecord(t, fs, Record{Hostname: "host-a", SessionID: "other"})
			},
			prober: alwaysDead(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := memFs(t)
			tt.seed(t, fs)
			m := newTestManager(t, fs, 100, tt.prober)

			_, err := m.Acquire(context.Background(), ws, "mine")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyLocked), "got %v", err)

			_, err = m.ReclaimStale(context.Background(), ws)
			assert.True(t, errors.Is(err, ErrNotStale), "got %v", err)

			locked, err := m.IsLocked(ws)
			require.NoError(t, err)
			assert.True(t, locked)
		})
	}
}

func TestReleaseLeavesForeignSentinel(t *testing.T) {
	fs := memFs(t)
	m := newTestManager(t, fs, 100, alwaysAlive())
	h, err := m.Acquire(context.Background(), ws, "mine")
	require.NoError(t, err)

	// Someone forcibly replaced the sentinel.
	require.NoError(t, fs.Remove(SentinelPath(ws)))
	writeRecord(t, fs, Record{PID: 300, Hostname: "host-a", SessionID: "intruder"})

	assert.True(t, errors.Is(m.Verify(h), ErrLockLost))
	assert.True(t, errors.Is(m.Release(h), ErrLockLost))

	rec, err := m.Inspect(ws)
	require.NoError(t, err)
	assert.Equal(t, "intruder", rec.SessionID)
}

func TestVerifyDetectsMissingSentinel(t *testing.T) {
	fs := memFs(t)
	m := newTestManager(t, fs, 100, alwaysAlive())
	h, err := m.Acquire(context.Background(), ws, "mine")
	require.NoError(t, err)

	require.NoError(t, fs.Remove(SentinelPath(ws)))
	assert.True(t, errors.Is(m.Verify(h), ErrLockLost))
}

func TestReclaimStale(t *testing.T) {
	fs := memFs(t)
	m := newTestManager(t, fs, 100, alwaysDead())

	rec, err := m.ReclaimStale(context.Background(), ws)
	require.NoError(t, err)
	assert.Nil(t, rec)

	writeRecord(t, fs, Record{PID: 200, Hostname: "host-a", SessionID: "crashed"})
	rec, err = m.ReclaimStale(context.Background(), ws)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "crashed", rec.SessionID)

	locked, err := m.IsLocked(ws)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestConcurrentStaleReclaimHasOneWinner(t *testing.T) {
	fs := memFs(t)
	writeRecord(t, fs, Record{PID: 999, Hostname: "host-a", SessionID: "dead"})

	checking := make(chan struct{})
	resume := make(chan struct{})
	slow := newTestManager(t, fs, 200, ProberFunc(func(int) (bool, error) {
		close(checking)
		<-resume
		return false, nil
	}))
	fast := newTestManager(t, fs, 100, alwaysDead())

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := slow.Acquire(context.Background(), ws, "slow")
		done <- result{h, err}
	}()

	// The slow acquirer has judged the dead record stale; the fast one
	// reclaims it first.
	<-checking
	h, err := fast.Acquire(context.Background(), ws, "fast")
	require.NoError(t, err)
	close(resume)

	res := <-done
	assert.Nil(t, res.h)
	assert.ErrorIs(t, res.err, ErrAlreadyLocked)

	rec, err := fast.Inspect(ws)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "fast", rec.SessionID)
	require.NoError(t, fast.Verify(h))

	guard, err := afero.Exists(fs, SentinelPath(ws)+reclaimSuffix)
	require.NoError(t, err)
	assert.False(t, guard, "guard is removed after each reclaim")
}

func TestReclaimRefusedWhileGuardHeld(t *testing.T) {
	fs := memFs(t)
	writeRecord(t, fs, Record{PID: 999, Hostname: "host-a", SessionID: "dead"})
	require.NoError(t, afero.WriteFile(fs, SentinelPath(ws)+reclaimSuffix, []byte("{}"), 0o644))
	m := newTestManager(t, fs, 100, alwaysDead())

	_, err := m.Acquire(context.Background(), ws, "s")
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.ErrorContains(t, err, "reclaim is in progress")

	_, err = m.ReclaimStale(context.Background(), ws)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	rec, err := m.Inspect(ws)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "dead", rec.SessionID, "the stale record is untouched")
}

func TestAcquireRefusesNetworkWorkspace(t *testing.T) {
	fs := memFs(t)
	var checked []string
	m := NewManager(fs,
		WithIdentity("host-a", 100),
		WithLogger(log.Discard()),
		WithFilesystemCheck(func(path string) error {
			checked = append(checked, path)
			return storage.CheckLocalWith(t.TempDir(), "workspace", func(string) (string, error) { return "nfs", nil })
		}),
	)

	h, err := m.Acquire(context.Background(), ws, "s1")
	assert.Nil(t, h)
	require.ErrorIs(t, err, storage.ErrNetworkFilesystem)
	assert.ErrorContains(t, err, "cannot lock workspace "+ws)
	assert.Equal(t, []string{ws}, checked)

	exists, err := afero.Exists(fs, SentinelPath(ws))
	require.NoError(t, err)
	assert.False(t, exists, "no sentinel is written for a refused workspace")
}

func TestAcquirePassesLocalWorkspaceCheck(t *testing.T) {
	m := NewManager(memFs(t),
		WithIdentity("host-a", 100),
		WithLogger(log.Discard()),
		WithFilesystemCheck(func(string) error { return nil }),
	)
	h, err := m.Acquire(context.Background(), ws, "s1")
	require.NoError(t, err)
	require.NoError(t, m.Release(h))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := newTestManager(t, memFs(t), 100, alwaysAlive())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Acquire(ctx, ws, "s")
	assert.ErrorIs(t, err, context.Canceled)
}

func writeRecord(t *testing.T, fs afero.Fs, rec Record) {
	t.Helper()
	rec.Workspace = ws
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, SentinelPath(ws), data, 0o644))
}
