// Package lock provides the per-workspace exclusive lock held by a remediation
// session and the single-instance lock held by the daemon.
//
// A workspace lock is a JSON sentinel at the workspace root created with
// O_CREATE|O_EXCL. It outlives the process on a crash; a later acquire only
// reclaims it when the recorded owner is positively known to be dead on this
// host.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/mattjoyce/mender/internal/workspace"
)

var (
	// ErrAlreadyLocked means another live (or unverifiable) owner holds the lock.
	ErrAlreadyLocked = errors.New("workspace is locked")
	// ErrLockLost means the sentinel vanished or changed owner while held.
	ErrLockLost = errors.New("workspace lock lost")
	// ErrNotStale means a reclaim was refused because the owner may be alive.
	ErrNotStale = errors.New("workspace lock is not stale")
)

// reclaimSuffix names the guard file that serializes stale reclaims. A guard
// left behind by a crash mid-reclaim blocks further reclaims until removed by
// hand; its path is in the error.
const reclaimSuffix = ".reclaim"

// Record is the sentinel content.
type Record struct {
	Workspace  string    `json:"workspace"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	SessionID  string    `json:"session_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle is returned by Acquire and passed back to Release and Verify.
type Handle struct {
	Record
	path     string
	released atomic.Bool
}

// Path returns the sentinel location.
func (h *Handle) Path() string { return h.path }

// Manager acquires and releases workspace locks.
type Manager struct {
	fs       afero.Fs
	prober   Prober
	hostname string
	pid      int
	now      func() time.Time
	logger   *slog.Logger
	checkFS  func(ws string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithProber replaces the liveness prober.
func WithProber(p Prober) Option { return func(m *Manager) { m.prober = p } }

// WithIdentity overrides the hostname and pid written into new records.
func WithIdentity(hostname string, pid int) Option {
	return func(m *Manager) {
		m.hostname = hostname
		m.pid = pid
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the logger used for reclaim warnings.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithFilesystemCheck makes Acquire refuse a workspace for which check
// fails, typically one on a mount where exclusive create is not atomic.
func WithFilesystemCheck(check func(ws string) error) Option {
	return func(m *Manager) { m.checkFS = check }
}

// NewManager creates a lock manager on fs.
func NewManager(fs afero.Fs, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		fs:       fs,
		prober:   ProcessProber{},
		hostname: host,
		pid:      os.Getpid(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SentinelPath returns where the lock for ws lives.
func SentinelPath(ws string) string {
	return filepath.Join(ws, workspace.LockFileName)
}

// Acquire takes the lock on the canonical workspace path ws for sessionID.
func (m *Manager) Acquire(ctx context.Context, ws, sessionID string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is empty")
	}
	if m.checkFS != nil {
		if err := m.checkFS(ws); err != nil {
			return nil, fmt.Errorf("cannot lock workspace %s: %w", ws, err)
		}
	}

	h := &Handle{
		Record: Record{
			Workspace:  ws,
			PID:        m.pid,
			Hostname:   m.hostname,
			SessionID:  sessionID,
			AcquiredAt: m.now().UTC(),
		},
		path: SentinelPath(ws),
	}

	err := m.create(h.path, h.Record)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create lock sentinel: %w", err)
	}

	holder, stale, reason := m.staleness(h.path)
	if !stale {
		return nil, holderError(holder, reason)
	}

	m.logger.Warn("reclaiming stale workspace lock",
		"workspace", ws,
		"stale_session_id", holder.SessionID,
		"stale_pid", holder.PID,
		"acquired_at", holder.AcquiredAt,
	)
	if err := m.reclaim(h.path, holder, &h.Record); err != nil {
		return nil, err
	}
	return h, nil
}

// reclaim swaps the stale record observed at path for replacement, or just
// removes it when replacement is nil. Reclaimers serialize on an O_EXCL guard
// and re-read the sentinel under it, so a record that changed hands after it
// was judged stale is never removed.
func (m *Manager) reclaim(path string, observed Record, replacement *Record) error {
	guard := path + reclaimSuffix
	if err := m.create(guard, Record{PID: m.pid, Hostname: m.hostname, AcquiredAt: m.now().UTC()}); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: another reclaim is in progress (%s)", ErrAlreadyLocked, guard)
		}
		return fmt.Errorf("create reclaim guard: %w", err)
	}
	defer func() {
		if err := m.fs.Remove(guard); err != nil && !os.IsNotExist(err) {
			m.logger.Error("failed to remove reclaim guard", "path", guard, "error", err)
		}
	}()

	current, err := m.read(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("%w: unreadable sentinel: %v", ErrAlreadyLocked, err)
	case !sameOwner(current, observed):
		return holderError(current, "lock changed hands during reclaim")
	default:
		if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock sentinel: %w", err)
		}
	}

	if replacement == nil {
		return nil
	}
	if err := m.create(path, *replacement); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: lost reclaim race", ErrAlreadyLocked)
		}
		return fmt.Errorf("create lock sentinel: %w", err)
	}
	return nil
}

func sameOwner(a, b Record) bool {
	return a.SessionID == b.SessionID && a.PID == b.PID &&
		a.Hostname == b.Hostname && a.AcquiredAt.Equal(b.AcquiredAt)
}

// Release removes the sentinel if it still names the handle's session. It is
// safe to call on a nil handle and more than once; only the first call acts.
func (m *Manager) Release(h *Handle) error {
	if h == nil || h.released.Swap(true) {
		return nil
	}

	current, err := m.read(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: sentinel missing at release", ErrLockLost)
		}
		return fmt.Errorf("read lock sentinel: %w", err)
	}
	if current.SessionID != h.SessionID {
		return fmt.Errorf("%w: sentinel now owned by session %s", ErrLockLost, current.SessionID)
	}
	if err := m.fs.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock sentinel: %w", err)
	}
	return nil
}

// Verify checks that the handle still owns its sentinel.
func (m *Manager) Verify(h *Handle) error {
	if h == nil || h.released.Load() {
		return fmt.Errorf("%w: handle released", ErrLockLost)
	}
	current, err := m.read(h.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	if current.SessionID != h.SessionID || current.PID != h.PID {
		return fmt.Errorf("%w: sentinel now owned by session %s", ErrLockLost, current.SessionID)
	}
	return nil
}

// IsLocked reports whether a sentinel exists for ws, stale or not.
func (m *Manager) IsLocked(ws string) (bool, error) {
	exists, err := afero.Exists(m.fs, SentinelPath(ws))
	if err != nil {
		return false, fmt.Errorf("stat lock sentinel: %w", err)
	}
	return exists, nil
}

// Inspect returns the current holder of ws, or nil when unlocked.
func (m *Manager) Inspect(ws string) (*Record, error) {
	rec, err := m.read(SentinelPath(ws))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ReclaimStale removes the sentinel for ws only if its owner is verifiably
// dead. It returns the removed record, or nil when ws was not locked.
func (m *Manager) ReclaimStale(ctx context.Context, ws string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := SentinelPath(ws)
	if exists, err := afero.Exists(m.fs, path); err != nil {
		return nil, fmt.Errorf("stat lock sentinel: %w", err)
	} else if !exists {
		return nil, nil
	}

	holder, stale, reason := m.staleness(path)
	if !stale {
		return &holder, fmt.Errorf("%w: %s", ErrNotStale, reason)
	}
	if err := m.reclaim(path, holder, nil); err != nil {
		return &holder, err
	}
	m.logger.Warn("reclaimed stale workspace lock",
		"workspace", ws,
		"stale_session_id", holder.SessionID,
		"stale_pid", holder.PID,
	)
	return &holder, nil
}

// staleness decides whether the sentinel at path may be reclaimed. Anything
// short of a confirmed dead owner on this host counts as held.
func (m *Manager) staleness(path string) (Record, bool, string) {
	holder, err := m.read(path)
	if err != nil {
		return holder, false, fmt.Sprintf("unreadable sentinel: %v", err)
	}
	if holder.Hostname != m.hostname {
		return holder, false, fmt.Sprintf("held on another host %q", holder.Hostname)
	}
	if holder.PID <= 0 {
		return holder, false, "sentinel has no pid"
	}
	if holder.PID == m.pid {
		return holder, false, "held by this process"
	}
	alive, err := m.prober.Alive(holder.PID)
	if err != nil {
		return holder, false, fmt.Sprintf("liveness unknown: %v", err)
	}
	if alive {
		return holder, false, fmt.Sprintf("owner pid %d is alive", holder.PID)
	}
	return holder, true, ""
}

func (m *Manager) create(path string, rec Record) error {
	f, err := m.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		_ = f.Close()
		_ = m.fs.Remove(path)
		return fmt.Errorf("encode lock record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		_ = m.fs.Remove(path)
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = m.fs.Remove(path)
		return fmt.Errorf("sync lock record: %w", err)
	}
	return f.Close()
}

func (m *Manager) read(path string) (Record, error) {
	var rec Record
	f, err := m.fs.Open(path)
	if err != nil {
		return rec, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, 64<<10))
	if err != nil {
		return rec, fmt.Errorf("read lock sentinel: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode lock sentinel: %w", err)
	}
	return rec, nil
}

func holderError(holder Record, reason string) error {
	if holder.SessionID == "" {
		return fmt.Errorf("%w: %s", ErrAlreadyLocked, reason)
	}
	return fmt.Errorf("%w: held by session %s (pid %d on %s since %s): %s",
		ErrAlreadyLocked, holder.SessionID, holder.PID, holder.Hostname,
		holder.AcquiredAt.Format(time.RFC3339), reason)
}
