// Package backup snapshots workspace trees before a remediation session
// mutates them and restores them byte-for-byte when the session has to roll
// back.
//
// Layout under the store root:
//
//	<root>/<workspace-key>/<ulid>/tree/...       copied files
//	<root>/<workspace-key>/<ulid>/manifest.yaml  written last; marks completion
//
// A snapshot directory without a manifest is partial and never listed.
package backup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"github.com/mattjoyce/mender/internal/workspace"
)

const (
	manifestName = "manifest.yaml"
	treeName     = "tree"

	// DefaultKeep is how many snapshots per workspace Prune retains.
	DefaultKeep = 5
)

var (
	// ErrSnapshotFailure wraps every error returned by Snapshot.
	ErrSnapshotFailure = errors.New("snapshot failed")
	// ErrRestoreConflict wraps every error returned by Restore.
	ErrRestoreConflict = errors.New("restore conflict")
	// ErrNotFound means no complete backup carries the requested id.
	ErrNotFound = errors.New("backup not found")
)

// Backup describes a complete snapshot.
type Backup struct {
	ID        string    `yaml:"id" json:"id"`
	Workspace string    `yaml:"workspace" json:"workspace"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	Location  string    `yaml:"-" json:"location"`
	Files     int       `yaml:"files" json:"files"`
	Bytes     int64     `yaml:"bytes" json:"bytes"`
}

// Store creates, lists and restores snapshots. Workspaces and snapshots live
// on the same filesystem.
type Store struct {
	fs     afero.Fs
	root   string
	keep   int
	now    func() time.Time
	logger *slog.Logger

	entropyMu sync.Mutex
	entropy   io.Reader
}

// Option configures a Store.
type Option func(*Store)

// WithFS sets the filesystem for both the store and the workspaces.
func WithFS(fs afero.Fs) Option { return func(s *Store) { s.fs = fs } }

// WithKeep sets how many snapshots per workspace Prune retains.
func WithKeep(n int) Option { return func(s *Store) { s.keep = n } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore returns a store rooted at root.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{
		fs:      afero.NewOsFs(),
		root:    filepath.Clean(root),
		keep:    DefaultKeep,
		now:     time.Now,
		logger:  slog.Default(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keep < 1 {
		s.keep = 1
	}
	return s
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Keep returns the retention count.
func (s *Store) Keep() int { return s.keep }

func (s *Store) newID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Snapshot copies the canonical workspace ws into the store. The lock sentinel
// is left out. On any failure the partial snapshot is removed.
func (s *Store) Snapshot(ctx context.Context, ws string) (Backup, error) {
	info, err := s.fs.Stat(ws)
	if err != nil {
		return Backup{}, fmt.Errorf("%w: stat workspace: %v", ErrSnapshotFailure, err)
	}
	if !info.IsDir() {
		return Backup{}, fmt.Errorf("%w: %s is not a directory", ErrSnapshotFailure, ws)
	}

	created := s.now().UTC()
	b := Backup{
		ID:        s.newID(created),
		Workspace: ws,
		CreatedAt: created,
	}
	b.Location = filepath.Join(s.root, workspace.Key(ws), b.ID)
	treeDir := filepath.Join(b.Location, treeName)

	fail := func(step string, err error) (Backup, error) {
		if rmErr := s.fs.RemoveAll(b.Location); rmErr != nil {
			s.logger.Error("failed to remove partial snapshot", "location", b.Location, "error", rmErr)
		}
		return Backup{}, fmt.Errorf("%w: %s: %v", ErrSnapshotFailure, step, err)
	}

	if _, err := workspace.CopyTree(ctx, s.fs, ws, s.fs, treeDir, workspace.SkipLockFile); err != nil {
		return fail("copy tree", err)
	}

	m, err := buildManifest(ctx, s.fs, treeDir)
	if err != nil {
		return fail("hash tree", err)
	}
	m.Backup = b
	for _, e := range m.Entries {
		if e.Type == entryFile {
			b.Files++
			b.Bytes += e.Size
		}
	}
	m.Files, m.Bytes = b.Files, b.Bytes

	if err := ctx.Err(); err != nil {
		return fail("cancelled", err)
	}
	if err := writeManifest(s.fs, filepath.Join(b.Location, manifestName), m); err != nil {
		return fail("write manifest", err)
	}

	s.logger.Debug("snapshot created", "backup_id", b.ID, "workspace", ws, "files", b.Files, "bytes", b.Bytes)
	return b, nil
}

// List returns the complete snapshots of ws, newest first.
func (s *Store) List(ctx context.Context, ws string) ([]Backup, error) {
	dir := filepath.Join(s.root, workspace.Key(ws))
	backups, err := s.listDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := backups[:0]
	for _, b := range backups {
		if b.Workspace == ws {
			out = append(out, b)
		}
	}
	return out, nil
}

// ListAll returns every complete snapshot in the store, newest first.
func (s *Store) ListAll(ctx context.Context) ([]Backup, error) {
	keys, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	var all []Backup
	for _, k := range keys {
		if !k.IsDir() {
			continue
		}
		bs, err := s.listDir(ctx, filepath.Join(s.root, k.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, bs...)
	}
	sortNewestFirst(all)
	return all, nil
}

// Get returns the complete snapshot with the given id.
func (s *Store) Get(ctx context.Context, id string) (Backup, error) {
	m, err := s.find(ctx, id)
	if err != nil {
		return Backup{}, err
	}
	return m.Backup, nil
}

// Delete removes the snapshot with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.fs.RemoveAll(b.Location); err != nil {
		return fmt.Errorf("remove backup %s: %w", id, err)
	}
	return nil
}

// Prune keeps the newest Keep snapshots of ws and removes the rest. It returns
// how many were removed.
func (s *Store) Prune(ctx context.Context, ws string) (int, error) {
	backups, err := s.List(ctx, ws)
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.keep {
		return 0, nil
	}
	removed := 0
	for _, b := range backups[s.keep:] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.fs.RemoveAll(b.Location); err != nil {
			return removed, fmt.Errorf("remove backup %s: %w", b.ID, err)
		}
		removed++
	}
	s.logger.Debug("pruned backups", "workspace", ws, "removed", removed, "kept", s.keep)
	return removed, nil
}

func (s *Store) listDir(ctx context.Context, dir string) ([]Backup, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}
	var out []Backup
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err != nil {
			continue
		}
		loc := filepath.Join(dir, e.Name())
		m, err := readManifest(s.fs, filepath.Join(loc, manifestName))
		if err != nil {
			// partial or foreign directory
			continue
		}
		m.Backup.Location = loc
		out = append(out, m.Backup)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) find(ctx context.Context, id string) (*manifest, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	keys, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !k.IsDir() {
			continue
		}
		loc := filepath.Join(s.root, k.Name(), id)
		m, err := readManifest(s.fs, filepath.Join(loc, manifestName))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		m.Backup.Location = loc
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func sortNewestFirst(bs []Backup) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].ID > bs[j].ID })
}
