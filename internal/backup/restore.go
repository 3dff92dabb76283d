package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/mattjoyce/mender/internal/workspace"
)

// Restore makes ws byte-identical to snapshot id: snapshot files are written
// back, files absent from the snapshot are removed, the lock sentinel is kept.
// The snapshot is verified against its manifest before ws is touched.
func (s *Store) Restore(ctx context.Context, id, ws string) error {
	if err := s.restore(ctx, id, ws); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreConflict, err)
	}
	return nil
}

func (s *Store) restore(ctx context.Context, id, ws string) error {
	info, err := s.fs.Stat(ws)
	if err != nil {
		return fmt.Errorf("workspace %s: %w", ws, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", ws)
	}

	m, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if m.Workspace != ws {
		return fmt.Errorf("backup %s belongs to %s, not %s", id, m.Workspace, ws)
	}
	treeDir := filepath.Join(m.Location, treeName)

	if err := verify(ctx, s.fs, treeDir, m); err != nil {
		return fmt.Errorf("backup %s is corrupt: %w", id, err)
	}

	if err := s.removeExtras(ctx, ws, m); err != nil {
		return err
	}

	linker, canLink := s.fs.(afero.Linker)
	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(ws, filepath.FromSlash(e.Path))
		switch e.Type {
		case entryDir:
			if err := s.fs.MkdirAll(target, e.Mode|0o700); err != nil {
				return fmt.Errorf("create directory %s: %w", e.Path, err)
			}
			if err := s.fs.Chmod(target, e.Mode); err != nil {
				return fmt.Errorf("chmod %s: %w", e.Path, err)
			}
		case entryFile:
			if unchanged(s.fs, target, e) {
				continue
			}
			data, err := afero.ReadFile(s.fs, filepath.Join(treeDir, filepath.FromSlash(e.Path)))
			if err != nil {
				return fmt.Errorf("read snapshot file %s: %w", e.Path, err)
			}
			if err := workspace.WriteFileAtomic(s.fs, target, data, e.Mode); err != nil {
				return fmt.Errorf("write %s: %w", e.Path, err)
			}
		case entrySymlink:
			if !canLink {
				return fmt.Errorf("filesystem cannot restore symlink %s", e.Path)
			}
			_ = s.fs.Remove(target)
			if err := linker.SymlinkIfPossible(e.Target, target); err != nil {
				return fmt.Errorf("restore symlink %s: %w", e.Path, err)
			}
		}
	}

	s.logger.Info("workspace restored", "backup_id", id, "workspace", ws)
	return nil
}

// verify checks every file entry against its recorded size and hash.
func verify(ctx context.Context, fs afero.Fs, treeDir string, m *manifest) error {
	for _, e := range m.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Type != entryFile {
			continue
		}
		path := filepath.Join(treeDir, filepath.FromSlash(e.Path))
		info, err := fs.Stat(path)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Path, err)
		}
		if info.Size() != e.Size {
			return fmt.Errorf("%s: size %d, manifest says %d", e.Path, info.Size(), e.Size)
		}
		sum, err := hashFile(fs, path)
		if err != nil {
			return err
		}
		if sum != e.Hash {
			return fmt.Errorf("%s: hash mismatch", e.Path)
		}
	}
	return nil
}

// removeExtras deletes workspace entries the snapshot does not have, and
// entries whose type differs from the snapshot's.
func (s *Store) removeExtras(ctx context.Context, ws string, m *manifest) error {
	want := make(map[string]entryType, len(m.Entries))
	for _, e := range m.Entries {
		want[e.Path] = e.Type
	}

	var doomed []string
	err := afero.Walk(s.fs, ws, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == ws {
			return nil
		}
		rel, err := filepath.Rel(ws, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if workspace.IsLockFile(rel) {
			return nil
		}

		wantType, ok := want[rel]
		if !ok || wantType != typeOf(info) {
			doomed = append(doomed, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan workspace: %w", err)
	}

	// Deepest first so a directory is emptied before its parent goes.
	sort.Slice(doomed, func(i, j int) bool {
		return strings.Count(doomed[i], string(filepath.Separator)) > strings.Count(doomed[j], string(filepath.Separator))
	})
	for _, path := range doomed {
		if err := s.fs.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

func typeOf(info os.FileInfo) entryType {
	switch {
	case info.IsDir():
		return entryDir
	case info.Mode()&os.ModeSymlink != 0:
		return entrySymlink
	default:
		return entryFile
	}
}

func unchanged(fs afero.Fs, target string, e entry) bool {
	info, err := fs.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() != e.Size || info.Mode().Perm() != e.Mode {
		return false
	}
	sum, err := hashFile(fs, target)
	return err == nil && sum == e.Hash
}
