package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// fsScratchManager manages sandbox scratch directories on local disk.
type fsScratchManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsScratchManager)(nil)

// NewFSManager creates a filesystem-backed scratch manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsScratchManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("scratch base directory is empty")
	}

	return &fsScratchManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory scratch entries are created under.
func (m *fsScratchManager) BaseDir() string { return m.baseDir }

// Create initializes a scratch directory for id.
func (m *fsScratchManager) Create(ctx context.Context, id string) (Scratch, error) {
	if err := ctx.Err(); err != nil {
		return Scratch{}, err
	}

	path, err := m.scratchPath(id)
	if err != nil {
		return Scratch{}, err
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Scratch{}, fmt.Errorf("create scratch base directory: %w", err)
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		return Scratch{}, fmt.Errorf("create scratch %q: %w", id, err)
	}

	return Scratch{ID: id, Dir: path}, nil
}

// Clone creates a scratch directory for id populated from srcDir. Regular
// files are hard-linked when possible and copied otherwise, so callers must
// replace files (write a temp file and rename) rather than write through them.
func (m *fsScratchManager) Clone(ctx context.Context, srcDir, id string, skip SkipFunc) (Scratch, error) {
	if err := ctx.Err(); err != nil {
		return Scratch{}, err
	}

	dstPath, err := m.scratchPath(id)
	if err != nil {
		return Scratch{}, err
	}

	if _, err := os.Stat(dstPath); err == nil {
		return Scratch{}, fmt.Errorf("scratch %q already exists", id)
	} else if !os.IsNotExist(err) {
		return Scratch{}, fmt.Errorf("stat scratch %q: %w", id, err)
	}

	if err := m.cloneTree(ctx, filepath.Clean(srcDir), dstPath, skip); err != nil {
		_ = os.RemoveAll(dstPath)
		return Scratch{}, fmt.Errorf("clone %q into scratch %q: %w", srcDir, id, err)
	}

	return Scratch{ID: id, Dir: dstPath}, nil
}

// Open returns metadata for an existing scratch directory.
func (m *fsScratchManager) Open(ctx context.Context, id string) (Scratch, error) {
	if err := ctx.Err(); err != nil {
		return Scratch{}, err
	}

	path, err := m.scratchPath(id)
	if err != nil {
		return Scratch{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return Scratch{}, fmt.Errorf("open scratch %q: %w", id, err)
	}
	if !info.IsDir() {
		return Scratch{}, fmt.Errorf("scratch path for %q is not a directory", id)
	}

	return Scratch{ID: id, Dir: path}, nil
}

// Remove deletes the scratch directory for id.
func (m *fsScratchManager) Remove(_ context.Context, id string) error {
	path, err := m.scratchPath(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove scratch %q: %w", id, err)
	}
	return nil
}

// Cleanup removes scratch directories older than olderThan based on directory
// modification time. Sandboxes left behind by a crashed process are reclaimed
// this way on startup.
func (m *fsScratchManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan < 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must not be negative")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read scratch base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read scratch entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove scratch %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (m *fsScratchManager) scratchPath(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, id), nil
}

func (m *fsScratchManager) cloneTree(ctx context.Context, srcDir, dstDir string, skip SkipFunc) error {
	srcInfo, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}
	if err := os.Mkdir(dstDir, srcInfo.Mode().Perm()|0o700); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == srcDir {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		dstPath := filepath.Join(dstDir, relPath)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}
		if skip != nil && skip(filepath.ToSlash(relPath), info) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case d.IsDir():
			if err := os.Mkdir(dstPath, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", dstPath, err)
			}
		case info.Mode().IsRegular():
			if err := linkOrCopy(path, dstPath, info.Mode().Perm()); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("create symlink %q: %w", dstPath, err)
			}
		default:
			// sockets, fifos and devices have no meaning inside a sandbox
		}

		return nil
	})
}

func linkOrCopy(src, dst string, perm os.FileMode) error {
	err := os.Link(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !linkFallback(linkErr.Err) {
		return fmt.Errorf("hard-link %q to %q: %w", src, dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return out.Close()
}

// linkFallback reports whether a failed hard link should be retried as a copy.
func linkFallback(err error) bool {
	return errors.Is(err, syscall.EXDEV) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EMLINK) ||
		errors.Is(err, syscall.ENOTSUP)
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("scratch id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("scratch id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("scratch id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("scratch id %q is invalid", id)
	}
	return nil
}
