package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// SkipFunc decides whether an entry is left out of a tree walk. rel uses
// forward slashes and is relative to the tree root.
type SkipFunc func(rel string, info os.FileInfo) bool

// SkipLockFile leaves the lock sentinel at the tree root out.
func SkipLockFile(rel string, _ os.FileInfo) bool {
	return IsLockFile(rel)
}

// CopyStats counts what CopyTree copied.
type CopyStats struct {
	Files int
	Bytes int64
}

// CopyTree copies srcDir on src into dstDir on dst. Symlinks are recreated
// when both filesystems support them and skipped otherwise.
func CopyTree(ctx context.Context, src afero.Fs, srcDir string, dst afero.Fs, dstDir string, skip SkipFunc) (CopyStats, error) {
	var stats CopyStats

	rootInfo, err := src.Stat(srcDir)
	if err != nil {
		return stats, fmt.Errorf("stat source directory: %w", err)
	}
	if !rootInfo.IsDir() {
		return stats, fmt.Errorf("source path %q is not a directory", srcDir)
	}
	if err := dst.MkdirAll(dstDir, rootInfo.Mode().Perm()|0o700); err != nil {
		return stats, fmt.Errorf("create destination directory: %w", err)
	}

	linkReader, canReadLinks := src.(afero.LinkReader)
	linker, canLink := dst.(afero.Linker)

	err = afero.Walk(src, srcDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		if skip != nil && skip(filepath.ToSlash(rel), info) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dstDir, rel)

		switch {
		case info.IsDir():
			if err := dst.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
		case info.Mode().IsRegular():
			n, err := CopyFile(src, path, dst, target, info.Mode().Perm())
			if err != nil {
				return err
			}
			stats.Files++
			stats.Bytes += n
		case info.Mode()&os.ModeSymlink != 0:
			if !canReadLinks || !canLink {
				return nil
			}
			linkTarget, err := linkReader.ReadlinkIfPossible(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := linker.SymlinkIfPossible(linkTarget, target); err != nil {
				return fmt.Errorf("create symlink %q: %w", target, err)
			}
			stats.Files++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// CopyFile copies a single regular file, truncating any existing target.
func CopyFile(src afero.Fs, srcPath string, dst afero.Fs, dstPath string, perm os.FileMode) (int64, error) {
	in, err := src.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", srcPath, err)
	}
	defer in.Close()

	if err := dst.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %q: %w", dstPath, err)
	}
	out, err := dst.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", dstPath, err)
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, fmt.Errorf("copy %q to %q: %w", srcPath, dstPath, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close %q: %w", dstPath, err)
	}
	return n, nil
}

// WriteFileAtomic writes data to path by writing a sibling temp file and
// renaming it into place. Readers see either the old or the new content, and
// a hard link held elsewhere keeps the old inode.
func WriteFileAtomic(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fsys, dir, ".mender-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fsys.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fsys.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}

// FileMode returns the permission bits of path, or fallback when it does not
// exist yet.
func FileMode(fsys afero.Fs, path string, fallback os.FileMode) os.FileMode {
	info, err := fsys.Stat(path)
	if err != nil {
		return fallback
	}
	return info.Mode().Perm()
}
