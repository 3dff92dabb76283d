package workspace

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// LockFileName is the sentinel the lock manager keeps at the workspace root.
// Tree copies and restores never touch it, nor its reclaim guard.
const LockFileName = ".mender.lock"

// IsLockFile reports whether rel (slash separated, relative to the workspace
// root) is the lock sentinel or one of its companion files.
func IsLockFile(rel string) bool {
	return rel == LockFileName || strings.HasPrefix(rel, LockFileName+".")
}

var (
	ErrNotFound     = errors.New("workspace does not exist")
	ErrNotDirectory = errors.New("workspace is not a directory")
	ErrUnreadable   = errors.New("workspace is not readable")
)

// Canonicalize resolves path to the absolute, cleaned form used as a lock and
// backup key, and checks it is a readable directory. Symlinks are resolved
// only on the OS filesystem.
func Canonicalize(fsys afero.Fs, path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("empty path: %w", ErrNotFound)
	}

	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	if _, ok := fsys.(*afero.OsFs); ok {
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("%s: %w", abs, ErrNotFound)
			}
			return "", fmt.Errorf("%s: %v: %w", abs, err, ErrUnreadable)
		}
		abs = resolved
	}

	info, err := fsys.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", abs, ErrNotFound)
		}
		return "", fmt.Errorf("%s: %v: %w", abs, err, ErrUnreadable)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}

	dir, err := fsys.Open(abs)
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", abs, err, ErrUnreadable)
	}
	defer dir.Close()
	if _, err := dir.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%s: %v: %w", abs, err, ErrUnreadable)
	}

	return abs, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key derives a stable directory name for a canonical workspace path: the
// sanitized base name followed by a short BLAKE3 digest of the full path.
func Key(canonical string) string {
	sum := blake3.Sum256([]byte(canonical))
	base := unsafeKeyChars.ReplaceAllString(filepath.Base(canonical), "_")
	if base == "" || base == "." || base == "_" {
		base = "root"
	}
	if len(base) > 40 {
		base = base[:40]
	}
	return base + "-" + hex.EncodeToString(sum[:8])
}

// Rel returns file relative to the workspace, rejecting paths that escape it.
func Rel(workspace, file string) (string, error) {
	target := file
	if !filepath.IsAbs(target) {
		target = filepath.Join(workspace, target)
	}
	rel, err := filepath.Rel(workspace, filepath.Clean(target))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", file, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside workspace %q", file, workspace)
	}
	return rel, nil
}
