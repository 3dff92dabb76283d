package remediation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/workspace"
)

// errConflict means the file no longer matches what the candidate was
// validated against.
var errConflict = errors.New("workspace changed since validation")

// absentDigest stands for a file that does not exist yet.
const absentDigest = "absent"

// digest identifies the current content of rel in the workspace.
func (r *run) digest(rel string) (string, error) {
	content, err := afero.ReadFile(r.e.deps.FS, filepath.Join(r.ws, rel))
	if os.IsNotExist(err) {
		return absentDigest, nil
	}
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// apply writes c into the workspace provided the target still has the
// content identified by base. Callers hold applyMu.
func (r *run) apply(c issue.Candidate, base string) error {
	fsys := r.e.deps.FS
	rel, err := workspace.Rel(r.ws, c.File)
	if err != nil {
		return fmt.Errorf("%w: %v", errConflict, err)
	}
	path := filepath.Join(r.ws, rel)

	current, err := r.digest(rel)
	if err != nil {
		return fmt.Errorf("read %s: %w", rel, err)
	}
	if current != base {
		return fmt.Errorf("%w: %s was modified after the candidate was proposed", errConflict, rel)
	}

	content, err := afero.ReadFile(fsys, path)
	switch {
	case err == nil:
	case os.IsNotExist(err) && c.Original == "":
		content = nil
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s was removed", errConflict, rel)
	default:
		return fmt.Errorf("read %s: %w", rel, err)
	}

	patched, err := c.Apply(content)
	if err != nil {
		return fmt.Errorf("%w: %v", errConflict, err)
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	return workspace.WriteFileAtomic(fsys, path, patched, workspace.FileMode(fsys, path, 0o644))
}
