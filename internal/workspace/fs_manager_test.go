package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSScratchManagerCreateAndOpen(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "scratch")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	sc, err := mgr.Create(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "run-a")
	if sc.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", sc.Dir, wantPath)
	}

	info, err := os.Stat(sc.Dir)
	if err != nil {
		t.Fatalf("Stat(scratch) error = %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("scratch path is not a directory")
	}

	opened, err := mgr.Open(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != sc {
		t.Fatalf("Open() scratch = %+v, want %+v", opened, sc)
	}
}

func TestFSScratchManagerRejectsBadIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Fatalf("Create(%q) expected error", id)
		}
	}
}

func TestFSScratchManagerCloneHardlinkAndIsolation(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "project")
	if err := os.MkdirAll(filepath.Join(srcDir, "pkg"), 0o755); err != nil {
		t.Fatalf("MkdirAll(src) error = %v", err)
	}
	srcFile := filepath.Join(srcDir, "pkg", "main.go")
	if err := os.WriteFile(srcFile, []byte("package pkg\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(src) error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, LockFileName), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile(lock) error = %v", err)
	}

	mgr, err := NewFSManager(filepath.Join(root, "scratch"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	sc, err := mgr.Clone(context.Background(), srcDir, "run-1", SkipLockFile)
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	clonedFile := filepath.Join(sc.Dir, "pkg", "main.go")
	got, err := os.ReadFile(clonedFile)
	if err != nil {
		t.Fatalf("ReadFile(cloned) error = %v", err)
	}
	if string(got) != "package pkg\n" {
		t.Fatalf("ReadFile(cloned) = %q", string(got))
	}
	if _, err := os.Stat(filepath.Join(sc.Dir, LockFileName)); !os.IsNotExist(err) {
		t.Fatalf("lock sentinel should not be cloned, err = %v", err)
	}

	srcInfo, err := os.Stat(srcFile)
	if err != nil {
		t.Fatalf("Stat(src file) error = %v", err)
	}
	clonedInfo, err := os.Stat(clonedFile)
	if err != nil {
		t.Fatalf("Stat(cloned file) error = %v", err)
	}
	if !os.SameFile(srcInfo, clonedInfo) {
		t.Fatalf("expected source and clone files to be hard-linked")
	}

	// Replacing the cloned file must leave the workspace copy untouched.
	if err := WriteFileAtomic(osFs(), clonedFile, []byte("package broken"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic(cloned) error = %v", err)
	}
	got, err = os.ReadFile(srcFile)
	if err != nil {
		t.Fatalf("ReadFile(src) error = %v", err)
	}
	if string(got) != "package pkg\n" {
		t.Fatalf("source changed through hard link: %q", string(got))
	}

	if _, err := mgr.Clone(context.Background(), srcDir, "run-1", nil); err == nil {
		t.Fatalf("Clone() into existing scratch expected error")
	}
}

func TestFSScratchManagerRemove(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	sc, err := mgr.Create(context.Background(), "run-x")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "run-x"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(sc.Dir); !os.IsNotExist(err) {
		t.Fatalf("scratch should be removed, err = %v", err)
	}
	if err := mgr.Remove(context.Background(), "run-x"); err != nil {
		t.Fatalf("Remove() twice error = %v", err)
	}
}

func TestFSScratchManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "scratch")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	oldSc, err := mgr.Create(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newSc, err := mgr.Create(context.Background(), "run-new")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldSc.Dir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old scratch) error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(oldSc.Dir); !os.IsNotExist(err) {
		t.Fatalf("old scratch should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newSc.Dir); err != nil {
		t.Fatalf("new scratch should still exist, err = %v", err)
	}
}

func TestFSScratchManagerCleanupMissingBase(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "never-created"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	report, err := mgr.Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("Cleanup() deleted = %d, want 0", report.DeletedDirs)
	}
}
