package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireInstanceLockWritesRecord(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "mender.pid")
	l, err := AcquireInstanceLock(lockPath)
	if err != nil {
		t.Fatalf("AcquireInstanceLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", rec.PID, os.Getpid())
	}
}

func TestAcquireInstanceLockIsExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "mender.pid")
	first, err := AcquireInstanceLock(lockPath)
	if err != nil {
		t.Fatalf("AcquireInstanceLock: %v", err)
	}

	if _, err := AcquireInstanceLock(lockPath); err == nil {
		t.Fatalf("second AcquireInstanceLock succeeded while first held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := AcquireInstanceLock(lockPath)
	if err != nil {
		t.Fatalf("AcquireInstanceLock after release: %v", err)
	}
	_ = second.Release()
}

func TestProcessProberSelfIsAlive(t *testing.T) {
	alive, err := ProcessProber{}.Alive(os.Getpid())
	if err != nil {
		t.Fatalf("Alive: %v", err)
	}
	if !alive {
		t.Fatalf("current process reported dead")
	}
	if _, err := (ProcessProber{}).Alive(0); err == nil {
		t.Fatalf("Alive(0) expected error")
	}
}
