package storage

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"learning_examples", "model_performance", "session_archive"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("OpenSQLite (%d): %v", i, err)
		}
		_ = db.Close()
	}
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	times := []time.Time{
		base.Add(120 * time.Millisecond),
		base.Add(100 * time.Millisecond),
		base,
		base.Add(time.Second),
	}
	var formatted []string
	for _, ts := range times {
		formatted = append(formatted, FormatTime(ts))
	}
	sort.Strings(formatted)

	want := []time.Time{base, base.Add(100 * time.Millisecond), base.Add(120 * time.Millisecond), base.Add(time.Second)}
	for i, s := range formatted {
		got, err := ParseTime(s)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", s, err)
		}
		if !got.Equal(want[i]) {
			t.Fatalf("position %d = %v, want %v", i, got, want[i])
		}
	}
}
