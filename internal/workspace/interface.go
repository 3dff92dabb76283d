package workspace

import (
	"context"
	"time"
)

// Scratch is a disposable directory a sandbox check runs in. Scratch
// directories always live on the host filesystem because checks are executed
// as real processes inside them.
type Scratch struct {
	ID  string
	Dir string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs scratch directory lifecycle for sandbox runs.
type Manager interface {
	// Create initializes an empty scratch directory for id.
	Create(ctx context.Context, id string) (Scratch, error)

	// Clone populates a new scratch directory from srcDir using hard links
	// where the filesystem allows it. Entries for which skip returns true are
	// left out.
	Clone(ctx context.Context, srcDir, id string, skip SkipFunc) (Scratch, error)

	// Open resolves an existing scratch directory.
	Open(ctx context.Context, id string) (Scratch, error)

	// Remove deletes a scratch directory. Removing a missing one is not an error.
	Remove(ctx context.Context, id string) error

	// Cleanup removes scratch directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
