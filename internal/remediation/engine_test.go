package remediation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/mender/internal/backup"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/learning"
	"github.com/mattjoyce/mender/internal/lock"
	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/remediation"
	"github.com/mattjoyce/mender/internal/remediation/mocks"
	"github.com/mattjoyce/mender/internal/sandbox"
	"github.com/mattjoyce/mender/internal/state"
	"github.com/mattjoyce/mender/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const ws = "/ws"

// countingLocker counts lock calls so tests can assert release happens
// exactly once.
type countingLocker struct {
	*lock.Manager
	acquires atomic.Int32
	releases atomic.Int32
}

func (c *countingLocker) Acquire(ctx context.Context, w, sessionID string) (*lock.Handle, error) {
	h, err := c.Manager.Acquire(ctx, w, sessionID)
	if err == nil {
		c.acquires.Add(1)
	}
	return h, err
}

func (c *countingLocker) Release(h *lock.Handle) error {
	c.releases.Add(1)
	return c.Manager.Release(h)
}

// recorder is an Observer that keeps every event in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	pcts   []float64
	done   []remediation.Result
}

func (r *recorder) OnProgress(_, _ string, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("progress:%.4f", pct))
	r.pcts = append(r.pcts, pct)
}

func (r *recorder) OnStateChange(_ string, p remediation.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "state:"+p.String())
}

func (r *recorder) OnCompletion(res remediation.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "completion")
	r.done = append(r.done, res)
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if s, ok := strings.CutPrefix(e, "state:"); ok {
			out = append(out, s)
		}
	}
	return out
}

// assertProgress checks progress never decreases and is 1.0 right before
// the session reaches Completed.
func (r *recorder) assertProgress(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 1; i < len(r.pcts); i++ {
		require.GreaterOrEqual(t, r.pcts[i], r.pcts[i-1], "progress went backwards at %d: %v", i, r.pcts)
	}
	last := ""
	for _, e := range r.events {
		if e == "state:completed" {
			break
		}
		if strings.HasPrefix(e, "progress:") {
			last = e
		}
	}
	assert.Equal(t, "progress:1.0000", last)
	assert.Len(t, r.done, 1, "completion must fire exactly once")
}

type harness struct {
	fs        afero.Fs
	locks     *countingLocker
	backups   *backup.Store
	learner   *learning.Store
	archive   *state.Store
	scanner   *mocks.MockScanner
	fixer     *mocks.MockFixGenerator
	validator *mocks.MockValidator
	obs       *recorder
	deps      remediation.Deps
	cfg       remediation.Config
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(ws, 0o755))
	for name, content := range files {
		path := filepath.Join(ws, name)
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "mender.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctrl := gomock.NewController(t)
	h := &harness{
		fs:        fs,
		locks:     &countingLocker{Manager: lock.NewManager(fs, lock.WithLogger(log.Discard()))},
		backups:   backup.NewStore("/backups", backup.WithFS(fs), backup.WithLogger(log.Discard())),
		learner:   learning.NewStore(db, learning.WithLogger(log.Discard())),
		archive:   state.NewStore(db),
		scanner:   mocks.NewMockScanner(ctrl),
		fixer:     mocks.NewMockFixGenerator(ctrl),
		validator: mocks.NewMockValidator(ctrl),
		obs:       &recorder{},
		cfg:       remediation.DefaultConfig(),
	}
	h.deps = remediation.Deps{
		Scanner:   h.scanner,
		Fixer:     h.fixer,
		Validator: h.validator,
		Locks:     h.locks,
		Backups:   h.backups,
		Learning:  h.learner,
		Archive:   h.archive,
		FS:        fs,
		Logger:    log.Discard(),
	}
	return h
}

func (h *harness) engine(t *testing.T) *remediation.Engine {
	t.Helper()
	e, err := remediation.New(h.deps, h.cfg)
	require.NoError(t, err)
	e.Observe(h.obs)
	return e
}

func (h *harness) read(t *testing.T, name string) string {
	t.Helper()
	b, err := afero.ReadFile(h.fs, filepath.Join(ws, name))
	require.NoError(t, err)
	return string(b)
}

func (h *harness) assertUnlocked(t *testing.T) {
	t.Helper()
	locked, err := h.locks.IsLocked(ws)
	require.NoError(t, err)
	assert.False(t, locked, "workspace must be unlocked")
	assert.Equal(t, h.locks.acquires.Load(), h.locks.releases.Load(), "release must match acquire")
}

// buggyFiles returns n files each containing a "BUG <name>" marker.
func buggyFiles(n int) (map[string]string, []issue.Issue) {
	files := map[string]string{}
	var issues []issue.Issue
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("f%02d.go", i)
		files[name] = fmt.Sprintf("package x\n\n// BUG %s\n", name)
		issues = append(issues, issue.Issue{
			ID:       "issue-" + name,
			File:     name,
			Location: issue.Location{Line: 3},
			Category: "bug",
			Severity: issue.SeverityHigh,
		})
	}
	return files, issues
}

func fixFor(_ context.Context, req remediation.ProposalRequest) (issue.Candidate, error) {
	return issue.Candidate{
		File:     req.Issue.File,
		Original: "BUG " + req.Issue.File,
		Proposed: fmt.Sprintf("FIXED %s attempt %d", req.Issue.File, req.Attempt),
		ModelID:  "model-a",
	}, nil
}

func passing(_ context.Context, req sandbox.Request) (sandbox.Verdict, error) {
	return sandbox.Verdict{
		Candidate: req.Candidate,
		Passed:    true,
		Score:     1,
		Checks:    []sandbox.CheckResult{{Kind: sandbox.CheckSyntax, Passed: true}},
	}, nil
}

func failing(_ context.Context, req sandbox.Request) (sandbox.Verdict, error) {
	return sandbox.Verdict{
		Candidate: req.Candidate,
		Reason:    sandbox.ReasonChecksFailed,
		Checks: []sandbox.CheckResult{
			{Kind: sandbox.CheckSyntax, Message: "syntax error"},
			{Kind: sandbox.CheckLint, Skipped: true},
		},
	}, nil
}

func run(t *testing.T, e *remediation.Engine, start func() (remediation.Session, error)) remediation.Result {
	t.Helper()
	_, err := start()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestAllFixesPass(t *testing.T) {
	files, issues := buggyFiles(3)
	h := newHarness(t, files)
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Nil()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(3)
	h.validator.EXPECT().Concurrency().Return(4).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(3)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.IssuesFound)
	assert.Equal(t, 3, res.FixesApplied)
	assert.Equal(t, 3, res.TestsPassed)
	assert.Zero(t, res.TestsFailed)
	assert.Zero(t, res.Unresolved)
	assert.Equal(t, 3, res.LearningExamples)
	assert.Equal(t, remediation.ExitOK, res.ExitCode())
	assert.NotEmpty(t, res.BackupID)
	for name := range files {
		assert.Equal(t, "package x\n\n// FIXED "+name+" attempt 1\n", h.read(t, name))
	}

	want := []string{"locking", "scanning", "fixing", "testing", "fixing", "learning", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
	assert.EqualValues(t, 1, h.locks.releases.Load())

	status := e.Status()
	assert.Equal(t, remediation.PhaseCompleted, status.Phase)
	assert.Equal(t, 1.0, status.Progress)
	assert.False(t, e.Stop(), "stop after completion is a no-op")
	assert.False(t, e.StopAndRevert())

	mp, err := h.learner.Performance(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, 3, mp.SampleCount)
}

func TestFailingCandidateLeavesFileUnchanged(t *testing.T) {
	files, issues := buggyFiles(2)
	h := newHarness(t, files)
	bad := issues[1].File

	var retried atomic.Bool
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req remediation.ProposalRequest) (issue.Candidate, error) {
			if req.Attempt == 2 {
				assert.Equal(t, bad, req.Issue.File)
				if assert.NotNil(t, req.Previous) {
					assert.Equal(t, sandbox.ReasonChecksFailed, req.Previous.Reason)
				}
				retried.Store(true)
			}
			return fixFor(ctx, req)
		}).Times(3)
	h.validator.EXPECT().Concurrency().Return(2).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req sandbox.Request) (sandbox.Verdict, error) {
			if req.Candidate.File == bad {
				return failing(ctx, req)
			}
			return passing(ctx, req)
		}).Times(3)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, retried.Load(), "failed issue gets one retry")
	assert.Equal(t, 2, res.IssuesFound)
	assert.Equal(t, 1, res.FixesApplied)
	assert.GreaterOrEqual(t, res.TestsFailed, 1)
	assert.Equal(t, 1, res.Unresolved)
	assert.Equal(t, remediation.ExitUnresolved, res.ExitCode())
	assert.Equal(t, files[bad], h.read(t, bad), "failing issue's file must be untouched")
	assert.Equal(t, 3, res.LearningExamples, "every verdict is a learning example")

	var detail remediation.IssueDetail
	for _, d := range res.Details {
		if d.File == bad {
			detail = d
		}
	}
	assert.Equal(t, remediation.StatusUnresolved, detail.Status)
	assert.Equal(t, 2, detail.Attempts)
	assert.Equal(t, string(sandbox.ReasonChecksFailed), detail.Reason)
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
}

func TestIssuesInOneFileNeverShareAWave(t *testing.T) {
	h := newHarness(t, map[string]string{"a.go": "A-BUG\nB-BUG\n", "b.go": "C-BUG\n"})
	issues := []issue.Issue{
		{ID: "A", File: "a.go", Category: "bug", Severity: issue.SeverityHigh},
		{ID: "B", File: "a.go", Category: "bug", Severity: issue.SeverityHigh},
		{ID: "C", File: "b.go", Category: "bug", Severity: issue.SeverityHigh},
	}
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Nil()).Return(issues, nil)
	// Whole-file candidates built from the file as it is when proposed.
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remediation.ProposalRequest) (issue.Candidate, error) {
			b, err := afero.ReadFile(h.fs, filepath.Join(ws, req.Issue.File))
			if err != nil {
				return issue.Candidate{}, err
			}
			fixed := strings.Replace(string(b), req.Issue.ID+"-BUG", req.Issue.ID+"-FIXED", 1)
			return issue.Candidate{Proposed: fixed, ModelID: "model-a"}, nil
		}).Times(3)
	h.validator.EXPECT().Concurrency().Return(4).AnyTimes()

	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(3)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.FixesApplied)
	assert.Zero(t, res.Unresolved)
	assert.Equal(t, "A-FIXED\nB-FIXED\n", h.read(t, "a.go"), "both fixes to a.go must survive")
	assert.Equal(t, "C-FIXED\n", h.read(t, "b.go"))
	for _, d := range res.Details {
		assert.Equal(t, remediation.StatusFixed, d.Status, d.IssueID)
		assert.Equal(t, 1, d.Attempts, d.IssueID)
	}

	// A and C go out together; B waits for the next wave.
	want := []string{"locking", "scanning", "fixing", "testing", "fixing", "testing", "fixing", "learning", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.assertUnlocked(t)
}

func TestApplyRefusesFileChangedAfterProposal(t *testing.T) {
	h := newHarness(t, map[string]string{"a.go": "BUG\n"})
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Nil()).Return([]issue.Issue{
		{ID: "A", File: "a.go", Category: "bug", Severity: issue.SeverityHigh},
	}, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).Return(
		issue.Candidate{Original: "BUG", Proposed: "FIXED", ModelID: "model-a"}, nil).Times(2)
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()

	var calls atomic.Int32
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req sandbox.Request) (sandbox.Verdict, error) {
			if calls.Add(1) == 1 {
				// The file moves on while the first candidate is validated.
				assert.NoError(t, afero.WriteFile(h.fs, filepath.Join(ws, "a.go"), []byte("BUG\nEDITED\n"), 0o644))
			}
			return passing(ctx, req)
		}).Times(2)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.FixesApplied)
	assert.Equal(t, 2, res.TestsPassed)
	assert.Equal(t, "FIXED\nEDITED\n", h.read(t, "a.go"))
	require.Len(t, res.Details, 1)
	assert.Equal(t, remediation.StatusFixed, res.Details[0].Status)
	assert.Equal(t, 2, res.Details[0].Attempts, "the stale candidate is retried")
	assert.Equal(t, 2, res.LearningExamples)
	h.assertUnlocked(t)
}

// failingSnapshots refuses every snapshot.
type failingSnapshots struct{ *backup.Store }

func (failingSnapshots) Snapshot(context.Context, string) (backup.Backup, error) {
	return backup.Backup{}, fmt.Errorf("%w: disk full", backup.ErrSnapshotFailure)
}

func TestSnapshotFailureAbortsBeforeScanning(t *testing.T) {
	files, _ := buggyFiles(1)
	h := newHarness(t, files)
	h.deps.Backups = failingSnapshots{h.backups}

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "disk full")
	assert.False(t, res.RolledBack)
	assert.Equal(t, remediation.ExitAborted, res.ExitCode())
	assert.Empty(t, res.BackupID)

	backups, err := h.backups.List(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, backups, "no backup entry may be recorded")

	want := []string{"locking", "failing", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
}

func TestStopMidFixingKeepsAppliedFixes(t *testing.T) {
	files, issues := buggyFiles(10)
	h := newHarness(t, files)

	var e *remediation.Engine
	var validated atomic.Int32
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(5)
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req sandbox.Request) (sandbox.Verdict, error) {
			if validated.Add(1) == 5 {
				assert.True(t, e.Stop())
				assert.False(t, e.Stop(), "second stop is a no-op")
			}
			return passing(ctx, req)
		}).Times(5)

	e = h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.False(t, res.RolledBack)
	assert.Equal(t, 10, res.IssuesFound)
	assert.Equal(t, 5, res.FixesApplied)
	assert.Equal(t, 5, res.Unresolved)
	assert.Equal(t, 5, res.LearningExamples, "outcomes before the stop are still ingested")
	assert.Equal(t, remediation.ExitUnresolved, res.ExitCode())

	fixed := 0
	for _, d := range res.Details {
		switch d.Status {
		case remediation.StatusFixed:
			fixed++
			assert.Contains(t, h.read(t, d.File), "FIXED")
		default:
			assert.Equal(t, "not_processed", d.Reason)
			assert.Equal(t, files[d.File], h.read(t, d.File))
		}
	}
	assert.Equal(t, 5, fixed)
	assert.Contains(t, h.obs.states(), "cancelling")
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
}

func TestStopAndRevertRestoresWorkspace(t *testing.T) {
	files, issues := buggyFiles(4)
	h := newHarness(t, files)

	var e *remediation.Engine
	var validated atomic.Int32
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(2)
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req sandbox.Request) (sandbox.Verdict, error) {
			if validated.Add(1) == 2 {
				assert.True(t, e.StopAndRevert())
			}
			return passing(ctx, req)
		}).Times(2)

	e = h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.Cancelled)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 4, res.Unresolved)
	for name, content := range files {
		assert.Equal(t, content, h.read(t, name))
	}
	want := []string{"locking", "scanning", "fixing", "testing", "fixing", "testing", "fixing", "cancelling", "rolling_back", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.assertUnlocked(t)
}

func TestZeroIssuesCompletes(t *testing.T) {
	h := newHarness(t, map[string]string{"main.go": "package main\n"})
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(nil, nil)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.Success)
	assert.Zero(t, res.FixesApplied)
	assert.Equal(t, remediation.ExitOK, res.ExitCode())
	assert.Empty(t, res.Details)
	want := []string{"locking", "scanning", "learning", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
}

func TestScanOnlyNeverMutates(t *testing.T) {
	files, issues := buggyFiles(2)
	h := newHarness(t, files)
	filter := &issue.Filter{Categories: []string{"bug"}}
	h.scanner.EXPECT().Scan(gomock.Any(), ws, filter).Return(append(issues, issue.Issue{ID: "style", File: "x.go", Category: "style"}), nil)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartScan(context.Background(), ws, filter) })

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.IssuesFound, "scanner output is re-filtered")
	assert.Zero(t, res.Unresolved)
	assert.Empty(t, res.BackupID)
	assert.Equal(t, remediation.ExitOK, res.ExitCode())
	for _, d := range res.Details {
		assert.Equal(t, remediation.StatusFound, d.Status)
	}
	backups, err := h.backups.List(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, backups)
	h.assertUnlocked(t)
}

func TestTargetedFix(t *testing.T) {
	files, issues := buggyFiles(3)
	h := newHarness(t, files)
	target := issues[1]

	h.scanner.EXPECT().Scan(gomock.Any(), ws, &issue.Filter{Files: []string{target.File}}).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor)
	h.validator.EXPECT().Concurrency().Return(4).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) {
		return e.StartTargetedFix(context.Background(), ws, issue.Ref{File: target.File, Line: 3})
	})

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.IssuesFound)
	assert.Equal(t, 1, res.FixesApplied)
	assert.Contains(t, h.read(t, target.File), "FIXED")
	assert.Equal(t, files[issues[0].File], h.read(t, issues[0].File))
	assert.Equal(t, remediation.ModeTargeted, e.Status().Mode)
}

func TestTargetedFixFromDescription(t *testing.T) {
	h := newHarness(t, map[string]string{"util.py": "x = 1\n"})
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(nil, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req remediation.ProposalRequest) (issue.Candidate, error) {
			assert.Equal(t, "python", req.Issue.Language)
			assert.Equal(t, "off by one", req.Issue.Description)
			return issue.Candidate{Original: "x = 1", Proposed: "x = 2"}, nil
		})
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) {
		return e.StartTargetedFix(context.Background(), ws, issue.Ref{File: "util.py", Line: 1, Description: "off by one"})
	})
	assert.Equal(t, 1, res.FixesApplied)
	assert.Equal(t, "x = 2\n", h.read(t, "util.py"))
}

func TestStartRejections(t *testing.T) {
	files, _ := buggyFiles(1)
	h := newHarness(t, files)

	release := make(chan struct{})
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).DoAndReturn(
		func(context.Context, string, *issue.Filter) ([]issue.Issue, error) {
			<-release
			return nil, nil
		})

	e := h.engine(t)
	ctx := context.Background()

	_, err := e.Wait(ctx)
	assert.ErrorIs(t, err, remediation.ErrNoSession)
	assert.Equal(t, remediation.PhaseIdle, e.Status().Phase)

	_, err = e.StartAutomatedFix(ctx, "/missing", nil)
	assert.ErrorIs(t, err, remediation.ErrInvalidWorkspace)
	_, err = e.StartTargetedFix(ctx, ws, issue.Ref{})
	assert.ErrorIs(t, err, remediation.ErrInvalidRequest)

	sess, err := e.StartAutomatedFix(ctx, ws, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	_, err = e.StartAutomatedFix(ctx, ws, nil)
	assert.ErrorIs(t, err, remediation.ErrAlreadyActive)

	// A second engine sharing the filesystem sees the lock.
	other, err := remediation.New(h.deps, h.cfg)
	require.NoError(t, err)
	_, err = other.StartScan(ctx, ws, nil)
	assert.ErrorIs(t, err, remediation.ErrWorkspaceBusy)

	close(release)
	res, err := e.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	h.assertUnlocked(t)
}

func TestSystemicProvisionFailureAborts(t *testing.T) {
	files, issues := buggyFiles(3)
	h := newHarness(t, files)
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(3)
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).Return(
		sandbox.Verdict{Reason: sandbox.ReasonProvision}, fmt.Errorf("%w: docker not running", sandbox.ErrSandboxProvision)).Times(3)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, remediation.ErrSystemicFailure.Error())
	assert.Equal(t, remediation.ExitAborted, res.ExitCode())
	assert.Zero(t, res.LearningExamples, "provisioning failures are not judgements")
	h.assertUnlocked(t)
}

// renameFailFs fails renames onto one file, simulating a write error while
// applying a fix.
type renameFailFs struct {
	afero.Fs
	target string
}

func (f renameFailFs) Rename(oldname, newname string) error {
	if filepath.Base(newname) == f.target {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errors.New("input/output error")}
	}
	return f.Fs.Rename(oldname, newname)
}

func TestApplyFailureRollsBack(t *testing.T) {
	files, issues := buggyFiles(3)
	h := newHarness(t, files)
	h.deps.FS = renameFailFs{Fs: h.fs, target: issues[2].File}
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(3)
	h.validator.EXPECT().Concurrency().Return(4).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(3)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.False(t, res.RollbackFailed)
	assert.Equal(t, remediation.ExitAborted, res.ExitCode())
	assert.Equal(t, 3, res.Unresolved)
	for name, content := range files {
		assert.Equal(t, content, h.read(t, name), "rollback must restore %s", name)
	}
	want := []string{"locking", "scanning", "fixing", "testing", "failing", "rolling_back", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
}

// brokenRestore refuses to restore.
type brokenRestore struct{ *backup.Store }

func (brokenRestore) Restore(context.Context, string, string) error {
	return fmt.Errorf("%w: workspace unwritable", backup.ErrRestoreConflict)
}

func TestRollbackFailureIsReportedDistinctly(t *testing.T) {
	files, issues := buggyFiles(2)
	h := newHarness(t, files)
	h.deps.Backups = brokenRestore{h.backups}
	h.deps.FS = renameFailFs{Fs: h.fs, target: issues[1].File}
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(2)
	h.validator.EXPECT().Concurrency().Return(2).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(2)

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.True(t, res.RollbackFailed)
	assert.Equal(t, remediation.ExitRollbackFailed, res.ExitCode())
	h.assertUnlocked(t)
}

// gatedLearner holds Ingest until released.
type gatedLearner struct {
	remediation.Learner
	entered chan struct{}
	release chan struct{}
}

func (g gatedLearner) Ingest(ctx context.Context, outcomes []learning.Outcome) (int, error) {
	close(g.entered)
	<-g.release
	return g.Learner.Ingest(ctx, outcomes)
}

func TestStopDuringLearningStillIngestsAndReverts(t *testing.T) {
	files, issues := buggyFiles(1)
	h := newHarness(t, files)
	gate := gatedLearner{Learner: h.learner, entered: make(chan struct{}), release: make(chan struct{})}
	h.deps.Learning = gate
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(issues, nil)
	h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor)
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()
	h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing)

	e := h.engine(t)
	_, err := e.StartAutomatedFix(context.Background(), ws, nil)
	require.NoError(t, err)

	<-gate.entered
	assert.Equal(t, remediation.PhaseLearning, e.Status().Phase)
	assert.True(t, e.StopAndRevert(), "a session that is still learning can be stopped")
	assert.False(t, e.Stop(), "second stop is a no-op")
	close(gate.release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Wait(ctx)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.True(t, res.RolledBack)
	assert.Equal(t, 1, res.LearningExamples, "ingest finishes before the stop takes effect")
	assert.Equal(t, remediation.ExitUnresolved, res.ExitCode())
	for name, content := range files {
		assert.Equal(t, content, h.read(t, name))
	}

	want := []string{"locking", "scanning", "fixing", "testing", "fixing", "learning", "cancelling", "rolling_back", "unlocking", "completed"}
	if diff := cmp.Diff(want, h.obs.states()); diff != "" {
		t.Fatalf("phase sequence mismatch (-want +got):\n%s", diff)
	}
	h.obs.assertProgress(t)
	h.assertUnlocked(t)
}

// panickingLearner blows up on ingest.
type panickingLearner struct{ remediation.Learner }

func (panickingLearner) Ingest(context.Context, []learning.Outcome) (int, error) {
	panic("corpus exploded")
}

// TestLockReleasedExactlyOnceUnderFaults injects a fault into each phase and
// checks the lock is released once and the session still completes.
func TestLockReleasedExactlyOnceUnderFaults(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name: "scanner error",
			setup: func(h *harness) {
				h.scanner.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, &remediation.CollaboratorError{Collaborator: "scanner", Op: "scan", Err: errors.New("boom")})
			},
		},
		{
			name: "scanner panic",
			setup: func(h *harness) {
				h.scanner.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
					func(context.Context, string, *issue.Filter) ([]issue.Issue, error) { panic("scanner bug") })
			},
		},
		{
			name: "fix generator panic",
			setup: func(h *harness) {
				_, issues := buggyFiles(2)
				h.scanner.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).Return(issues, nil)
				h.validator.EXPECT().Concurrency().Return(2).AnyTimes()
				h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(
					func(context.Context, remediation.ProposalRequest) (issue.Candidate, error) { panic("fixer bug") }).Times(2)
			},
		},
		{
			name: "validator panic",
			setup: func(h *harness) {
				_, issues := buggyFiles(2)
				h.scanner.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).Return(issues, nil)
				h.validator.EXPECT().Concurrency().Return(2).AnyTimes()
				h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(2)
				h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
					func(context.Context, sandbox.Request) (sandbox.Verdict, error) { panic("sandbox bug") }).Times(2)
			},
		},
		{
			name: "learning panic",
			setup: func(h *harness) {
				_, issues := buggyFiles(2)
				h.deps.Learning = panickingLearner{h.learner}
				h.scanner.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).Return(issues, nil)
				h.validator.EXPECT().Concurrency().Return(2).AnyTimes()
				h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(2)
				h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(2)
			},
		},
		{
			name: "unwritable workspace",
			setup: func(h *harness) {
				_, issues := buggyFiles(2)
				h.deps.FS = afero.NewReadOnlyFs(h.fs)
				h.scanner.EXPECT().Scan(gomock.Any(), gomock.Any(), gomock.Any()).Return(issues, nil)
				h.validator.EXPECT().Concurrency().Return(2).AnyTimes()
				h.fixer.EXPECT().Propose(gomock.Any(), gomock.Any()).DoAndReturn(fixFor).Times(2)
				h.validator.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(2)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, _ := buggyFiles(2)
			h := newHarness(t, files)
			tt.setup(h)

			e := h.engine(t)
			res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			assert.False(t, res.RollbackFailed)
			assert.EqualValues(t, 1, h.locks.acquires.Load())
			assert.EqualValues(t, 1, h.locks.releases.Load())
			h.assertUnlocked(t)
			for name, content := range files {
				assert.Equal(t, content, h.read(t, name))
			}
			assert.Len(t, h.obs.done, 1)
			assert.Equal(t, "completed", h.obs.states()[len(h.obs.states())-1])
		})
	}
}

func TestLockLossAbortsSession(t *testing.T) {
	files, issues := buggyFiles(1)
	h := newHarness(t, files)
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).DoAndReturn(
		func(context.Context, string, *issue.Filter) ([]issue.Issue, error) {
			// Someone deletes the sentinel mid-session.
			assert.NoError(t, h.fs.Remove(lock.SentinelPath(ws)))
			return issues, nil
		})
	h.validator.EXPECT().Concurrency().Return(1).AnyTimes()

	e := h.engine(t)
	res := run(t, e, func() (remediation.Session, error) { return e.StartAutomatedFix(context.Background(), ws, nil) })

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, lock.ErrLockLost.Error())
	assert.EqualValues(t, 1, h.locks.releases.Load())
}

func TestObserverCancelAndHistory(t *testing.T) {
	h := newHarness(t, map[string]string{"main.go": "package main\n"})
	h.scanner.EXPECT().Scan(gomock.Any(), ws, gomock.Any()).Return(nil, nil).Times(2)

	e := h.engine(t)
	var calls atomic.Int32
	cancel := e.Observe(remediation.ObserverFuncs{Completion: func(remediation.Result) { calls.Add(1) }})
	first := run(t, e, func() (remediation.Session, error) { return e.StartScan(context.Background(), ws, nil) })
	cancel()
	run(t, e, func() (remediation.Session, error) { return e.StartScan(context.Background(), ws, nil) })
	assert.EqualValues(t, 1, calls.Load())

	rec, err := h.archive.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "scan_only", rec.Mode)
	assert.True(t, rec.Success)
	assert.Equal(t, remediation.ExitOK, rec.ExitCode)

	recs, err := h.archive.List(context.Background(), state.ListFilter{Workspace: ws})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
