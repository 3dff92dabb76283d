package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/mender/internal/dispatch"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/workspace"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultConcurrency = 4

	maxMessageBytes = 4 * 1024
)

// Runner validates candidates under a concurrency ceiling.
type Runner struct {
	backend     Backend
	toolchains  *Toolchains
	scratch     workspace.Manager
	sem         *semaphore.Weighted
	concurrency int
	timeout     time.Duration
	checks      []CheckKind
	logger      *slog.Logger
	newID       func() string
	hostFs      afero.Fs
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the wall-clock limit for one Run.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

// WithConcurrency sets how many Runs may execute at once.
func WithConcurrency(n int) Option { return func(r *Runner) { r.concurrency = n } }

// WithChecks sets the checks used when a Request names none.
func WithChecks(checks []CheckKind) Option { return func(r *Runner) { r.checks = checks } }

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithIDGenerator overrides how scratch ids are minted.
func WithIDGenerator(f func() string) Option { return func(r *Runner) { r.newID = f } }

// NewRunner creates a runner.
func NewRunner(backend Backend, toolchains *Toolchains, scratch workspace.Manager, opts ...Option) *Runner {
	r := &Runner{
		backend:     backend,
		toolchains:  toolchains,
		scratch:     scratch,
		concurrency: DefaultConcurrency,
		timeout:     DefaultTimeout,
		checks:      AllChecks,
		logger:      slog.Default(),
		newID:       func() string { return uuid.NewString() },
		hostFs:      afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.concurrency < 1 {
		r.concurrency = 1
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	r.sem = semaphore.NewWeighted(int64(r.concurrency))
	return r
}

// Concurrency returns the ceiling on simultaneous runs.
func (r *Runner) Concurrency() int { return r.concurrency }

// Backend returns the configured backend name.
func (r *Runner) Backend() string { return r.backend.Name() }

// CleanupOrphans removes scratch directories left behind by a previous
// process. Anything older than twice the run timeout cannot belong to a live
// run.
func (r *Runner) CleanupOrphans(ctx context.Context) (int, error) {
	report, err := r.scratch.Cleanup(ctx, 2*r.timeout)
	if err != nil {
		return report.DeletedDirs, err
	}
	if report.DeletedDirs > 0 {
		r.logger.Info("removed orphaned sandboxes", "count", report.DeletedDirs)
	}
	return report.DeletedDirs, nil
}

// Run validates req.Candidate. A returned error means the verdict is not a
// judgement of the candidate: the sandbox could not be provisioned (wraps
// ErrSandboxProvision) or ctx ended. Unsupported checks and timeouts come back
// as failed verdicts with a nil error.
func (r *Runner) Run(ctx context.Context, req Request) (Verdict, error) {
	started := time.Now()
	checks := normalizeChecks(req.Checks, r.checks)
	v := Verdict{Candidate: req.Candidate}
	finish := func(reason Reason) Verdict {
		v.Reason = reason
		v.Passed = reason == ReasonNone && len(v.Checks) > 0
		v.Score = Score(checks, v.Checks)
		v.Duration = time.Since(started)
		return v
	}

	lang := req.Candidate.Language
	if lang == "" {
		lang = issue.LanguageFromPath(req.Candidate.File)
	}
	plan, missing := r.plan(lang, checks)
	if len(missing) > 0 {
		for _, k := range checks {
			v.Checks = append(v.Checks, CheckResult{
				Kind:    k,
				Skipped: true,
				Message: fmt.Sprintf("%v: no %s check for language %q", ErrUnsupportedCheck, k, lang),
			})
		}
		r.logger.Debug("unsupported check requested", "language", lang, "missing", missing)
		return finish(ReasonUnsupportedCheck), nil
	}

	rel, err := workspace.Rel(req.Workspace, req.Candidate.File)
	if err != nil {
		v.Checks = skipped(checks, err.Error())
		return finish(ReasonInvalidCandidate), nil
	}
	patched, mode, err := r.patch(req.Workspace, rel, req.Candidate)
	if err != nil {
		if errors.Is(err, issue.ErrSnippetNotFound) || errors.Is(err, os.ErrNotExist) {
			v.Checks = skipped(checks, err.Error())
			return finish(ReasonInvalidCandidate), nil
		}
		return finish(ReasonProvision), fmt.Errorf("%w: %v", ErrSandboxProvision, err)
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return finish(ReasonCancelled), err
	}
	defer r.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	deadline, _ := runCtx.Deadline()

	runID := r.newID()
	logger := r.logger.With("sandbox_id", runID, "issue_id", req.Candidate.IssueID, "backend", r.backend.Name())

	for i, step := range plan {
		if ctx.Err() != nil {
			v.Checks = append(v.Checks, skipped(checks[i:], "cancelled")...)
			return finish(ReasonCancelled), ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			v.Checks = append(v.Checks, skipped(checks[i:], "run timeout reached")...)
			return finish(ReasonTimeout), nil
		}

		id := fmt.Sprintf("%s-%s", runID, step.kind)
		res, usage, err := r.runCheck(runCtx, logger, id, req.Workspace, rel, patched, mode, step, remaining)
		v.Usage = addUsage(v.Usage, usage)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			v.Checks = append(v.Checks, skipped(checks[i:], "cancelled")...)
			return finish(ReasonCancelled), ctx.Err()
		case errors.Is(err, ErrSandboxProvision):
			v.Checks = append(v.Checks, skipped(checks[i:], err.Error())...)
			return finish(ReasonProvision), err
		case errors.Is(err, dispatch.ErrTimeout) || runCtx.Err() != nil:
			res.Message = fmt.Sprintf("timed out after %s", r.timeout)
			v.Checks = append(v.Checks, res)
			v.Checks = append(v.Checks, skipped(checks[i+1:], "run timeout reached")...)
			logger.Warn("sandbox run timed out", "check", step.kind, "timeout", r.timeout)
			return finish(ReasonTimeout), nil
		default:
			return finish(ReasonProvision), fmt.Errorf("%w: %v", ErrSandboxProvision, err)
		}

		v.Checks = append(v.Checks, res)
		if !res.Passed {
			v.Checks = append(v.Checks, skipped(checks[i+1:], fmt.Sprintf("skipped after %s failed", step.kind))...)
			logger.Debug("check failed", "check", step.kind, "exit_code", res.ExitCode)
			return finish(ReasonChecksFailed), nil
		}
	}

	return finish(ReasonNone), nil
}

type planStep struct {
	kind      CheckKind
	argv      []string
	toolchain Toolchain
}

func (r *Runner) plan(lang string, checks []CheckKind) ([]planStep, []CheckKind) {
	tc, ok := r.toolchains.Lookup(lang)
	if !ok || lang == "" {
		return nil, checks
	}
	var (
		plan    []planStep
		missing []CheckKind
	)
	for _, k := range checks {
		argv, ok := tc.Command(k)
		if !ok {
			missing = append(missing, k)
			continue
		}
		plan = append(plan, planStep{kind: k, argv: argv, toolchain: tc})
	}
	return plan, missing
}

// patch reads the target file from the workspace and applies the candidate.
func (r *Runner) patch(ws, rel string, c issue.Candidate) ([]byte, os.FileMode, error) {
	path := filepath.Join(ws, rel)
	content, err := afero.ReadFile(r.hostFs, path)
	if err != nil {
		if !os.IsNotExist(err) || c.Original != "" {
			return nil, 0, fmt.Errorf("read %s: %w", rel, err)
		}
		content = nil
	}
	patched, err := c.Apply(content)
	if err != nil {
		return nil, 0, err
	}
	return patched, workspace.FileMode(r.hostFs, path, 0o644), nil
}

func (r *Runner) runCheck(
	ctx context.Context,
	logger *slog.Logger,
	id, ws, rel string,
	patched []byte,
	mode os.FileMode,
	step planStep,
	timeout time.Duration,
) (CheckResult, dispatch.Usage, error) {
	res := CheckResult{Kind: step.kind, ExitCode: -1}

	sc, err := r.scratch.Clone(ctx, ws, id, workspace.SkipLockFile)
	if err != nil {
		return res, dispatch.Usage{}, fmt.Errorf("%w: %v", ErrSandboxProvision, err)
	}
	defer func() {
		if err := r.scratch.Remove(context.Background(), id); err != nil {
			logger.Warn("failed to remove sandbox", "dir", sc.Dir, "error", err)
		}
	}()

	// Rename over the cloned file so a hard link back to the workspace is
	// broken rather than written through.
	if err := workspace.WriteFileAtomic(r.hostFs, filepath.Join(sc.Dir, rel), patched, mode); err != nil {
		return res, dispatch.Usage{}, fmt.Errorf("%w: write candidate: %v", ErrSandboxProvision, err)
	}

	started := time.Now()
	out, err := r.backend.Exec(ctx, Invocation{
		ID:      id,
		HostDir: sc.Dir,
		File:    filepath.ToSlash(rel),
		Argv:    step.argv,
		Image:   step.toolchain.Image,
		Env:     step.toolchain.Env,
		Timeout: timeout,
	})
	res.Duration = time.Since(started)
	res.ExitCode = out.ExitCode
	if err != nil {
		if errors.Is(err, dispatch.ErrStart) {
			return res, out.Usage, fmt.Errorf("%w: %v", ErrSandboxProvision, err)
		}
		return res, out.Usage, err
	}
	res.Passed = out.ExitCode == 0
	if !res.Passed {
		res.Message = message(out)
	}
	return res, out.Usage, nil
}

func normalizeChecks(requested, fallback []CheckKind) []CheckKind {
	if len(requested) == 0 {
		requested = fallback
	}
	seen := make(map[CheckKind]bool, len(requested))
	out := make([]CheckKind, 0, len(requested))
	for _, k := range AllChecks {
		for _, want := range requested {
			if want == k && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	// Unknown kinds stay so the plan reports them as unsupported.
	for _, want := range requested {
		if !seen[want] {
			seen[want] = true
			out = append(out, want)
		}
	}
	return out
}

func skipped(kinds []CheckKind, why string) []CheckResult {
	out := make([]CheckResult, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, CheckResult{Kind: k, Skipped: true, ExitCode: -1, Message: why})
	}
	return out
}

func message(out dispatch.Outcome) string {
	msg := strings.TrimSpace(out.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(string(out.Stdout))
	}
	if len(msg) > maxMessageBytes {
		msg = msg[len(msg)-maxMessageBytes:]
	}
	return msg
}

func addUsage(a, b dispatch.Usage) dispatch.Usage {
	a.UserCPU += b.UserCPU
	a.SystemCPU += b.SystemCPU
	a.Wall += b.Wall
	if b.MaxRSS > a.MaxRSS {
		a.MaxRSS = b.MaxRSS
	}
	return a
}
