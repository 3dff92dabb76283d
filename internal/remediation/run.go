package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/mender/internal/backup"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/learning"
	"github.com/mattjoyce/mender/internal/lock"
	"github.com/mattjoyce/mender/internal/sandbox"
	"github.com/mattjoyce/mender/internal/state"
	"github.com/mattjoyce/mender/internal/workspace"
)

// Progress landmarks. Issue work fills the span between fixStart and fixEnd.
const (
	pctBackup   = 0.02
	pctScan     = 0.10
	pctFixStart = 0.15
	pctFixEnd   = 0.90
	pctLearning = 0.92
	pctUnlock   = 0.97
)

type workItem struct {
	issue    issue.Issue
	attempt  int
	previous *sandbox.Verdict
}

type proposal struct {
	item      workItem
	candidate issue.Candidate
	// base is the digest of the target file when the candidate was
	// accepted; apply refuses to write over anything else.
	base string
	err  error
}

// run is one session. Everything below the guarded fields is owned by the
// session goroutine.
type run struct {
	e      *Engine
	logger *slog.Logger
	ws     string
	mode   Mode
	filter *issue.Filter
	ref    *issue.Ref
	handle *lock.Handle

	stopCtx    context.Context
	cancelStop context.CancelFunc
	done       chan struct{}

	// guarded by e.mu
	session       Session
	stopRequested bool
	revert        bool

	started    time.Time
	fixStarted time.Time
	lastPct    float64
	released   bool
	learned    bool
	backup     *backup.Backup

	issues   []issue.Issue
	details  []IssueDetail
	index    map[string]int
	settled  map[string]bool
	queue    []workItem
	wave     []proposal
	outcomes []learning.Outcome

	mutated         bool
	provisionStreak int
	err             error
	cancelled       bool
	rolledBack      bool
	rollbackFailed  bool
	examples        int
	testsPassed     int
	testsFailed     int
	fixesApplied    int

	result Result
}

func newRun(e *Engine, id, ws string, mode Mode, filter *issue.Filter, ref *issue.Ref, h *lock.Handle) *run {
	stopCtx, cancel := context.WithCancel(context.Background())
	now := e.now()
	return &run{
		e:          e,
		logger:     e.logger.With("session_id", id, "workspace", ws),
		ws:         ws,
		mode:       mode,
		filter:     filter,
		ref:        ref,
		handle:     h,
		stopCtx:    stopCtx,
		cancelStop: cancel,
		done:       make(chan struct{}),
		session: Session{
			ID:        id,
			Workspace: ws,
			Mode:      mode,
			Phase:     PhaseIdle,
			StartedAt: now,
		},
		started: now,
		index:   map[string]int{},
		settled: map[string]bool{},
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) id() string { return r.session.ID }

func (r *run) stopping() bool {
	r.e.mu.Lock()
	defer r.e.mu.Unlock()
	return r.stopRequested
}

// loop drives the session from Locking to Completed. Whatever happens in a
// step, the lock is released before done is closed.
func (r *run) loop() {
	defer close(r.done)
	defer r.cancelStop()
	defer r.ensureReleased()

	phase, next := PhaseIdle, PhaseLocking
	for {
		next = r.checked(phase, next)
		r.enter(next)
		phase = next
		if phase == PhaseCompleted {
			break
		}
		if r.stopping() && canTransition(phase, PhaseCancelling) {
			next = PhaseCancelling
			continue
		}
		next = r.safeStep(phase)
	}
	r.finish()
}

// checked returns to, or the nearest exit if to is not a legal successor.
func (r *run) checked(from, to Phase) Phase {
	if canTransition(from, to) {
		return to
	}
	r.logger.Error("illegal phase transition", "from", from, "to", to)
	r.fail(fmt.Errorf("illegal phase transition %s -> %s", from, to))
	return exitFrom(from)
}

func exitFrom(p Phase) Phase {
	for _, next := range []Phase{PhaseFailing, PhaseUnlocking, PhaseCompleted} {
		if canTransition(p, next) {
			return next
		}
	}
	return PhaseCompleted
}

func (r *run) safeStep(p Phase) (next Phase) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("panic in remediation phase", "phase", p, "panic", v, "stack", string(debug.Stack()))
			if p == PhaseRollingBack {
				r.rollbackFailed = true
			}
			r.fail(fmt.Errorf("panic during %s: %v", p, v))
			next = exitFrom(p)
		}
	}()
	return r.step(p)
}

// step performs the work of phase p and returns the phase to enter next.
func (r *run) step(p Phase) Phase {
	switch p {
	case PhaseLocking:
		return r.snapshot()
	case PhaseScanning:
		return r.scan()
	case PhaseFixing:
		return r.propose()
	case PhaseTesting:
		return r.validate()
	case PhaseLearning:
		r.progress(pctLearning, "recording outcomes")
		r.learn()
		// A stop that arrived during ingest still cancels (and may revert)
		// once the outcomes are stored.
		if r.stopping() {
			return PhaseCancelling
		}
		return PhaseUnlocking
	case PhaseFailing:
		if r.mutated {
			return PhaseRollingBack
		}
		return PhaseUnlocking
	case PhaseCancelling:
		r.cancelled = true
		r.e.mu.Lock()
		revert := r.revert
		r.e.mu.Unlock()
		if revert && r.mutated {
			return PhaseRollingBack
		}
		return PhaseUnlocking
	case PhaseRollingBack:
		r.rollback()
		return PhaseUnlocking
	case PhaseUnlocking:
		r.progress(pctUnlock, "releasing workspace")
		// Failure and cancel paths skip Learning; their outcomes still count.
		r.learn()
		r.release()
		r.progress(1, "done")
		return PhaseCompleted
	default:
		panic(fmt.Sprintf("no step for phase %s", p))
	}
}

func (r *run) enter(p Phase) {
	r.e.mu.Lock()
	r.session.Phase = p
	if p == PhaseCompleted {
		r.session.CompletedAt = r.e.now()
		r.session.EstimatedCompletion = time.Time{}
	}
	r.e.mu.Unlock()

	r.logger.Debug("phase transition", "phase", p)
	r.e.emit.stateChange(r.id(), p)

	switch p {
	case PhaseLocking:
		r.progress(0, "preparing workspace")
	case PhaseScanning:
		r.progress(pctScan, "scanning workspace")
	case PhaseFixing:
		r.progress(pctFixStart, "generating fixes")
	case PhaseTesting:
		r.progress(r.lastPct, "validating candidates")
	case PhaseFailing:
		r.progress(r.lastPct, "aborting: "+errString(r.err))
	case PhaseRollingBack:
		r.progress(r.lastPct, "restoring backup")
	case PhaseCancelling:
		r.progress(r.lastPct, "stopping")
	}
}

// progress reports pct, clamped so it never goes backwards.
func (r *run) progress(pct float64, step string) {
	pct = min(max(pct, r.lastPct), 1)
	r.lastPct = pct

	r.e.mu.Lock()
	r.session.Progress = pct
	r.session.Step = step
	r.e.mu.Unlock()

	r.e.emit.progress(r.id(), step, pct)
}

func (r *run) fail(err error) {
	if r.err == nil {
		r.err = err
		r.logger.Error("remediation session failed", "error", err)
	} else {
		r.logger.Error("additional session failure", "error", err)
	}
	r.e.mu.Lock()
	r.session.Error = errString(r.err)
	r.e.mu.Unlock()
}

func (r *run) snapshot() Phase {
	if r.mode == ModeScanOnly {
		return PhaseScanning
	}
	r.progress(pctBackup, "creating backup")
	b, err := r.e.deps.Backups.Snapshot(r.stopCtx, r.ws)
	if err != nil {
		if r.stopCtx.Err() != nil {
			return PhaseCancelling
		}
		r.fail(err)
		return PhaseFailing
	}
	r.backup = &b
	r.e.mu.Lock()
	r.session.BackupID = b.ID
	r.e.mu.Unlock()
	r.logger.Info("workspace backed up", "backup_id", b.ID, "files", b.Files, "bytes", b.Bytes)

	if n, err := r.e.deps.Backups.Prune(r.stopCtx, r.ws); err != nil {
		r.logger.Warn("failed to prune old backups", "error", err)
	} else if n > 0 {
		r.logger.Debug("pruned old backups", "count", n)
	}
	return PhaseScanning
}

func (r *run) scan() Phase {
	if err := r.e.deps.Locks.Verify(r.handle); err != nil {
		r.fail(err)
		return PhaseFailing
	}

	filter := r.filter
	if r.mode == ModeTargeted && r.ref.File != "" {
		filter = &issue.Filter{Files: []string{r.ref.File}}
	}
	found, err := r.e.deps.Scanner.Scan(r.stopCtx, r.ws, filter)
	if err != nil {
		if r.stopCtx.Err() != nil {
			return PhaseCancelling
		}
		r.fail(fmt.Errorf("scan: %w", err))
		return PhaseFailing
	}
	found = filter.Apply(found)
	if r.mode == ModeTargeted {
		found = r.target(found)
	}
	r.record(found)
	r.logger.Info("scan complete", "issues", len(r.issues))

	switch {
	case len(r.issues) == 0:
		r.progress(pctFixEnd, "no issues found")
		return PhaseLearning
	case r.mode == ModeScanOnly:
		for i := range r.details {
			r.details[i].Status = StatusFound
		}
		r.progress(pctFixEnd, fmt.Sprintf("found %d issue(s)", len(r.issues)))
		return PhaseLearning
	}

	for _, is := range r.issues {
		r.queue = append(r.queue, workItem{issue: is, attempt: 1})
	}
	r.fixStarted = r.e.now()
	return PhaseFixing
}

// target narrows found to the referenced issue, falling back to the issue
// the reference itself describes.
func (r *run) target(found []issue.Issue) []issue.Issue {
	for _, is := range found {
		if r.ref.Matches(is) {
			return []issue.Issue{is}
		}
	}
	if is, ok := r.ref.Issue(); ok {
		if is.Language == "" {
			is.Language = is.Lang()
		}
		return []issue.Issue{is}
	}
	return nil
}

// record keeps the first issue for each id and sets up its detail row.
func (r *run) record(found []issue.Issue) {
	for _, is := range found {
		if is.ID == "" {
			is.ID = fmt.Sprintf("%s:%d:%s", is.File, is.Location.Line, is.Category)
		}
		if _, dup := r.index[is.ID]; dup {
			continue
		}
		r.index[is.ID] = len(r.details)
		r.issues = append(r.issues, is)
		r.details = append(r.details, IssueDetail{
			IssueID:  is.ID,
			File:     is.File,
			Category: is.Category,
			Severity: string(is.Severity),
			Status:   StatusUnresolved,
		})
	}
}

// propose takes the next wave of issues off the queue and asks the fix
// generator for candidates. A wave is at most the validator's concurrency
// so every candidate can be validated at once, and holds at most one issue
// per file so no two candidates in it are validated against the same
// content.
func (r *run) propose() Phase {
	for {
		if len(r.queue) == 0 {
			return PhaseLearning
		}
		if r.stopping() {
			return PhaseCancelling
		}
		if err := r.e.deps.Locks.Verify(r.handle); err != nil {
			r.fail(err)
			return PhaseFailing
		}

		var batch []workItem
		batch, r.queue = nextWave(r.queue, max(r.e.deps.Validator.Concurrency(), 1))

		results := make([]proposal, len(batch))
		panics := make([]any, len(batch))
		var g errgroup.Group
		for i, item := range batch {
			g.Go(func() error {
				defer capturePanic(&panics[i])
				cand, err := r.e.deps.Fixer.Propose(r.stopCtx, ProposalRequest{
					SessionID: r.id(),
					Workspace: r.ws,
					Issue:     item.issue,
					Attempt:   item.attempt,
					Previous:  item.previous,
				})
				results[i] = proposal{item: item, candidate: cand, err: err}
				return nil
			})
		}
		_ = g.Wait()
		repanic(panics)

		for _, p := range results {
			r.accept(p)
		}
		if len(r.wave) > 0 {
			return PhaseTesting
		}
	}
}

// nextWave splits up to n items touching distinct files off the front of
// queue. Items held back keep their order.
func nextWave(queue []workItem, n int) (wave, rest []workItem) {
	files := make(map[string]bool, n)
	for _, item := range queue {
		if len(wave) < n && !files[item.issue.File] {
			files[item.issue.File] = true
			wave = append(wave, item)
			continue
		}
		rest = append(rest, item)
	}
	return wave, rest
}

// accept adds a proposal to the wave or settles its issue.
func (r *run) accept(p proposal) {
	is := p.item.issue
	r.details[r.index[is.ID]].Attempts = p.item.attempt

	if p.err != nil {
		if r.stopCtx.Err() != nil {
			r.giveUp(is.ID, "cancelled", "stopped before a candidate was produced")
			return
		}
		r.logger.Warn("fix generator failed", "issue_id", is.ID, "attempt", p.item.attempt, "error", p.err)
		if IsRetryable(p.err) {
			r.retry(p.item, p.item.previous, "proposal_failed", p.err.Error())
		} else {
			r.giveUp(is.ID, "proposal_failed", p.err.Error())
		}
		return
	}

	c := p.candidate
	c.IssueID = is.ID
	if c.File == "" {
		c.File = is.File
	}
	if c.Language == "" {
		c.Language = is.Lang()
	}
	rel, err := workspace.Rel(r.ws, c.File)
	if err == nil && workspace.IsLockFile(filepath.ToSlash(rel)) {
		err = fmt.Errorf("candidate targets the lock sentinel")
	}
	if err != nil {
		r.retry(p.item, p.item.previous, string(sandbox.ReasonInvalidCandidate), err.Error())
		return
	}
	for _, other := range r.wave {
		if otherRel, _ := workspace.Rel(r.ws, other.candidate.File); otherRel == rel {
			r.retry(p.item, p.item.previous, "conflict", fmt.Sprintf("%s already has a candidate in this wave", c.File))
			return
		}
	}
	base, err := r.digest(rel)
	if err != nil {
		r.retry(p.item, p.item.previous, "unreadable", err.Error())
		return
	}
	p.candidate, p.base = c, base
	r.wave = append(r.wave, p)
}

// validate runs the wave through the sandbox concurrently, then applies the
// passing candidates one at a time.
func (r *run) validate() Phase {
	wave := r.wave
	r.wave = nil

	verdicts := make([]sandbox.Verdict, len(wave))
	errs := make([]error, len(wave))
	panics := make([]any, len(wave))
	var g errgroup.Group
	for i, p := range wave {
		g.Go(func() error {
			defer capturePanic(&panics[i])
			// Not stopCtx: a check that has started runs to completion.
			verdicts[i], errs[i] = r.e.deps.Validator.Run(context.Background(), sandbox.Request{
				Workspace: r.ws,
				Candidate: p.candidate,
				Checks:    r.e.cfg.Checks,
			})
			return nil
		})
	}
	_ = g.Wait()
	repanic(panics)

	r.e.applyMu.Lock()
	defer r.e.applyMu.Unlock()

	if err := r.e.deps.Locks.Verify(r.handle); err != nil {
		r.fail(err)
		return PhaseFailing
	}

	for i, p := range wave {
		id := p.item.issue.ID
		v, err := verdicts[i], errs[i]

		if errors.Is(err, sandbox.ErrSandboxProvision) {
			r.provisionStreak++
			r.logger.Warn("sandbox provisioning failed", "issue_id", id, "streak", r.provisionStreak, "error", err)
			if r.provisionStreak >= r.e.cfg.ProvisionFailureLimit {
				r.fail(fmt.Errorf("%w: %d consecutive failures: %v", ErrSystemicFailure, r.provisionStreak, err))
				return PhaseFailing
			}
			r.retry(p.item, p.item.previous, string(sandbox.ReasonProvision), err.Error())
			continue
		}
		if err != nil {
			r.giveUp(id, "validation_error", err.Error())
			continue
		}
		r.provisionStreak = 0

		if !v.Passed {
			r.testsFailed++
			r.outcome(p, v, false)
			r.logger.Info("candidate rejected", "issue_id", id, "attempt", p.item.attempt, "reason", v.Reason, "score", v.Score)
			switch v.Reason {
			case sandbox.ReasonUnsupportedCheck, sandbox.ReasonCancelled:
				r.giveUp(id, string(v.Reason), v.Summary())
			default:
				r.retry(p.item, &v, string(v.Reason), v.Summary())
			}
			continue
		}

		r.testsPassed++
		err = r.apply(p.candidate, p.base)
		switch {
		case err == nil:
			r.fixesApplied++
			r.mutated = true
			r.outcome(p, v, true)
			r.resolve(id, v.Score)
			r.logger.Info("fix applied", "issue_id", id, "file", p.candidate.File, "score", v.Score)
		case errors.Is(err, errConflict):
			r.outcome(p, v, false)
			r.retry(p.item, &v, "conflict", err.Error())
		default:
			r.outcome(p, v, false)
			r.fail(fmt.Errorf("apply fix for %s: %w", id, err))
			return PhaseFailing
		}
	}
	return PhaseFixing
}

func (r *run) outcome(p proposal, v sandbox.Verdict, applied bool) {
	r.outcomes = append(r.outcomes, learning.Outcome{
		SessionID: r.id(),
		Category:  p.item.issue.Category,
		Candidate: p.candidate,
		Verdict:   v,
		Applied:   applied,
	})
	if v.Score > r.details[r.index[p.item.issue.ID]].Score {
		r.details[r.index[p.item.issue.ID]].Score = v.Score
	}
}

// retry requeues item if it has attempts left, otherwise gives up on it.
func (r *run) retry(item workItem, previous *sandbox.Verdict, reason, msg string) {
	if item.attempt < r.e.cfg.MaxAttempts {
		d := &r.details[r.index[item.issue.ID]]
		d.Reason, d.Message = reason, msg
		r.queue = append(r.queue, workItem{issue: item.issue, attempt: item.attempt + 1, previous: previous})
		return
	}
	r.giveUp(item.issue.ID, reason, msg)
}

func (r *run) giveUp(id, reason, msg string) {
	d := &r.details[r.index[id]]
	d.Status, d.Reason, d.Message = StatusUnresolved, reason, msg
	r.settle(id, "unresolved "+id)
}

func (r *run) resolve(id string, score float64) {
	d := &r.details[r.index[id]]
	d.Status, d.Reason, d.Message, d.Score = StatusFixed, "", "", score
	r.settle(id, "fixed "+id)
}

// settle marks an issue as finished and advances progress.
func (r *run) settle(id, step string) {
	if r.settled[id] {
		return
	}
	r.settled[id] = true
	done, total := len(r.settled), len(r.issues)

	if done < total && !r.fixStarted.IsZero() {
		perIssue := r.e.now().Sub(r.fixStarted) / time.Duration(done)
		r.e.mu.Lock()
		r.session.EstimatedCompletion = r.e.now().Add(perIssue * time.Duration(total-done))
		r.e.mu.Unlock()
	}
	r.progress(pctFixStart+(pctFixEnd-pctFixStart)*float64(done)/float64(total),
		fmt.Sprintf("%s (%d/%d)", step, done, total))
}

// learn flushes outcomes once. It runs after Stop, so it is bounded by its
// own timeout rather than the session's stop context.
func (r *run) learn() {
	if r.learned {
		return
	}
	r.learned = true
	if r.e.deps.Learning == nil || len(r.outcomes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.e.cfg.LearningTimeout)
	defer cancel()

	n, err := r.e.deps.Learning.Ingest(ctx, r.outcomes)
	if err != nil {
		r.logger.Warn("learning ingest failed", "error", err, "outcomes", len(r.outcomes))
	}
	r.examples = n

	byModel := map[string][]sandbox.Verdict{}
	for _, o := range r.outcomes {
		byModel[o.Candidate.ModelID] = append(byModel[o.Candidate.ModelID], o.Verdict)
	}
	for _, model := range slices.Sorted(maps.Keys(byModel)) {
		if err := r.e.deps.Learning.RecordPerformance(ctx, model, byModel[model]); err != nil {
			r.logger.Warn("failed to record model performance", "model_id", model, "error", err)
		}
	}
}

func (r *run) rollback() {
	if r.backup == nil {
		r.rollbackFailed = true
		r.fail(fmt.Errorf("%w: no backup to restore", backup.ErrRestoreConflict))
		return
	}
	r.logger.Warn("rolling back workspace", "backup_id", r.backup.ID)
	// Restore must finish even when the session was stopped.
	if err := r.e.deps.Backups.Restore(context.Background(), r.backup.ID, r.ws); err != nil {
		r.rollbackFailed = true
		r.fail(fmt.Errorf("rollback: %w", err))
		return
	}
	r.rolledBack = true
	r.logger.Info("workspace restored", "backup_id", r.backup.ID)
}

// release unlocks exactly once, whatever happens inside Release.
func (r *run) release() {
	if r.released {
		return
	}
	r.released = true
	if err := r.e.deps.Locks.Release(r.handle); err != nil {
		r.logger.Error("failed to release workspace lock", "error", err)
	}
}

func (r *run) ensureReleased() {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("panic releasing workspace lock", "panic", v)
		}
	}()
	r.release()
}

func (r *run) finish() {
	res := Result{
		SessionID:        r.id(),
		Workspace:        r.ws,
		Mode:             r.mode,
		IssuesFound:      len(r.issues),
		FixesApplied:     r.fixesApplied,
		TestsPassed:      r.testsPassed,
		TestsFailed:      r.testsFailed,
		LearningExamples: r.examples,
		Duration:         r.e.now().Sub(r.started),
		Error:            errString(r.err),
		Cancelled:        r.cancelled,
		RolledBack:       r.rolledBack,
		RollbackFailed:   r.rollbackFailed,
		Details:          slices.Clone(r.details),
	}
	if r.backup != nil {
		res.BackupID = r.backup.ID
	}
	if r.mode != ModeScanOnly {
		for i := range res.Details {
			d := &res.Details[i]
			if d.Status == StatusUnresolved && !r.settled[d.IssueID] && d.Reason == "" {
				d.Reason = "not_processed"
			}
			if d.Status != StatusFixed {
				res.Unresolved++
			}
			if r.rolledBack && d.Status == StatusFixed {
				d.Status = StatusUnresolved
				d.Reason = "rolled_back"
				res.Unresolved++
			}
		}
	}
	if res.Details == nil {
		res.Details = []IssueDetail{}
	}
	res.Success = r.err == nil && !r.cancelled

	r.archive(res)
	r.result = res
	r.logger.Info("remediation session completed",
		"success", res.Success,
		"issues_found", res.IssuesFound,
		"fixes_applied", res.FixesApplied,
		"unresolved", res.Unresolved,
		"exit_code", res.ExitCode(),
		"duration", res.Duration,
	)
	r.e.emit.completion(res)
}

func (r *run) archive(res Result) {
	if r.e.deps.Archive == nil {
		return
	}
	doc, err := json.Marshal(res)
	if err != nil {
		r.logger.Warn("failed to encode session result", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := state.Record{
		SessionID:   res.SessionID,
		Workspace:   r.ws,
		Mode:        string(r.mode),
		FinalPhase:  PhaseCompleted.String(),
		Success:     res.Success,
		ExitCode:    res.ExitCode(),
		StartedAt:   r.started,
		CompletedAt: r.e.now(),
		LastError:   res.Error,
		Result:      doc,
	}
	if err := r.e.deps.Archive.Archive(ctx, rec); err != nil {
		r.logger.Warn("failed to archive session", "error", err)
	}
}

// capturePanic records a collaborator panic from a worker goroutine so
// repanic can raise it on the session goroutine, where safeStep handles it.
func capturePanic(dst *any) {
	if v := recover(); v != nil {
		*dst = v
	}
}

func repanic(panics []any) {
	for _, v := range panics {
		if v != nil {
			panic(v)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
