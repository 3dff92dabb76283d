package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/mattjoyce/mender/internal/backup"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/learning"
	"github.com/mattjoyce/mender/internal/lock"
	"github.com/mattjoyce/mender/internal/sandbox"
	"github.com/mattjoyce/mender/internal/state"
	"github.com/mattjoyce/mender/internal/workspace"
)

var (
	ErrAlreadyActive    = errors.New("a remediation session is already active")
	ErrWorkspaceBusy    = errors.New("workspace is busy")
	ErrInvalidWorkspace = errors.New("invalid workspace")
	ErrInvalidRequest   = errors.New("invalid remediation request")
	ErrNoSession        = errors.New("no remediation session has been started")
	// ErrSystemicFailure aborts a session when the sandbox cannot be
	// provisioned for several candidates in a row.
	ErrSystemicFailure = errors.New("sandbox provisioning is failing systemically")
)

// Locker is the workspace lock. *lock.Manager implements it.
type Locker interface {
	Acquire(ctx context.Context, ws, sessionID string) (*lock.Handle, error)
	Verify(h *lock.Handle) error
	Release(h *lock.Handle) error
}

// Backups snapshots and restores workspaces. *backup.Store implements it.
type Backups interface {
	Snapshot(ctx context.Context, ws string) (backup.Backup, error)
	Restore(ctx context.Context, id, ws string) error
	Prune(ctx context.Context, ws string) (int, error)
}

// Learner persists outcomes. *learning.Store implements it.
type Learner interface {
	Ingest(ctx context.Context, outcomes []learning.Outcome) (int, error)
	RecordPerformance(ctx context.Context, modelID string, verdicts []sandbox.Verdict) error
	Statistics(ctx context.Context) (learning.Statistics, error)
}

// Archiver records finished sessions. *state.Store implements it.
type Archiver interface {
	Archive(ctx context.Context, rec state.Record) error
}

// Deps are the collaborators an Engine drives. Learning and Archive are
// optional.
type Deps struct {
	Scanner   Scanner
	Fixer     FixGenerator
	Validator Validator
	Locks     Locker
	Backups   Backups
	Learning  Learner
	Archive   Archiver
	// FS is where fixes are written. Defaults to the OS filesystem.
	FS     afero.Fs
	Logger *slog.Logger
}

// Config tunes session behaviour.
type Config struct {
	// Checks run against every candidate; empty means the validator default.
	Checks []sandbox.CheckKind
	// MaxAttempts is how many candidates an issue gets, the first included.
	MaxAttempts int
	// ProvisionFailureLimit consecutive provisioning failures abort the session.
	ProvisionFailureLimit int
	// LearningTimeout bounds the final ingest, which runs even after Stop.
	LearningTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:           2,
		ProvisionFailureLimit: 3,
		LearningTimeout:       30 * time.Second,
	}
}

// Engine runs at most one remediation session at a time.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	emit    emitter
	applyMu sync.Mutex

	mu       sync.Mutex
	starting bool
	current  *run
}

// New validates deps and returns an idle engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Scanner == nil:
		return nil, fmt.Errorf("remediation: scanner is required")
	case deps.Fixer == nil:
		return nil, fmt.Errorf("remediation: fix generator is required")
	case deps.Validator == nil:
		return nil, fmt.Errorf("remediation: validator is required")
	case deps.Locks == nil:
		return nil, fmt.Errorf("remediation: lock manager is required")
	case deps.Backups == nil:
		return nil, fmt.Errorf("remediation: backup store is required")
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProvisionFailureLimit < 1 {
		cfg.ProvisionFailureLimit = def.ProvisionFailureLimit
	}
	if cfg.LearningTimeout <= 0 {
		cfg.LearningTimeout = def.LearningTimeout
	}
	e := &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With("component", "engine"),
		newID:  uuid.NewString,
		now:    time.Now,
	}
	e.emit.logger = e.logger
	return e, nil
}

// Observe registers o for every future event. The returned func
// unregisters it.
func (e *Engine) Observe(o Observer) (cancel func()) {
	return e.emit.add(o)
}

// StartAutomatedFix fixes every issue the scanner reports that matches
// filter. A nil filter matches everything.
func (e *Engine) StartAutomatedFix(ctx context.Context, ws string, filter *issue.Filter) (Session, error) {
	return e.start(ctx, ws, ModeFullAutomation, filter, nil)
}

// StartTargetedFix fixes the single issue ref identifies.
func (e *Engine) StartTargetedFix(ctx context.Context, ws string, ref issue.Ref) (Session, error) {
	if ref.ID == "" && ref.File == "" {
		return Session{}, fmt.Errorf("%w: issue reference needs an id or a file", ErrInvalidRequest)
	}
	return e.start(ctx, ws, ModeTargeted, nil, &ref)
}

// StartScan reports issues without changing the workspace.
func (e *Engine) StartScan(ctx context.Context, ws string, filter *issue.Filter) (Session, error) {
	return e.start(ctx, ws, ModeScanOnly, filter, nil)
}

// start does everything that can reject a request before a session exists:
// the busy check, workspace validation and the lock.
func (e *Engine) start(ctx context.Context, ws string, mode Mode, filter *issue.Filter, ref *issue.Ref) (Session, error) {
	e.mu.Lock()
	if e.starting || (e.current != nil && !e.current.finished()) {
		e.mu.Unlock()
		return Session{}, ErrAlreadyActive
	}
	e.starting = true
	e.mu.Unlock()

	r, err := e.prepare(ctx, ws, mode, filter, ref)

	e.mu.Lock()
	e.starting = false
	if err != nil {
		e.mu.Unlock()
		return Session{}, err
	}
	e.current = r
	snap := r.session
	e.mu.Unlock()

	r.logger.Info("remediation session started", "mode", mode)
	go r.loop()
	return snap, nil
}

func (e *Engine) prepare(ctx context.Context, ws string, mode Mode, filter *issue.Filter, ref *issue.Ref) (*run, error) {
	canonical, err := workspace.Canonicalize(e.deps.FS, ws)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkspace, err)
	}

	id := e.newID()
	h, err := e.deps.Locks.Acquire(ctx, canonical, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkspaceBusy, err)
	}
	return newRun(e, id, canonical, mode, filter, ref, h), nil
}

// Stop asks the active session to wind down, keeping applied fixes. It
// reports whether a session was stopped; once a session is finishing or
// finished it returns false.
func (e *Engine) Stop() bool { return e.stop(false) }

// StopAndRevert is Stop that also restores the pre-session backup.
func (e *Engine) StopAndRevert() bool { return e.stop(true) }

func (e *Engine) stop(revert bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil || r.finished() || r.stopRequested {
		return false
	}
	switch r.session.Phase {
	case PhaseIdle, PhaseLocking, PhaseScanning, PhaseFixing, PhaseTesting, PhaseLearning:
	default:
		return false
	}
	r.stopRequested = true
	r.revert = revert
	r.cancelStop()
	r.logger.Info("stop requested", "revert", revert, "phase", r.session.Phase)
	return true
}

// Status returns the active session, or the last one if none is active.
// Before the first session it returns an idle zero Session.
func (e *Engine) Status() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Session{Phase: PhaseIdle}
	}
	return e.current.session
}

// Wait blocks until the current (or last) session completes.
func (e *Engine) Wait(ctx context.Context) (Result, error) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return Result{}, ErrNoSession
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Statistics returns learning corpus statistics.
func (e *Engine) Statistics(ctx context.Context) (learning.Statistics, error) {
	if e.deps.Learning == nil {
		return learning.Statistics{ByCategory: map[string]learning.CategoryStats{}}, nil
	}
	return e.deps.Learning.Statistics(ctx)
}
