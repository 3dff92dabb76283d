package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/mattjoyce/mender/internal/backup"
	"github.com/mattjoyce/mender/internal/config"
	"github.com/mattjoyce/mender/internal/events"
	"github.com/mattjoyce/mender/internal/learning"
	"github.com/mattjoyce/mender/internal/lock"
	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/plugin"
	"github.com/mattjoyce/mender/internal/remediation"
	"github.com/mattjoyce/mender/internal/sandbox"
	"github.com/mattjoyce/mender/internal/state"
	"github.com/mattjoyce/mender/internal/storage"
	"github.com/mattjoyce/mender/internal/workspace"
)

// app holds the stores every command shares. The engine and its
// collaborators are built on demand because most commands never need them.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	locks    *lock.Manager
	backups  *backup.Store
	learning *learning.Store
	history  *state.Store
	hub      *events.Hub
}

// loadConfig resolves --config (or the discovered file) and sets up logging.
// With no config anywhere, defaults apply relative to the working directory.
func loadConfig(g *globalFlags) (*config.Config, error) {
	path := g.configPath
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}

	var cfg *config.Config
	if path == "" {
		cfg = config.Defaults()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.logLevel != "" {
		cfg.Service.LogLevel = g.logLevel
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.WithComponent("main").Debug("configuration loaded", "config", path, "state", cfg.State.Path)
	return cfg, nil
}

func openApp(ctx context.Context, g *globalFlags) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	logger := log.Get()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		locks: lock.NewManager(afero.NewOsFs(),
			lock.WithLogger(logger.With("component", "lock")),
			lock.WithFilesystemCheck(localWorkspace),
		),
		backups: backup.NewStore(cfg.Backups.Dir,
			backup.WithKeep(cfg.Backups.Keep),
			backup.WithLogger(logger.With("component", "backup")),
		),
		learning: learning.NewStore(db,
			learning.WithRetention(cfg.Learning.Retention),
			learning.WithCategoryCap(cfg.Learning.CategoryCap),
			learning.WithMinExportScore(cfg.Learning.MinExportScore),
			learning.WithDecay(cfg.Learning.PerformanceDecay),
			learning.WithLogger(logger.With("component", "learning")),
		),
		history: state.NewStore(db),
		hub:     events.NewHub(512),
	}, nil
}

// localWorkspace refuses workspaces on network mounts, where O_EXCL does not
// make the lock sentinel exclusive. Hosts that cannot report a mount type pass.
func localWorkspace(ws string) error {
	return storage.CheckLocal(ws, "workspace")
}

func (a *app) Close() error {
	return a.db.Close()
}

// newValidator builds the sandbox runner and clears scratch directories left
// by a previous crash.
func (a *app) newValidator(ctx context.Context) (*sandbox.Runner, []sandbox.CheckKind, error) {
	sc := a.cfg.Sandbox
	checks, err := sandbox.ParseChecks(sc.Checks)
	if err != nil {
		return nil, nil, err
	}
	toolchains, err := sandbox.LoadToolchains(sc.ToolchainsDir)
	if err != nil {
		return nil, nil, err
	}
	scratch, err := workspace.NewFSManager(sc.ScratchDir)
	if err != nil {
		return nil, nil, err
	}

	logger := a.logger.With("component", "sandbox")
	var backend sandbox.Backend
	switch sc.Backend {
	case "container":
		backend = sandbox.NewContainerBackend(sc.ContainerRuntime, sc.MemoryMB, sc.CPUs, logger)
	case "process", "":
		backend = sandbox.NewProcessBackend(logger)
	default:
		return nil, nil, fmt.Errorf("unknown sandbox backend %q", sc.Backend)
	}

	runner := sandbox.NewRunner(backend, toolchains, scratch,
		sandbox.WithTimeout(sc.Timeout),
		sandbox.WithConcurrency(sc.Concurrency),
		sandbox.WithChecks(checks),
		sandbox.WithLogger(logger),
	)
	if n, err := runner.CleanupOrphans(ctx); err != nil {
		logger.Warn("failed to clean orphaned sandboxes", "error", err)
	} else if n > 0 {
		logger.Info("removed orphaned sandboxes", "count", n)
	}
	return runner, checks, nil
}

// collaborators resolves the configured scanner and fixer plugins. An empty
// name picks the only (or alphabetically first) plugin of that kind.
func (a *app) collaborators() (*plugin.Client, *plugin.Client, error) {
	logger := a.logger.With("component", "plugin")
	registry, err := plugin.Discover(a.cfg.Collaborators.PluginsDir, func(level, msg string, args ...any) {
		logger.Log(context.Background(), log.ParseLevel(level), msg, args...)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("plugin discovery in %s: %w", a.cfg.Collaborators.PluginsDir, err)
	}

	pick := func(kind plugin.Kind, name string) (*plugin.Plugin, error) {
		if name != "" {
			p, ok := registry.Get(name)
			if !ok {
				return nil, fmt.Errorf("%s plugin %q not found", kind, name)
			}
			if p.Kind != kind {
				return nil, fmt.Errorf("plugin %q is a %s, not a %s", name, p.Kind, kind)
			}
			return p, nil
		}
		candidates := registry.OfKind(kind)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no %s plugin found in %s", kind, a.cfg.Collaborators.PluginsDir)
		}
		return candidates[0], nil
	}

	scanner, err := pick(plugin.KindScanner, a.cfg.Collaborators.Scanner)
	if err != nil {
		return nil, nil, err
	}
	fixer, err := pick(plugin.KindFixer, a.cfg.Collaborators.Fixer)
	if err != nil {
		return nil, nil, err
	}
	timeout := a.cfg.Collaborators.Timeout
	return plugin.NewClient(scanner, timeout, logger), plugin.NewClient(fixer, timeout, logger), nil
}

// newEngine wires the full remediation stack.
func (a *app) newEngine(ctx context.Context) (*remediation.Engine, error) {
	validator, checks, err := a.newValidator(ctx)
	if err != nil {
		return nil, err
	}
	scanner, fixer, err := a.collaborators()
	if err != nil {
		return nil, err
	}

	engine, err := remediation.New(remediation.Deps{
		Scanner:   scanner,
		Fixer:     fixer,
		Validator: validator,
		Locks:     a.locks,
		Backups:   a.backups,
		Learning:  a.learning,
		Archive:   a.history,
		Logger:    a.logger,
	}, remediation.Config{
		Checks:                checks,
		MaxAttempts:           a.cfg.Engine.MaxAttempts,
		ProvisionFailureLimit: a.cfg.Sandbox.ProvisionFailureLimit,
		LearningTimeout:       30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	engine.Observe(remediation.HubObserver{Hub: a.hub})
	return engine, nil
}

// instanceLockPath keeps one daemon per state directory.
func (a *app) instanceLockPath() string {
	return filepath.Join(filepath.Dir(a.cfg.State.Path), "mender.pid")
}

// startError maps an engine start rejection to exit status 2.
func startError(err error) error {
	if errors.Is(err, remediation.ErrAlreadyActive) || errors.Is(err, remediation.ErrWorkspaceBusy) {
		return &exitError{code: remediation.ExitAborted, err: fmt.Errorf("%w (another session may hold the workspace; see `mender unlock --stale`)", err)}
	}
	return &exitError{code: remediation.ExitAborted, err: err}
}
