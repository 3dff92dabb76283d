// Package scheduler starts automated remediation runs on an interval or when
// a watched workspace changes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mattjoyce/mender/internal/config"
	"github.com/mattjoyce/mender/internal/events"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/remediation"
)

// Event types published by the scheduler.
const (
	TypeTriggered = "scheduler.triggered"
	TypeSkipped   = "scheduler.skipped"
)

const defaultDebounce = 2 * time.Second

// Scheduler owns one goroutine per trigger source.
type Scheduler struct {
	workspaces []config.ScheduledWorkspace
	runner     Runner
	events     *events.Hub
	logger     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg config.SchedulerConfig, runner Runner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workspaces: cfg.Workspaces,
		runner:     runner,
		events:     hub,
		logger:     logger.With("component", "scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the interval and watch loops. It returns once they are
// running; a workspace that cannot be watched stops everything started so far.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "workspaces", len(s.workspaces))

	for _, ws := range s.workspaces {
		if ws.Watch {
			w, err := newWatcher(ws.Path)
			if err != nil {
				s.Stop()
				return fmt.Errorf("watch %s: %w", ws.Path, err)
			}
			s.wg.Add(1)
			go s.watchLoop(ctx, ws, w)
		}
		if ws.Every > 0 {
			s.wg.Add(1)
			go s.tickLoop(ctx, ws)
		}
	}
	return nil
}

// Stop gracefully stops the scheduler. It does not stop a session that is
// already running.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

// tickLoop triggers ws every ws.Every, plus up to ten percent jitter so
// several workspaces on the same interval do not start in lockstep.
func (s *Scheduler) tickLoop(ctx context.Context, ws config.ScheduledWorkspace) {
	defer s.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(ws.Every, ws.Every/10))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.trigger(ctx, ws, "interval")
			timer.Reset(calculateJitteredInterval(ws.Every, ws.Every/10))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop", "workspace", ws.Path)
			return
		}
	}
}

// trigger starts a session for ws. A busy engine or workspace is not an
// error: the run is skipped and the next trigger tries again.
func (s *Scheduler) trigger(ctx context.Context, ws config.ScheduledWorkspace, reason string) {
	sess, err := s.runner.StartAutomatedFix(ctx, ws.Path, filterFor(ws))
	switch {
	case err == nil:
		s.events.Publish(sess.ID, TypeTriggered, map[string]any{
			"workspace": ws.Path,
			"trigger":   reason,
		})
		s.logger.Info("Scheduled remediation started", "workspace", ws.Path, "trigger", reason, "session_id", sess.ID)
	case errors.Is(err, remediation.ErrAlreadyActive), errors.Is(err, remediation.ErrWorkspaceBusy):
		s.events.Publish("", TypeSkipped, map[string]any{
			"workspace": ws.Path,
			"trigger":   reason,
			"reason":    err.Error(),
		})
		s.logger.Info("Skipped scheduled remediation", "workspace", ws.Path, "trigger", reason, "reason", err)
	default:
		s.logger.Error("Failed to start scheduled remediation", "workspace", ws.Path, "trigger", reason, "error", err)
	}
}

func filterFor(ws config.ScheduledWorkspace) *issue.Filter {
	if len(ws.Categories) == 0 && ws.MinSeverity == "" {
		return nil
	}
	return &issue.Filter{
		Categories:  ws.Categories,
		MinSeverity: issue.Severity(ws.MinSeverity),
	}
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int64N(int64(jitter)))
}
