package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/api"
	"github.com/mattjoyce/mender/internal/auth"
	"github.com/mattjoyce/mender/internal/lock"
	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/remediation"
	"github.com/mattjoyce/mender/internal/scheduler"
)

// drainTimeout bounds how long shutdown waits for an active session.
const drainTimeout = 5 * time.Minute

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and scheduled remediations until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(g)
		},
	}
}

func serve(g *globalFlags) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := log.WithComponent("main")

	instance, err := lock.AcquireInstanceLock(a.instanceLockPath())
	if err != nil {
		return fmt.Errorf("another mender daemon is running: %w", err)
	}
	defer func() {
		if err := instance.Release(); err != nil {
			logger.Warn("failed to release instance lock", "path", instance.Path(), "error", err)
		}
	}()

	engine, err := a.newEngine(ctx)
	if err != nil {
		return err
	}

	if !a.cfg.API.Enabled && len(a.cfg.Scheduler.Workspaces) == 0 {
		return errors.New("nothing to serve: enable api or configure scheduler.workspaces")
	}

	errCh := make(chan error, 1)
	if a.cfg.API.Enabled {
		tokens := make([]auth.Token, 0, len(a.cfg.API.Auth.Tokens))
		for _, t := range a.cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.Token{
				Name:       t.Name,
				Secret:     t.Token,
				Scopes:     t.Scopes,
				Workspaces: t.Workspaces,
			})
		}
		authn, err := auth.NewAuthenticator(a.cfg.API.Auth.APIKey, tokens)
		if err != nil {
			return fmt.Errorf("api.auth: %w", err)
		}
		server := api.New(api.Config{
			Listen: a.cfg.API.Listen,
			Auth:   authn,
		}, engine, a.hub, log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}

	sched := scheduler.New(a.cfg.Scheduler, engine, a.hub, log.WithComponent("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}

	cancel()
	sched.Stop()
	drain(engine, a.cfg.Engine.RevertOnCancel)
	return runErr
}

// drain stops an active session and waits for it to unlock.
func drain(engine *remediation.Engine, revert bool) {
	if !engine.Status().Phase.Active() {
		return
	}
	logger := log.WithComponent("main")
	if revert {
		engine.StopAndRevert()
	} else {
		engine.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	res, err := engine.Wait(ctx)
	if err != nil {
		logger.Error("active session did not finish before shutdown", "error", err)
		return
	}
	logger.Info("active session finished", "session_id", res.SessionID, "rolled_back", res.RolledBack)
}
