package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/remediation"
)

type filterFlags struct {
	categories  []string
	minSeverity string
	files       []string
	languages   []string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.categories, "category", nil, "Only issues in these categories")
	cmd.Flags().StringVar(&f.minSeverity, "min-severity", "", "Only issues at or above this severity (info, low, medium, high, critical)")
	cmd.Flags().StringSliceVar(&f.files, "only-file", nil, "Only issues in these workspace-relative files")
	cmd.Flags().StringSliceVar(&f.languages, "language", nil, "Only issues in these languages")
}

// filter returns nil when no flag narrows the scan.
func (f *filterFlags) filter() (*issue.Filter, error) {
	if len(f.categories) == 0 && f.minSeverity == "" && len(f.files) == 0 && len(f.languages) == 0 {
		return nil, nil
	}
	sev := issue.Severity(f.minSeverity)
	if f.minSeverity != "" && sev != issue.SeverityInfo && sev.Rank() == 0 {
		return nil, fmt.Errorf("unknown severity %q", f.minSeverity)
	}
	return &issue.Filter{
		Categories:  f.categories,
		MinSeverity: sev,
		Files:       f.files,
		Languages:   f.languages,
	}, nil
}

type startFunc func(ctx context.Context, e *remediation.Engine, ws string) (remediation.Session, error)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		ff     filterFlags
		revert bool
	)
	cmd := &cobra.Command{
		Use:   "run [workspace]",
		Short: "Scan a workspace and fix every issue found",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.filter()
			if err != nil {
				return err
			}
			return runForeground(cmd, g, workspaceArg(args), revert, func(ctx context.Context, e *remediation.Engine, ws string) (remediation.Session, error) {
				return e.StartAutomatedFix(ctx, ws, filter)
			})
		},
	}
	ff.register(cmd)
	cmd.Flags().BoolVar(&revert, "revert", false, "Restore the workspace backup if interrupted")
	return cmd
}

func newFixCmd(g *globalFlags) *cobra.Command {
	var (
		ref    issue.Ref
		sev    string
		revert bool
	)
	cmd := &cobra.Command{
		Use:   "fix [workspace]",
		Short: "Fix one issue identified by id or by file and line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ref.ID == "" && ref.File == "" {
				return errors.New("fix needs --id or --file")
			}
			ref.Severity = issue.Severity(sev)
			return runForeground(cmd, g, workspaceArg(args), revert, func(ctx context.Context, e *remediation.Engine, ws string) (remediation.Session, error) {
				return e.StartTargetedFix(ctx, ws, ref)
			})
		},
	}
	cmd.Flags().StringVar(&ref.ID, "id", "", "Issue id as reported by the scanner")
	cmd.Flags().StringVar(&ref.File, "file", "", "Workspace-relative file containing the issue")
	cmd.Flags().IntVar(&ref.Line, "line", 0, "Line of the issue in --file")
	cmd.Flags().StringVar(&ref.Category, "category", "", "Issue category")
	cmd.Flags().StringVar(&sev, "severity", "", "Issue severity")
	cmd.Flags().StringVar(&ref.Description, "description", "", "What is wrong, passed to the fixer")
	cmd.Flags().BoolVar(&revert, "revert", false, "Restore the workspace backup if interrupted")
	return cmd
}

func newScanCmd(g *globalFlags) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "scan [workspace]",
		Short: "Report issues without changing anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := ff.filter()
			if err != nil {
				return err
			}
			return runForeground(cmd, g, workspaceArg(args), false, func(ctx context.Context, e *remediation.Engine, ws string) (remediation.Session, error) {
				return e.StartScan(ctx, ws, filter)
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func workspaceArg(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}

// runForeground starts a session and waits for it. The first SIGINT or
// SIGTERM stops the session; a second one is ignored so the engine can
// unlock cleanly.
func runForeground(cmd *cobra.Command, g *globalFlags, ws string, revert bool, start startFunc) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.newEngine(ctx)
	if err != nil {
		return err
	}
	revert = revert || a.cfg.Engine.RevertOnCancel

	sess, err := start(ctx, engine, ws)
	if err != nil {
		return startError(err)
	}
	logger := log.WithSession(sess.ID)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		stopping := false
		for {
			select {
			case sig := <-sigCh:
				if stopping {
					logger.Warn("already stopping, waiting for the session to unlock", "signal", sig.String())
					continue
				}
				stopping = true
				logger.Info("stopping session", "signal", sig.String(), "revert", revert)
				if revert {
					engine.StopAndRevert()
				} else {
					engine.Stop()
				}
			case <-done:
				return
			}
		}
	}()

	res, err := engine.Wait(context.Background())
	if err != nil {
		return err
	}
	if err := printResult(cmd.OutOrStdout(), res, g.jsonOut); err != nil {
		return err
	}
	if code := res.ExitCode(); code != remediation.ExitOK {
		var cause error
		if res.Error != "" {
			cause = errors.New(res.Error)
		}
		return &exitError{code: code, err: cause}
	}
	return nil
}

func printResult(w io.Writer, res remediation.Result, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "session:   %s\n", res.SessionID)
	fmt.Fprintf(w, "workspace: %s\n", res.Workspace)
	fmt.Fprintf(w, "mode:      %s\n", res.Mode)
	fmt.Fprintf(w, "outcome:   %s\n", outcome(res))
	fmt.Fprintf(w, "duration:  %s\n", res.Duration.Round(time.Millisecond))
	if res.BackupID != "" {
		fmt.Fprintf(w, "backup:    %s\n", res.BackupID)
	}
	fmt.Fprintf(w, "issues: %d found, %d fixed, %d unresolved\n", res.IssuesFound, res.FixesApplied, res.Unresolved)
	fmt.Fprintf(w, "validation: %d passed, %d failed\n", res.TestsPassed, res.TestsFailed)
	fmt.Fprintf(w, "learning examples: %d\n", res.LearningExamples)
	for _, d := range res.Details {
		line := fmt.Sprintf("  %-10s %s %s", d.Status, d.File, d.IssueID)
		if d.Attempts > 0 {
			line += fmt.Sprintf(" (attempts %d, score %.2f)", d.Attempts, d.Score)
		}
		if d.Reason != "" {
			line += " " + d.Reason
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func outcome(res remediation.Result) string {
	switch {
	case res.RollbackFailed:
		return "rollback failed"
	case res.Error != "":
		return "aborted: " + res.Error
	case res.Cancelled && res.RolledBack:
		return "cancelled, workspace restored"
	case res.Cancelled:
		return "cancelled"
	case res.Unresolved > 0:
		return "unresolved issues remain"
	default:
		return "ok"
	}
}
