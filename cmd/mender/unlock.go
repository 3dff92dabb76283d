package main

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/lock"
	"github.com/mattjoyce/mender/internal/workspace"
)

func newUnlockCmd(g *globalFlags) *cobra.Command {
	var stale bool
	cmd := &cobra.Command{
		Use:   "unlock <workspace>",
		Short: "Show who holds a workspace lock, or reclaim it from a dead owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			ws, err := workspace.Canonicalize(afero.NewOsFs(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !stale {
				rec, err := a.locks.Inspect(ws)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return writeJSON(out, rec)
				}
				if rec == nil {
					fmt.Fprintf(out, "%s is not locked\n", ws)
					return nil
				}
				fmt.Fprintf(out, "%s is locked by session %s (pid %d on %s since %s)\n",
					ws, rec.SessionID, rec.PID, rec.Hostname, rec.AcquiredAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintln(out, "run with --stale to reclaim it if that process is gone")
				return nil
			}

			rec, err := a.locks.ReclaimStale(cmd.Context(), ws)
			if errors.Is(err, lock.ErrNotStale) {
				return fmt.Errorf("refusing to unlock %s: %w", ws, err)
			}
			if err != nil {
				return err
			}
			if rec == nil {
				fmt.Fprintf(out, "%s is not locked\n", ws)
				return nil
			}
			fmt.Fprintf(out, "reclaimed lock on %s from session %s (pid %d)\n", ws, rec.SessionID, rec.PID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stale, "stale", false, "Remove the lock if its owner is verifiably dead")
	return cmd
}
