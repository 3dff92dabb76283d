package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/backup"
	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/workspace"
)

func newBackupsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List, prune and restore workspace snapshots",
	}
	cmd.AddCommand(newBackupsListCmd(g), newBackupsPruneCmd(g), newBackupsRestoreCmd(g))
	return cmd
}

func newBackupsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list [workspace]",
		Short: "List snapshots, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			var backups []backup.Backup
			if len(args) == 1 {
				ws, err := workspace.Canonicalize(afero.NewOsFs(), args[0])
				if err != nil {
					return err
				}
				backups, err = a.backups.List(cmd.Context(), ws)
				if err != nil {
					return err
				}
			} else {
				backups, err = a.backups.ListAll(cmd.Context())
				if err != nil {
					return err
				}
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), backups)
			}
			printBackups(cmd.OutOrStdout(), backups)
			return nil
		},
	}
}

func printBackups(w io.Writer, backups []backup.Backup) {
	if len(backups) == 0 {
		fmt.Fprintln(w, "no backups")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tFILES\tBYTES\tWORKSPACE")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", b.ID, b.CreatedAt.Local().Format(time.DateTime), b.Files, b.Bytes, b.Workspace)
	}
	tw.Flush()
}

func newBackupsPruneCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune <workspace>",
		Short: "Delete all but the newest backups.keep snapshots of a workspace",
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
			n, err := a.backups.Prune(cmd.Context(), ws)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d backups of %s (keeping %d)\n", n, ws, a.backups.Keep())
			return nil
		},
	}
}

func newBackupsRestoreCmd(g *globalFlags) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a snapshot over its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.backups.Get(ctx, args[0])
			if err != nil {
				return err
			}
			ws := b.Workspace
			if target != "" {
				if ws, err = workspace.Canonicalize(afero.NewOsFs(), target); err != nil {
					return err
				}
			}

			// A session must not be writing while the tree is replaced.
			h, err := a.locks.Acquire(ctx, ws, "restore-"+b.ID)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.locks.Release(h); err != nil {
					log.Warn("failed to release workspace lock", "workspace", ws, "error", err)
				}
			}()

			if err := a.backups.Restore(ctx, b.ID, ws); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s into %s\n", b.ID, ws)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "Restore into this directory instead of the original workspace")
	return cmd
}
