package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/learning"
	"github.com/mattjoyce/mender/internal/state"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show learning corpus statistics and model performance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.learning.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

func printStats(w io.Writer, s learning.Statistics) {
	fmt.Fprintf(w, "examples: %d (passed %d, applied %d)\n", s.TotalExamples, s.Passed, s.Applied)
	fmt.Fprintf(w, "success rate: %.1f%%  average score: %.2f\n", s.SuccessRate*100, s.AverageScore)

	if len(s.ByCategory) > 0 {
		categories := make([]string, 0, len(s.ByCategory))
		for c := range s.ByCategory {
			categories = append(categories, c)
		}
		sort.Strings(categories)

		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tTOTAL\tPASSED\tAPPLIED\tSUCCESS")
		for _, c := range categories {
			cs := s.ByCategory[c]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f%%\n", c, cs.Total, cs.Passed, cs.Applied, cs.SuccessRate*100)
		}
		tw.Flush()
	}

	if len(s.Models) > 0 {
		fmt.Fprintln(w)
		printModels(w, s.Models)
	}
}

func printModels(w io.Writer, models []learning.ModelPerformance) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSAMPLES\tACCURACY\tPRECISION\tRECALL\tF1")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\n", m.ModelID, m.SampleCount, m.Accuracy, m.Precision, m.Recall, m.F1)
	}
	tw.Flush()
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		ws    string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived sessions, or show one in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				rec, err := a.history.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if g.jsonOut {
					return writeJSON(cmd.OutOrStdout(), rec)
				}
				printRecords(cmd.OutOrStdout(), []*state.Record{rec})
				if len(rec.Result) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", rec.Result)
				}
				return nil
			}

			records, err := a.history.List(cmd.Context(), state.ListFilter{Workspace: ws, Limit: limit})
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVar(&ws, "workspace", "", "Only sessions for this canonical workspace path")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum sessions to list")
	return cmd
}

func printRecords(w io.Writer, records []*state.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no sessions archived")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMODE\tPHASE\tEXIT\tSTARTED\tDURATION\tWORKSPACE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.SessionID, r.Mode, r.FinalPhase, r.ExitCode,
			r.StartedAt.Local().Format(time.DateTime),
			r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Workspace,
		)
	}
	tw.Flush()
}

func newLearningCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Work with the learning corpus",
	}

	var f learning.Filter
	export := &cobra.Command{
		Use:   "export",
		Short: "Write high-quality examples to stdout as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.learning.ExportTraining(cmd.Context(), cmd.OutOrStdout(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d examples\n", n)
			return nil
		},
	}
	export.Flags().StringVar(&f.Language, "language", "", "Only examples in this language")
	export.Flags().StringVar(&f.Category, "category", "", "Only examples in this category")
	export.Flags().IntVar(&f.Limit, "limit", 0, "Maximum examples to export (0 for all)")

	models := &cobra.Command{
		Use:   "models",
		Short: "Show per-model performance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			perf, err := a.learning.Models(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), perf)
			}
			printModels(cmd.OutOrStdout(), perf)
			return nil
		},
	}

	cmd.AddCommand(export, models)
	return cmd
}
