package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/remediation"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

// runCLI executes the command line and returns the exit code. Errors that do
// not carry their own status are rejected starts and exit 2.
func runCLI(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return remediation.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return remediation.ExitAborted
}

type globalFlags struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "mender",
		Short:         "Find, fix, validate and learn from code issues autonomously",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to mender.yaml or its directory")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override service.log_level")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Write machine-readable JSON to stdout")

	root.AddCommand(
		newRunCmd(g),
		newFixCmd(g),
		newScanCmd(g),
		newServeCmd(g),
		newStatsCmd(g),
		newHistoryCmd(g),
		newBackupsCmd(g),
		newUnlockCmd(g),
		newLearningCmd(g),
		newDoctorCmd(g),
		newWatchCmd(g),
		newVersionCmd(g),
	)
	return root
}
