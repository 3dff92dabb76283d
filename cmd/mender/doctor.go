package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/doctor"
	"github.com/mattjoyce/mender/internal/log"
	"github.com/mattjoyce/mender/internal/plugin"
	"github.com/mattjoyce/mender/internal/sandbox"
)

func newDoctorCmd(g *globalFlags) *cobra.Command {
	var health bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configuration, plugins and sandbox tools are usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			logger := log.WithComponent("plugin")
			registry, err := plugin.Discover(cfg.Collaborators.PluginsDir, func(level, msg string, args ...any) {
				logger.Log(context.Background(), log.ParseLevel(level), msg, args...)
			})
			if err != nil {
				return err
			}
			toolchains, err := sandbox.LoadToolchains(cfg.Sandbox.ToolchainsDir)
			if err != nil {
				return err
			}

			res := doctor.New(cfg, registry, toolchains).Validate()
			if health && res.Valid {
				for _, p := range registry.All() {
					client := plugin.NewClient(p, cfg.Collaborators.Timeout, logger)
					if err := client.Health(cmd.Context()); err != nil {
						res.Errors = append(res.Errors, doctor.Issue{
							Category: "health",
							Field:    "plugins." + p.Name,
							Message:  err.Error(),
						})
					}
				}
				res.Valid = len(res.Errors) == 0
			}

			if g.jsonOut {
				out, err := doctor.FormatJSON(res)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), doctor.FormatHuman(res))
			}
			if !res.Valid {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&health, "health", false, "Also run each plugin's health command")
	return cmd
}
