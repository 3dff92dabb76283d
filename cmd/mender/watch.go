package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/mender/internal/tui/watch"
)

func newWatchCmd(g *globalFlags) *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a running daemon's sessions in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" || token == "" {
				cfg, err := loadConfig(g)
				if err != nil {
					return err
				}
				if apiURL == "" {
					apiURL = "http://" + cfg.API.Listen
				}
				if token == "" {
					token = cfg.API.Auth.APIKey
				}
			}
			return watch.Run(strings.TrimRight(apiURL, "/"), token)
		},
	}
	cmd.Flags().StringVar(&apiURL, "url", "", "Daemon base URL (default http://<api.listen>)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("MENDER_TOKEN"), "Bearer token with events:ro (default $MENDER_TOKEN or api.auth.api_key)")
	return cmd
}
