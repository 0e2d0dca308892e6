package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/remote-progress-relay/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Starts the HTTP API. Operations started through POST /v1/operations run a
simulated transfer; their progress is available through the progress and
events endpoints until the server shuts down.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if port > 0 {
				cfg.Server.Port = port
			}
			app, err := server.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}
