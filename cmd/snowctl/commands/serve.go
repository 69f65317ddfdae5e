package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Example: `  # Serve on PORT from the environment (8080 by default)
  snowctl serve

  # Serve on another port
  snowctl serve --port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			addr := a.Config.Addr()
			if port > 0 {
				addr = ":" + strconv.Itoa(port)
			}
			return app.Serve(cmd.Context(), addr, a.Handler(), logger)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides PORT)")
	return cmd
}
