package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
)

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var contextText string

	cmd := &cobra.Command{
		Use:   "plan <message>",
		Short: "Generate a plan for a request without running it",
		Example: `  snowctl plan "create an incident for the VPN outage and assign it to me" > plan.json
  snowctl run plan.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.Orchestrator.PlanRequest(cmd.Context(), models.Request{
				Message:     strings.Join(args, " "),
				ContextText: contextText,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}

	cmd.Flags().StringVar(&contextText, "context", "", "extra context passed to the planner")
	return cmd
}
