package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/models"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/orchestrator"
)

// ErrRunFailed is returned when a plan ran but some step did not succeed.
var ErrRunFailed = errors.New("plan run failed")

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		continueOnError bool
		dryRun          bool
	)

	cmd := &cobra.Command{
		Use:   "run <plan.yaml|plan.json|->",
		Short: "Execute a plan file",
		Long: `Execute the steps of a plan file in order.

The file may hold a plan object (steps, plan or actions key) or a bare list
of steps, as JSON or YAML. Use - to read from stdin. The report is printed
as JSON; the command fails when any step failed.`,
		Example: `  # Show the normalized steps without calling ServiceNow
  snowctl run plan.yaml --dry-run

  # Keep going after a failed step
  snowctl run plan.json --continue-on-error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readPlan(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if dryRun {
				return printJSON(cmd.OutOrStdout(), normalizedPlan(doc))
			}

			a, logger, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runOpts := []orchestrator.RunOption{
				orchestrator.WithStopOnError(!continueOnError),
				orchestrator.WithObserver(func(res *models.StepResult) error {
					ev := logger.Info()
					if !res.OK {
						ev = logger.Warn().Str("error", res.Error)
					}
					ev.Int("step", res.Index).Str("operation", string(res.Operation)).Str("table", res.Table).Msg("step done")
					return nil
				}),
			}
			if a.Results != nil {
				runOpts = append(runOpts, orchestrator.WithCache(a.Results))
			}

			report := a.Orchestrator.ExecuteSteps(cmd.Context(), doc, runOpts...)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK {
				return ErrRunFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "run the remaining steps after a failure")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the normalized steps and exit")
	return cmd
}

// readPlan decodes a plan file. JSON files pass through as raw bytes;
// anything else is parsed as YAML, which also accepts JSON.
func readPlan(stdin io.Reader, path string) (any, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	return doc, nil
}

type dryRunOutput struct {
	Steps   []models.Step      `json:"steps"`
	Summary models.PlanSummary `json:"planSummary"`
}

func normalizedPlan(doc any) dryRunOutput {
	raw := orchestrator.ExtractSteps(doc)
	steps := make([]models.Step, 0, len(raw))
	for _, item := range raw {
		steps = append(steps, orchestrator.NormalizeStep(item))
	}
	title := ""
	if m, ok := doc.(map[string]any); ok {
		title, _ = m["title"].(string)
	}
	return dryRunOutput{
		Steps:   steps,
		Summary: models.Summarize(&models.Plan{Title: title, Steps: steps}),
	}
}
