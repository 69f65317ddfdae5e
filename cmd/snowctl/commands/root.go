// Package commands implements the snowctl command tree.
package commands

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/app"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/config"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/telemetry"
)

// builder assembles the application for one command invocation.
type builder func(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app.App, error)

type rootOptions struct {
	envFile  string
	logLevel string
	build    builder
	// loader is replaced in tests to skip the process environment
	loader func(files ...string) (config.Config, error)
}

// Execute runs the command tree.
func Execute(ctx context.Context, version string) error {
	return newRootCommand(version, &rootOptions{build: app.Build, loader: config.Load}).ExecuteContext(ctx)
}

func newRootCommand(version string, opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "snowctl",
		Short: "Plan and run ServiceNow operations",
		Long: `snowctl turns requests into ServiceNow plans and executes them.

A plan is an ordered list of steps (create, get, update, delete, query,
set_update_set, note). Later steps can reference records created earlier
with $stepN.sys_id, $stepN.result[i].sys_id or <TOKEN> placeholders.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "dotenv file to load before the environment")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newPlanCommand(opts))
	root.AddCommand(newRunCommand(opts))
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := o.loader(o.envFile)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

// buildApp loads the config and builds the application. CLI logs go to stderr so
// stdout carries only command output.
func (o *rootOptions) buildApp(cmd *cobra.Command) (*app.App, zerolog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: "console", Output: cmd.ErrOrStderr()})
	a, err := o.build(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
