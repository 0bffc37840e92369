package app

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	mirror "github.com/stacklok/catalog-mirror/internal/app"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
	"github.com/stacklok/catalog-mirror/internal/versions"
)

// runOnceOutput is what run-once prints to stdout
type runOnceOutput struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Changed   int    `json:"changed"`
	Errored   int    `json:"errored"`
	Error     string `json:"error,omitempty"`
}

func newRunOnceCmd() *cobra.Command {
	runOnceCmd := &cobra.Command{
		Use:       "run-once <job>",
		Short:     "Run a single cycle of one job and exit",
		Long:      "Run a single cycle of one job and print its counters as JSON. Jobs: " + strings.Join(jobs.Names(), ", "),
		Args:      validateJobArg,
		ValidArgs: jobs.Names(),
		RunE:      runOnce,
	}
	runOnceCmd.Flags().Bool("migrate", false, "Apply pending database migrations before running")
	return runOnceCmd
}

func validateJobArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one job name, got %d", len(args))
	}
	if !slices.Contains(jobs.Names(), args[0]) {
		return fmt.Errorf("unknown job %q, expected one of %s", args[0], strings.Join(jobs.Names(), ", "))
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	name := args[0]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, versions.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(tel)

	opts, err := appOptions(cmd, cfg, tel)
	if err != nil {
		return err
	}
	app, err := mirror.NewMirrorApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build mirror: %w", err)
	}
	defer func() {
		_ = app.Stop(defaultGracefulTimeout)
	}()

	res, runErr := app.RunOnce(ctx, name)
	out := runOnceOutput{Job: name}
	if res != nil {
		out.Processed, out.Changed, out.Errored = res.Processed, res.Changed, res.Errored
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("job %s failed: %w", name, runErr)
	}
	return nil
}
