package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mirror "github.com/stacklok/catalog-mirror/internal/app"
	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/telemetry"
	"github.com/stacklok/catalog-mirror/internal/versions"
)

const (
	// Kubernetes-friendly shutdown time
	defaultGracefulTimeout = 30 * time.Second
	// Bounds flushing of pending spans and metrics on exit
	telemetryShutdownTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the jobs and serve the ops API",
		Long: `Run every enabled job on its schedule and serve the ops API.

The configuration file (--config) specifies:
- The storage backend (postgres, mongo or memory)
- The OAuth2 credential used for every remote call
- The remote APIs and how their responses map onto records
- The endpoint classes that pace the calls, and the jobs that use them`,
		RunE: runServe,
	}

	serveCmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	serveCmd.Flags().Bool("migrate", false, "Apply pending database migrations before starting")
	serveCmd.Flags().Duration("graceful-timeout", defaultGracefulTimeout, "How long to wait for in-flight work on shutdown")

	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

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
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return fmt.Errorf("failed to get address flag: %w", err)
	}
	if address != "" {
		opts = append(opts, mirror.WithAddress(address))
	}
	gracefulTimeout, err := cmd.Flags().GetDuration("graceful-timeout")
	if err != nil {
		return fmt.Errorf("failed to get graceful-timeout flag: %w", err)
	}

	app, err := mirror.NewMirrorApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build mirror: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			_ = app.Stop(gracefulTimeout)
			return err
		}
	}

	return app.Stop(gracefulTimeout)
}

// appOptions returns the options every command builds the mirror with
func appOptions(cmd *cobra.Command, cfg *config.Config, tel *telemetry.Telemetry) ([]mirror.MirrorAppOptions, error) {
	opts := []mirror.MirrorAppOptions{
		mirror.WithConfig(cfg),
		mirror.WithTelemetry(tel),
	}
	if f := cmd.Flags().Lookup("migrate"); f != nil {
		migrate, err := cmd.Flags().GetBool("migrate")
		if err != nil {
			return nil, fmt.Errorf("failed to get migrate flag: %w", err)
		}
		opts = append(opts, mirror.WithMigrations(migrate))
	}
	return opts, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		slog.Warn("Failed to shut down telemetry", "error", err)
	}
}
