// Package app provides application lifecycle management for the mirror.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/catalog-mirror/internal/config"
	"github.com/stacklok/catalog-mirror/internal/credential"
	"github.com/stacklok/catalog-mirror/internal/jobs"
	"github.com/stacklok/catalog-mirror/internal/jobs/coordinator"
	"github.com/stacklok/catalog-mirror/internal/store"
)

// AppComponents holds the long-lived components of a running mirror
//
//nolint:revive // AppComponents reads better at call sites than Components
type AppComponents struct {
	Coordinator coordinator.Coordinator
	Store       store.Store
	Credentials *credential.Manager
}

// MirrorApp encapsulates all components needed to run the mirror
// It provides lifecycle management and graceful shutdown capabilities
type MirrorApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
}

// Start starts the job coordinator in the background and serves the ops API.
// This method blocks until the HTTP server stops or encounters an error
func (app *MirrorApp) Start() error {
	go func() {
		if err := app.components.Coordinator.Start(app.ctx); err != nil {
			slog.Error("Job coordinator failed", "error", err)
		}
	}()

	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// RunOnce runs a single cycle of the named job without serving the ops API
func (app *MirrorApp) RunOnce(ctx context.Context, name string) (*jobs.Result, error) {
	return app.components.Coordinator.RunOnce(ctx, name)
}

// Stop gracefully stops the application with the given timeout.
// The coordinator stops first so in-flight work drains before the store
// is closed.
func (app *MirrorApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	if err := app.components.Coordinator.Stop(); err != nil {
		slog.Error("Failed to stop job coordinator", "error", err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if err := app.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// Close releases the store. It is safe to call more than once.
func (app *MirrorApp) Close(ctx context.Context) error {
	var err error
	app.closeOnce.Do(func() {
		if app.components.Store == nil {
			return
		}
		if closeErr := app.components.Store.Close(ctx); closeErr != nil {
			err = fmt.Errorf("failed to close storage: %w", closeErr)
		}
	})
	return err
}

// GetConfig returns the application configuration
func (app *MirrorApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *MirrorApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
