// Package worker runs one balance-serving process: it passes the bootstrap
// gate, then serves the HTTP API until it is stopped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/balance-server/internal/bootstrap"
	"github.com/stacklok/balance-server/internal/config"
	"github.com/stacklok/balance-server/internal/ledger"
)

// Components groups the long-lived parts of a worker
type Components struct {
	// Pool is the worker's connection pool
	Pool *pgxpool.Pool

	// Gate runs or waits for the one-time bootstrap
	Gate *bootstrap.Gate

	// Coordinator applies balance mutations
	Coordinator *ledger.Coordinator
}

// App encapsulates a worker process and its graceful shutdown
type App struct {
	config     *config.Config
	components *Components
	httpServer *http.Server
	listener   net.Listener
	ownsPool   bool

	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start passes the bootstrap gate and then serves HTTP. It blocks until the
// server stops. A bootstrap failure is returned without serving anything.
func (app *App) Start() error {
	outcome, err := app.components.Gate.EnsureBootstrapped(app.ctx)
	if err != nil {
		if app.ctx.Err() != nil {
			slog.Info("Worker stopped during bootstrap")
			return nil
		}
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	slog.Info("Bootstrap gate passed", "outcome", outcome)

	if app.listener != nil {
		slog.Info("Server listening", "address", app.listener.Addr().String(), "inherited", true)
		err = app.httpServer.Serve(app.listener)
	} else {
		slog.Info("Server listening", "address", app.httpServer.Addr)
		err = app.httpServer.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop shuts the HTTP server down within timeout and closes the pool
func (app *App) Stop(timeout time.Duration) error {
	slog.Info("Shutting down worker...")

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	if app.ownsPool {
		app.components.Pool.Close()
	}

	slog.Info("Worker shutdown complete")
	return errors.Join(errs...)
}

// GetConfig returns the application configuration
func (app *App) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server
func (app *App) GetHTTPServer() *http.Server {
	return app.httpServer
}

// GetComponents returns the worker components
func (app *App) GetComponents() *Components {
	return app.components
}
