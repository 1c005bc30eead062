package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/balance-server/internal/supervisor"
	"github.com/stacklok/balance-server/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a single worker process",
	Long: `Run one worker: pass the bootstrap gate, then serve the HTTP API.

The supervisor started by 'serve' launches workers with this command and hands
them the listening socket. A worker can also be run on its own, in which case
it binds server.address itself. Exits non-zero if bootstrap fails.`,
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := workerCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	logger := slog.Default().With("pid", os.Getpid())
	if slot, ok := os.LookupEnv(supervisor.SlotEnvVar); ok {
		logger = logger.With("worker_slot", slot)
	}
	slog.SetDefault(logger)

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tel, shutdownTelemetry, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	opts := []worker.AppOption{
		worker.WithConfig(cfg),
		worker.WithMeterProvider(tel.MeterProvider()),
		worker.WithTracerProvider(tel.TracerProvider()),
		worker.WithMetricsHandler(tel.MetricsHandler()),
	}

	listener, err := worker.InheritedListener()
	if err != nil {
		return err
	}
	if listener != nil {
		opts = append(opts, worker.WithListener(listener))
	}

	app, err := worker.NewApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errChan:
		// Start returned on its own: bootstrap or the listener failed
		if stopErr := app.Stop(cfg.GetServer().GetShutdownTimeout()); stopErr != nil {
			slog.Error("Failed to stop worker", "error", stopErr)
		}
		return err
	case sig := <-quit:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	if err := app.Stop(cfg.GetServer().GetShutdownTimeout()); err != nil {
		return err
	}
	return <-errChan
}
