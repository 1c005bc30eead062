package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/balance-server/internal/config"
	"github.com/stacklok/balance-server/internal/db"
	"github.com/stacklok/balance-server/internal/supervisor"
	"github.com/stacklok/balance-server/internal/telemetry"
	"github.com/stacklok/balance-server/internal/worker"
	"github.com/stacklok/balance-server/pkg/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor and its worker processes",
	Long: `Start the balance server. This process binds the listening socket and
starts one worker process per configured slot, all serving the same port.
Workers that exit are restarted with exponential backoff; a worker that keeps
crashing is paused for a cooldown instead of being restarted in a loop.

The server requires a configuration file (--config). See examples/ for a
sample configuration.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides server.address)")
	serveCmd.Flags().Int("workers", 0, "Number of worker processes (overrides workers.count)")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	address := cfg.GetServer().GetAddress()
	if override := viper.GetString("address"); override != "" {
		address = override
	}
	workersCfg := cfg.GetWorkers()
	workerCount := workersCfg.GetCount()
	if override, _ := cmd.Flags().GetInt("workers"); override > 0 {
		workerCount = override
	}

	slog.Info("Starting balance server",
		"address", address,
		"workers", workerCount,
		"pid", os.Getpid(),
		"version", versions.GetVersionInfo().Version,
		"release", versions.IsRelease())

	tel, shutdownTelemetry, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	// The supervisor keeps its own pool only to fail fast on a bad database config
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		pool.Close()
		slog.Info("Database pool closed")
	}()

	listenerFile, err := listenFile(ctx, address)
	if err != nil {
		return err
	}
	defer func() { _ = listenerFile.Close() }()

	launcher, err := newWorkerLauncher(configPath, listenerFile)
	if err != nil {
		return err
	}

	metrics, err := telemetry.NewSupervisorMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create supervisor metrics: %w", err)
	}

	sup, err := supervisor.New(supervisorConfig(workersCfg, workerCount), launcher, metrics)
	if err != nil {
		return err
	}

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor failed: %w", err)
	}

	slog.Info("Balance server shutdown complete")
	return nil
}

// listenFile binds the shared socket and returns it as a file that can be
// inherited by the workers
func listenFile(ctx context.Context, address string) (*os.File, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	defer func() { _ = l.Close() }()

	tcpListener, ok := l.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("unexpected listener type %T", l)
	}

	// File returns a duplicate, so closing the listener leaves the socket open
	f, err := tcpListener.File()
	if err != nil {
		return nil, fmt.Errorf("failed to get listener file: %w", err)
	}

	slog.Info("Listening", "address", l.Addr().String())
	return f, nil
}

func newWorkerLauncher(configPath string, listenerFile *os.File) (*supervisor.ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}

	return &supervisor.ExecLauncher{
		Path:       exe,
		Args:       []string{"worker", "--config", configPath},
		Env:        []string{fmt.Sprintf("%s=%d", worker.ListenerFDEnvVar, worker.InheritedListenerFD)},
		ExtraFiles: []*os.File{listenerFile},
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}, nil
}

func supervisorConfig(w *config.WorkersConfig, count int) supervisor.Config {
	restart := w.GetRestart()
	return supervisor.Config{
		Workers:               count,
		InitialBackoff:        restart.GetInitialBackoff(),
		MaxBackoff:            restart.GetMaxBackoff(),
		StableAfter:           restart.GetStableAfter(),
		MaxConsecutiveCrashes: restart.GetMaxConsecutiveCrashes(),
		BreakerCooldown:       restart.GetBreakerCooldown(),
		ShutdownTimeout:       w.GetShutdownTimeout(),
	}
}
