package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/balance-server/internal/api"
	"github.com/stacklok/balance-server/internal/bootstrap"
	"github.com/stacklok/balance-server/internal/config"
	"github.com/stacklok/balance-server/internal/db"
	"github.com/stacklok/balance-server/internal/ledger"
	"github.com/stacklok/balance-server/internal/telemetry"
)

const instrumentationName = "github.com/stacklok/balance-server"

// AppOption is a function that configures the worker app builder
type AppOption func(*appConfig) error

// appConfig holds what NewApp needs. Component overrides are used by tests.
type appConfig struct {
	config *config.Config

	pool     *pgxpool.Pool
	steps    []bootstrap.Step
	listener net.Listener

	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...AppOption) (*appConfig, error) {
	cfg := &appConfig{}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	server := cfg.config.GetServer()
	if cfg.address == "" {
		cfg.address = server.GetAddress()
	}
	cfg.requestTimeout = server.GetRequestTimeout()
	cfg.readTimeout = server.GetReadTimeout()
	cfg.writeTimeout = server.GetWriteTimeout()
	cfg.idleTimeout = server.GetIdleTimeout()

	return cfg, nil
}

// NewApp wires a worker from configuration. It opens the connection pool
// unless one is injected but does not touch the schema; that happens in Start.
func NewApp(ctx context.Context, opts ...AppOption) (*App, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	ownsPool := false
	if cfg.pool == nil {
		if cfg.config.Database == nil {
			return nil, fmt.Errorf("database configuration is required")
		}
		cfg.pool, err = db.NewPool(ctx, cfg.config.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open database pool: %w", err)
		}
		ownsPool = true
	}

	cleanupNeeded := true
	defer func() {
		if cleanupNeeded && ownsPool {
			cfg.pool.Close()
		}
	}()

	gate, err := buildGate(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build bootstrap gate: %w", err)
	}

	coordinator, err := buildCoordinator(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}

	httpServer, err := buildHTTPServer(cfg, coordinator)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &App{
		config: cfg.config,
		components: &Components{
			Pool:        cfg.pool,
			Gate:        gate,
			Coordinator: coordinator,
		},
		httpServer: httpServer,
		listener:   cfg.listener,
		ownsPool:   ownsPool,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) AppOption {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address. It is ignored when a listener is set.
func WithAddress(addr string) AppOption {
	return func(cfg *appConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, ok := strings.Cut(addr, ":")
		if !ok || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithListener serves on an already bound listener, normally the socket
// inherited from the supervisor
func WithListener(l net.Listener) AppOption {
	return func(cfg *appConfig) error {
		if l == nil {
			return fmt.Errorf("listener cannot be nil")
		}
		cfg.listener = l
		return nil
	}
}

// WithPool injects an existing connection pool. The app does not close it.
func WithPool(pool *pgxpool.Pool) AppOption {
	return func(cfg *appConfig) error {
		cfg.pool = pool
		return nil
	}
}

// WithBootstrapSteps replaces the default migrate and seed steps
func WithBootstrapSteps(steps ...bootstrap.Step) AppOption {
	return func(cfg *appConfig) error {
		cfg.steps = steps
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) AppOption {
	return func(cfg *appConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider
func WithMeterProvider(mp metric.MeterProvider) AppOption {
	return func(cfg *appConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) AppOption {
	return func(cfg *appConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler exposes a Prometheus handler at /metrics
func WithMetricsHandler(h http.Handler) AppOption {
	return func(cfg *appConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

func buildGate(b *appConfig) (*bootstrap.Gate, error) {
	bootstrapCfg := b.config.GetBootstrap()

	steps := b.steps
	if steps == nil {
		steps = []bootstrap.Step{
			bootstrap.MigrateStep(b.pool.Config().ConnString()),
			bootstrap.SeedStep(b.pool, bootstrapCfg.GetSeedAccounts(), bootstrapCfg.GetInitialBalance()),
		}
	}

	opts := []bootstrap.Option{
		bootstrap.WithSteps(steps...),
		bootstrap.WithWaitTimeout(bootstrapCfg.GetWaitTimeout()),
		bootstrap.WithStaleAfter(bootstrapCfg.GetStaleAfter()),
	}

	if b.tracerProvider != nil {
		opts = append(opts, bootstrap.WithTracer(b.tracerProvider.Tracer(instrumentationName)))
	}
	if b.meterProvider != nil {
		metrics, err := telemetry.NewBootstrapMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create bootstrap metrics: %w", err)
		}
		opts = append(opts, bootstrap.WithMetrics(metrics))
	}

	return bootstrap.NewGate(b.pool, opts...)
}

func buildCoordinator(b *appConfig) (*ledger.Coordinator, error) {
	slog.Info("Initializing balance coordinator")

	var lockTimeout, acquireTimeout time.Duration
	if b.config.Database != nil {
		lockTimeout = b.config.Database.GetLockTimeout()
		acquireTimeout = b.config.Database.GetAcquireTimeout()
	} else {
		var defaults config.DatabaseConfig
		lockTimeout = defaults.GetLockTimeout()
		acquireTimeout = defaults.GetAcquireTimeout()
	}

	store, err := ledger.NewStore(b.pool, lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	opts := []ledger.Option{ledger.WithAcquireTimeout(acquireTimeout)}

	if b.tracerProvider != nil {
		opts = append(opts, ledger.WithTracer(b.tracerProvider.Tracer(instrumentationName)))
	}
	if b.meterProvider != nil {
		metrics, err := telemetry.NewLedgerMetrics(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger metrics: %w", err)
		}
		opts = append(opts, ledger.WithMetrics(metrics))
	}

	return ledger.NewCoordinator(store, opts...)
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *appConfig, svc ledger.Service) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	if b.tracerProvider != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.tracerProvider)}, b.middlewares...)
		slog.Info("HTTP tracing middleware enabled")
	}

	// Metrics go first to capture every request
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		if metricsMiddleware != nil {
			b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
			slog.Info("HTTP metrics middleware enabled")
		}
	}

	router := api.NewServer(svc,
		api.WithMiddlewares(b.middlewares...),
		api.WithMetricsHandler(b.metricsHandler),
	)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
