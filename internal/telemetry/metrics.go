package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// LedgerMetricsMeterName is the name used for the balance mutation meter
	LedgerMetricsMeterName = "github.com/stacklok/balance-server/ledger"

	// BootstrapMetricsMeterName is the name used for the bootstrap gate meter
	BootstrapMetricsMeterName = "github.com/stacklok/balance-server/bootstrap"

	// SupervisorMetricsMeterName is the name used for the worker supervisor meter
	SupervisorMetricsMeterName = "github.com/stacklok/balance-server/supervisor"
)

// LedgerMetrics holds the instruments recorded around every balance mutation
type LedgerMetrics struct {
	applyDuration metric.Float64Histogram
	appliedTotal  metric.Int64Counter
}

// NewLedgerMetrics creates a new LedgerMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewLedgerMetrics(provider metric.MeterProvider) (*LedgerMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(LedgerMetricsMeterName)

	applyDuration, err := meter.Float64Histogram(
		"balance_apply_delta_duration_seconds",
		metric.WithDescription("Duration of balance mutations, including time spent waiting on the row lock"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	appliedTotal, err := meter.Int64Counter(
		"balance_apply_delta_total",
		metric.WithDescription("Balance mutations by outcome"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	return &LedgerMetrics{
		applyDuration: applyDuration,
		appliedTotal:  appliedTotal,
	}, nil
}

// RecordApplyDelta records one mutation attempt and how it ended
func (m *LedgerMetrics) RecordApplyDelta(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil || m.applyDuration == nil {
		return
	}

	opts := metric.WithAttributes(attribute.String("outcome", outcome))
	m.applyDuration.Record(ctx, duration.Seconds(), opts)
	m.appliedTotal.Add(ctx, 1, opts)
}

// BootstrapMetrics holds the instruments recorded by the bootstrap gate
type BootstrapMetrics struct {
	runsTotal metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewBootstrapMetrics creates a new BootstrapMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewBootstrapMetrics(provider metric.MeterProvider) (*BootstrapMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(BootstrapMetricsMeterName)

	runsTotal, err := meter.Int64Counter(
		"balance_bootstrap_total",
		metric.WithDescription("Bootstrap gate passes by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"balance_bootstrap_duration_seconds",
		metric.WithDescription("Time a process spent in the bootstrap gate"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	return &BootstrapMetrics{
		runsTotal: runsTotal,
		duration:  duration,
	}, nil
}

// RecordBootstrap records how long the gate took and the outcome it reported
func (m *BootstrapMetrics) RecordBootstrap(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil || m.runsTotal == nil {
		return
	}

	opts := metric.WithAttributes(attribute.String("outcome", outcome))
	m.runsTotal.Add(ctx, 1, opts)
	m.duration.Record(ctx, duration.Seconds(), opts)
}

// SupervisorMetrics holds the instruments recorded by the worker supervisor
type SupervisorMetrics struct {
	restartsTotal     metric.Int64Counter
	breakerOpensTotal metric.Int64Counter
	workersRunning    metric.Int64UpDownCounter
}

// NewSupervisorMetrics creates a new SupervisorMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSupervisorMetrics(provider metric.MeterProvider) (*SupervisorMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SupervisorMetricsMeterName)

	restartsTotal, err := meter.Int64Counter(
		"balance_worker_restarts_total",
		metric.WithDescription("Worker processes respawned after exiting"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, err
	}

	breakerOpensTotal, err := meter.Int64Counter(
		"balance_worker_crash_loops_total",
		metric.WithDescription("Times a worker slot was paused for crashing repeatedly"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	workersRunning, err := meter.Int64UpDownCounter(
		"balance_workers_running",
		metric.WithDescription("Worker processes currently alive"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	return &SupervisorMetrics{
		restartsTotal:     restartsTotal,
		breakerOpensTotal: breakerOpensTotal,
		workersRunning:    workersRunning,
	}, nil
}

// RecordRestart records a worker respawn for the given slot
func (m *SupervisorMetrics) RecordRestart(ctx context.Context, slot int) {
	if m == nil || m.restartsTotal == nil {
		return
	}
	m.restartsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("slot", slot)))
}

// RecordCrashLoop records a slot whose circuit breaker opened
func (m *SupervisorMetrics) RecordCrashLoop(ctx context.Context, slot int) {
	if m == nil || m.breakerOpensTotal == nil {
		return
	}
	m.breakerOpensTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("slot", slot)))
}

// WorkerStarted increments the live worker count
func (m *SupervisorMetrics) WorkerStarted(ctx context.Context) {
	if m == nil || m.workersRunning == nil {
		return
	}
	m.workersRunning.Add(ctx, 1)
}

// WorkerExited decrements the live worker count
func (m *SupervisorMetrics) WorkerExited(ctx context.Context) {
	if m == nil || m.workersRunning == nil {
		return
	}
	m.workersRunning.Add(ctx, -1)
}
