// Package bootstrap makes sure schema setup and seeding run exactly once across
// every worker process sharing a database. The processes coordinate only
// through a singleton row in the migrations_lock table.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/balance-server/internal/db/sqlc"
	"github.com/stacklok/balance-server/internal/otel"
	"github.com/stacklok/balance-server/internal/telemetry"
)

// lockTableDDL is applied by the gate itself so that the claim works before
// any migration has run
const lockTableDDL = `
CREATE TABLE IF NOT EXISTS migrations_lock (
    id           INTEGER PRIMARY KEY,
    locked       BOOLEAN NOT NULL DEFAULT false,
    completed    BOOLEAN NOT NULL DEFAULT false,
    claimed_by   TEXT,
    claimed_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
)`

// lockTableAdvisoryKey serializes concurrent CREATE TABLE IF NOT EXISTS
// statements, which PostgreSQL does not make race-free on its own
const lockTableAdvisoryKey int64 = 0x62616c616e6365 // "balance"

const (
	defaultWaitTimeout  = 2 * time.Minute
	defaultStaleAfter   = 5 * time.Minute
	defaultPollInitial  = 50 * time.Millisecond
	defaultPollMax      = 2 * time.Second
	releaseTimeout      = 10 * time.Second
	minHeartbeatPeriod  = 10 * time.Millisecond
	heartbeatsPerWindow = 3
)

// Outcome reports how EnsureBootstrapped concluded
type Outcome string

const (
	// OutcomeSkipped means bootstrap had already completed before this process looked
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCompleted means this process won the claim and ran the steps
	OutcomeCompleted Outcome = "completed"
	// OutcomeWaited means another process ran the steps while this one waited
	OutcomeWaited Outcome = "waited"
	// OutcomeFailed means the gate returned a BootstrapError
	OutcomeFailed Outcome = "failed"
)

// DB is the store capability the gate needs. *pgxpool.Pool satisfies it.
type DB interface {
	sqlc.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

type options struct {
	owner       string
	steps       []Step
	waitTimeout time.Duration
	staleAfter  time.Duration
	pollInitial time.Duration
	pollMax     time.Duration
	tracer      trace.Tracer
	metrics     *telemetry.BootstrapMetrics
}

// Option is a functional option for configuring the Gate
type Option func(*options) error

// WithOwner sets the identity written into the claim. Defaults to
// host:pid:uuid, which is unique per process start.
func WithOwner(owner string) Option {
	return func(o *options) error {
		if owner == "" {
			return fmt.Errorf("owner cannot be empty")
		}
		o.owner = owner
		return nil
	}
}

// WithSteps sets the work run by the process that wins the claim
func WithSteps(steps ...Step) Option {
	return func(o *options) error {
		for _, s := range steps {
			if s.Run == nil {
				return fmt.Errorf("step %q has no Run function", s.Name)
			}
		}
		o.steps = steps
		return nil
	}
}

// WithWaitTimeout bounds how long a process waits for another claimant to finish
func WithWaitTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return fmt.Errorf("wait timeout must be greater than zero, got %s", timeout)
		}
		o.waitTimeout = timeout
		return nil
	}
}

// WithStaleAfter sets how long a claim may go without a heartbeat before
// another process is allowed to take it over
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("stale threshold must be greater than zero, got %s", d)
		}
		o.staleAfter = d
		return nil
	}
}

// WithPollInterval sets the exponential backoff bounds used while waiting
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(o *options) error {
		if initial <= 0 || maxInterval < initial {
			return fmt.Errorf("invalid poll interval %s..%s", initial, maxInterval)
		}
		o.pollInitial = initial
		o.pollMax = maxInterval
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer for the gate.
// If not set, tracing will be disabled (no-op).
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		o.tracer = tracer
		return nil
	}
}

// WithMetrics sets the instruments recorded for each pass through the gate
func WithMetrics(metrics *telemetry.BootstrapMetrics) Option {
	return func(o *options) error {
		o.metrics = metrics
		return nil
	}
}

// Gate runs the bootstrap steps once per database
type Gate struct {
	db          DB
	queries     *sqlc.Queries
	owner       string
	steps       []Step
	waitTimeout time.Duration
	staleAfter  time.Duration
	pollInitial time.Duration
	pollMax     time.Duration
	tracer      trace.Tracer
	metrics     *telemetry.BootstrapMetrics
}

// NewGate creates a Gate over the given database
func NewGate(db DB, opts ...Option) (*Gate, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}

	o := &options{
		waitTimeout: defaultWaitTimeout,
		staleAfter:  defaultStaleAfter,
		pollInitial: defaultPollInitial,
		pollMax:     defaultPollMax,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.owner == "" {
		o.owner = defaultOwner()
	}

	return &Gate{
		db:          db,
		queries:     sqlc.New(db),
		owner:       o.owner,
		steps:       o.steps,
		waitTimeout: o.waitTimeout,
		staleAfter:  o.staleAfter,
		pollInitial: o.pollInitial,
		pollMax:     o.pollMax,
		tracer:      o.tracer,
		metrics:     o.metrics,
	}, nil
}

// Owner returns the identity this gate claims with
func (g *Gate) Owner() string {
	return g.owner
}

// EnsureBootstrapped returns once bootstrap is known to have completed, either
// because it already had, because this process ran it, or because another
// process finished it while this one waited. A non-nil error is always a
// *BootstrapError.
func (g *Gate) EnsureBootstrapped(ctx context.Context) (outcome Outcome, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, g.tracer, "bootstrap.EnsureBootstrapped",
		trace.WithAttributes(otel.AttrBootstrapOwner.String(g.owner)),
	)
	defer func() {
		span.SetAttributes(otel.AttrOutcome.String(string(outcome)))
		otel.RecordError(span, err)
		span.End()
		g.metrics.RecordBootstrap(ctx, time.Since(start), string(outcome))
	}()

	if err := g.ensureLockRow(ctx); err != nil {
		return OutcomeFailed, g.fail(PhaseInit, err)
	}

	lock, err := g.queries.GetBootstrapLock(ctx)
	if err != nil {
		return OutcomeFailed, g.fail(PhaseInit, fmt.Errorf("failed to read bootstrap lock: %w", err))
	}
	if lock.Completed {
		slog.InfoContext(ctx, "Bootstrap already completed", "owner", g.owner)
		return OutcomeSkipped, nil
	}

	claimed, err := g.claim(ctx)
	if err != nil {
		return OutcomeFailed, g.fail(PhaseClaim, err)
	}
	if claimed {
		return g.runClaimed(ctx)
	}

	slog.InfoContext(ctx, "Bootstrap claimed by another process, waiting",
		"owner", g.owner,
		"claimed_by", deref(lock.ClaimedBy),
		"wait_timeout", g.waitTimeout)

	result, err := g.waitForCompletion(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	if result == pollClaimed {
		return g.runClaimed(ctx)
	}

	slog.InfoContext(ctx, "Bootstrap completed by another process", "owner", g.owner)
	return OutcomeWaited, nil
}

// ensureLockRow creates the lock table and its singleton row if absent
func (g *Gate) ensureLockRow(ctx context.Context) error {
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		err := tx.Rollback(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Warn("Failed to roll back lock table transaction", "error", err)
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockTableAdvisoryKey); err != nil {
		return fmt.Errorf("failed to serialize lock table creation: %w", err)
	}
	if _, err := tx.Exec(ctx, lockTableDDL); err != nil {
		return fmt.Errorf("failed to create bootstrap lock table: %w", err)
	}
	if err := sqlc.New(tx).InitBootstrapLock(ctx); err != nil {
		return fmt.Errorf("failed to create bootstrap lock row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit lock table creation: %w", err)
	}
	return nil
}

// claim attempts the compare-and-set that makes this process the only one
// running the steps. A stale claim left by a dead process can be taken over.
func (g *Gate) claim(ctx context.Context) (bool, error) {
	affected, err := g.queries.ClaimBootstrapLock(ctx, sqlc.ClaimBootstrapLockParams{
		Owner:        g.owner,
		StaleSeconds: g.staleAfter.Seconds(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim bootstrap lock: %w", err)
	}
	return affected == 1, nil
}

type pollResult int

const (
	pollCompleted pollResult = iota + 1
	pollClaimed
)

var errBootstrapInProgress = errors.New("bootstrap in progress")

// waitForCompletion polls the lock row with exponential backoff until the
// holder marks it completed. If the holder releases the claim or lets it go
// stale, this process claims it instead.
func (g *Gate) waitForCompletion(ctx context.Context) (pollResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.waitTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.pollInitial
	bo.MaxInterval = g.pollMax

	var lastErr error
	result, err := backoff.Retry(waitCtx, func() (pollResult, error) {
		lock, err := g.queries.GetBootstrapLock(waitCtx)
		if err != nil {
			lastErr = fmt.Errorf("failed to read bootstrap lock: %w", err)
			return 0, lastErr
		}
		if lock.Completed {
			return pollCompleted, nil
		}

		claimed, err := g.claim(waitCtx)
		if err != nil {
			lastErr = err
			return 0, err
		}
		if claimed {
			slog.WarnContext(ctx, "Took over bootstrap claim",
				"owner", g.owner,
				"previous_owner", deref(lock.ClaimedBy))
			return pollClaimed, nil
		}

		lastErr = errBootstrapInProgress
		return 0, errBootstrapInProgress
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(g.waitTimeout),
	)
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return 0, g.fail(PhaseWait, ctx.Err())
	}
	if lastErr == nil {
		lastErr = err
	}
	return 0, g.fail(PhaseWait, fmt.Errorf("%w after %s: %w", ErrWaitTimeout, g.waitTimeout, lastErr))
}

// runClaimed runs every step while keeping the claim fresh, then marks the
// lock completed. On any failure the claim is released so that a restarted
// process can try again.
func (g *Gate) runClaimed(ctx context.Context) (Outcome, error) {
	slog.InfoContext(ctx, "Bootstrap claimed, running steps", "owner", g.owner, "steps", len(g.steps))

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stopHeartbeat := g.startHeartbeat(stepCtx, cancel)

	for _, step := range g.steps {
		stepStart := time.Now()
		stepSpanCtx, span := otel.StartSpan(stepCtx, g.tracer, "bootstrap.Step",
			trace.WithAttributes(otel.AttrBootstrapStep.String(step.Name)),
		)
		err := step.Run(stepSpanCtx)
		otel.RecordError(span, err)
		span.End()

		if err != nil {
			stopHeartbeat()
			if cause := context.Cause(stepCtx); errors.Is(cause, ErrClaimLost) {
				err = fmt.Errorf("%w: %w", cause, err)
			}
			g.release(ctx)
			bErr := g.fail(PhaseStep, err)
			bErr.Step = step.Name
			return OutcomeFailed, bErr
		}
		slog.InfoContext(ctx, "Bootstrap step finished", "step", step.Name, "duration", time.Since(stepStart))
	}

	stopHeartbeat()

	affected, err := g.queries.CompleteBootstrapLock(ctx, g.owner)
	if err != nil {
		g.release(ctx)
		return OutcomeFailed, g.fail(PhaseComplete, fmt.Errorf("failed to mark bootstrap completed: %w", err))
	}
	if affected == 0 {
		return OutcomeFailed, g.fail(PhaseComplete, ErrClaimLost)
	}

	slog.InfoContext(ctx, "Bootstrap completed", "owner", g.owner)
	return OutcomeCompleted, nil
}

// startHeartbeat refreshes claimed_at several times per stale window. If the
// claim is no longer ours the step context is canceled with ErrClaimLost.
// The returned function stops the heartbeat and waits for it to exit.
func (g *Gate) startHeartbeat(ctx context.Context, cancel context.CancelCauseFunc) func() {
	period := max(g.staleAfter/heartbeatsPerWindow, minHeartbeatPeriod)

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				affected, err := g.queries.RefreshBootstrapClaim(ctx, g.owner)
				if err != nil {
					slog.WarnContext(ctx, "Failed to refresh bootstrap claim", "owner", g.owner, "error", err)
					continue
				}
				if affected == 0 {
					slog.ErrorContext(ctx, "Bootstrap claim was taken over", "owner", g.owner)
					cancel(ErrClaimLost)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

// release gives up the claim without marking completion
func (g *Gate) release(ctx context.Context) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	affected, err := g.queries.ReleaseBootstrapLock(releaseCtx, g.owner)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to release bootstrap claim", "owner", g.owner, "error", err)
		return
	}
	if affected == 0 {
		slog.WarnContext(ctx, "Bootstrap claim was already released or taken over", "owner", g.owner)
	}
}

func (g *Gate) fail(phase Phase, err error) *BootstrapError {
	return &BootstrapError{Phase: phase, Owner: g.owner, Err: err}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
