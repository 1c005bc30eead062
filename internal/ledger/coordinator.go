// Package ledger applies balance mutations under a row lock so that concurrent
// requests from any number of processes never lose an update or overdraw an account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/balance-server/internal/otel"
	"github.com/stacklok/balance-server/internal/telemetry"
)

// rollbackTimeout bounds the rollback issued after a failed mutation, which
// runs even when the request context is already done
const rollbackTimeout = 5 * time.Second

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=coordinator.go Service

// Service is the balance API exposed to request handlers
type Service interface {
	// ApplyDelta adds delta to the account balance and returns the new balance
	ApplyDelta(ctx context.Context, accountID, delta int64) (int64, error)

	// Balance returns the last committed balance without locking the account
	Balance(ctx context.Context, accountID int64) (int64, error)

	// CheckReadiness checks if the store can serve requests
	CheckReadiness(ctx context.Context) error
}

type options struct {
	acquireTimeout time.Duration
	tracer         trace.Tracer
	metrics        *telemetry.LedgerMetrics
}

// Option is a functional option for configuring the Coordinator
type Option func(*options) error

// WithAcquireTimeout bounds a whole mutation, including waiting for a pool
// connection and for the row lock
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return fmt.Errorf("acquire timeout must be greater than zero, got %s", timeout)
		}
		o.acquireTimeout = timeout
		return nil
	}
}

// WithTracer sets the OpenTelemetry tracer for the coordinator.
// If not set, tracing will be disabled (no-op).
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		o.tracer = tracer
		return nil
	}
}

// WithMetrics sets the instruments recorded for each mutation
func WithMetrics(metrics *telemetry.LedgerMetrics) Option {
	return func(o *options) error {
		o.metrics = metrics
		return nil
	}
}

// Coordinator serializes mutations of one account through the store's row lock
type Coordinator struct {
	store          Store
	acquireTimeout time.Duration
	tracer         trace.Tracer
	metrics        *telemetry.LedgerMetrics
}

var _ Service = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator over the given store
func NewCoordinator(store Store, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	o := &options{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	return &Coordinator{
		store:          store,
		acquireTimeout: o.acquireTimeout,
		tracer:         o.tracer,
		metrics:        o.metrics,
	}, nil
}

// ApplyDelta locks the account row, checks that the balance stays non-negative,
// writes the new balance and commits. Every failure rolls the transaction back,
// so a failed call never leaves a write or a held lock behind.
func (c *Coordinator) ApplyDelta(ctx context.Context, accountID, delta int64) (balance int64, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, c.tracer, "ledger.ApplyDelta",
		trace.WithAttributes(otel.AttrAccountID.Int64(accountID), otel.AttrDelta.Int64(delta)),
	)
	defer func() {
		outcome := outcomeOf(err)
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		if err != nil && !isRejection(err) {
			otel.RecordError(span, err)
		}
		span.End()
		c.metrics.RecordApplyDelta(ctx, time.Since(start), outcome)
	}()

	opCtx := ctx
	if c.acquireTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}

	balance, err = c.applyDelta(opCtx, accountID, delta)
	if err != nil {
		err = classifyError(err)
		if !isRejection(err) {
			slog.WarnContext(ctx, "Balance mutation failed",
				"account_id", accountID,
				"delta", delta,
				"error", err,
				"request_id", middleware.GetReqID(ctx))
		}
		return 0, err
	}

	span.SetAttributes(otel.AttrBalance.Int64(balance))
	slog.DebugContext(ctx, "Balance updated",
		"account_id", accountID,
		"delta", delta,
		"balance", balance,
		"request_id", middleware.GetReqID(ctx))
	return balance, nil
}

func (c *Coordinator) applyDelta(ctx context.Context, accountID, delta int64) (int64, error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer c.rollback(ctx, tx)

	accounts := tx.Accounts()

	acct, err := accounts.AcquireForUpdate(ctx, accountID)
	if err != nil {
		return 0, err
	}

	projected, ok := addDelta(acct.Balance, delta)
	if !ok {
		return 0, fmt.Errorf("%w: balance %d cannot absorb delta %d", ErrInvalidAmount, acct.Balance, delta)
	}
	if projected < 0 {
		return 0, fmt.Errorf("%w: account %d has %d, delta %d", ErrInsufficientFunds, accountID, acct.Balance, delta)
	}

	acct.Balance = projected
	if err := accounts.Persist(ctx, acct); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return projected, nil
}

// rollback runs on every exit path; after a successful commit it is a no-op
func (*Coordinator) rollback(ctx context.Context, tx Tx) {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := tx.Rollback(rbCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.WarnContext(ctx, "Failed to roll back transaction", "error", err)
	}
}

// Balance returns the committed balance of an account
func (c *Coordinator) Balance(ctx context.Context, accountID int64) (int64, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "ledger.Balance",
		trace.WithAttributes(otel.AttrAccountID.Int64(accountID)),
	)
	defer span.End()

	acct, err := c.store.Accounts().Get(ctx, accountID)
	if err != nil {
		err = classifyError(err)
		if !isRejection(err) {
			otel.RecordError(span, err)
		}
		return 0, err
	}

	span.SetAttributes(otel.AttrBalance.Int64(acct.Balance))
	return acct.Balance, nil
}

// CheckReadiness checks if the store is reachable
func (c *Coordinator) CheckReadiness(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// isRejection reports errors caused by the request rather than the infrastructure
func isRejection(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount)
}

func addDelta(balance, delta int64) (int64, bool) {
	sum := balance + delta
	if (delta > 0 && sum < balance) || (delta < 0 && sum > balance) {
		return 0, false
	}
	return sum, true
}
