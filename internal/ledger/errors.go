package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stacklok/balance-server/internal/account"
)

var (
	// ErrAccountNotFound is returned when the account to mutate does not exist
	ErrAccountNotFound = account.ErrNotFound
	// ErrInsufficientFunds is returned when the mutation would leave a negative balance
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrLockTimeout is returned when the row lock or the transaction did not
	// complete within the configured bounds
	ErrLockTimeout = errors.New("lock timeout")
	// ErrStoreUnavailable is returned for any other store failure
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidAmount is returned when the delta cannot be applied without overflow
	ErrInvalidAmount = errors.New("invalid amount")
)

// PostgreSQL error codes the coordinator distinguishes
const (
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
	pgCheckViolation   = "23514"
)

// classifyError maps a store failure onto one of the ledger's sentinel errors.
// The original error stays in the chain for logging.
func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrLockTimeout),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrInvalidAmount):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %w", ErrLockTimeout, err)
		case pgCheckViolation:
			return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// outcomeOf names the result of a mutation for metrics and span attributes
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "store_unavailable"
	}
}
