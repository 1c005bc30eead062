// Package account provides row-level access to account balances inside a
// caller-owned transaction.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stacklok/balance-server/internal/db/sqlc"
)

// ErrNotFound is returned when no account exists for the requested id
var ErrNotFound = errors.New("account not found")

// Account is a single balance holder
type Account struct {
	ID      int64
	Balance int64
}

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks -source=account.go Repository

// Repository reads and writes accounts. It never retries; callers decide
// what to do with a failed statement.
type Repository interface {
	// AcquireForUpdate reads the account and holds its row lock until the
	// enclosing transaction ends
	AcquireForUpdate(ctx context.Context, id int64) (*Account, error)

	// Persist writes the account's balance back to the store
	Persist(ctx context.Context, acct *Account) error

	// Get reads the account without taking a lock
	Get(ctx context.Context, id int64) (*Account, error)
}

type pgRepository struct {
	queries *sqlc.Queries
}

// NewRepository returns a Repository that runs its statements on db.
// Pass a pgx.Tx to make the row lock from AcquireForUpdate meaningful.
func NewRepository(db sqlc.DBTX) Repository {
	return &pgRepository{queries: sqlc.New(db)}
}

func (r *pgRepository) AcquireForUpdate(ctx context.Context, id int64) (*Account, error) {
	row, err := r.queries.GetAccountForUpdate(ctx, id)
	if err != nil {
		return nil, wrapLookupError(id, err)
	}
	return &Account{ID: row.ID, Balance: row.Balance}, nil
}

func (r *pgRepository) Get(ctx context.Context, id int64) (*Account, error) {
	row, err := r.queries.GetAccount(ctx, id)
	if err != nil {
		return nil, wrapLookupError(id, err)
	}
	return &Account{ID: row.ID, Balance: row.Balance}, nil
}

func (r *pgRepository) Persist(ctx context.Context, acct *Account) error {
	if acct == nil {
		return fmt.Errorf("account cannot be nil")
	}

	affected, err := r.queries.UpdateAccountBalance(ctx, sqlc.UpdateAccountBalanceParams{
		ID:      acct.ID,
		Balance: acct.Balance,
	})
	if err != nil {
		return fmt.Errorf("failed to update account %d: %w", acct.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("account %d: %w", acct.ID, ErrNotFound)
	}
	return nil
}

func wrapLookupError(id int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("failed to read account %d: %w", id, err)
}
