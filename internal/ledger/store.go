package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/balance-server/internal/account"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store,Tx

// Store opens transactions against the account store
type Store interface {
	// Begin opens a read-committed, read-write transaction
	Begin(ctx context.Context) (Tx, error)

	// Accounts returns a repository bound to the pool, outside any transaction
	Accounts() account.Repository

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}

// Tx is an open store transaction
type Tx interface {
	// Accounts returns a repository whose statements run in this transaction
	Accounts() account.Repository

	Commit(ctx context.Context) error

	// Rollback aborts the transaction. It returns pgx.ErrTxClosed when the
	// transaction has already been committed or rolled back.
	Rollback(ctx context.Context) error
}

type pgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore returns a Store over the pool. Every transaction it opens bounds
// row lock waits by lockTimeout; zero leaves the server default in place.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) (Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	if lockTimeout < 0 {
		return nil, fmt.Errorf("lock timeout must not be negative, got %s", lockTimeout)
	}
	return &pgStore{pool: pool, lockTimeout: lockTimeout}, nil
}

func (s *pgStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if s.lockTimeout > 0 {
		// set_config with is_local=true behaves like SET LOCAL and accepts a bind parameter
		ms := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10)
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", ms); err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	return &pgTx{tx: tx}, nil
}

func (s *pgStore) Accounts() account.Repository {
	return account.NewRepository(s.pool)
}

func (s *pgStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Accounts() account.Repository {
	return account.NewRepository(t.tx)
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return err
}
