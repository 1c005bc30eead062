package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/stacklok/balance-server/database"
	"github.com/stacklok/balance-server/internal/db/sqlc"
)

// Step is one unit of bootstrap work. All steps of a gate run in order by the
// single process holding the claim.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// MigrateStep applies every pending schema migration
func MigrateStep(connString string) Step {
	return Step{
		Name: "migrate",
		Run: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return database.MigrateUp(connString)
		},
	}
}

// SeedStep replaces the contents of the accounts table with count accounts
// holding balance each. Ids restart at 1. The swap happens in one transaction
// so readers never see a partially seeded table.
func SeedStep(db DB, count int32, balance int64) Step {
	return Step{
		Name: "seed",
		Run: func(ctx context.Context) error {
			if count < 0 {
				return fmt.Errorf("seed count must not be negative, got %d", count)
			}
			if balance < 0 {
				return fmt.Errorf("seed balance must not be negative, got %d", balance)
			}

			tx, err := db.Begin(ctx)
			if err != nil {
				return fmt.Errorf("failed to begin transaction: %w", err)
			}
			defer func() {
				err := tx.Rollback(context.WithoutCancel(ctx))
				if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
					slog.Warn("Failed to roll back seed transaction", "error", err)
				}
			}()

			queries := sqlc.New(tx)
			if err := queries.TruncateAccounts(ctx); err != nil {
				return fmt.Errorf("failed to clear accounts: %w", err)
			}

			seeded, err := queries.SeedAccounts(ctx, sqlc.SeedAccountsParams{
				Balance: balance,
				Count:   count,
			})
			if err != nil {
				return fmt.Errorf("failed to seed accounts: %w", err)
			}

			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("failed to commit seed: %w", err)
			}

			slog.InfoContext(ctx, "Accounts seeded", "count", seeded, "balance", balance)
			return nil
		},
	}
}
