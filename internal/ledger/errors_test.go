package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		want    error
		outcome string
	}{
		{
			name:    "not found passes through",
			err:     fmt.Errorf("account 9: %w", ErrAccountNotFound),
			want:    ErrAccountNotFound,
			outcome: "account_not_found",
		},
		{
			name:    "lock not available",
			err:     fmt.Errorf("query: %w", &pgconn.PgError{Code: pgLockNotAvailable}),
			want:    ErrLockTimeout,
			outcome: "lock_timeout",
		},
		{
			name:    "statement canceled",
			err:     &pgconn.PgError{Code: pgQueryCanceled},
			want:    ErrLockTimeout,
			outcome: "lock_timeout",
		},
		{
			name:    "context deadline",
			err:     fmt.Errorf("begin: %w", context.DeadlineExceeded),
			want:    ErrLockTimeout,
			outcome: "lock_timeout",
		},
		{
			name:    "check constraint",
			err:     &pgconn.PgError{Code: pgCheckViolation},
			want:    ErrInsufficientFunds,
			outcome: "insufficient_funds",
		},
		{
			name:    "canceled by caller",
			err:     context.Canceled,
			want:    context.Canceled,
			outcome: "canceled",
		},
		{
			name:    "anything else",
			err:     errors.New("connection reset by peer"),
			want:    ErrStoreUnavailable,
			outcome: "store_unavailable",
		},
		{
			name:    "other postgres error",
			err:     &pgconn.PgError{Code: "08006"},
			want:    ErrStoreUnavailable,
			outcome: "store_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classifyError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err, "original error must stay in the chain")
			assert.Equal(t, tt.outcome, outcomeOf(got))
		})
	}

	assert.NoError(t, classifyError(nil))
	assert.Equal(t, "applied", outcomeOf(nil))
}

func TestAddDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		balance int64
		delta   int64
		want    int64
		wantOK  bool
	}{
		{name: "credit", balance: 100, delta: 30, want: 130, wantOK: true},
		{name: "debit", balance: 100, delta: -30, want: 70, wantOK: true},
		{name: "debit below zero still computes", balance: 70, delta: -100, want: -30, wantOK: true},
		{name: "zero delta", balance: 5, delta: 0, want: 5, wantOK: true},
		{name: "credit overflow", balance: math.MaxInt64 - 1, delta: 2, wantOK: false},
		{name: "debit overflow", balance: math.MinInt64 + 1, delta: -2, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := addDelta(tt.balance, tt.delta)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
