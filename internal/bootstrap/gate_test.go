package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/balance-server/database"
	"github.com/stacklok/balance-server/internal/db/sqlc"
)

func setupEmptyDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, cleanup := database.SetupTestDBContainer(t, context.Background())
	t.Cleanup(cleanup)
	return pool
}

// countingStep records how many times it ran and optionally holds the claim for a while
func countingStep(counter *atomic.Int32, hold time.Duration) Step {
	return Step{
		Name: "count",
		Run: func(ctx context.Context) error {
			counter.Add(1)
			select {
			case <-time.After(hold):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

func newTestGate(t *testing.T, pool *pgxpool.Pool, owner string, opts ...Option) *Gate {
	t.Helper()
	opts = append([]Option{
		WithOwner(owner),
		WithPollInterval(10*time.Millisecond, 100*time.Millisecond),
	}, opts...)
	gate, err := NewGate(pool, opts...)
	require.NoError(t, err)
	return gate
}

func readLock(t *testing.T, pool *pgxpool.Pool) sqlc.MigrationsLock {
	t.Helper()
	lock, err := sqlc.New(pool).GetBootstrapLock(context.Background())
	require.NoError(t, err)
	return lock
}

func TestEnsureBootstrapped_ConcurrentGatesRunStepsOnce(t *testing.T) {
	t.Parallel()

	pool := setupEmptyDB(t)
	connString := pool.Config().ConnString()
	ctx := context.Background()

	const gates = 10
	var runs atomic.Int32
	outcomes := make([]Outcome, gates)

	var g errgroup.Group
	for i := range gates {
		g.Go(func() error {
			gate := newTestGate(t, pool, fmt.Sprintf("worker-%d", i),
				WithSteps(
					MigrateStep(connString),
					SeedStep(pool, 100, 10000),
					countingStep(&runs, 200*time.Millisecond),
				),
			)
			outcome, err := gate.EnsureBootstrapped(ctx)
			outcomes[i] = outcome
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), runs.Load(), "steps must run exactly once")

	completed := 0
	for _, outcome := range outcomes {
		switch outcome {
		case OutcomeCompleted:
			completed++
		case OutcomeWaited, OutcomeSkipped:
		default:
			t.Fatalf("unexpected outcome %q", outcome)
		}
	}
	assert.Equal(t, 1, completed)

	count, err := sqlc.New(pool).CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), count, "seed rows must exist exactly once")

	last, err := sqlc.New(pool).GetAccount(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), last.Balance)

	lock := readLock(t, pool)
	assert.True(t, lock.Completed)
	assert.NotNil(t, lock.CompletedAt)

	// A restarted worker finds the completion marker and does nothing
	restarted := newTestGate(t, pool, "worker-restarted", WithSteps(countingStep(&runs, 0)))
	outcome, err := restarted.EnsureBootstrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, int32(1), runs.Load())
}

func TestEnsureBootstrapped_FailedStepReleasesClaim(t *testing.T) {
	t.Parallel()

	pool := setupEmptyDB(t)
	ctx := context.Background()
	errSeed := errors.New("disk full")

	failing := newTestGate(t, pool, "failing", WithSteps(Step{
		Name: "seed",
		Run:  func(context.Context) error { return errSeed },
	}))

	outcome, err := failing.EnsureBootstrapped(ctx)
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, errSeed)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, PhaseStep, bErr.Phase)
	assert.Equal(t, "seed", bErr.Step)
	assert.Equal(t, "failing", bErr.Owner)

	lock := readLock(t, pool)
	assert.False(t, lock.Locked, "claim must be released")
	assert.False(t, lock.Completed, "failure must never mark completion")
	assert.Nil(t, lock.ClaimedBy)

	// The next attempt starts from scratch and succeeds
	var runs atomic.Int32
	retry := newTestGate(t, pool, "retry", WithSteps(countingStep(&runs, 0)))
	outcome, err = retry.EnsureBootstrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int32(1), runs.Load())
}

func TestEnsureBootstrapped_TakesOverStaleClaim(t *testing.T) {
	t.Parallel()

	pool := setupEmptyDB(t)
	ctx := context.Background()

	gate := newTestGate(t, pool, "survivor", WithStaleAfter(time.Second))
	require.NoError(t, gate.ensureLockRow(ctx))

	// A process died an hour ago while holding the claim
	_, err := pool.Exec(ctx, `UPDATE migrations_lock
		SET locked = true, claimed_by = 'dead', claimed_at = now() - interval '1 hour'
		WHERE id = 1`)
	require.NoError(t, err)

	outcome, err := gate.EnsureBootstrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	lock := readLock(t, pool)
	assert.Equal(t, "survivor", *lock.ClaimedBy)
	assert.True(t, lock.Completed)
}

func TestEnsureBootstrapped_WaitTimeout(t *testing.T) {
	t.Parallel()

	pool := setupEmptyDB(t)
	ctx := context.Background()

	gate := newTestGate(t, pool, "patient",
		WithWaitTimeout(300*time.Millisecond),
		WithStaleAfter(time.Hour),
	)
	require.NoError(t, gate.ensureLockRow(ctx))

	claimed, err := sqlc.New(pool).ClaimBootstrapLock(ctx, sqlc.ClaimBootstrapLockParams{
		Owner:        "slow",
		StaleSeconds: time.Hour.Seconds(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), claimed)

	start := time.Now()
	outcome, err := gate.EnsureBootstrapped(ctx)
	assert.Equal(t, OutcomeFailed, outcome)
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	var bErr *BootstrapError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, PhaseWait, bErr.Phase)

	lock := readLock(t, pool)
	assert.Equal(t, "slow", *lock.ClaimedBy, "a waiter never steals a live claim")
}

func TestEnsureBootstrapped_WaiterClaimsAfterRelease(t *testing.T) {
	t.Parallel()

	pool := setupEmptyDB(t)
	ctx := context.Background()
	queries := sqlc.New(pool)

	var runs atomic.Int32
	gate := newTestGate(t, pool, "waiter",
		WithWaitTimeout(10*time.Second),
		WithStaleAfter(time.Hour),
		WithSteps(countingStep(&runs, 0)),
	)
	require.NoError(t, gate.ensureLockRow(ctx))

	_, err := queries.ClaimBootstrapLock(ctx, sqlc.ClaimBootstrapLockParams{Owner: "crashing", StaleSeconds: 3600})
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = queries.ReleaseBootstrapLock(context.Background(), "crashing")
	}()

	outcome, err := gate.EnsureBootstrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int32(1), runs.Load())
}

func TestEnsureBootstrapped_HeartbeatKeepsClaimAlive(t *testing.T) {
	t.Parallel()

	pool := setupEmptyDB(t)
	ctx := context.Background()

	var runs atomic.Int32
	const staleAfter = 300 * time.Millisecond

	// The winner holds the claim for several stale windows
	winner := newTestGate(t, pool, "winner",
		WithStaleAfter(staleAfter),
		WithSteps(countingStep(&runs, 4*staleAfter)),
	)
	waiter := newTestGate(t, pool, "waiter",
		WithStaleAfter(staleAfter),
		WithWaitTimeout(10*time.Second),
		WithSteps(countingStep(&runs, 0)),
	)

	winnerDone := make(chan Outcome, 1)
	go func() {
		outcome, err := winner.EnsureBootstrapped(ctx)
		assert.NoError(t, err)
		winnerDone <- outcome
	}()

	require.Eventually(t, func() bool {
		lock, err := sqlc.New(pool).GetBootstrapLock(ctx)
		return err == nil && lock.Locked
	}, 5*time.Second, 10*time.Millisecond)

	outcome, err := waiter.EnsureBootstrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaited, outcome)
	assert.Equal(t, OutcomeCompleted, <-winnerDone)
	assert.Equal(t, int32(1), runs.Load())
}

func TestNewGate(t *testing.T) {
	t.Parallel()

	_, err := NewGate(nil)
	require.Error(t, err)

	pool := &pgxpool.Pool{}

	tests := []struct {
		name string
		opt  Option
	}{
		{name: "empty owner", opt: WithOwner("")},
		{name: "zero wait timeout", opt: WithWaitTimeout(0)},
		{name: "negative stale threshold", opt: WithStaleAfter(-time.Second)},
		{name: "inverted poll interval", opt: WithPollInterval(time.Second, time.Millisecond)},
		{name: "step without run", opt: WithSteps(Step{Name: "noop"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGate(pool, tt.opt)
			require.Error(t, err)
		})
	}

	gate, err := NewGate(pool)
	require.NoError(t, err)
	assert.NotEmpty(t, gate.Owner())
	assert.Equal(t, defaultWaitTimeout, gate.waitTimeout)
	assert.Equal(t, defaultStaleAfter, gate.staleAfter)

	other, err := NewGate(pool)
	require.NoError(t, err)
	assert.NotEqual(t, gate.Owner(), other.Owner(), "default owners are unique per gate")
}

func TestBootstrapError(t *testing.T) {
	t.Parallel()

	cause := errors.New("relation \"users\" does not exist")
	err := &BootstrapError{Phase: PhaseStep, Step: "seed", Owner: "host:1:abc", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), `bootstrap step "seed" failed`)
	assert.Contains(t, err.Error(), "host:1:abc")

	wait := &BootstrapError{Phase: PhaseWait, Owner: "o", Err: ErrWaitTimeout}
	assert.Equal(t, "bootstrap wait failed (owner o): timed out waiting for bootstrap", wait.Error())
}
