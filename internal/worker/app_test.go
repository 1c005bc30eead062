package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/balance-server/database"
	"github.com/stacklok/balance-server/internal/bootstrap"
)

func startApp(t *testing.T, app *App) <-chan error {
	t.Helper()

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()
	return errChan
}

func postUpdate(t *testing.T, base, body string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Post(base+"/update-balance", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestApp_BootstrapsThenServes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, cleanup := database.SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanup)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + listener.Addr().String()

	app, err := NewApp(ctx, WithConfig(createTestConfig()), WithPool(pool), WithListener(listener))
	require.NoError(t, err)

	errChan := startApp(t, app)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/balance/1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 100*time.Millisecond)

	status, body := postUpdate(t, base, `{"userId":1,"amount":-30}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.InDelta(t, 70, body["balance"], 0)

	status, body = postUpdate(t, base, `{"userId":1,"amount":-71}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Insufficient funds", body["error"])

	status, body = postUpdate(t, base, `{"userId":6,"amount":1}`)
	assert.Equal(t, http.StatusBadRequest, status, "only five accounts are seeded")
	assert.Equal(t, "User not found", body["error"])

	// A worker started later sees the completed marker and leaves the data alone
	second, err := NewApp(ctx, WithConfig(createTestConfig()), WithPool(pool))
	require.NoError(t, err)
	outcome, err := second.GetComponents().Gate.EnsureBootstrapped(ctx)
	require.NoError(t, err)
	assert.Equal(t, bootstrap.OutcomeSkipped, outcome)

	balance, err := app.GetComponents().Coordinator.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)

	require.NoError(t, app.Stop(5*time.Second))
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	// The injected pool stays usable
	require.NoError(t, pool.Ping(ctx))
}

func TestApp_StartFailsWhenBootstrapFails(t *testing.T) {
	t.Parallel()

	app, err := NewApp(context.Background(),
		WithConfig(createTestConfig()),
		WithPool(lazyPool(t)),
		WithAddress("127.0.0.1:0"),
	)
	require.NoError(t, err)

	select {
	case err := <-startApp(t, app):
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bootstrap failed")

		var bootstrapErr *bootstrap.BootstrapError
		assert.True(t, errors.As(err, &bootstrapErr))
	case <-time.After(30 * time.Second):
		t.Fatal("Start() did not fail")
	}
}

func TestApp_StopDuringBootstrap(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	ctx := context.Background()
	pool, cleanup := database.SetupTestDBContainer(t, ctx)
	t.Cleanup(cleanup)

	app, err := NewApp(ctx,
		WithConfig(createTestConfig()),
		WithPool(pool),
		WithAddress("127.0.0.1:0"),
		WithBootstrapSteps(bootstrap.Step{
			Name: "slow",
			Run: func(ctx context.Context) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-block:
					return nil
				}
			},
		}),
	)
	require.NoError(t, err)

	errChan := startApp(t, app)
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, app.Stop(5*time.Second))
	select {
	case err := <-errChan:
		require.NoError(t, err, "a stop request is not a bootstrap failure")
	case <-time.After(15 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}
}
