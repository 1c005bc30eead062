package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/balance-server/internal/config"
	"github.com/stacklok/balance-server/pkg/versions"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd := &cobra.Command{RunE: versionCmd.RunE}
	cmd.Flags().String("format", "json", "")

	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.RunE(cmd, nil))

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, versions.GetVersionInfo(), info)
}

func TestReadConfirmation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{input: "yes\n", want: true},
		{input: "Y\n", want: true},
		{input: " y ", want: true},
		{input: "no\n", want: false},
		{input: "", want: false},
		{input: "maybe\n", want: false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			got, err := readConfirmation(strings.NewReader(tt.input), &out, "Continue?")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "Continue? (yes/no): ", out.String())
		})
	}
}

func TestSupervisorConfig(t *testing.T) {
	t.Parallel()

	w := &config.WorkersConfig{
		ShutdownTimeout: "7s",
		Restart: &config.RestartConfig{
			InitialBackoff:        "200ms",
			MaxBackoff:            "3s",
			StableAfter:           "20s",
			MaxConsecutiveCrashes: 4,
			BreakerCooldown:       "2m",
		},
	}

	got := supervisorConfig(w, 3)
	assert.Equal(t, 3, got.Workers)
	assert.Equal(t, 200*time.Millisecond, got.InitialBackoff)
	assert.Equal(t, 3*time.Second, got.MaxBackoff)
	assert.Equal(t, 20*time.Second, got.StableAfter)
	assert.Equal(t, uint32(4), got.MaxConsecutiveCrashes)
	assert.Equal(t, 2*time.Minute, got.BreakerCooldown)
	assert.Equal(t, 7*time.Second, got.ShutdownTimeout)
}

func TestListenFile(t *testing.T) {
	t.Parallel()

	f, err := listenFile(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	// The socket survives the listener that created it
	l, err := net.FileListener(f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		conn, err := l.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	conn, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	require.NoError(t, err)
	_ = conn.Close()
}

// balanceServer emulates POST /update-balance with a single locked balance
func balanceServer(start int64) *httptest.Server {
	var mu sync.Mutex
	balance := start

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID int64 `json:"userId"`
			Amount int64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Invalid request body"}`))
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if balance+req.Amount < 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Insufficient funds"}`))
			return
		}
		balance += req.Amount
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "balance": balance})
	}))
}

func TestLoadtest(t *testing.T) {
	t.Parallel()

	srv := balanceServer(10000)
	t.Cleanup(srv.Close)

	result, err := loadtest(context.Background(), srv.Client(), loadtestOptions{
		baseURL:     srv.URL + "/",
		userID:      1,
		amount:      -2,
		requests:    6000,
		concurrency: 50,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5000), result.OK)
	assert.Equal(t, int64(1000), result.Refused)
	assert.Equal(t, int64(1000), result.Insufficient)
	assert.Zero(t, result.Other)
	assert.Zero(t, result.Errors)
}

func TestLoadtest_InvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := loadtest(context.Background(), http.DefaultClient, loadtestOptions{requests: 0, concurrency: 1})
	require.Error(t, err)
}
