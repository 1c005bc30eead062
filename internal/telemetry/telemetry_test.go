package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// otlpSink accepts OTLP exports so SDK providers can flush on shutdown
func otlpSink(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		config        func(endpoint string) *Config
		wantSDKTracer bool
		wantSDKMeter  bool
		wantScrape    bool
		errContains   string
	}{
		{
			name:   "no config",
			config: func(string) *Config { return nil },
		},
		{
			name: "disabled",
			config: func(string) *Config {
				return &Config{Tracing: &TracingConfig{Enabled: true}}
			},
		},
		{
			name: "enabled without signals",
			config: func(string) *Config {
				return &Config{Enabled: true, Tracing: &TracingConfig{}, Metrics: &MetricsConfig{}}
			},
		},
		{
			name: "invalid sampling",
			config: func(string) *Config {
				return &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: ptr(1.5)}}
			},
			errContains: "invalid telemetry configuration",
		},
		{
			name: "tracing over OTLP",
			config: func(endpoint string) *Config {
				return &Config{
					Enabled:  true,
					Endpoint: endpoint,
					Insecure: true,
					Tracing:  &TracingConfig{Enabled: true, Sampling: ptr(1.0)},
				}
			},
			wantSDKTracer: true,
		},
		{
			name: "metrics over OTLP only",
			config: func(endpoint string) *Config {
				return &Config{
					Enabled:  true,
					Endpoint: endpoint,
					Insecure: true,
					Metrics:  &MetricsConfig{Enabled: true},
				}
			},
			wantSDKMeter: true,
		},
		{
			name: "prometheus scrape only",
			config: func(string) *Config {
				return &Config{Enabled: true, Metrics: &MetricsConfig{Prometheus: true}}
			},
			wantSDKMeter: true,
			wantScrape:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			tel, err := New(ctx, WithTelemetryConfig(tt.config(otlpSink(t))))
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)

			if tt.wantSDKTracer {
				assert.IsType(t, &sdktrace.TracerProvider{}, tel.TracerProvider())
			} else {
				assert.IsType(t, tracenoop.TracerProvider{}, tel.TracerProvider())
			}
			if tt.wantSDKMeter {
				assert.IsType(t, &sdkmetric.MeterProvider{}, tel.MeterProvider())
			} else {
				assert.IsType(t, noop.MeterProvider{}, tel.MeterProvider())
			}
			if tt.wantScrape {
				assert.NotNil(t, tel.MetricsHandler())
			} else {
				assert.Nil(t, tel.MetricsHandler())
			}

			require.NotNil(t, tel.Tracer(TracerName))
			require.NotNil(t, tel.Meter(LedgerMetricsMeterName))

			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			require.NoError(t, tel.Shutdown(shutdownCtx))
		})
	}
}

func TestTelemetry_MetricsHandlerServesBalanceSeries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tel, err := New(ctx, WithTelemetryConfig(&Config{
		Enabled: true,
		Metrics: &MetricsConfig{Prometheus: true},
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ledger, err := NewLedgerMetrics(tel.MeterProvider())
	require.NoError(t, err)
	ledger.RecordApplyDelta(ctx, 3*time.Millisecond, "applied")

	server := httptest.NewServer(tel.MetricsHandler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "balance_apply_delta_total")
	assert.Contains(t, string(body), `outcome="applied"`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestTelemetry_ShutdownTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tel, err := New(ctx)
	require.NoError(t, err)
	require.NoError(t, tel.Shutdown(ctx))
	require.NoError(t, tel.Shutdown(ctx))
}
