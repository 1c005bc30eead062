package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// balanceRouter mimics the worker's routes with canned responses
func balanceRouter(mw func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(mw)
	r.Post("/update-balance", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "overdraw") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/balance/{userId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return r
}

func serve(t *testing.T, h http.Handler, method, target string) int {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr.Code
}

func TestHTTPMetrics_NilPassesThrough(t *testing.T) {
	t.Parallel()

	metrics, err := NewHTTPMetrics(nil)
	require.NoError(t, err)
	require.Nil(t, metrics)

	assert.Equal(t, http.StatusOK, serve(t, balanceRouter(metrics.Middleware), http.MethodPost, "/update-balance"))
}

func TestHTTPMetrics_RecordsByRouteAndStatus(t *testing.T) {
	t.Parallel()

	mp, reader := newTestMeterProvider(t)
	metrics, err := NewHTTPMetrics(mp)
	require.NoError(t, err)

	router := balanceRouter(metrics.Middleware)
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodPost, "/update-balance"))
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodPost, "/update-balance"))
	assert.Equal(t, http.StatusBadRequest, serve(t, router, http.MethodPost, "/update-balance?overdraw"))
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/balance/1"))
	assert.Equal(t, http.StatusOK, serve(t, router, http.MethodGet, "/balance/2"))
	assert.Equal(t, http.StatusNotFound, serve(t, router, http.MethodGet, "/nope"))

	found := collectScope(t, reader, HTTPMetricsMeterName)

	total, ok := found["balance_http_requests_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)

	counts := make(map[string]int64)
	for _, dp := range total.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		status, _ := dp.Attributes.Value(attribute.Key("status_code"))
		counts[route.AsString()+" "+status.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{
		"/update-balance 200":   2,
		"/update-balance 400":   1,
		"/balance/{userId} 200": 2,
		unknownRoute + " 404":   1,
	}, counts)

	hist, ok := found["balance_http_request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 4)

	active, ok := found["balance_http_active_requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, active.DataPoints, 1)
	assert.Zero(t, active.DataPoints[0].Value, "every request finished")
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("nil provider passes through", func(t *testing.T) {
		t.Parallel()

		mw, err := MetricsMiddleware(nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, serve(t, balanceRouter(mw), http.MethodGet, "/readiness"))
	})

	t.Run("noop provider", func(t *testing.T) {
		t.Parallel()

		mw, err := MetricsMiddleware(noop.NewMeterProvider())
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, serve(t, balanceRouter(mw), http.MethodGet, "/balance/9"))
	})
}

func TestRouteOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, unknownRoute, routeOf(httptest.NewRequest(http.MethodGet, "/balance/1", nil)))

	var seen string
	r := chi.NewRouter()
	r.Get("/balance/{userId}", func(_ http.ResponseWriter, r *http.Request) {
		seen = routeOf(r)
	})
	serve(t, r, http.MethodGet, "/balance/77")
	assert.Equal(t, "/balance/{userId}", seen)
}
