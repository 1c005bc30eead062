package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/balance-server/internal/api"
	"github.com/stacklok/balance-server/internal/ledger/mocks"
)

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	mockSvc := mocks.NewMockService(ctrl)
	// No expectations needed - health check doesn't call service
	server := api.NewServer(mockSvc)

	req, err := http.NewRequest("GET", "/health", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		setupMock      func(*mocks.MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "store reachable",
			setupMock: func(m *mocks.MockService) {
				m.EXPECT().CheckReadiness(gomock.Any()).Return(nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name: "store unreachable",
			setupMock: func(m *mocks.MockService) {
				m.EXPECT().CheckReadiness(gomock.Any()).Return(fmt.Errorf("dial tcp: connection refused"))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			mockSvc := mocks.NewMockService(ctrl)
			tt.setupMock(mockSvc)

			server := api.NewServer(mockSvc)

			req, err := http.NewRequest("GET", "/readiness", nil)
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var response map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))

			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedBody, response["status"])
			} else {
				assert.Contains(t, response, tt.expectedBody)
			}
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	server := api.NewServer(mocks.NewMockService(ctrl))

	req, err := http.NewRequest("GET", "/version", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))

	assert.Contains(t, response, "version")
	assert.Contains(t, response, "commit")
	assert.Contains(t, response, "build_date")
	assert.Contains(t, response, "go_version")
	assert.Contains(t, response, "platform")
}

func TestUpdateBalanceThroughServer(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	mockSvc := mocks.NewMockService(ctrl)
	mockSvc.EXPECT().ApplyDelta(gomock.Any(), int64(1), int64(-2)).Return(int64(9998), nil)

	server := api.NewServer(mockSvc,
		api.WithMiddlewares(middleware.RequestID, middleware.Recoverer, api.LoggingMiddleware),
	)

	req := httptest.NewRequest(http.MethodPost, "/update-balance", strings.NewReader(`{"userId":1,"amount":-2}`))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"balance":9998}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("balance_apply_delta_total 3\n"))
	})

	tests := []struct {
		name       string
		opts       []api.ServerOption
		wantStatus int
	}{
		{name: "enabled", opts: []api.ServerOption{api.WithMetricsHandler(metricsHandler)}, wantStatus: http.StatusOK},
		{name: "nil handler", opts: []api.ServerOption{api.WithMetricsHandler(nil)}, wantStatus: http.StatusNotFound},
		{name: "not configured", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			server := api.NewServer(mocks.NewMockService(ctrl), tt.opts...)

			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, rr.Body.String(), "balance_apply_delta_total")
			}
		})
	}
}

func TestRecovererKeepsServing(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	mockSvc := mocks.NewMockService(ctrl)
	gomock.InOrder(
		mockSvc.EXPECT().ApplyDelta(gomock.Any(), int64(1), int64(1)).Do(func(context.Context, int64, int64) { panic("boom") }),
		mockSvc.EXPECT().ApplyDelta(gomock.Any(), int64(1), int64(1)).Return(int64(10001), nil),
	)

	server := api.NewServer(mockSvc, api.WithMiddlewares(middleware.Recoverer))

	first := httptest.NewRecorder()
	server.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/update-balance", strings.NewReader(`{"userId":1,"amount":1}`)))
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	second := httptest.NewRecorder()
	server.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/update-balance", strings.NewReader(`{"userId":1,"amount":1}`)))
	assert.Equal(t, http.StatusOK, second.Code)
}
