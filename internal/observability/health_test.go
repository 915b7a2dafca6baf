package observability_test

import (
	"RaffleLedger/internal/observability"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestReadiness_NotReadyUntilSet(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadiness_FailingProbeDegrades(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetReady(true)

	var natsErr error
	h.AddProbe("nats", func() error { return natsErr })
	require.True(t, h.IsReady())

	natsErr = errors.New("disconnected")
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "disconnected")
	require.False(t, h.IsReady())
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewMetricsWith_IsolatedRegistries(t *testing.T) {
	// Two registries must not collide on metric names
	require.NotPanics(t, func() {
		observability.NewMetricsWith(prometheus.NewRegistry())
		observability.NewMetricsWith(prometheus.NewRegistry())
	})
}
