package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/decide", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, "sentra_authz_http_requests_total")
	require.Contains(t, body, `code="418"`)
}

func TestObserveDecisionLabels(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("role", true, false)
	metrics.ObserveDecision("override", false, true)
	metrics.ObserveInvalidation()

	body := scrape(t, metrics)
	require.Contains(t, body, `sentra_authz_decisions_total{outcome="allow",source="role"} 1`)
	require.Contains(t, body, `sentra_authz_decisions_total{outcome="deny",source="override"} 1`)
	require.Contains(t, body, `sentra_authz_decision_cache_total{result="hit"} 1`)
	require.Contains(t, body, `sentra_authz_decision_cache_total{result="miss"} 1`)
	require.Contains(t, body, "sentra_authz_invalidations_total 1")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("role", true, false)
	metrics.ObserveInvalidation()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
