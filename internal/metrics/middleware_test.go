package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	c, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/test", "/notfound"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if val := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "200")); val != 1 {
		t.Errorf("Expected http_requests_total for GET /test to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "404")); val != 1 {
		t.Errorf("Expected http_requests_total for GET /notfound to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(c.httpRequestDurations); val <= 0 {
		t.Errorf("Expected http_request_duration_seconds to be observed, got %d", val)
	}
}
