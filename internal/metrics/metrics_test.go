package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Coupang.com/vp/products/1", "coupang.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, crawlerPagesTotal)
	require.NotNil(t, breakerState)
	require.NotNil(t, operationDurationSeconds)
}

func TestObservers(t *testing.T) {
	ObserveCrawl("https://shop.example.org/item", "success", 512)
	require.Equal(t, 1.0, testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("shop.example.org", "success")))
	require.Equal(t, 512.0, testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("shop.example.org")))

	SetBreakerState("observers-test", 1)
	require.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("observers-test")))

	SetHealthCheck("observers-disk", false)
	require.Equal(t, 0.0, testutil.ToFloat64(healthCheckStatus.WithLabelValues("observers-disk")))
	SetHealthCheck("observers-disk", true)
	require.Equal(t, 1.0, testutil.ToFloat64(healthCheckStatus.WithLabelValues("observers-disk")))

	SetAdaptiveTimeout("observers.example", 1500*time.Millisecond)
	require.InDelta(t, 1.5, testutil.ToFloat64(adaptiveTimeoutSeconds.WithLabelValues("observers.example")), 1e-9)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/mw-ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/mw-teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	for _, path := range []string{"/mw-ok", "/mw-teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://www.gmarket.co.kr", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
