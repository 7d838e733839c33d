package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/breaker"
	"github.com/harvestd/listing-harvester/internal/proxypool"
)

func newTestServer(t *testing.T) (*Server, *breaker.Breaker, *proxypool.Pool) {
	t.Helper()

	brk := breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour}, nil, zap.NewNop())
	pool, err := proxypool.New(proxypool.Config{MaxConsecutiveFailures: 3}, nil, zap.NewNop())
	require.NoError(t, err)
	pool.Reload([]proxypool.Endpoint{
		{Address: "10.0.0.1:8080", Active: true},
	})

	srv := NewServer(brk, pool, Config{RateLimitMode: "local"}, zap.NewNop())
	return srv, brk, pool
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzDegradedWithoutProxies(t *testing.T) {
	t.Parallel()

	srv, _, pool := newTestServer(t)
	pool.Reload(nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "no active proxy endpoints")
}

func TestStatusReportsCircuitsAndPool(t *testing.T) {
	t.Parallel()

	srv, brk, _ := newTestServer(t)
	brk.RecordFailure("shop.example.com", "http_403")
	brk.RecordFailure("shop.example.com", "http_403")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "local", resp.RateLimitMode)
	require.Equal(t, 1, resp.Pool.Active)
	require.Len(t, resp.Circuits, 1)
	require.Equal(t, "shop.example.com", resp.Circuits[0].Domain)
	require.Equal(t, breaker.StateOpen, resp.Circuits[0].State)
}

func TestListProxies(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/proxies/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "10.0.0.1:8080")
}

func TestReloadProxies(t *testing.T) {
	t.Parallel()

	srv, _, pool := newTestServer(t)
	body := `{"endpoints":[{"address":"10.0.0.5:8080"},{"address":"10.0.0.6:8080","protocol":"socks5"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/proxies/reload", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, proxypool.Stats{Active: 2, Inactive: 0}, pool.Stats())

	endpoints := pool.Endpoints()
	require.Len(t, endpoints, 2)
	require.Equal(t, "socks5://10.0.0.6:8080", endpoints[1].URL())
}

func TestReloadProxiesValidation(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)

	for name, body := range map[string]string{
		"invalid json":    `{`,
		"empty endpoints": `{"endpoints":[]}`,
		"missing address": `{"endpoints":[{"protocol":"http"}]}`,
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/proxies/reload", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
