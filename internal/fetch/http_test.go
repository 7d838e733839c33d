package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/faults"
	"github.com/harvestd/listing-harvester/internal/harvest"
)

func newTestFetcher(t *testing.T) *HTTP {
	t.Helper()
	return NewHTTP(Config{Timeout: 2 * time.Second}, zap.NewNop())
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>listing</body></html>"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher(t).Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(resp.Body), "listing")
	require.Greater(t, resp.Duration, time.Duration(0))
}

func TestFetchRateLimitedWithRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
	var classified *faults.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, faults.KindRateLimited, classified.Kind)
	require.Equal(t, 7*time.Second, classified.RetryAfter)
}

func TestFetchBlockedStatuses(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusForbidden, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := newTestFetcher(t).Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
		srv.Close()

		var classified *faults.Error
		require.ErrorAs(t, err, &classified)
		require.Equal(t, faults.KindBlocked, classified.Kind, "status %d", status)
		require.NotEmpty(t, classified.Reason)
	}
}

func TestFetchBlockMarkerInBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>Please solve this CAPTCHA to continue</html>"))
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
	var classified *faults.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, faults.KindBlocked, classified.Kind)
	require.Equal(t, "marker_captcha", classified.Reason)
}

func TestFetchServerErrorIsNetwork(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
	var classified *faults.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, faults.KindNetwork, classified.Kind)
}

func TestFetchClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
	var classified *faults.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, faults.KindFatal, classified.Kind)
}

func TestFetchProxyDialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewHTTP(Config{Timeout: 500 * time.Millisecond}, zap.NewNop())
	_, err := f.Fetch(context.Background(), harvest.FetchRequest{
		URL:      srv.URL,
		ProxyURL: "http://127.0.0.1:1",
	})
	var classified *faults.Error
	require.ErrorAs(t, err, &classified)
	require.Equal(t, faults.KindProxyFailure, classified.Kind)
}

func TestFetchBodyIsBounded(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	f := NewHTTP(Config{Timeout: 2 * time.Second, MaxBodyBytes: 64}, zap.NewNop())
	resp, err := f.Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 64)
}

func TestFetchTransportIsCachedPerProxy(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t)
	first, err := f.transport("http://10.0.0.1:8080")
	require.NoError(t, err)
	again, err := f.transport("http://10.0.0.1:8080")
	require.NoError(t, err)
	require.Same(t, first, again)

	other, err := f.transport("http://10.0.0.2:8080")
	require.NoError(t, err)
	require.NotSame(t, first, other)
}

func TestFetchInvalidProxyURLIsFatal(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), harvest.FetchRequest{
		URL:      "http://example.com",
		ProxyURL: "http://bad proxy url\x7f",
	})
	var classified *faults.Error
	require.True(t, errors.As(err, &classified))
	require.Equal(t, faults.KindFatal, classified.Kind)
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	at := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	d, ok := parseRetryAfter(at)
	require.True(t, ok)
	require.Greater(t, d, 20*time.Second)
	require.LessOrEqual(t, d, 30*time.Second)

	_, ok = parseRetryAfter("")
	require.False(t, ok)
	_, ok = parseRetryAfter("garbage")
	require.False(t, ok)
}
