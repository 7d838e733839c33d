package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/config"
	"github.com/harvestd/listing-harvester/internal/harvest"
	"github.com/harvestd/listing-harvester/internal/proxypool"
	"github.com/harvestd/listing-harvester/internal/source"
)

// testConfig builds a config pointing the proxy pool at the given address.
func testConfig(t *testing.T, proxyAddr string) config.Config {
	t.Helper()

	dir := t.TempDir()
	poolPath := filepath.Join(dir, "proxies.json")
	seed := []proxypool.Endpoint{{Address: proxyAddr, Protocol: "http", Active: true}}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(poolPath, data, 0o600))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Pool.Path = poolPath
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Session.Workers = 2
	cfg.Session.ChunkSize = 2
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	cfg.RateLimit.PerDomainPerMinute = 600000
	return cfg
}

func writeURLList(t *testing.T, urls ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := ""
	for _, u := range urls {
		content += u + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunSessionEndToEnd(t *testing.T) {
	t.Parallel()

	// The test server doubles as a forward proxy: plain-http fetches arrive
	// here as absolute-URI requests and are answered directly.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>listing</html>"))
	}))
	defer proxy.Close()
	proxyAddr := proxy.Listener.Addr().String()

	cfg := testConfig(t, proxyAddr)
	a, err := New(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	src := source.NewFileSource(writeURLList(t,
		"http://shop.example.com/listing/1",
		"http://shop.example.com/listing/2",
		"http://shop.example.com/listing/3",
	))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := a.RunSession(ctx, src, "")
	require.NoError(t, err)

	require.Len(t, result.Succeeded, 3)
	require.Empty(t, result.Failed)
	require.Equal(t, 2, len(result.Chunks))
	for _, status := range result.Chunks {
		require.Equal(t, harvest.ChunkDone, status)
	}
}

func TestRunSessionResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	cfg := testConfig(t, proxy.Listener.Addr().String())
	cfg.Checkpoint.BatchSize = 1

	a, err := New(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	urls := writeURLList(t,
		"http://shop.example.com/listing/1",
		"http://shop.example.com/listing/2",
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	first, err := a.RunSession(ctx, source.NewFileSource(urls), "session-resume")
	require.NoError(t, err)
	require.Len(t, first.Succeeded, 2)

	// The successful run cleared its checkpoint, so a rerun of the same
	// session starts from scratch rather than skipping everything.
	second, err := a.RunSession(ctx, source.NewFileSource(urls), "session-resume")
	require.NoError(t, err)
	require.Len(t, second.Succeeded, 2)
	require.Empty(t, second.Skipped)
}

func TestNewFailsOnUnreadablePoolState(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Pool.Path = filepath.Join(dir, "proxies.json")
	require.NoError(t, os.WriteFile(cfg.Pool.Path, []byte("{not json"), 0o600))

	_, err = New(context.Background(), cfg, nil, zap.NewNop())
	require.Error(t, err)
}
