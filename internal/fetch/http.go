// Package fetch implements the proxied HTTP fetcher used by workers. It maps
// transport failures and anti-bot responses into classified errors so the
// retry engine, circuit breaker, and proxy pool can react appropriately.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/faults"
	"github.com/harvestd/listing-harvester/internal/harvest"
)

// Config controls fetcher behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTP fetches URLs through per-request proxies. One transport is cached per
// proxy endpoint so connection pools are reused instead of mutating a shared
// transport across goroutines.
type HTTP struct {
	cfg        Config
	mu         sync.Mutex
	transports map[string]*http.Transport
	logger     *zap.Logger
}

// NewHTTP builds an HTTP fetcher.
func NewHTTP(cfg Config, logger *zap.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "listing-harvester/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
		logger:     logger,
	}
}

// Fetch executes a single GET through the requested proxy.
func (h *HTTP) Fetch(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	transport, err := h.transport(request.ProxyURL)
	if err != nil {
		return harvest.FetchResponse{}, faults.New(faults.KindFatal, err)
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   h.cfg.Timeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, request.URL, nil)
	if err != nil {
		return harvest.FetchResponse{}, faults.Newf(faults.KindFatal, "build request for %s: %v", request.URL, err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return harvest.FetchResponse{}, faults.Classify(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.logger.Debug("close response body failed", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		return harvest.FetchResponse{}, faults.Newf(faults.KindNetwork, "read body of %s: %v", request.URL, err)
	}

	result := harvest.FetchResponse{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		Duration:   time.Since(start),
	}
	if err := classifyResponse(resp.StatusCode, resp.Header, body); err != nil {
		return result, err
	}
	return result, nil
}

// transport returns the cached transport for a proxy endpoint, building one
// on first use. An empty proxy URL yields a direct-egress transport.
func (h *HTTP) transport(proxyURL string) (*http.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.transports[proxyURL]; ok {
		return t, nil
	}
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   h.cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   h.cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %q: %w", proxyURL, err)
		}
		t.Proxy = http.ProxyURL(parsed)
	}
	h.transports[proxyURL] = t
	return t, nil
}

// blockMarkers are body substrings that indicate a soft block regardless of
// status code.
var blockMarkers = []string{
	"captcha",
	"access denied",
	"are you a robot",
	"unusual traffic",
}

// classifyResponse turns throttling and block responses into classified
// errors. Success and redirect-followed responses return nil.
func classifyResponse(status int, headers http.Header, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		err := faults.Newf(faults.KindRateLimited, "http 429").WithReason("http_429")
		if d, ok := parseRetryAfter(headers.Get("Retry-After")); ok {
			err = err.WithRetryAfter(d)
		}
		return err
	case status == http.StatusForbidden, status == http.StatusServiceUnavailable:
		return faults.Newf(faults.KindBlocked, "http %d", status).
			WithReason(fmt.Sprintf("http_%d", status))
	case status >= http.StatusInternalServerError:
		return faults.Newf(faults.KindNetwork, "http %d", status)
	case status >= http.StatusBadRequest:
		return faults.Newf(faults.KindFatal, "http %d", status)
	}
	if marker := findBlockMarker(body); marker != "" {
		return faults.Newf(faults.KindBlocked, "block marker %q in body", marker).
			WithReason("marker_" + marker)
	}
	return nil
}

func findBlockMarker(body []byte) string {
	// Only the head of the document matters for block pages.
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	lowered := strings.ToLower(string(head))
	for _, marker := range blockMarkers {
		if strings.Contains(lowered, marker) {
			return strings.ReplaceAll(marker, " ", "_")
		}
	}
	return ""
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}
