package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyNil(t *testing.T) {
	t.Parallel()
	require.Nil(t, Classify(nil))
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	t.Parallel()

	orig := New(KindRateLimited, errors.New("429")).WithRetryAfter(7 * time.Second)
	wrapped := fmt.Errorf("fetch item: %w", orig)

	got := Classify(wrapped)
	require.Equal(t, KindRateLimited, got.Kind)
	require.Equal(t, 7*time.Second, got.RetryAfter)
}

func TestClassifyContextErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindFatal, Classify(context.Canceled).Kind)
	require.Equal(t, KindFatal, Classify(fmt.Errorf("op: %w", context.DeadlineExceeded)).Kind)
}

func TestClassifyNetworkErrors(t *testing.T) {
	t.Parallel()

	var netErr net.Error = timeoutError{}
	require.Equal(t, KindNetwork, Classify(netErr).Kind)

	urlErr := &url.Error{Op: "Get", URL: "https://example.com", Err: errors.New("connection reset")}
	require.Equal(t, KindNetwork, Classify(urlErr).Kind)
}

func TestClassifyProxyConnect(t *testing.T) {
	t.Parallel()

	err := errors.New("proxyconnect tcp: dial tcp 10.0.0.1:8080: connection refused")
	require.Equal(t, KindProxyFailure, Classify(err).Kind)
}

func TestClassifyUnknownDefaultsToNetwork(t *testing.T) {
	t.Parallel()
	require.Equal(t, KindNetwork, Classify(errors.New("mystery")).Kind)
}

func TestRetryableVerdicts(t *testing.T) {
	t.Parallel()

	retryable := []Kind{KindNetwork, KindRateLimited, KindBlocked, KindProxyFailure, KindParseFailure}
	for _, k := range retryable {
		require.True(t, k.Retryable(), "kind %s", k)
	}
	require.False(t, KindFatal.Retryable())
}

func TestErrorAnnotatesAttempts(t *testing.T) {
	t.Parallel()

	err := New(KindNetwork, errors.New("reset"))
	err.Attempts = 4
	require.Contains(t, err.Error(), "after 4 attempts")
	require.ErrorContains(t, err, "reset")
}

func TestUnwrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("root")
	err := New(KindBlocked, cause).WithReason("captcha")
	require.ErrorIs(t, err, cause)
	require.Equal(t, "captcha", err.Reason)
}
