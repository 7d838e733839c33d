// Package faults maps raw failures to a closed set of error kinds with a
// retryability verdict. Every error that crosses a component boundary in the
// pipeline is classified exactly once and carried as a *Error from then on.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Kind identifies one of the closed error categories.
type Kind string

// The closed set of error kinds.
const (
	// KindNetwork covers timeouts, resets, and other transport failures.
	KindNetwork Kind = "network"
	// KindRateLimited is an explicit throttling signal from the destination.
	KindRateLimited Kind = "rate_limited"
	// KindBlocked is an anti-bot or soft-block signal from the destination.
	KindBlocked Kind = "blocked"
	// KindProxyFailure means the egress endpoint itself failed.
	KindProxyFailure Kind = "proxy_failure"
	// KindParseFailure means fetched content yielded no usable data.
	KindParseFailure Kind = "parse_failure"
	// KindFatal is a configuration or programmer error; never retried.
	KindFatal Kind = "fatal"
)

// Retryable reports whether the retry engine may attempt the operation again.
// ParseFailure is retryable only within a small budget enforced by the engine.
func (k Kind) Retryable() bool {
	return k != KindFatal
}

// BackoffMultiplier scales the base delay for the kind. Throttling and block
// signals back off harder than plain transport errors.
func (k Kind) BackoffMultiplier() float64 {
	switch k {
	case KindRateLimited:
		return 2.0
	case KindBlocked:
		return 3.0
	case KindFatal:
		return 0
	default:
		return 1.0
	}
}

// Error is a classified failure. It wraps the original cause so callers can
// still use errors.Is/errors.As against it.
type Error struct {
	Kind Kind
	// RetryAfter is an explicit server-supplied delay hint (RateLimited only).
	RetryAfter time.Duration
	// Attempts is filled in by the retry engine when it gives up.
	Attempts int
	// Reason is an optional short label (e.g. the block type) for reporting.
	Reason string

	cause error
}

// New wraps cause as a classified error of the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, cause: fmt.Errorf(format, args...)}
}

// WithRetryAfter attaches an explicit retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithReason attaches a short reason label.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	return msg
}

// Unwrap exposes the original cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Classify maps an arbitrary failure to a classified error. Errors that are
// already classified pass through unchanged so upstream hints survive.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Cancellation is an operator decision, not a transient fault.
		return New(KindFatal, err)
	}
	if isProxyConnectError(err) {
		return New(KindProxyFailure, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return New(KindNetwork, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return New(KindNetwork, err)
	}
	// Unknown failures default to the retryable transport kind rather than
	// aborting an item on the first unrecognized error string.
	return New(KindNetwork, err)
}

// isProxyConnectError detects dial failures against the proxy itself. The
// net/http transport prefixes those with "proxyconnect".
func isProxyConnectError(err error) bool {
	return strings.Contains(err.Error(), "proxyconnect")
}
