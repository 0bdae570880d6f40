// Package rtcerr defines the typed error taxonomy the membership and
// encryption managers dispatch on, so callers use errors.As instead of
// matching on Matrix error codes or HTTP status strings.
package rtcerr

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError indicates the homeserver asked the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// NotFoundError indicates a referenced resource (typically a delayed-event
// handle) no longer exists on the server.
type NotFoundError struct {
	Err error
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("not found: %v", e.Err) }
func (e *NotFoundError) Unwrap() error { return e.Err }

// MaxDelayExceededError indicates the requested delayed-event delay exceeds
// the server's configured maximum.
type MaxDelayExceededError struct {
	MaxDelay time.Duration
	Err      error
}

func (e *MaxDelayExceededError) Error() string {
	return fmt.Sprintf("max delay exceeded, server allows up to %s: %v", e.MaxDelay, e.Err)
}

func (e *MaxDelayExceededError) Unwrap() error { return e.Err }

// UnsupportedEndpointError indicates the homeserver does not implement the
// delayed-events (MSC4140) extension at all; callers should degrade to
// state-only operation rather than retry.
type UnsupportedEndpointError struct {
	Err error
}

func (e *UnsupportedEndpointError) Error() string {
	return fmt.Sprintf("unsupported endpoint: %v", e.Err)
}

func (e *UnsupportedEndpointError) Unwrap() error { return e.Err }

// TransientNetworkError wraps a connection-level failure (timeouts, resets,
// 5xx responses) that is worth a bounded number of retries.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string { return fmt.Sprintf("transient network error: %v", e.Err) }
func (e *TransientNetworkError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err (or any error it wraps) is a RateLimitError.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var e *RateLimitError
	return e, errors.As(err, &e)
}

// IsNotFound reports whether err (or any error it wraps) is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsMaxDelayExceeded reports whether err is a MaxDelayExceededError.
func IsMaxDelayExceeded(err error) (*MaxDelayExceededError, bool) {
	var e *MaxDelayExceededError
	return e, errors.As(err, &e)
}

// IsUnsupportedEndpoint reports whether err is an UnsupportedEndpointError.
func IsUnsupportedEndpoint(err error) bool {
	var e *UnsupportedEndpointError
	return errors.As(err, &e)
}

// IsTransientNetwork reports whether err is a TransientNetworkError.
func IsTransientNetwork(err error) bool {
	var e *TransientNetworkError
	return errors.As(err, &e)
}
