package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrCursorInvalid signals that the provider rejected the stored sync cursor
// and a full resync is required. The orchestrator clears the cursor and
// retries; this is not a failure.
var ErrCursorInvalid = errors.New("sync cursor invalidated by provider")

// ErrNotSupported is returned for operations a provider cannot perform,
// such as pushing events to a read-only ICS feed.
var ErrNotSupported = errors.New("operation not supported by provider")

// TransientError covers timeouts, 5xx responses, and rate limits. Callers
// retry with backoff, honoring RetryAfter when the provider supplied one.
type TransientError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError covers invalid or revoked credentials. It is never retried
// automatically; the connection is marked ERROR until the user
// reauthorizes.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authorization failed: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err indicates invalid or revoked credentials.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RetryAfter extracts the provider-requested delay from a transient error,
// or zero when none was supplied.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// classifyStatus translates an HTTP status into the error taxonomy. The
// caller handles 410 separately since only delta fetches treat it as cursor
// invalidation.
func classifyStatus(op string, status int, header http.Header, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, Err: err}
	case status == http.StatusTooManyRequests:
		return &TransientError{Op: op, RetryAfter: parseRetryAfter(header), Err: err}
	case status >= 500:
		return &TransientError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
