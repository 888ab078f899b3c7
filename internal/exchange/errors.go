package exchange

import (
	"fmt"
	"time"
)

// ErrorKind classifies an exchange failure by retryability, so callers can
// decide whether to retry, back off, or surface the failure immediately.
type ErrorKind string

const (
	KindTransient        ErrorKind = "transient"
	KindRateLimited      ErrorKind = "rate_limited"
	KindAuthError        ErrorKind = "auth_error"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindInvalidOrder     ErrorKind = "invalid_order"
)

// Error is the tagged error value every adapter method returns instead of
// an opaque error, so the caller can branch on Kind without string matching.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration // only meaningful when Kind == KindRateLimited
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("exchange: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("exchange: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether the caller should attempt the call again.
func (e *Error) IsRetryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

func newErr(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func newRateLimited(retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Cause: cause}
}

// Backoff computes the exponential backoff for the k-th retry attempt, base
// d, capped at D, plus up to 250ms of jitter. jitter is added as given;
// callers draw it from an RNG in [0, 250ms), which keeps Backoff itself
// deterministic in tests.
func Backoff(d, maxBackoff time.Duration, attempt int, jitter time.Duration) time.Duration {
	backoff := d
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			backoff = maxBackoff
			break
		}
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff + jitter
}
