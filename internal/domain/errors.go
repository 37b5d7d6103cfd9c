package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Boundary handlers map these to HTTP statuses.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInternal        = errors.New("internal error")
)

// RateLimitedError reports an upstream 429. RetryAfter carries the parsed
// Retry-After hint when the upstream supplied one.
type RateLimitedError struct {
	RetryAfter *time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("upstream rate limited, retry after %s", *e.RetryAfter)
	}
	return "upstream rate limited"
}

// TransientError reports an upstream 5xx, a retryable 4xx (408/409/425), or a
// transport-level timeout/reset surfaced as status 503.
type TransientError struct {
	Status int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("upstream transient failure: status %d", e.Status)
}

// PermanentError reports a non-retryable 4xx from the upstream.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("upstream permanent failure: status %d", e.Status)
}

// IsRetryable reports whether the worker may re-attempt the task. The worker
// acts only on this classification, never on raw HTTP statuses.
func IsRetryable(err error) bool {
	var rl *RateLimitedError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// RetryAfterHint extracts the upstream Retry-After duration when present.
func RetryAfterHint(err error) *time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return nil
}
