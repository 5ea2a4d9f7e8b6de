package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels). Transient errors are retried by the layer that
// observes them; permanent errors result in a terminal failed state and a DLQ
// entry. Cache errors are always swallowed and downgraded to a miss.
var (
	// Transient
	ErrNetwork         = errors.New("transient network error")
	ErrTimeout         = errors.New("upstream timeout")
	ErrRateLimited     = errors.New("upstream rate limit")
	ErrInProgress      = errors.New("thought already in progress")
	ErrValidationRetry = errors.New("stage output invalid, retrying")

	// Permanent
	ErrUnknownUser    = errors.New("unknown user")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrQuotaExhausted = errors.New("quota exhausted")
	ErrContentPolicy  = errors.New("content policy refusal")
	ErrInvariant      = errors.New("invariant violation")
	ErrStuck          = errors.New("stuck in processing")

	// Infrastructure
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Cache-internal; never surfaces past the semantic cache.
	ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")
)

// Stable error kinds carried on failure events and the sink row.
const (
	KindTransientNetwork         = "transient/network"
	KindTransientTimeout         = "transient/timeout"
	KindTransientRateLimited     = "transient/rate_limited"
	KindTransientInProgress      = "transient/in_progress"
	KindTransientValidationRetry = "transient/validation_retry"

	KindPermanentUnknownUser    = "permanent/unknown_user"
	KindPermanentInvalidPayload = "permanent/invalid_payload"
	KindPermanentQuotaExhausted = "permanent/quota_exhausted"
	KindPermanentContentPolicy  = "permanent/content_policy"
	KindPermanentInvariant      = "permanent/invariant"
	KindPermanentStuck          = "permanent/stuck"
	KindPermanentInternal       = "permanent/internal"
)

// Kind maps an error to its stable taxonomy kind. Unknown errors are treated
// as permanent/internal so that nothing escapes the consumer without landing
// on the DLQ.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNetwork):
		return KindTransientNetwork
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTransientTimeout
	case errors.Is(err, ErrRateLimited):
		return KindTransientRateLimited
	case errors.Is(err, ErrInProgress):
		return KindTransientInProgress
	case errors.Is(err, ErrValidationRetry):
		return KindTransientValidationRetry
	case errors.Is(err, ErrUnknownUser):
		return KindPermanentUnknownUser
	case errors.Is(err, ErrInvalidPayload):
		return KindPermanentInvalidPayload
	case errors.Is(err, ErrQuotaExhausted):
		return KindPermanentQuotaExhausted
	case errors.Is(err, ErrContentPolicy):
		return KindPermanentContentPolicy
	case errors.Is(err, ErrInvariant):
		return KindPermanentInvariant
	case errors.Is(err, ErrStuck):
		return KindPermanentStuck
	default:
		return KindPermanentInternal
	}
}

// IsTransient reports whether the error should be retried by redelivery.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInProgress) ||
		errors.Is(err, ErrValidationRetry)
}
