package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// ClassifyHTTPStatus maps a provider HTTP status (and a snippet of the
// response body) onto the domain error taxonomy so the orchestrator can
// decide between retry and dead-letter.
func ClassifyHTTPStatus(status int, body string) error {
	lower := strings.ToLower(body)
	switch {
	case status == 429:
		if strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "billing") {
			return fmt.Errorf("%w: provider status %d", domain.ErrQuotaExhausted, status)
		}
		return fmt.Errorf("%w: provider status %d", domain.ErrRateLimited, status)
	case status == 402:
		return fmt.Errorf("%w: provider status %d", domain.ErrQuotaExhausted, status)
	case status == 408 || status == 504:
		return fmt.Errorf("%w: provider status %d", domain.ErrTimeout, status)
	case status >= 500:
		return fmt.Errorf("%w: provider status %d", domain.ErrNetwork, status)
	case status >= 400:
		if strings.Contains(lower, "content_policy") || strings.Contains(lower, "content_filter") || strings.Contains(lower, "safety") {
			return fmt.Errorf("%w: provider status %d", domain.ErrContentPolicy, status)
		}
		return fmt.Errorf("%w: provider status %d: %s", domain.ErrInvalidPayload, status, Snippet(body, 256))
	default:
		return fmt.Errorf("provider status %d", status)
	}
}

// ClassifyTransportError maps connection level failures onto the taxonomy.
func ClassifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

// Snippet truncates a provider response body for log and error messages.
func Snippet(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
