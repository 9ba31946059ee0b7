package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/liveview/internal/core"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a media connect failure may be retried with
// backoff. Configuration, token and end-of-stream failures are final.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, core.ErrConfiguration),
		errors.Is(err, core.ErrInvalidToken),
		errors.Is(err, core.ErrEndOfStream),
		errors.Is(err, core.ErrStreamEnded),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
