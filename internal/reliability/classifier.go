package reliability

import (
	"strings"
	"time"
)

var retryableFailureMarkers = []string{
	"rate limit",
	"rate_limited",
	"overloaded",
	"resource exhausted",
	"temporarily unavailable",
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
}

// IsRetryableAgentFailure classifies agent CLI failure text that justifies
// redelivery. Anything else (bad flags, missing agent, auth errors) fails
// hard on the first attempt.
func IsRetryableAgentFailure(detail string) bool {
	d := strings.ToLower(detail)
	for _, marker := range retryableFailureMarkers {
		if strings.Contains(d, marker) {
			return true
		}
	}
	return false
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
