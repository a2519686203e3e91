package transport

import "time"

// reconnectDelay implements the exponential backoff strategy: delay =
// baseInterval * 2^attempt, capped at baseInterval * 2^maxAttempts. attempt
// is 1 for the first reconnect try. The resulting sequence is non-decreasing
// and bounded, satisfying the reconnect-backoff-monotonicity property.
func reconnectDelay(baseInterval time.Duration, attempt, maxAttempts int) time.Duration {
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	delay := baseInterval << uint(attempt)
	capped := baseInterval << uint(maxAttempts)
	if delay > capped {
		delay = capped
	}
	return delay
}
