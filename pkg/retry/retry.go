// Package retry holds the backoff policy applied when an invocation fails.
package retry

import (
	"errors"
	"time"

	"github.com/faultmaven/jobworker/pkg/tasks"
)

// Delay returns base × 2^(attempt−1). attempt starts at 1 for the first retry.
// A positive ceiling caps the result; the doubling saturates instead of overflowing.
func Delay(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > maxDuration/2 {
			d = maxDuration
			break
		}
		d *= 2
		if ceiling > 0 && d >= ceiling {
			break
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

const maxDuration = time.Duration(1<<63 - 1)

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// Reason is set when Retry is false.
	Reason string
}

// Decide applies the policy to the attempt that just failed. attempt is the
// already-incremented attempt count.
func Decide(attempt, maxAttempts int, base, ceiling time.Duration, cause error) Decision {
	if tasks.IsNoRetry(cause) {
		return Decision{Reason: "non-retryable error"}
	}
	if attempt >= maxAttempts {
		return Decision{Reason: "attempts exhausted"}
	}
	delay := Delay(base, attempt, ceiling)
	var ra tasks.RetryAfterError
	if errors.As(cause, &ra) {
		delay = ra.RetryAfter()
		if ceiling > 0 && delay > ceiling {
			delay = ceiling
		}
	}
	return Decision{Retry: true, Delay: delay}
}

// Schedule lists the delays for attempts 1..maxAttempts−1.
func Schedule(base time.Duration, maxAttempts int, ceiling time.Duration) []time.Duration {
	if maxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, maxAttempts-1)
	for k := 1; k < maxAttempts; k++ {
		out = append(out, Delay(base, k, ceiling))
	}
	return out
}
