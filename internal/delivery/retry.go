package delivery

import (
	"math"
	"time"
)

// RetryPolicy controls resubmission of a failed segment
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

// DefaultRetryPolicy returns 3 retries at 1s, 2s and 4s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before retry k (1-indexed): BaseDelay * Multiplier^(k-1)
func (p RetryPolicy) Delay(k int) time.Duration {
	if k < 1 {
		return 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(k-1)))
}

// MaxAttempts returns the total number of attempts including the first
func (p RetryPolicy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// Next reports whether another attempt should follow the given number of
// completed attempts that ended in err, and the delay before it.
func (p RetryPolicy) Next(attempts int, err error) (time.Duration, bool) {
	if attempts >= p.MaxAttempts() || !IsRetryable(err) {
		return 0, false
	}
	return p.Delay(attempts), true
}
