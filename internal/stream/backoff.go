package stream

import (
	"math"
	"time"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 20 * time.Second
	backoffFactor  = 1.35
)

// Backoff computes the delay before reconnect attempt n
type Backoff func(attempt int) time.Duration

// ExponentialBackoff returns min(max, base * factor^attempt)
func ExponentialBackoff(base time.Duration, factor float64, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := float64(base) * math.Pow(factor, float64(attempt))
		if math.IsInf(d, 0) || d > float64(max) {
			return max
		}
		return time.Duration(d)
	}
}

// calculateBackoff returns the default reconnect delay for an attempt
func calculateBackoff(attempt int) time.Duration {
	return ExponentialBackoff(initialBackoff, backoffFactor, maxBackoff)(attempt)
}
