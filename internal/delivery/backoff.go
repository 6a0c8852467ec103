package delivery

import (
	"math/rand/v2"
	"time"
)

// RetryState is the in-memory retry progress of one integration.
type RetryState struct {
	Attempt   int
	NextDelay time.Duration
}

// RetryDelay is the wait before retry n (1-indexed): base*2^n plus a random
// jitter in [0, base).
func RetryDelay(base time.Duration, n int, jitter func(time.Duration) time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	delay := base << n
	if jitter != nil {
		delay += jitter(base)
	}
	return delay
}

// uniformJitter returns a random duration in [0, max).
func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
