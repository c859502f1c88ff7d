package reliability

import (
	"math/rand/v2"
	"sync"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
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

// Jitter draws human-like random delays. It is safe for concurrent use.
type Jitter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewJitter(seed uint64) *Jitter {
	return &Jitter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Between returns a uniformly distributed duration in [lo, hi], inclusive of
// both ends at millisecond resolution.
func (j *Jitter) Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64((hi - lo) / time.Millisecond)
	j.mu.Lock()
	n := j.rng.Int64N(span + 1)
	j.mu.Unlock()
	return lo + time.Duration(n)*time.Millisecond
}

// Int64N returns a non-negative random number below n.
func (j *Jitter) Int64N(n int64) int64 {
	if n <= 0 {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rng.Int64N(n)
}

// Backoff draws a reconnect delay for the given 1-based attempt. The upper
// bound grows exponentially from lo and is capped at hi, so every delay stays
// within the configured [lo, hi] window.
func (j *Jitter) Backoff(attempt int, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	upper := ExponentialBackoff(attempt, lo, hi)
	return j.Between(lo, upper)
}
