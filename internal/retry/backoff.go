package retry

import (
	"math/rand"
	"time"
)

const (
	// maxDelay caps exponential backoff for every category.
	maxDelay = 30 * time.Second
	// rateLimitFloor is the minimum delay for RATE_LIMIT regardless of
	// the computed backoff.
	rateLimitFloor = 5 * time.Second
	// maxJitter bounds the random component.
	maxJitter = time.Second
)

// Delay computes the backoff delay for the given attempt (1-based):
// min(base * 2^(n-1) + jitter, 30s), jitter uniform in [0, min(base/10, 1s)].
func Delay(c Category, attempt int) time.Duration {
	p := PolicyFor(c)
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}

	jitterCeil := p.BaseDelay / 10
	if jitterCeil > maxJitter {
		jitterCeil = maxJitter
	}
	if jitterCeil > 0 {
		d += time.Duration(rand.Int63n(int64(jitterCeil)))
	}

	if d > maxDelay {
		d = maxDelay
	}
	if c == CategoryRateLimit && d < rateLimitFloor {
		d = rateLimitFloor
	}
	return d
}
