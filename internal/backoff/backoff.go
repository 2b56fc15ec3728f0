// Package backoff computes retry delays for the scrape queue.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy is an equal-jitter exponential backoff. For attempt n the raw delay
// is Base*2^(n-1); the returned delay lies in [raw/2, raw) until it reaches Cap,
// after which Cap is returned unchanged. Consecutive attempts below the cap
// therefore never produce a shorter delay than the previous one.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before the given 1-based attempt is retried.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = time.Second
	}
	if limit < base {
		limit = base
	}
	raw := base
	for i := 1; i < attempt; i++ {
		raw *= 2
		if raw >= limit {
			return limit
		}
	}
	if raw >= limit {
		return limit
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	half := raw / 2
	return half + time.Duration(r()*float64(raw-half))
}
