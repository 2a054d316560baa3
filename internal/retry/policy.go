// Package retry computes how long a failed job waits before it becomes
// claimable again.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = 5 * time.Second
	DefaultMax    = 10 * time.Minute
	DefaultJitter = 0.2
)

// Policy is exponential backoff: Base doubles per attempt up to Max, then a
// random factor in [1-Jitter, 1+Jitter] is applied so that jobs failing
// together do not come back together.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Float64 returns a value in [0, 1). Nil uses math/rand/v2.
	Float64 func() float64
}

func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Delay returns the wait after the given attempt number (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = DefaultMax
	}
	if attempt < 1 {
		attempt = 1
	}

	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(ceiling) || math.IsInf(d, 0) {
		d = float64(ceiling)
	}

	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		r := rand.Float64
		if p.Float64 != nil {
			r = p.Float64
		}
		d *= 1 + j*(2*r()-1)
	}
	return time.Duration(d)
}
