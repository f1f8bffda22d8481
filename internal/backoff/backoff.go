// Package backoff provides the exponential-backoff-with-jitter policy shared
// by lease acquisition, storage retries, and sync retries.
package backoff

import (
	"context"
	"math/rand"
	"time"

	"pkt.systems/warden/internal/clock"
)

// Defaults applied by Policy.normalize when a field is unset.
const (
	DefaultBase       = 100 * time.Millisecond
	DefaultMax        = 5 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.5
)

// Policy describes an exponential backoff curve. The zero value is usable and
// falls back to the package defaults.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// Multiplier is the growth factor between attempts.
	Multiplier float64
	// Jitter is the fraction of the computed delay added as random noise,
	// in [0, 1]. Jitter staggers competing acquirers so they do not hammer
	// the backend in lockstep.
	Jitter float64
}

func (p Policy) normalize() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before retry number attempt (zero-based). The result
// grows exponentially from Base, is capped at Max, and carries up to
// Jitter*delay of random noise from rng. A nil rng yields the deterministic
// curve, which tests rely on.
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.normalize()
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.Max) {
			delay = float64(p.Max)
			break
		}
	}
	d := time.Duration(delay)
	if d > p.Max {
		d = p.Max
	}
	if rng != nil && p.Jitter > 0 && d > 0 {
		span := int64(float64(d) * p.Jitter)
		if span > 0 {
			d += time.Duration(rng.Int63n(span))
		}
	}
	return d
}

// Wait sleeps for d on clk, returning early with the context error when ctx is
// cancelled first.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}
