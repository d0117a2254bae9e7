// Package ratelimit provides an adaptive rate limiter for outbound gateway
// traffic. The rate grows on successful calls and shrinks when the remote end
// reports trouble, staying within configured bounds.
//
// Example usage:
//
//	lim := ratelimit.NewAdaptiveLimiter(2, 0.5, 5, 0.5, 0.5)
//	if err := lim.Wait(ctx); err != nil {
//	    return err
//	}
//	if err := send(); err != nil {
//	    lim.RateLimited()
//	} else {
//	    lim.Success()
//	}
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// recoveryWindow is how long after the last failure the rate stays frozen.
const recoveryWindow = 10 * time.Second

// AdaptiveLimiter manages a rate limit that adjusts automatically based
// on the outcome of requests. It is safe for concurrent use.
type AdaptiveLimiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	stepUp    rate.Limit
	stepDown  float64
	lastError time.Time
	now       func() time.Time
}

// NewAdaptiveLimiter creates an AdaptiveLimiter.
//
// Parameters:
//   - initial: starting events per second
//   - min: lowest allowed rate (must be > 0)
//   - max: highest allowed rate
//   - stepUp: increment on success
//   - stepDown: multiplier applied on failure (e.g., 0.5 to halve)
func NewAdaptiveLimiter(initial, min, max, stepUp rate.Limit, stepDown float64) *AdaptiveLimiter {
	if min <= 0 {
		min = 0.1
	}
	if max < min {
		max = min
	}
	initial = clamp(initial, min, max)
	if stepDown <= 0 || stepDown >= 1 {
		stepDown = 0.5
	}
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(initial, burstFor(initial)),
		minLimit: min,
		maxLimit: max,
		stepUp:   stepUp,
		stepDown: stepDown,
		now:      time.Now,
	}
}

// Unlimited returns a limiter that never waits.
func Unlimited() *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:  rate.NewLimiter(rate.Inf, 1),
		minLimit: rate.Inf,
		maxLimit: rate.Inf,
		stepDown: 1,
		now:      time.Now,
	}
}

// Wait blocks until a token is available or the context is canceled.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

// Success increases the rate after a successful call, unless a failure was
// seen within the recovery window.
func (a *AdaptiveLimiter) Success() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now().Sub(a.lastError) > recoveryWindow {
		a.adjustLimit(a.limiter.Limit() + a.stepUp)
	}
}

// RateLimited reduces the rate after a failed call.
func (a *AdaptiveLimiter) RateLimited() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastError = a.now()
	a.adjustLimit(rate.Limit(float64(a.limiter.Limit()) * a.stepDown))
}

// CurrentLimit returns the current events per second.
func (a *AdaptiveLimiter) CurrentLimit() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return float64(a.limiter.Limit())
}

func (a *AdaptiveLimiter) adjustLimit(newLimit rate.Limit) {
	newLimit = clamp(newLimit, a.minLimit, a.maxLimit)
	if newLimit != a.limiter.Limit() {
		a.limiter.SetLimit(newLimit)
		a.limiter.SetBurst(burstFor(newLimit))
	}
}

func clamp(v, lo, hi rate.Limit) rate.Limit {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

func burstFor(l rate.Limit) int {
	if l == rate.Inf {
		return 1
	}
	return int(math.Max(1, float64(l)))
}
