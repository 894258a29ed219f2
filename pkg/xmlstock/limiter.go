package xmlstock

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// throttleFloorDivisor bounds how far repeated throttling can slow the client.
const throttleFloorDivisor = 8

// AdaptiveLimiter paces requests against the account quota. The configured
// rate is the ceiling: a throttle reply halves the pace, and each success
// wins back a tenth of the ceiling until the quota rate is reached again.
type AdaptiveLimiter struct {
	lim     *rate.Limiter
	ceiling rate.Limit
	floor   rate.Limit
	step    rate.Limit

	mu  sync.Mutex
	cur rate.Limit
}

// NewAdaptiveLimiter starts at quota requests per second.
func NewAdaptiveLimiter(quota rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		lim:     rate.NewLimiter(quota, max(burst, 1)),
		ceiling: quota,
		floor:   quota / throttleFloorDivisor,
		step:    quota / 10,
		cur:     quota,
	}
}

// Wait blocks until the next request may be sent.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.lim.Wait(ctx)
}

// Succeeded records an accepted request.
func (a *AdaptiveLimiter) Succeeded() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur >= a.ceiling {
		return
	}
	a.set(min(a.cur+a.step, a.ceiling))
}

// Throttled records an HTTP 429 or API error 55.
func (a *AdaptiveLimiter) Throttled() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := max(a.cur/2, a.floor)
	if next == a.cur {
		return
	}
	a.set(next)
	zap.L().Warn("xmlstock: throttled, slowing down",
		zap.Float64("rps", float64(next)),
		zap.Float64("quota_rps", float64(a.ceiling)),
	)
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.cur = r
	a.lim.SetLimit(r)
}

// Limit is the current pace in requests per second.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}
