package fetch

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// hostLimiters is a map of token buckets keyed by registered domain, so
// blog.vendor.com and www.vendor.com share one budget. Sources may carry
// different per-minute limits; the first limiter created for a domain wins
// and later callers with a different limit adjust it in place.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHostLimiters() *hostLimiters {
	return &hostLimiters{limiters: make(map[string]*rate.Limiter)}
}

// limiterKey reduces a hostname to its registered domain. Hosts without a
// public suffix (bare IPs, single-label intranet names) key as themselves.
func limiterKey(host string) string {
	host = strings.ToLower(host)
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// get returns the limiter for host, creating it with the given per-minute
// budget. Burst is 1.5x the per-second refill, floored at 1 so a single
// request is always possible.
func (hl *hostLimiters) get(host string, perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	perSecond := perMinute / 60
	burst := int(math.Ceil(1.5 * perSecond))
	if burst < 1 {
		burst = 1
	}

	key := limiterKey(host)
	hl.mu.Lock()
	defer hl.mu.Unlock()
	lim, ok := hl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		hl.limiters[key] = lim
		return lim
	}
	if lim.Limit() != rate.Limit(perSecond) {
		lim.SetLimit(rate.Limit(perSecond))
		lim.SetBurst(burst)
	}
	return lim
}

// wait blocks until a token is available or the wait would exceed maxWait,
// in which case it gives the token back and reports false. A cancelled
// context also reports false.
func (hl *hostLimiters) wait(ctx context.Context, host string, perMinute float64, maxWait time.Duration) bool {
	lim := hl.get(host, perMinute)

	res := lim.Reserve()
	if !res.OK() {
		return false
	}
	delay := res.Delay()
	if delay == 0 {
		return true
	}
	if delay > maxWait {
		res.Cancel()
		return false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		res.Cancel()
		return false
	}
}
