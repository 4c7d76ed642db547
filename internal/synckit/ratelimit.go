package synckit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Conservative defaults, well below Google's per-user calendar limits.
const (
	calendarRequestsPerSecond = 5.0
	calendarBurstSize         = 10
	defaultBackoffSeconds     = 60
)

// RateLimiter bounds calendar API call volume with a token bucket and honors
// backoff after a 429 response.
type RateLimiter struct {
	mutex   sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
	clock   Clock
}

// NewRateLimiter constructs a limiter with the calendar defaults.
func NewRateLimiter(clock Clock) *RateLimiter {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(calendarRequestsPerSecond), calendarBurstSize),
		clock:   clock,
	}
}

// Wait blocks until a request may proceed, respecting any recorded backoff.
func (rateLimiter *RateLimiter) Wait(ctx context.Context) error {
	rateLimiter.mutex.Lock()
	retryAt := rateLimiter.retryAt
	rateLimiter.mutex.Unlock()

	if now := rateLimiter.clock.Now(); now.Before(retryAt) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAt.Sub(now)):
		}
	}
	return rateLimiter.limiter.Wait(ctx)
}

// RecordRateLimitError sets a backoff window after a 429 response.
func (rateLimiter *RateLimiter) RecordRateLimitError(retryAfterSeconds int) {
	rateLimiter.mutex.Lock()
	defer rateLimiter.mutex.Unlock()
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = defaultBackoffSeconds
	}
	rateLimiter.retryAt = rateLimiter.clock.Now().Add(time.Duration(retryAfterSeconds) * time.Second)
}
