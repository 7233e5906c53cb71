package poller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces provider API calls. Each provider gets an optional
// request budget (token bucket) plus exponential backoff after rate-limit
// responses. Backoff: 30s doubling up to 10m, or the provider's Retry-After
// when longer.
type RateLimiter struct {
	mu     sync.Mutex
	limits map[string]*providerLimit
}

// providerLimit tracks pacing state for a single provider.
type providerLimit struct {
	limiter      *rate.Limiter
	backoffUntil time.Time
	backoffCount int
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits: make(map[string]*providerLimit),
	}
}

// SetRequestBudget sets the per-minute request budget for a provider.
// Zero removes the budget.
func (r *RateLimiter) SetRequestBudget(provider string, requestsPerMinute int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreateLimit(provider)
	if requestsPerMinute <= 0 {
		limit.limiter = nil
		return
	}
	limit.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute)
}

// Allow reports whether a poll may proceed right now.
func (r *RateLimiter) Allow(provider string) bool {
	r.mu.Lock()
	limit := r.getOrCreateLimit(provider)
	backoffUntil := limit.backoffUntil
	limiter := limit.limiter
	r.mu.Unlock()

	if time.Now().Before(backoffUntil) {
		return false
	}
	if limiter != nil {
		return limiter.Allow()
	}
	return true
}

// WaitIfNeeded blocks until backoff has elapsed and the request budget admits
// the poll. Returns an error if the context is cancelled while waiting.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, provider string) error {
	r.mu.Lock()
	limit := r.getOrCreateLimit(provider)
	backoffUntil := limit.backoffUntil
	limiter := limit.limiter
	r.mu.Unlock()

	if wait := time.Until(backoffUntil); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

// RecordSuccess clears backoff state after a successful poll.
func (r *RateLimiter) RecordSuccess(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreateLimit(provider)
	limit.backoffCount = 0
	limit.backoffUntil = time.Time{}
}

// RecordRateLimit records a 429 response and applies exponential backoff.
func (r *RateLimiter) RecordRateLimit(provider string, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.getOrCreateLimit(provider)
	limit.backoffCount++

	// Exponential backoff: 30s, 60s, 120s, 240s, 480s (max 10m)
	backoffDuration := time.Duration(30<<uint(limit.backoffCount-1)) * time.Second
	if backoffDuration > 10*time.Minute {
		backoffDuration = 10 * time.Minute
	}

	if retryAfter > backoffDuration {
		backoffDuration = retryAfter
	}

	limit.backoffUntil = time.Now().Add(backoffDuration)
}

// GetBackoffStatus returns the backoff end time and whether the provider is
// currently backed off.
func (r *RateLimiter) GetBackoffStatus(provider string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit, exists := r.limits[provider]
	if !exists {
		return time.Time{}, false
	}

	if time.Now().Before(limit.backoffUntil) {
		return limit.backoffUntil, true
	}

	return time.Time{}, false
}

// getOrCreateLimit gets or creates a provider limit entry.
// Must be called with r.mu held.
func (r *RateLimiter) getOrCreateLimit(provider string) *providerLimit {
	limit, exists := r.limits[provider]
	if !exists {
		limit = &providerLimit{}
		r.limits[provider] = limit
	}
	return limit
}
