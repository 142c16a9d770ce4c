package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter manages rate limits per user
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per user (e.g., 600)
// burst: max requests in a burst (e.g., 20)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// GetLimiter returns the rate limiter for a specific user
func (l *Limiter) GetLimiter(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[userID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[userID] = limiter
	}

	return limiter
}

// Allow checks if a request is allowed for the given user
func (l *Limiter) Allow(userID string) bool {
	return l.GetLimiter(userID).Allow()
}

// Tokens returns the current number of available tokens for a user
func (l *Limiter) Tokens(userID string) float64 {
	return l.GetLimiter(userID).Tokens()
}

// RetryAfter estimates how long until the user gets a token back
func (l *Limiter) RetryAfter(userID string) time.Duration {
	missing := 1 - l.Tokens(userID)
	if missing <= 0 || l.rate <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.rate) * float64(time.Second))
}

// Middleware rejects requests over the limit with 429. Requests without a key pass through.
func (l *Limiter) Middleware(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" || l.Allow(k) {
				next.ServeHTTP(w, r)
				return
			}

			retry := int(math.Ceil(l.RetryAfter(k).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
		})
	}
}
