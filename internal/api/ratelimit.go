package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// maxTenantBuckets bounds memory when many tenant ids are seen; the
// buckets are dropped and rebuilt once it is reached.
const maxTenantBuckets = 10000

// TenantRateLimiter gives every tenant its own token bucket so one noisy
// marketplace cannot starve the others.
type TenantRateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTenantRateLimiter refills rps tokens per second up to burst.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	return &TenantRateLimiter{
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *TenantRateLimiter) bucket(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[tenantID]; ok {
		return b
	}
	if len(l.buckets) >= maxTenantBuckets {
		clear(l.buckets)
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets[tenantID] = b
	return b
}

// Allow spends one token from the tenant's bucket.
func (l *TenantRateLimiter) Allow(tenantID string) bool {
	return l.bucket(tenantID).Allow()
}

// retryAfter is the whole number of seconds until one token refills.
func (l *TenantRateLimiter) retryAfter() int {
	if l.limit <= 0 {
		return 1
	}
	return int(math.Ceil(1 / float64(l.limit)))
}

// Middleware answers 429 with Retry-After once a tenant's bucket is empty.
// It reads the tenant set by TenantMiddleware.
func (l *TenantRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := GetTenantID(r.Context())
		if l.Allow(tenantID) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("tenant rate limited", "tenant_id", tenantID, "route", routePattern(r))
		w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}
