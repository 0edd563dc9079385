package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/justfiles/justfiles/internal/metrics"
)

// IdentityFromContext extracts the caller's account ID from the request
// context. This function type decouples the limiter from the auth
// package.
type IdentityFromContext func(ctx context.Context) (accountID string, ok bool)

// RateLimitMiddleware returns middleware that enforces a per-account
// request rate. Unauthenticated requests pass through; they are gated
// by the access layer instead.
func RateLimitMiddleware(limiter *RateLimiter, rpm int, identity IdentityFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := identity(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(accountID, rpm) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(accountID, rpm)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
