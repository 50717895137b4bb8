/**
 * @description
 * Per-actor rate limiting for the mutating command endpoints, backed by the
 * Redis fixed-window limiter in internal/app. The limiter fails open: a Redis
 * outage degrades to unlimited commands rather than refusing traffic.
 */

package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/korecard/card-service/internal/app"
)

// RateLimitMiddleware throttles the wrapped handlers per authenticated actor.
// A nil limiter or non-positive limit disables throttling.
func RateLimitMiddleware(limiter *app.RedisCommandRateLimiter, scope string, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			actorID, ok := GetActorID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, actorID.String(), perMinute, time.Minute)
			if err != nil {
				log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" scope=%s err=%v", scope, err)
				next.ServeHTTP(w, r)
				return
			}
			if count > perMinute {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
