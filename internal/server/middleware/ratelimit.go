package middleware

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/slidescan/internal/errors"
)

// RateLimit rejects requests above rps (with burst) with 429 RATE_LIMITED.
// The limit is shared by every route the middleware wraps.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				reject(w, r, 1)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				reject(w, r, int(math.Ceil(delay.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
	apperrors.RespondWithError(w, r, apperrors.NewRateLimited("too many requests, retry later"))
}
