package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/devoter-xyz/devoter-api/internal/pkg/response"
	"github.com/devoter-xyz/devoter-api/internal/ratelimit"
)

// RateLimit gates requests through the governor under the named tier. Exempt
// outcomes are refunded once the handler returns.
func RateLimit(gov *ratelimit.Governor, tierName string, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	tier, known := gov.Tier(tierName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !known {
				logger.Error("rate limit tier not configured", slog.String("tier", tierName))
				next.ServeHTTP(w, r)
				return
			}

			key := ratelimit.DeriveKey(r)
			d, err := gov.Decide(tierName, key, r.URL.Path)
			if err != nil {
				logger.Error("rate limit decision failed", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				logger.Warn("rate limit exceeded",
					slog.String("tier", tierName),
					slog.String("key", key),
					slog.String("path", r.URL.Path),
				)
				response.RateLimited(w, r, "Too many requests, please try again in "+strconv.Itoa(d.RetryAfter)+" seconds", d.RetryAfter)
				return
			}

			wrapped := wrapResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			if tier.Exempt(wrapped.status) {
				gov.Release(d)
			}
		})
	}
}
