package middleware

import (
	"net/http"
	"time"

	"github.com/devoter-xyz/devoter-api/internal/models"
)

// UsageRecorder accepts usage events without blocking.
type UsageRecorder interface {
	Record(e models.UsageEvent)
}

// Usage records one event per bearer-authenticated request. It must run
// inside BearerAuth so the identity is in context.
func Usage(rec UsageRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			id := GetIdentity(r.Context())
			if id == nil {
				return
			}
			rec.Record(models.UsageEvent{
				APIKeyID:       id.KeyID,
				Endpoint:       normalizePath(r),
				StatusCode:     wrapped.status,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				OccurredAt:     start.UTC(),
			})
		})
	}
}
