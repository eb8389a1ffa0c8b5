package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devoter-xyz/devoter-api/internal/middleware"
	"github.com/devoter-xyz/devoter-api/internal/pkg/response"
	"github.com/devoter-xyz/devoter-api/internal/ratelimit"
	"github.com/devoter-xyz/devoter-api/internal/replay"
	"github.com/devoter-xyz/devoter-api/internal/service"
	"github.com/devoter-xyz/devoter-api/internal/usage"
	"github.com/devoter-xyz/devoter-api/internal/wallet"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// RouterDeps holds everything the HTTP surface is built from.
type RouterDeps struct {
	Logger         *slog.Logger
	Keys           service.APIKeyService
	Verifier       *wallet.Verifier
	Guard          *replay.Guard
	Governor       *ratelimit.Governor
	Tiers          ratelimit.Tiers
	Usage          *usage.Recorder
	AdminWallets   []string
	AllowedOrigins []string
	RequestTimeout time.Duration
	Ready          map[string]ReadyCheck
}

// NewRouter wires middleware, handlers and operational endpoints.
func NewRouter(d RouterDeps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bearer := middleware.BearerAuth(d.Keys)
	if d.Usage != nil {
		auth, record := bearer, middleware.Usage(d.Usage)
		bearer = func(next http.Handler) http.Handler {
			return auth(record(next))
		}
	}
	gates := Gates{
		Wallet: middleware.WalletAuth(d.Verifier, d.Guard),
		Bearer: bearer,
		Limit: func(tier string) Middleware {
			return middleware.RateLimit(d.Governor, tier, logger)
		},
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(d.AllowedOrigins))
	r.Use(chimiddleware.Timeout(timeout))

	r.With(gates.limit(ratelimit.TierHealth)).Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})
	r.With(gates.limit(ratelimit.TierHealth)).Get("/ready", readyHandler(d.Ready))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "Devoter API",
				"version": "1.0.0",
			})
		})

		r.Mount("/auth", NewAuthHandler(d.Keys, gates).Routes())
		r.Mount("/keys", NewAPIKeyHandler(d.Keys, gates).Routes())
		if len(d.AdminWallets) > 0 {
			r.Mount("/admin/rate-limits", NewRateLimitHandler(d.Governor, d.Tiers, d.AdminWallets, gates).Routes())
		}
	})

	return r
}

func readyHandler(checks map[string]ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				response.JSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":    "error",
					"component": name,
				})
				return
			}
			status[name] = "connected"
		}
		response.OK(w, status)
	}
}
