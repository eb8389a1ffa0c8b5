package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/devoter-xyz/devoter-api/internal/middleware"
	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
	"github.com/devoter-xyz/devoter-api/internal/pkg/response"
	"github.com/devoter-xyz/devoter-api/internal/ratelimit"
)

// RateLimitHandler exposes governor analytics to admin wallets.
type RateLimitHandler struct {
	gov    *ratelimit.Governor
	tiers  ratelimit.Tiers
	admins map[string]bool
	gates  Gates
}

// NewRateLimitHandler creates a handler. admins are wallet addresses,
// compared case-insensitively.
func NewRateLimitHandler(gov *ratelimit.Governor, tiers ratelimit.Tiers, admins []string, gates Gates) *RateLimitHandler {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		if a = strings.TrimSpace(a); a != "" {
			set[strings.ToLower(a)] = true
		}
	}
	return &RateLimitHandler{gov: gov, tiers: tiers, admins: set, gates: gates}
}

// Routes returns a chi router with the analytics route.
func (h *RateLimitHandler) Routes() chi.Router {
	r := chi.NewRouter()
	g := h.gates

	r.With(g.limit(ratelimit.TierGeneral), g.bearer(), h.requireAdmin).Get("/", h.Analytics)

	return r
}

// AnalyticsResponse is the body of GET /v1/admin/rate-limits.
type AnalyticsResponse struct {
	Tiers     []ratelimit.Tier    `json:"tiers"`
	Analytics ratelimit.Analytics `json:"analytics"`
}

// Analytics handles GET /v1/admin/rate-limits
func (h *RateLimitHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	tiers := make([]ratelimit.Tier, 0, len(h.tiers))
	for _, name := range []string{
		ratelimit.TierGeneral,
		ratelimit.TierAuth,
		ratelimit.TierKeyCreation,
		ratelimit.TierRegistration,
		ratelimit.TierHealth,
	} {
		if t, ok := h.tiers[name]; ok {
			tiers = append(tiers, t)
		}
	}

	response.OK(w, AnalyticsResponse{
		Tiers:     tiers,
		Analytics: h.gov.Analytics(),
	})
}

func (h *RateLimitHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetIdentity(r.Context())
		if id == nil || !h.admins[strings.ToLower(id.WalletAddress)] {
			response.Error(w, r, apierrors.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
