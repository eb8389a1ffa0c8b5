package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devoter-xyz/devoter-api/internal/middleware"
	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
	"github.com/devoter-xyz/devoter-api/internal/pkg/response"
	"github.com/devoter-xyz/devoter-api/internal/ratelimit"
	"github.com/devoter-xyz/devoter-api/internal/service"
)

// AuthHandler handles wallet signature endpoints.
type AuthHandler struct {
	keys  service.APIKeyService
	gates Gates
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(keys service.APIKeyService, gates Gates) *AuthHandler {
	return &AuthHandler{keys: keys, gates: gates}
}

// Routes returns a chi router with auth routes.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	g := h.gates

	r.With(g.limit(ratelimit.TierAuth), g.wallet()).Post("/verify", h.Verify)
	r.With(g.limit(ratelimit.TierRegistration), g.wallet()).Post("/register", h.Register)

	return r
}

// VerifyResponse is returned by POST /v1/auth/verify.
type VerifyResponse struct {
	WalletAddress string `json:"walletAddress"`
	Verified      bool   `json:"verified"`
}

// Verify handles POST /v1/auth/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	addr := middleware.GetWalletAddress(r.Context())
	if addr == "" {
		response.Error(w, r, apierrors.ErrInvalidSignature)
		return
	}
	response.OK(w, VerifyResponse{WalletAddress: addr, Verified: true})
}

// Register handles POST /v1/auth/register. A verified wallet receives its
// first key, subject to the active key quota.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	addr := middleware.GetWalletAddress(r.Context())
	if addr == "" {
		response.Error(w, r, apierrors.ErrInvalidSignature)
		return
	}

	issued, err := h.keys.Issue(r.Context(), addr)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	middleware.IncrementKeyOperation("register")

	response.Created(w, map[string]any{
		"walletAddress": addr,
		"key":           issued.Response(),
	})
}
