package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/devoter-xyz/devoter-api/internal/middleware"
	"github.com/devoter-xyz/devoter-api/internal/models"
	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
	"github.com/devoter-xyz/devoter-api/internal/pkg/response"
	"github.com/devoter-xyz/devoter-api/internal/pkg/ulid"
	"github.com/devoter-xyz/devoter-api/internal/ratelimit"
	"github.com/devoter-xyz/devoter-api/internal/service"
)

// APIKeyHandler handles API key lifecycle requests.
type APIKeyHandler struct {
	keys  service.APIKeyService
	gates Gates
}

// NewAPIKeyHandler creates a new API key handler.
func NewAPIKeyHandler(keys service.APIKeyService, gates Gates) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, gates: gates}
}

// Routes returns a chi router with key routes. Mutating routes and the list
// require a wallet signature; /me requires the key itself.
func (h *APIKeyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	g := h.gates

	r.With(g.limit(ratelimit.TierKeyCreation), g.wallet()).Post("/", h.Issue)
	r.With(g.limit(ratelimit.TierGeneral), g.wallet()).Get("/", h.List)
	r.With(g.limit(ratelimit.TierGeneral), g.bearer()).Get("/me", h.Me)
	r.With(g.limit(ratelimit.TierKeyCreation), g.wallet()).Post("/{id}/rotate", h.Rotate)
	r.With(g.limit(ratelimit.TierGeneral), g.wallet()).Delete("/{id}", h.Revoke)

	return r
}

// Issue handles POST /v1/keys
func (h *APIKeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetWalletAddress(r.Context())
	if owner == "" {
		response.Error(w, r, apierrors.ErrMissingAuthHeaders)
		return
	}

	issued, err := h.keys.Issue(r.Context(), owner)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	middleware.IncrementKeyOperation("issue")

	response.Created(w, issued.Response())
}

// List handles GET /v1/keys. Only masked keys are returned.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetWalletAddress(r.Context())
	if owner == "" {
		response.Error(w, r, apierrors.ErrMissingAuthHeaders)
		return
	}

	keys, err := h.keys.List(r.Context(), owner)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	out := make([]models.APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	response.OK(w, out)
}

// Rotate handles POST /v1/keys/{id}/rotate
func (h *APIKeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetWalletAddress(r.Context())
	if owner == "" {
		response.Error(w, r, apierrors.ErrMissingAuthHeaders)
		return
	}

	id := chi.URLParam(r, "id")
	if !ulid.IsValid(id) {
		response.Error(w, r, apierrors.ErrAPIKeyNotFound)
		return
	}

	issued, err := h.keys.Rotate(r.Context(), owner, id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	middleware.IncrementKeyOperation("rotate")

	response.OK(w, map[string]any{
		"key":        issued.Response(),
		"replacedId": id,
	})
}

// Revoke handles DELETE /v1/keys/{id}
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetWalletAddress(r.Context())
	if owner == "" {
		response.Error(w, r, apierrors.ErrMissingAuthHeaders)
		return
	}

	id := chi.URLParam(r, "id")
	if !ulid.IsValid(id) {
		response.Error(w, r, apierrors.ErrAPIKeyNotFound)
		return
	}

	if err := h.keys.Revoke(r.Context(), owner, id); err != nil {
		response.Error(w, r, err)
		return
	}
	middleware.IncrementKeyOperation("revoke")

	response.OK(w, map[string]any{
		"keyId":   id,
		"revoked": true,
	})
}

// Me handles GET /v1/keys/me
func (h *APIKeyHandler) Me(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r.Context())
	if id == nil {
		response.Error(w, r, apierrors.ErrMissingAuthHeaders)
		return
	}
	response.OK(w, id)
}

func toKeyResponse(k *models.APIKey) models.APIKeyResponse {
	return models.APIKeyResponse{
		KeyID:     k.ID,
		MaskedKey: k.MaskedKey,
		CreatedAt: k.CreatedAt,
		Algorithm: k.Algorithm,
		Enabled:   k.Enabled,
		RotatedAt: k.RotatedAt,
		RevokedAt: k.RevokedAt,
	}
}
