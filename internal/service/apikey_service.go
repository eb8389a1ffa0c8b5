// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/devoter-xyz/devoter-api/internal/apikey"
	"github.com/devoter-xyz/devoter-api/internal/models"
	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
	"github.com/devoter-xyz/devoter-api/internal/pkg/ulid"
	"github.com/devoter-xyz/devoter-api/internal/repository"
)

// DefaultMaxActiveKeys is the number of simultaneously enabled keys a wallet may hold.
const DefaultMaxActiveKeys = 3

// APIKeyService defines the credential lifecycle. Owners are checksummed
// wallet addresses that have already passed signature verification.
type APIKeyService interface {
	Issue(ctx context.Context, owner string) (*IssuedKey, error)
	Rotate(ctx context.Context, owner, keyID string) (*IssuedKey, error)
	Revoke(ctx context.Context, owner, keyID string) error
	List(ctx context.Context, owner string) ([]*models.APIKey, error)

	// Authenticate resolves an Authorization header value to its owner.
	Authenticate(ctx context.Context, authorization string) (*Identity, error)
}

// IssuedKey pairs the one-time secret with its stored record.
type IssuedKey struct {
	Secret string
	Key    *models.APIKey
}

// Response renders the key for the issue/rotate endpoints.
func (k *IssuedKey) Response() models.APIKeyResponse {
	return models.APIKeyResponse{
		APIKey:    k.Secret,
		KeyID:     k.Key.ID,
		MaskedKey: k.Key.MaskedKey,
		CreatedAt: k.Key.CreatedAt,
		Algorithm: k.Key.Algorithm,
		Enabled:   k.Key.Enabled,
	}
}

// Identity is attached to bearer-authenticated requests.
type Identity struct {
	WalletAddress string         `json:"walletAddress"`
	KeyID         string         `json:"keyId"`
	Variant       apikey.Variant `json:"variant"`
}

// APIKeyServiceOption configures the key service.
type APIKeyServiceOption func(*apiKeyService)

// WithPrefix sets the prefix for generated keys.
func WithPrefix(prefix string) APIKeyServiceOption {
	return func(s *apiKeyService) { s.prefix = prefix }
}

// WithMaxActive sets the per-wallet enabled key quota.
func WithMaxActive(n int) APIKeyServiceOption {
	return func(s *apiKeyService) { s.maxActive = n }
}

// WithStrictFormat rejects legacy underscore keys at authentication.
func WithStrictFormat(strict bool) APIKeyServiceOption {
	return func(s *apiKeyService) { s.strict = strict }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) APIKeyServiceOption {
	return func(s *apiKeyService) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) APIKeyServiceOption {
	return func(s *apiKeyService) { s.logger = logger }
}

type apiKeyService struct {
	repo      repository.APIKeyRepository
	prefix    string
	maxActive int
	strict    bool
	now       func() time.Time
	logger    *slog.Logger
}

// NewAPIKeyService creates a new API key service.
func NewAPIKeyService(repo repository.APIKeyRepository, opts ...APIKeyServiceOption) APIKeyService {
	s := &apiKeyService{
		repo:      repo,
		prefix:    apikey.DefaultPrefix,
		maxActive: DefaultMaxActiveKeys,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// newKey generates a secret and its record. One timestamp feeds the secret,
// the record and, on rotation, the predecessor's rotated_at.
func (s *apiKeyService) newKey(owner string) (*IssuedKey, error) {
	now := s.now().UTC().Truncate(time.Millisecond)

	secret, err := apikey.Generate(s.prefix, now)
	if err != nil {
		return nil, err
	}

	return &IssuedKey{
		Secret: secret.Value,
		Key: &models.APIKey{
			ID:            ulid.NewFromTime(now),
			WalletAddress: owner,
			KeyHash:       apikey.Hash(secret.Value),
			MaskedKey:     apikey.Mask(secret.Value, apikey.DefaultVisibleChars),
			Algorithm:     secret.Algorithm,
			CreatedAt:     secret.CreatedAt,
		},
	}, nil
}

// Issue creates a new enabled key if the owner is under quota.
func (s *apiKeyService) Issue(ctx context.Context, owner string) (*IssuedKey, error) {
	issued, err := s.newKey(owner)
	if err != nil {
		return nil, s.internal("generate api key", err, owner)
	}

	if err := s.repo.CreateWithinLimit(ctx, issued.Key, s.maxActive); err != nil {
		return nil, s.mapRepoError("issue api key", err, owner)
	}

	s.logger.Info("api key issued",
		slog.String("wallet", owner),
		slog.String("key_id", issued.Key.ID),
	)
	return issued, nil
}

// Rotate atomically replaces an enabled key with a fresh one.
func (s *apiKeyService) Rotate(ctx context.Context, owner, keyID string) (*IssuedKey, error) {
	if keyID == "" {
		return nil, apierrors.ErrAPIKeyNotFound
	}

	issued, err := s.newKey(owner)
	if err != nil {
		return nil, s.internal("generate api key", err, owner)
	}

	if err := s.repo.Rotate(ctx, owner, keyID, issued.Key); err != nil {
		return nil, s.mapRepoError("rotate api key", err, owner)
	}

	s.logger.Info("api key rotated",
		slog.String("wallet", owner),
		slog.String("old_key_id", keyID),
		slog.String("key_id", issued.Key.ID),
	)
	return issued, nil
}

// Revoke disables an enabled key. Revoking twice returns API_KEY_NOT_FOUND.
func (s *apiKeyService) Revoke(ctx context.Context, owner, keyID string) error {
	if keyID == "" {
		return apierrors.ErrAPIKeyNotFound
	}
	if err := s.repo.Revoke(ctx, owner, keyID, s.now().UTC()); err != nil {
		return s.mapRepoError("revoke api key", err, owner)
	}

	s.logger.Info("api key revoked",
		slog.String("wallet", owner),
		slog.String("key_id", keyID),
	)
	return nil
}

// List returns every key for the owner. Only masked values are available.
func (s *apiKeyService) List(ctx context.Context, owner string) ([]*models.APIKey, error) {
	keys, err := s.repo.ListByOwner(ctx, owner)
	if err != nil {
		return nil, s.internal("list api keys", err, owner)
	}
	if keys == nil {
		keys = []*models.APIKey{}
	}
	return keys, nil
}

// Authenticate parses the bearer header, validates the key and looks up its
// digest. Unknown and disabled keys fail identically.
func (s *apiKeyService) Authenticate(ctx context.Context, authorization string) (*Identity, error) {
	if authorization == "" {
		return nil, apierrors.ErrMissingAuthHeaders
	}
	token, ok := apikey.ParseBearer(authorization)
	if !ok {
		return nil, apierrors.ErrMalformedAuthHeader
	}

	parsed, err := apikey.Parse(token, s.strict, s.now())
	if err != nil {
		return nil, apierrors.ErrInvalidAPIKeyFormat
	}

	// Canonical keys are hashed exactly as presented; only legacy keys are
	// re-rendered to the form that was hashed at issue time.
	lookup := token
	if parsed.Variant == apikey.VariantLegacy {
		lookup = parsed.Canonical()
	}
	key, err := s.repo.GetActiveByHash(ctx, apikey.Hash(lookup))
	if err != nil {
		return nil, s.internal("lookup api key", err, "")
	}
	if key == nil {
		return nil, apierrors.ErrInvalidAPIKey
	}

	if parsed.Variant == apikey.VariantLegacy {
		s.logger.Warn("legacy api key format used", slog.String("key_id", key.ID))
	}

	return &Identity{
		WalletAddress: key.WalletAddress,
		KeyID:         key.ID,
		Variant:       parsed.Variant,
	}, nil
}

func (s *apiKeyService) mapRepoError(op string, err error, owner string) error {
	var limitErr *repository.LimitError
	switch {
	case errors.As(err, &limitErr):
		return apierrors.MaxAPIKeysReached(limitErr.Limit, limitErr.Current)
	case errors.Is(err, repository.ErrAPIKeyNotFound):
		return apierrors.ErrAPIKeyNotFound
	default:
		return s.internal(op, err, owner)
	}
}

func (s *apiKeyService) internal(op string, err error, owner string) error {
	s.logger.Error(op+" failed",
		slog.String("wallet", owner),
		slog.String("error", err.Error()),
	)
	return apierrors.ErrInternal
}

// Compile-time check to ensure apiKeyService implements APIKeyService.
var _ APIKeyService = (*apiKeyService)(nil)
