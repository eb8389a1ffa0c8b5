package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devoter-xyz/devoter-api/internal/apikey"
	"github.com/devoter-xyz/devoter-api/internal/models"
	apierrors "github.com/devoter-xyz/devoter-api/internal/pkg/errors"
	"github.com/devoter-xyz/devoter-api/internal/repository"
)

const wallet = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"

// brokenRepo fails every call with a storage error.
type brokenRepo struct{}

var errStorage = errors.New("connection refused")

func (brokenRepo) CreateWithinLimit(context.Context, *models.APIKey, int) error { return errStorage }
func (brokenRepo) Rotate(context.Context, string, string, *models.APIKey) error {
	return errStorage
}
func (brokenRepo) Revoke(context.Context, string, string, time.Time) error { return errStorage }
func (brokenRepo) GetActiveByHash(context.Context, string) (*models.APIKey, error) {
	return nil, errStorage
}
func (brokenRepo) ListByOwner(context.Context, string) ([]*models.APIKey, error) {
	return nil, errStorage
}
func (brokenRepo) CountActive(context.Context, string) (int, error) { return 0, errStorage }

func newTestService(opts ...APIKeyServiceOption) (APIKeyService, *repository.MemoryAPIKeyRepository) {
	repo := repository.NewMemoryAPIKeyRepository()
	return NewAPIKeyService(repo, opts...), repo
}

func TestAPIKeyService_Issue(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	issued, err := svc.Issue(ctx, wallet)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.Secret, "dv."))
	assert.Equal(t, apikey.Hash(issued.Secret), issued.Key.KeyHash)
	assert.Equal(t, apikey.Mask(issued.Secret, 8), issued.Key.MaskedKey)
	assert.Equal(t, apikey.Algorithm, issued.Key.Algorithm)
	assert.True(t, issued.Key.Enabled)
	assert.Len(t, issued.Key.ID, 26)

	resp := issued.Response()
	assert.Equal(t, issued.Secret, resp.APIKey)
	assert.Equal(t, issued.Key.ID, resp.KeyID)
}

func TestAPIKeyService_QuotaScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	for i := 0; i < 3; i++ {
		_, err := svc.Issue(ctx, wallet)
		require.NoError(t, err)
	}

	_, err := svc.Issue(ctx, wallet)
	require.ErrorIs(t, err, apierrors.ErrMaxAPIKeysReached)

	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "MAX_API_KEYS_REACHED", apiErr.Code)
	assert.Equal(t, map[string]int{"limit": 3, "current": 3}, apiErr.Details)
}

func TestAPIKeyService_ConcurrentIssueRespectsQuota(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Issue(ctx, wallet); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	n, _ := repo.CountActive(ctx, wallet)
	assert.Equal(t, 3, n)
}

func TestAPIKeyService_Authenticate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	issued, err := svc.Issue(ctx, wallet)
	require.NoError(t, err)

	t.Run("canonical", func(t *testing.T) {
		id, err := svc.Authenticate(ctx, "Bearer "+issued.Secret)
		require.NoError(t, err)
		assert.Equal(t, wallet, id.WalletAddress)
		assert.Equal(t, issued.Key.ID, id.KeyID)
		assert.Equal(t, apikey.VariantCanonical, id.Variant)
	})

	t.Run("legacy", func(t *testing.T) {
		legacy := strings.Replace(issued.Secret, ".", "_", 2)
		id, err := svc.Authenticate(ctx, "Bearer "+legacy)
		require.NoError(t, err)
		assert.Equal(t, issued.Key.ID, id.KeyID)
		assert.Equal(t, apikey.VariantLegacy, id.Variant)
	})

	parts := strings.Split(issued.Secret, ".")
	upperTS := strings.ToUpper(parts[1])
	require.NotEqual(t, parts[1], upperTS)

	tests := []struct {
		name   string
		header string
		want   *apierrors.APIError
	}{
		{"missing", "", apierrors.ErrMissingAuthHeaders},
		{"re-cased timestamp", "Bearer " + parts[0] + "." + upperTS + "." + parts[2], apierrors.ErrInvalidAPIKey},
		{"wrong scheme", "Basic " + issued.Secret, apierrors.ErrMalformedAuthHeader},
		{"double space", "Bearer  " + issued.Secret, apierrors.ErrMalformedAuthHeader},
		{"bad format", "Bearer not-a-key", apierrors.ErrInvalidAPIKeyFormat},
		{"unknown key", "Bearer dv." + strings.Split(issued.Secret, ".")[1] + "." + strings.Repeat("A", 32), apierrors.ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Authenticate(ctx, tt.header)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAPIKeyService_StrictRejectsLegacy(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(WithStrictFormat(true))

	issued, err := svc.Issue(ctx, wallet)
	require.NoError(t, err)

	legacy := strings.Replace(issued.Secret, ".", "_", 2)
	_, err = svc.Authenticate(ctx, "Bearer "+legacy)
	assert.ErrorIs(t, err, apierrors.ErrInvalidAPIKeyFormat)
}

func TestAPIKeyService_Rotate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo := newTestService(WithClock(func() time.Time { return now }))

	old, err := svc.Issue(ctx, wallet)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	next, err := svc.Rotate(ctx, wallet, old.Key.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.Key.ID, next.Key.ID)
	assert.NotEqual(t, old.Secret, next.Secret)

	keys, err := repo.ListByOwner(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.NotNil(t, keys[1].RotatedAt)
	assert.True(t, keys[1].RotatedAt.Equal(next.Key.CreatedAt))
	assert.True(t, next.Key.CreatedAt.Equal(now))

	_, err = svc.Authenticate(ctx, "Bearer "+old.Secret)
	assert.ErrorIs(t, err, apierrors.ErrInvalidAPIKey)

	_, err = svc.Authenticate(ctx, "Bearer "+next.Secret)
	assert.NoError(t, err)

	_, err = svc.Rotate(ctx, wallet, old.Key.ID)
	assert.ErrorIs(t, err, apierrors.ErrAPIKeyNotFound)

	_, err = svc.Rotate(ctx, "0x0000000000000000000000000000000000000001", next.Key.ID)
	assert.ErrorIs(t, err, apierrors.ErrAPIKeyNotFound)
}

func TestAPIKeyService_RotateAtQuota(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService()

	var last *IssuedKey
	for i := 0; i < 3; i++ {
		k, err := svc.Issue(ctx, wallet)
		require.NoError(t, err)
		last = k
	}

	_, err := svc.Rotate(ctx, wallet, last.Key.ID)
	require.NoError(t, err)

	n, _ := repo.CountActive(ctx, wallet)
	assert.Equal(t, 3, n)
}

func TestAPIKeyService_Revoke(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	issued, err := svc.Issue(ctx, wallet)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, wallet, issued.Key.ID))
	assert.ErrorIs(t, svc.Revoke(ctx, wallet, issued.Key.ID), apierrors.ErrAPIKeyNotFound)
	assert.ErrorIs(t, svc.Revoke(ctx, wallet, ""), apierrors.ErrAPIKeyNotFound)

	_, err = svc.Authenticate(ctx, "Bearer "+issued.Secret)
	assert.ErrorIs(t, err, apierrors.ErrInvalidAPIKey)

	keys, err := svc.List(ctx, wallet)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Enabled)
	assert.NotNil(t, keys[0].RevokedAt)
}

func TestAPIKeyService_ListEmpty(t *testing.T) {
	svc, _ := newTestService()
	keys, err := svc.List(context.Background(), wallet)
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}

func TestAPIKeyService_StorageErrorsAreInternal(t *testing.T) {
	ctx := context.Background()
	svc := NewAPIKeyService(brokenRepo{})

	_, err := svc.Issue(ctx, wallet)
	assert.ErrorIs(t, err, apierrors.ErrInternal)
	assert.NotContains(t, err.Error(), "connection refused")

	_, err = svc.Rotate(ctx, wallet, "id")
	assert.ErrorIs(t, err, apierrors.ErrInternal)

	assert.ErrorIs(t, svc.Revoke(ctx, wallet, "id"), apierrors.ErrInternal)

	_, err = svc.List(ctx, wallet)
	assert.ErrorIs(t, err, apierrors.ErrInternal)

	now := time.Now()
	s, err := apikey.Generate("dv", now)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "Bearer "+s.Value)
	assert.ErrorIs(t, err, apierrors.ErrInternal)
}

func TestAPIKeyService_InvalidPrefixIssuesNothing(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(WithPrefix("dv2"))

	_, err := svc.Issue(ctx, wallet)
	assert.ErrorIs(t, err, apierrors.ErrInternal)

	n, err := repo.CountActive(ctx, wallet)
	require.NoError(t, err)
	assert.Zero(t, n)
}
