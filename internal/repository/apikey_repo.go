// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devoter-xyz/devoter-api/internal/models"
)

var (
	// ErrAPIKeyLimitReached is returned when the owner already has the maximum enabled keys.
	ErrAPIKeyLimitReached = errors.New("repository: active api key limit reached")
	// ErrAPIKeyNotFound is returned when the target key is missing, not owned, or disabled.
	ErrAPIKeyNotFound = errors.New("repository: api key not found")
	// ErrDuplicateKeyHash is returned when a key hash collides with an existing row.
	ErrDuplicateKeyHash = errors.New("repository: duplicate api key hash")
)

// LimitError carries the quota state that caused ErrAPIKeyLimitReached.
type LimitError struct {
	Limit   int
	Current int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v (limit %d, current %d)", ErrAPIKeyLimitReached, e.Limit, e.Current)
}

func (e *LimitError) Unwrap() error {
	return ErrAPIKeyLimitReached
}

// APIKeyRepository defines the interface for API key persistence. Every
// mutating method is atomic: callers never observe a half-applied change.
type APIKeyRepository interface {
	// CreateWithinLimit inserts key if the owner has fewer than limit enabled keys.
	CreateWithinLimit(ctx context.Context, key *models.APIKey, limit int) error
	// Rotate disables oldID (stamping rotated_at with next.CreatedAt) and inserts next.
	Rotate(ctx context.Context, owner, oldID string, next *models.APIKey) error
	// Revoke disables an enabled key owned by owner.
	Revoke(ctx context.Context, owner, id string, at time.Time) error
	// GetActiveByHash returns the enabled key with the given hash, or nil.
	GetActiveByHash(ctx context.Context, hash string) (*models.APIKey, error)
	// ListByOwner returns all keys for owner, newest first.
	ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error)
	// CountActive returns the number of enabled keys for owner.
	CountActive(ctx context.Context, owner string) (int, error)
}

type apiKeyRepo struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository creates a PostgreSQL-backed API key repository.
func NewAPIKeyRepository(pool *pgxpool.Pool) APIKeyRepository {
	return &apiKeyRepo{pool: pool}
}

const apiKeyColumns = `id, wallet_address, key_hash, masked_key, algorithm, enabled, replaces_id, created_at, rotated_at, revoked_at`

// lockOwner serializes lifecycle changes for one wallet for the rest of the transaction.
func lockOwner(ctx context.Context, tx pgx.Tx, owner string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, owner)
	return err
}

func countActive(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, owner string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM api_keys WHERE wallet_address = $1 AND enabled`, owner).Scan(&n)
	return n, err
}

func insertKey(ctx context.Context, tx pgx.Tx, key *models.APIKey) error {
	query := `
		INSERT INTO api_keys (id, wallet_address, key_hash, masked_key, algorithm, enabled, replaces_id, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)`

	_, err := tx.Exec(ctx, query,
		key.ID,
		key.WalletAddress,
		key.KeyHash,
		key.MaskedKey,
		key.Algorithm,
		key.ReplacesID,
		key.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKeyHash
	}
	if err == nil {
		key.Enabled = true
	}
	return err
}

// CreateWithinLimit counts and inserts under a per-owner advisory lock.
func (r *apiKeyRepo) CreateWithinLimit(ctx context.Context, key *models.APIKey, limit int) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockOwner(ctx, tx, key.WalletAddress); err != nil {
			return err
		}
		n, err := countActive(ctx, tx, key.WalletAddress)
		if err != nil {
			return err
		}
		if n >= limit {
			return &LimitError{Limit: limit, Current: n}
		}
		return insertKey(ctx, tx, key)
	})
}

// Rotate disables the old key with a compare-and-swap on enabled and inserts
// the replacement in the same transaction.
func (r *apiKeyRepo) Rotate(ctx context.Context, owner, oldID string, next *models.APIKey) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if err := lockOwner(ctx, tx, owner); err != nil {
			return err
		}

		var id string
		err := tx.QueryRow(ctx, `
			UPDATE api_keys SET enabled = FALSE, rotated_at = $3
			WHERE id = $1 AND wallet_address = $2 AND enabled
			RETURNING id`,
			oldID, owner, next.CreatedAt,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAPIKeyNotFound
		}
		if err != nil {
			return err
		}

		next.ReplacesID = &id
		return insertKey(ctx, tx, next)
	})
}

// Revoke disables an enabled key.
func (r *apiKeyRepo) Revoke(ctx context.Context, owner, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET enabled = FALSE, revoked_at = $3
		WHERE id = $1 AND wallet_address = $2 AND enabled`,
		id, owner, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(
		&k.ID,
		&k.WalletAddress,
		&k.KeyHash,
		&k.MaskedKey,
		&k.Algorithm,
		&k.Enabled,
		&k.ReplacesID,
		&k.CreatedAt,
		&k.RotatedAt,
		&k.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// GetActiveByHash retrieves an enabled key by digest.
func (r *apiKeyRepo) GetActiveByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1 AND enabled`

	k, err := scanKey(r.pool.QueryRow(ctx, query, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

// ListByOwner lists every key for a wallet, newest first.
func (r *apiKeyRepo) ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE wallet_address = $1 ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CountActive returns the number of enabled keys for a wallet.
func (r *apiKeyRepo) CountActive(ctx context.Context, owner string) (int, error) {
	return countActive(ctx, r.pool, owner)
}

// Compile-time check to ensure apiKeyRepo implements APIKeyRepository.
var _ APIKeyRepository = (*apiKeyRepo)(nil)
