package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devoter-xyz/devoter-api/internal/models"
)

// UsageRepository defines the interface for API key usage persistence.
type UsageRepository interface {
	// InsertBatch writes events in a single round trip.
	InsertBatch(ctx context.Context, events []models.UsageEvent) error
	// CountByKey returns the number of recorded events for a key since the given time.
	CountByKey(ctx context.Context, apiKeyID string, since time.Time) (int64, error)
}

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

// InsertBatch uses COPY so a flush costs one statement regardless of size.
func (r *usageRepo) InsertBatch(ctx context.Context, events []models.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{
			uuid.New(),
			e.APIKeyID,
			e.Endpoint,
			e.StatusCode,
			e.ResponseTimeMs,
			e.OccurredAt,
		})
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"api_key_usage"},
		[]string{"id", "api_key_id", "endpoint", "status_code", "response_time_ms", "occurred_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// CountByKey returns the number of recorded events for a key since the given time.
func (r *usageRepo) CountByKey(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM api_key_usage WHERE api_key_id = $1 AND occurred_at >= $2`

	var n int64
	err := r.pool.QueryRow(ctx, query, apiKeyID, since).Scan(&n)
	return n, err
}

// Compile-time check to ensure usageRepo implements UsageRepository.
var _ UsageRepository = (*usageRepo)(nil)
