package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devoter-xyz/devoter-api/internal/models"
)

// MemoryAPIKeyRepository is an in-process APIKeyRepository. A single mutex
// makes every lifecycle operation atomic with respect to readers.
type MemoryAPIKeyRepository struct {
	mu     sync.RWMutex
	byID   map[string]*models.APIKey
	byHash map[string]string
}

// NewMemoryAPIKeyRepository creates an empty in-memory key repository.
func NewMemoryAPIKeyRepository() *MemoryAPIKeyRepository {
	return &MemoryAPIKeyRepository{
		byID:   make(map[string]*models.APIKey),
		byHash: make(map[string]string),
	}
}

func (m *MemoryAPIKeyRepository) countActiveLocked(owner string) int {
	n := 0
	for _, k := range m.byID {
		if k.WalletAddress == owner && k.Enabled {
			n++
		}
	}
	return n
}

func (m *MemoryAPIKeyRepository) insertLocked(key *models.APIKey) error {
	if _, ok := m.byHash[key.KeyHash]; ok {
		return ErrDuplicateKeyHash
	}
	key.Enabled = true
	m.byID[key.ID] = key.Clone()
	m.byHash[key.KeyHash] = key.ID
	return nil
}

// CreateWithinLimit implements APIKeyRepository.
func (m *MemoryAPIKeyRepository) CreateWithinLimit(_ context.Context, key *models.APIKey, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.countActiveLocked(key.WalletAddress); n >= limit {
		return &LimitError{Limit: limit, Current: n}
	}
	return m.insertLocked(key)
}

// Rotate implements APIKeyRepository.
func (m *MemoryAPIKeyRepository) Rotate(_ context.Context, owner, oldID string, next *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.byID[oldID]
	if !ok || old.WalletAddress != owner || !old.Enabled {
		return ErrAPIKeyNotFound
	}
	if _, taken := m.byHash[next.KeyHash]; taken {
		return ErrDuplicateKeyHash
	}

	at := next.CreatedAt
	old.Enabled = false
	old.RotatedAt = &at

	id := old.ID
	next.ReplacesID = &id
	return m.insertLocked(next)
}

// Revoke implements APIKeyRepository.
func (m *MemoryAPIKeyRepository) Revoke(_ context.Context, owner, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[id]
	if !ok || k.WalletAddress != owner || !k.Enabled {
		return ErrAPIKeyNotFound
	}
	k.Enabled = false
	k.RevokedAt = &at
	return nil
}

// GetActiveByHash implements APIKeyRepository.
func (m *MemoryAPIKeyRepository) GetActiveByHash(_ context.Context, hash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, nil
	}
	k := m.byID[id]
	if !k.Enabled {
		return nil, nil
	}
	return k.Clone(), nil
}

// ListByOwner implements APIKeyRepository.
func (m *MemoryAPIKeyRepository) ListByOwner(_ context.Context, owner string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*models.APIKey
	for _, k := range m.byID {
		if k.WalletAddress == owner {
			keys = append(keys, k.Clone())
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID > keys[j].ID
	})
	return keys, nil
}

// CountActive implements APIKeyRepository.
func (m *MemoryAPIKeyRepository) CountActive(_ context.Context, owner string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveLocked(owner), nil
}

var _ APIKeyRepository = (*MemoryAPIKeyRepository)(nil)

// MemoryUsageRepository keeps usage events in a slice.
type MemoryUsageRepository struct {
	mu     sync.Mutex
	events []models.UsageEvent
}

// NewMemoryUsageRepository creates an empty in-memory usage repository.
func NewMemoryUsageRepository() *MemoryUsageRepository {
	return &MemoryUsageRepository{}
}

// InsertBatch implements UsageRepository.
func (m *MemoryUsageRepository) InsertBatch(_ context.Context, events []models.UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// CountByKey implements UsageRepository.
func (m *MemoryUsageRepository) CountByKey(_ context.Context, apiKeyID string, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.events {
		if e.APIKeyID == apiKeyID && !e.OccurredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Events returns a copy of every stored event.
func (m *MemoryUsageRepository) Events() []models.UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UsageEvent(nil), m.events...)
}

var _ UsageRepository = (*MemoryUsageRepository)(nil)
