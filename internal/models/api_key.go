package models

import (
	"time"
)

// APIKey is a bearer credential owned by a wallet. The raw key is never stored.
type APIKey struct {
	ID            string     `json:"id" db:"id"`
	WalletAddress string     `json:"wallet_address" db:"wallet_address"` // EIP-55 checksummed
	KeyHash       string     `json:"-" db:"key_hash"`                    // SHA-256 of the raw key
	MaskedKey     string     `json:"masked_key" db:"masked_key"`
	Algorithm     string     `json:"algorithm" db:"algorithm"`
	Enabled       bool       `json:"enabled" db:"enabled"`
	ReplacesID    *string    `json:"replaces_id,omitempty" db:"replaces_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	RotatedAt     *time.Time `json:"rotated_at,omitempty" db:"rotated_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (k *APIKey) Clone() *APIKey {
	if k == nil {
		return nil
	}
	cp := *k
	if k.ReplacesID != nil {
		id := *k.ReplacesID
		cp.ReplacesID = &id
	}
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		cp.RotatedAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// APIKeyResponse is the response format for API key operations.
// APIKey is only set on issue and rotate.
type APIKeyResponse struct {
	APIKey    string     `json:"apiKey,omitempty"`
	KeyID     string     `json:"keyId"`
	MaskedKey string     `json:"maskedKey"`
	CreatedAt time.Time  `json:"createdAt"`
	Algorithm string     `json:"algorithm"`
	Enabled   bool       `json:"enabled"`
	RotatedAt *time.Time `json:"rotatedAt,omitempty"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}
