package middleware

import (
	"context"

	"github.com/devoter-xyz/devoter-api/internal/service"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// IdentityKey holds the *service.Identity of a bearer-authenticated request.
	IdentityKey contextKey = "identity"
	// WalletAddressKey holds the checksummed address of a wallet-signed request.
	WalletAddressKey contextKey = "wallet_address"
)

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *service.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity retrieves the bearer identity from context, or nil.
func GetIdentity(ctx context.Context) *service.Identity {
	id, _ := ctx.Value(IdentityKey).(*service.Identity)
	return id
}

// WithWalletAddress returns a copy of ctx carrying a verified wallet address.
func WithWalletAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, WalletAddressKey, addr)
}

// GetWalletAddress retrieves the verified wallet address from context.
func GetWalletAddress(ctx context.Context) string {
	addr, _ := ctx.Value(WalletAddressKey).(string)
	return addr
}
