// Package handler provides HTTP handlers for the devoter API.
package handler

import (
	"net/http"
)

// Middleware wraps an http.Handler.
type Middleware = func(http.Handler) http.Handler

// Gates bundles the per-route middleware handlers attach. Nil fields are
// treated as pass-through.
type Gates struct {
	// Wallet requires a verified, unreplayed wallet signature.
	Wallet Middleware
	// Bearer requires a valid API key.
	Bearer Middleware
	// Limit returns the rate limiter for a tier.
	Limit func(tier string) Middleware
}

func (g Gates) wallet() Middleware { return orPass(g.Wallet) }
func (g Gates) bearer() Middleware { return orPass(g.Bearer) }

func (g Gates) limit(tier string) Middleware {
	if g.Limit == nil {
		return pass
	}
	return orPass(g.Limit(tier))
}

func pass(next http.Handler) http.Handler { return next }

func orPass(m Middleware) Middleware {
	if m == nil {
		return pass
	}
	return m
}
