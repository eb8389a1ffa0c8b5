package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageAt(purpose string, ts time.Time) string {
	return fmt.Sprintf("Sign this message to %s: [%d]", purpose, ts.UnixMilli())
}

func TestParseMessage(t *testing.T) {
	ts := time.UnixMilli(1735732800123)

	tests := []struct {
		name    string
		message string
		purpose string
		wantErr bool
	}{
		{"canonical", messageAt("register", ts), "register", false},
		{"purpose with spaces", messageAt("create an API key", ts), "create an API key", false},
		{"surrounding whitespace", "  " + messageAt("login", ts) + "\n", "login", false},
		{"missing timestamp", "Sign this message to register", "", true},
		{"twelve digits", "Sign this message to register: [173573280012]", "", true},
		{"fourteen digits", "Sign this message to register: [17357328001234]", "", true},
		{"non numeric", "Sign this message to register: [17357328001ab]", "", true},
		{"wrong prefix", "Please sign to register: [1735732800123]", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage(tt.message)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.purpose, msg.Purpose)
			assert.Equal(t, ts.UnixMilli(), msg.Timestamp.UnixMilli())
		})
	}
}

func TestGuard_CheckFreshness(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(NewMemoryCache(time.Minute), WithGuardClock(clock.Now))
	now := clock.Now()

	tests := []struct {
		name string
		ts   time.Time
		want error
	}{
		{"now", now, nil},
		{"four minutes ago", now.Add(-4 * time.Minute), nil},
		{"exactly max age", now.Add(-5 * time.Minute), nil},
		{"six minutes ago", now.Add(-6 * time.Minute), ErrMessageExpired},
		{"one second in the future", now.Add(time.Second), ErrMessageInFuture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.CheckFreshness(messageAt("register", tt.ts))
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestGuard_ConfigurableMaxAge(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(NewMemoryCache(time.Minute), WithGuardClock(clock.Now), WithMaxAge(10*time.Minute))
	assert.Equal(t, 10*time.Minute, g.MaxAge())

	_, err := g.CheckFreshness(messageAt("register", clock.Now().Add(-6*time.Minute)))
	assert.NoError(t, err)
}

func TestGuard_Check(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryCache(time.Minute, WithClock(clock.Now))
	g := NewGuard(cache, WithGuardClock(clock.Now))

	signer := "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	msg := messageAt("register", clock.Now())

	require.NoError(t, g.Check(ctx, signer, msg))
	assert.ErrorIs(t, g.Check(ctx, signer, msg), ErrReplayDetected)

	// Address case does not produce a fresh key.
	assert.ErrorIs(t, g.Check(ctx, "0x742d35cc6634c0532925a3b844bc454e4438f44e", msg), ErrReplayDetected)

	other := messageAt("register", clock.Now().Add(-time.Second))
	assert.NoError(t, g.Check(ctx, signer, other))
}

func TestGuard_ExpiredMessageDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cache := NewMemoryCache(time.Minute, WithClock(clock.Now))
	g := NewGuard(cache, WithGuardClock(clock.Now))

	msg := messageAt("register", clock.Now().Add(-6*time.Minute))
	assert.ErrorIs(t, g.Check(ctx, "0xabc", msg), ErrMessageExpired)
	assert.Equal(t, 0, cache.Len())
}

type failingStore struct{}

func (failingStore) SetNX(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) Has(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestGuard_StoreError(t *testing.T) {
	clock := newFakeClock()
	g := NewGuard(failingStore{}, WithGuardClock(clock.Now))

	err := g.Check(context.Background(), "0xabc", messageAt("register", clock.Now()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReplayDetected)
}

func TestKey(t *testing.T) {
	a := Key("0xABC", "hello")
	assert.Equal(t, a, Key("0xabc", "hello"))
	assert.Equal(t, a, Key("0xabc", " hello "))
	assert.NotEqual(t, a, Key("0xabc", "hello!"))
	assert.NotEqual(t, a, Key("0xabd", "hello"))
}
