package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMaxAge is the default freshness window for signed messages.
const DefaultMaxAge = 5 * time.Minute

var (
	ErrMalformedMessage = errors.New("replay: message does not carry a valid timestamp")
	ErrMessageExpired   = errors.New("replay: message expired")
	ErrMessageInFuture  = errors.New("replay: message timestamp is in the future")
	ErrReplayDetected   = errors.New("replay: signature already used")
)

// messagePattern is "Sign this message to <purpose>: [<13-digit ms timestamp>]".
var messagePattern = regexp.MustCompile(`^Sign this message to (.+): \[(\d{13})\]$`)

var rejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "devoter_replay_rejections_total",
		Help: "Signed messages rejected by the replay guard, by reason",
	},
	[]string{"reason"},
)

// SignedMessage is the parsed form of a wallet-signed message.
type SignedMessage struct {
	Purpose   string
	Timestamp time.Time
}

// ParseMessage extracts the purpose and timestamp from a signed message.
func ParseMessage(message string) (SignedMessage, error) {
	m := messagePattern.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return SignedMessage{}, ErrMalformedMessage
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return SignedMessage{Purpose: m[1], Timestamp: time.UnixMilli(ms)}, nil
}

// Key derives the single-use cache key for a verified (signer, message) pair.
// A re-encoded or malleated signature over the same message maps to the same key.
func Key(signer, message string) string {
	h := crypto.Keccak256Hash([]byte(strings.ToLower(signer)), []byte{0}, []byte(strings.TrimSpace(message)))
	return h.Hex()
}

// Guard applies the freshness and single-use checks.
type Guard struct {
	store  Store
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.maxAge = d
		}
	}
}

// WithGuardClock overrides the time source used for freshness.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// NewGuard creates a replay guard over store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		maxAge: DefaultMaxAge,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAge returns the configured freshness window.
func (g *Guard) MaxAge() time.Duration {
	return g.maxAge
}

// CheckFreshness verifies that the embedded timestamp is within [0, maxAge] of now.
func (g *Guard) CheckFreshness(message string) (SignedMessage, error) {
	msg, err := ParseMessage(message)
	if err != nil {
		rejectionsTotal.WithLabelValues("malformed").Inc()
		return SignedMessage{}, err
	}

	age := g.now().Sub(msg.Timestamp)
	switch {
	case age < 0:
		rejectionsTotal.WithLabelValues("future").Inc()
		return msg, ErrMessageInFuture
	case age > g.maxAge:
		rejectionsTotal.WithLabelValues("expired").Inc()
		return msg, ErrMessageExpired
	}
	return msg, nil
}

// Consume marks key as used. A second call within the TTL returns ErrReplayDetected.
func (g *Guard) Consume(ctx context.Context, key string) error {
	ok, err := g.store.SetNX(ctx, key, g.maxAge)
	if err != nil {
		g.logger.Error("replay store unavailable", slog.String("error", err.Error()))
		return err
	}
	if !ok {
		rejectionsTotal.WithLabelValues("replay").Inc()
		return ErrReplayDetected
	}
	return nil
}

// Check runs both checks for a verified signer. Freshness is evaluated first
// so stale messages never occupy cache space.
func (g *Guard) Check(ctx context.Context, signer, message string) error {
	if _, err := g.CheckFreshness(message); err != nil {
		return err
	}
	return g.Consume(ctx, Key(signer, message))
}
