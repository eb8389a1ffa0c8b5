// Package apikey generates, parses, hashes and masks bearer API keys.
//
// The canonical format is prefix.timestampBase36.random where random is 24
// bytes of crypto/rand encoded as unpadded base64url. Keys issued before the
// dot delimiter used underscores (prefix_timestamp_random); those still parse
// but are tagged VariantLegacy.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultPrefix is prepended to every generated key.
	DefaultPrefix = "dv"
	// Algorithm tags the digest stored in place of the raw key.
	Algorithm = "sha256"
	// RandomBytes is the entropy carried by each key.
	RandomBytes = 24
	// MinRandomLength is the shortest accepted random segment.
	MinRandomLength = 32
	// DefaultVisibleChars is how many trailing characters Mask leaves readable.
	DefaultVisibleChars = 8
	// MaxClockSkew bounds how far in the future a key timestamp may be.
	MaxClockSkew = 5 * time.Second

	maskChar = "*"
)

// Variant records which parser accepted a key.
type Variant string

const (
	VariantCanonical Variant = "canonical"
	VariantLegacy    Variant = "legacy"
)

var (
	ErrEmpty            = errors.New("apikey: empty key")
	ErrMalformed        = errors.New("apikey: malformed key")
	ErrLegacyRejected   = errors.New("apikey: legacy underscore format not accepted")
	ErrInvalidTimestamp = errors.New("apikey: invalid timestamp segment")
	ErrFutureTimestamp  = errors.New("apikey: timestamp is in the future")
	ErrInvalidPrefix    = errors.New("apikey: prefix must be two or more ASCII letters")
)

var (
	canonicalPattern = regexp.MustCompile(`^([A-Za-z]{2,})\.([0-9A-Za-z]+)\.([A-Za-z0-9_-]{32,})$`)
	legacyPattern    = regexp.MustCompile(`^([A-Za-z]{2,})_([0-9A-Za-z]+)_([A-Za-z0-9_-]{32,})$`)
	prefixPattern    = regexp.MustCompile(`^[A-Za-z]{2,}$`)
)

var legacyParsesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devoter_apikey_legacy_format_total",
	Help: "API keys accepted through the legacy underscore parser",
})

// Secret is a freshly generated key. Value is never persisted.
type Secret struct {
	Value     string
	CreatedAt time.Time
	Algorithm string
}

// ValidPrefix reports whether keys minted with prefix will parse.
func ValidPrefix(prefix string) bool {
	return prefixPattern.MatchString(prefix)
}

// Generate creates a new key for prefix stamped with now. An empty prefix
// means DefaultPrefix.
func Generate(prefix string, now time.Time) (Secret, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !ValidPrefix(prefix) {
		return Secret{}, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	buf := make([]byte, RandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return Secret{}, fmt.Errorf("apikey: read random: %w", err)
	}
	value := strings.Join([]string{
		prefix,
		strconv.FormatInt(now.UnixMilli(), 36),
		base64.RawURLEncoding.EncodeToString(buf),
	}, ".")

	return Secret{Value: value, CreatedAt: now, Algorithm: Algorithm}, nil
}

// Hash returns the hex SHA-256 digest of a key.
func Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Mask replaces all but the last visible characters with '*'. A key shorter
// than visible is masked entirely.
func Mask(secret string, visible int) string {
	if visible < 0 {
		visible = 0
	}
	if len(secret) < visible {
		return strings.Repeat(maskChar, len(secret))
	}
	hidden := len(secret) - visible
	return strings.Repeat(maskChar, hidden) + secret[hidden:]
}

// Parsed is a structurally valid key split into its segments.
type Parsed struct {
	Prefix    string
	Timestamp time.Time
	Random    string
	Variant   Variant
}

// Canonical renders the dot-delimited form.
func (p Parsed) Canonical() string {
	return strings.Join([]string{p.Prefix, strconv.FormatInt(p.Timestamp.UnixMilli(), 36), p.Random}, ".")
}

// Parser recognizes one key layout.
type Parser interface {
	Variant() Variant
	Parse(candidate string) (prefix, timestamp, random string, ok bool)
}

type patternParser struct {
	variant Variant
	re      *regexp.Regexp
}

func (p patternParser) Variant() Variant { return p.variant }

func (p patternParser) Parse(candidate string) (string, string, string, bool) {
	m := p.re.FindStringSubmatch(candidate)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

var (
	// CanonicalParser accepts prefix.timestamp.random.
	CanonicalParser Parser = patternParser{variant: VariantCanonical, re: canonicalPattern}
	// LegacyParser accepts prefix_timestamp_random. The first two underscores
	// are taken as delimiters; any later ones belong to the random segment.
	LegacyParser Parser = patternParser{variant: VariantLegacy, re: legacyPattern}
)

// Parse validates candidate against the canonical parser and, unless strict,
// falls back to the legacy parser. now bounds the embedded timestamp.
func Parse(candidate string, strict bool, now time.Time) (Parsed, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return Parsed{}, ErrEmpty
	}

	parsers := []Parser{CanonicalParser}
	if !strict {
		parsers = append(parsers, LegacyParser)
	}

	for _, p := range parsers {
		prefix, ts, random, ok := p.Parse(candidate)
		if !ok {
			continue
		}
		t, err := decodeTimestamp(ts, now)
		if err != nil {
			return Parsed{}, err
		}
		if p.Variant() == VariantLegacy {
			legacyParsesTotal.Inc()
		}
		return Parsed{Prefix: prefix, Timestamp: t, Random: random, Variant: p.Variant()}, nil
	}

	if strict {
		if _, _, _, ok := LegacyParser.Parse(candidate); ok {
			return Parsed{}, ErrLegacyRejected
		}
	}
	return Parsed{}, ErrMalformed
}

// ValidateFormat reports whether candidate is an acceptable key at now.
func ValidateFormat(candidate string, strict bool, now time.Time) bool {
	_, err := Parse(candidate, strict, now)
	return err == nil
}

func decodeTimestamp(s string, now time.Time) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 36, 64)
	if err != nil || ms < 0 {
		return time.Time{}, ErrInvalidTimestamp
	}
	t := time.UnixMilli(ms)
	if t.After(now.Add(MaxClockSkew)) {
		return time.Time{}, ErrFutureTimestamp
	}
	return t, nil
}

// ParseBearer extracts the token from an Authorization header value of the
// exact form "Bearer <token>".
func ParseBearer(header string) (string, bool) {
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return "", false
	}
	token := header[len(scheme):]
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}
