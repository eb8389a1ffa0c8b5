package ratelimit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devoter-xyz/devoter-api/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testTiers() Tiers {
	return Tiers{
		"tight":      {Name: "tight", Max: 3, Window: time.Minute},
		TierHealth:   {Name: TierHealth, Max: 2, Window: time.Minute, ExemptSuccess: true, ExemptError: true},
		"successful": {Name: "successful", Max: 2, Window: time.Minute, ExemptSuccess: true},
	}
}

func TestGovernor_Decide(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(testTiers(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		d, err := g.Decide("tight", "1.2.3.4", "/v1/keys")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	clock.Advance(15 * time.Second)
	d, err := g.Decide("tight", "1.2.3.4", "/v1/keys")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.LessOrEqual(t, d.RetryAfter, 60)
	assert.Equal(t, 45, d.RetryAfter)

	t.Run("other keys are independent", func(t *testing.T) {
		d, err := g.Decide("tight", "5.6.7.8", "/v1/keys")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("allowed again after window", func(t *testing.T) {
		clock.Advance(45 * time.Second)
		d, err := g.Decide("tight", "1.2.3.4", "/v1/keys")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, d.Remaining)
	})
}

func TestGovernor_UnknownTier(t *testing.T) {
	g := NewGovernor(testTiers())
	_, err := g.Decide("nope", "k", "/")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestGovernor_ConcurrentDecideIsExact(t *testing.T) {
	g := NewGovernor(Tiers{"t": {Name: "t", Max: 25, Window: time.Hour}})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.Decide("t", "shared", "/")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), allowed.Load())
}

func TestGovernor_Release(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(testTiers(), WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		d, err := g.Decide(TierHealth, "k", "/health")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		g.Release(d)
	}

	t.Run("stale decision is ignored", func(t *testing.T) {
		d, err := g.Decide("successful", "k", "/")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		fresh, err := g.Decide("successful", "k", "/")
		require.NoError(t, err)
		g.Release(d)
		assert.Equal(t, 1, fresh.Remaining)

		next, err := g.Decide("successful", "k", "/")
		require.NoError(t, err)
		assert.Equal(t, 0, next.Remaining)
	})
}

func TestTier_Exempt(t *testing.T) {
	tiers := DefaultTiers()
	assert.True(t, tiers[TierHealth].Exempt(200))
	assert.True(t, tiers[TierHealth].Exempt(500))
	assert.False(t, tiers[TierGeneral].Exempt(200))
	assert.False(t, tiers[TierGeneral].Exempt(500))

	onlyErrors := Tier{ExemptError: true}
	assert.True(t, onlyErrors.Exempt(404))
	assert.False(t, onlyErrors.Exempt(201))
}

func TestTier_JSONWindowMs(t *testing.T) {
	tier := DefaultTiers()[TierHealth]

	data, err := json.Marshal(tier)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"health","max":200,"windowMs":60000,"exemptSuccess":true,"exemptError":true}`, string(data))

	var back Tier
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, tier, back)
}

func TestTiersFromConfig(t *testing.T) {
	tiers := TiersFromConfig(config.RateLimitConfig{
		GeneralMax: 1, AuthMax: 2, KeyCreationMax: 3, RegistrationMax: 4, HealthMax: 5,
		Window: 30 * time.Second,
	})

	assert.Equal(t, 3, tiers[TierKeyCreation].Max)
	assert.Equal(t, 4, tiers[TierRegistration].Max)
	assert.Equal(t, 30*time.Second, tiers[TierAuth].Window)

	def := DefaultTiers()
	assert.Equal(t, 100, def[TierGeneral].Max)
	assert.Equal(t, 10, def[TierAuth].Max)
	assert.Equal(t, 200, def[TierHealth].Max)
}

func TestGovernor_Sweep(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(testTiers(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		_, err := g.Decide("tight", fmt.Sprintf("k%d", i), "/")
		require.NoError(t, err)
	}
	assert.Zero(t, g.Sweep())

	clock.Advance(time.Minute)
	assert.Equal(t, 5, g.Sweep())
}

func TestGovernor_UnverifiedWalletWindowsAreSwept(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(testTiers(), WithClock(clock.Now))

	// The wallet header is unverified at this point, so each value is its own budget.
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		req.Header.Set(WalletHeader, fmt.Sprintf("0x%040d", i))

		d, err := g.Decide("tight", DeriveKey(req), "/v1/keys")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	clock.Advance(time.Minute)
	assert.Equal(t, 10, g.Sweep())
}

func TestGovernor_StartStop(t *testing.T) {
	g := NewGovernor(testTiers(), WithCleanupInterval(5*time.Millisecond))
	g.Start()
	g.Start()
	g.Stop()
	g.Stop()

	NewGovernor(testTiers()).Stop()
}

func TestEventLog_Ring(t *testing.T) {
	log := NewEventLog(3)
	for i := 0; i < 5; i++ {
		log.Append(Event{Key: fmt.Sprintf("k%d", i)})
	}

	events := log.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "k2", events[0].Key)
	assert.Equal(t, "k4", events[2].Key)
	assert.Equal(t, 3, log.Len())
}

func TestGovernor_EventCapacity(t *testing.T) {
	g := NewGovernor(testTiers(), WithEventCapacity(4))
	for i := 0; i < 10; i++ {
		_, _ = g.Decide("tight", "k", "/")
	}
	assert.Len(t, g.Events(), 4)
}

func TestAnalyze(t *testing.T) {
	var events []Event
	add := func(key, tier, endpoint string, limited bool, n int) {
		for i := 0; i < n; i++ {
			events = append(events, Event{Key: key, Tier: tier, Endpoint: endpoint, Limited: limited})
		}
	}
	add("a", TierAuth, "/v1/auth/verify", false, 5)
	add("b", TierAuth, "/v1/auth/verify", true, 2)
	add("c", TierKeyCreation, "/v1/keys", true, 2)
	add("d", TierKeyCreation, "/v1/keys", true, 1)

	a := Analyze(events)
	assert.Equal(t, 10, a.TotalEvents)
	assert.Equal(t, 5, a.LimitedEvents)
	assert.Equal(t, 50.0, a.LimitedPercentage)
	assert.Equal(t, 7, a.ByEndpoint["/v1/auth/verify"])
	assert.Equal(t, 3, a.ByTier[TierKeyCreation])
	assert.Equal(t, []Violator{{"b", 2}, {"c", 2}, {"d", 1}}, a.TopViolators)

	t.Run("truncated to ten", func(t *testing.T) {
		var many []Event
		for i := 0; i < 15; i++ {
			many = append(many, Event{Key: fmt.Sprintf("k%02d", i), Limited: true})
		}
		a := Analyze(many)
		require.Len(t, a.TopViolators, 10)
		assert.Equal(t, "k00", a.TopViolators[0].Key)
	})

	t.Run("empty", func(t *testing.T) {
		a := Analyze(nil)
		assert.Zero(t, a.LimitedPercentage)
		assert.NotNil(t, a.TopViolators)
	})

	t.Run("rounded percentage", func(t *testing.T) {
		a := Analyze([]Event{{Limited: true}, {}, {}})
		assert.Equal(t, 33.33, a.LimitedPercentage)
	})
}

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		want   string
	}{
		{"ip only", "", "", "10.0.0.1"},
		{"header wallet", "0xABCdef", "", "10.0.0.1:0xabcdef"},
		{"body wallet", "", `{"walletAddress":"0xABC"}`, "10.0.0.1:0xabc"},
		{"header wins", "0xHEAD", `{"walletAddress":"0xBODY"}`, "10.0.0.1:0xhead"},
		{"invalid body", "", `not json`, "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(http.MethodPost, "/v1/keys", body)
			req.RemoteAddr = "10.0.0.1:5555"
			if tt.header != "" {
				req.Header.Set(WalletHeader, tt.header)
			}

			assert.Equal(t, tt.want, DeriveKey(req))

			if tt.body != "" {
				rest, err := io.ReadAll(req.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.body, string(rest))
			}
		})
	}
}
