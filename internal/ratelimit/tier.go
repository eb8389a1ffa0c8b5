// Package ratelimit implements per-tier fixed-window request governance and
// the abuse analytics derived from its decisions.
package ratelimit

import (
	"encoding/json"
	"time"

	"github.com/devoter-xyz/devoter-api/internal/config"
)

// Tier names.
const (
	TierGeneral      = "general"
	TierAuth         = "auth"
	TierKeyCreation  = "keyCreation"
	TierRegistration = "registration"
	TierHealth       = "health"
)

// Tier is the quota applied to one endpoint class.
type Tier struct {
	Name          string        `json:"name"`
	Max           int           `json:"max"`
	Window        time.Duration `json:"-"`
	ExemptSuccess bool          `json:"exemptSuccess"`
	ExemptError   bool          `json:"exemptError"`
}

type tierJSON struct {
	Name          string `json:"name"`
	Max           int    `json:"max"`
	WindowMs      int64  `json:"windowMs"`
	ExemptSuccess bool   `json:"exemptSuccess"`
	ExemptError   bool   `json:"exemptError"`
}

// MarshalJSON renders the window as whole milliseconds.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(tierJSON{
		Name:          t.Name,
		Max:           t.Max,
		WindowMs:      t.Window.Milliseconds(),
		ExemptSuccess: t.ExemptSuccess,
		ExemptError:   t.ExemptError,
	})
}

// UnmarshalJSON reads the windowMs form written by MarshalJSON.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var v tierJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Tier{
		Name:          v.Name,
		Max:           v.Max,
		Window:        time.Duration(v.WindowMs) * time.Millisecond,
		ExemptSuccess: v.ExemptSuccess,
		ExemptError:   v.ExemptError,
	}
	return nil
}

// Exempt reports whether a response with status should be refunded.
func (t Tier) Exempt(status int) bool {
	if status >= 400 {
		return t.ExemptError
	}
	return t.ExemptSuccess
}

// Tiers is the immutable tier table keyed by name.
type Tiers map[string]Tier

// DefaultTiers returns the stock table: 100/10/3/5/200 requests per minute.
func DefaultTiers() Tiers {
	return newTiers(100, 10, 3, 5, 200, time.Minute)
}

// TiersFromConfig builds the table from configuration.
func TiersFromConfig(cfg config.RateLimitConfig) Tiers {
	return newTiers(cfg.GeneralMax, cfg.AuthMax, cfg.KeyCreationMax, cfg.RegistrationMax, cfg.HealthMax, cfg.Window)
}

func newTiers(general, auth, keyCreation, registration, health int, window time.Duration) Tiers {
	return Tiers{
		TierGeneral:      {Name: TierGeneral, Max: general, Window: window},
		TierAuth:         {Name: TierAuth, Max: auth, Window: window},
		TierKeyCreation:  {Name: TierKeyCreation, Max: keyCreation, Window: window},
		TierRegistration: {Name: TierRegistration, Max: registration, Window: window},
		TierHealth:       {Name: TierHealth, Max: health, Window: window, ExemptSuccess: true, ExemptError: true},
	}
}
