package models

import (
	"time"
)

// UsageEvent is one observed request made with an API key. Best-effort telemetry.
type UsageEvent struct {
	APIKeyID       string    `json:"api_key_id" db:"api_key_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	StatusCode     int       `json:"status_code" db:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	OccurredAt     time.Time `json:"occurred_at" db:"occurred_at"`
}
