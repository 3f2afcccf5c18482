package jobs

import (
	"encoding/json"
	"time"

	"bustrack-svr/internal/domain"
)

// Job kinds consumed by this core.
const (
	KindEndTrip   = "end-trip"
	KindAnalytics = "generate-analytics"
	KindCleanup   = "cleanup"
)

// Job is one queued unit of work. Delivery is at-least-once; handlers
// must be idempotent.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// EndTripPayload finalizes a vehicle's active trip with its final
// coordinate.
type EndTripPayload struct {
	VehicleID string       `json:"vehicle_id"`
	Final     domain.Point `json:"final"`
}

// AnalyticsPayload identifies the day to roll up, formatted 2006-01-02.
type AnalyticsPayload struct {
	Day string `json:"day"`
}

// CleanupPayload carries the retention cutoffs computed at enqueue time.
type CleanupPayload struct {
	TripCutoff  time.Time `json:"trip_cutoff"`
	AlertCutoff time.Time `json:"alert_cutoff"`
}
