// Package events defines the payloads published for activity and tracking changes.
package events

import "time"

// Event types recorded in the outbox and carried in the Kafka event_type header.
const (
	TypeActivityCreated     = "activity.created"
	TypeActivityDeleted     = "activity.deleted"
	TypeTrackingStarted     = "tracking.started"
	TypeTrackingFinalized   = "tracking.finalized"
	TypeTrackingDeactivated = "tracking.deactivated"

	// TypeTrackingDistance is only sent to live subscribers, never recorded in the outbox.
	TypeTrackingDistance = "tracking.distance"
)

// Reasons attached to finalized and deactivated sessions.
const (
	ReasonStopped   = "stopped"
	ReasonDisplaced = "displaced"
	ReasonExpired   = "expired"
)

// ActivityCreated is emitted when a completed activity is logged directly.
type ActivityCreated struct {
	ActivityID  string    `json:"activity_id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	DistanceM   float64   `json:"distance_m"`
	DurationSec int64     `json:"duration_sec"`
	StartedAt   time.Time `json:"started_at"`
}

// ActivityDeleted is emitted when the owner removes an activity.
type ActivityDeleted struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// TrackingStarted is emitted when a live tracking session opens.
type TrackingStarted struct {
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
}

// TrackingFinalized is emitted once per session when its duration and distance become final.
type TrackingFinalized struct {
	ActivityID  string    `json:"activity_id"`
	UserID      string    `json:"user_id"`
	DistanceM   float64   `json:"distance_m"`
	DurationSec int64     `json:"duration_sec"`
	EndedAt     time.Time `json:"ended_at"`
	Reason      string    `json:"reason"`
}

// TrackingDeactivated is emitted when a session is closed without being finalized.
type TrackingDeactivated struct {
	ActivityID  string    `json:"activity_id"`
	UserID      string    `json:"user_id"`
	DisplacedBy string    `json:"displaced_by,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	Reason      string    `json:"reason"`
}
