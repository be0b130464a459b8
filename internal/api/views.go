package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"example.com/fittrack/internal/domain"
)

// ActivityView is the JSON form of an activity. Distance is meters, current_distance is kilometers.
type ActivityView struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Name              string     `json:"name"`
	Distance          float64    `json:"distance"`
	Duration          int64      `json:"duration"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`
	Notes             *string    `json:"notes"`
	IsTracking        bool       `json:"is_tracking"`
	TrackingStartedAt *time.Time `json:"tracking_started_at"`
	CurrentDistance   float64    `json:"current_distance"`
	CurrentDuration   *int64     `json:"current_duration,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ID:                a.ID,
		UserID:            a.UserID,
		Name:              a.Name,
		Distance:          a.DistanceM,
		Duration:          a.DurationSec,
		StartedAt:         a.StartedAt,
		EndedAt:           a.EndedAt,
		Notes:             a.Notes,
		IsTracking:        a.IsTracking,
		TrackingStartedAt: a.TrackingStartedAt,
		CurrentDistance:   a.CurrentDistanceKm,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func toActiveView(s domain.ActiveSession) ActivityView {
	view := toActivityView(s.Activity)
	d := s.CurrentDurationSec
	view.CurrentDuration = &d
	return view
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Activities     []ActivityView `json:"activities"`
	ActiveTracking *ActivityView  `json:"active_tracking"`
	NextCursor     string         `json:"next_cursor,omitempty"`
}

// MessageResponse carries a human readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartTrackingRequest is the payload for POST /v1/tracking/start.
type StartTrackingRequest struct {
	Name string `json:"name"`
}

// UpdateTrackingRequest is the payload for POST /v1/tracking/update. Distance is kilometers.
type UpdateTrackingRequest struct {
	Distance *float64 `json:"distance"`
}

// StopTrackingRequest is the payload for POST /v1/tracking/stop. Distance is kilometers.
type StopTrackingRequest struct {
	Distance *float64 `json:"distance"`
	Notes    *string  `json:"notes"`
}

// CreateActivityRequest is the payload for POST /v1/activities. Distance is meters, duration seconds.
type CreateActivityRequest struct {
	Name      string    `json:"name"`
	Distance  *float64  `json:"distance"`
	Duration  *int64    `json:"duration"`
	StartedAt *DateTime `json:"started_at"`
	Notes     *string   `json:"notes"`
}

// Validate reports the first missing required field.
func (r CreateActivityRequest) Validate() error {
	switch {
	case r.Distance == nil:
		return &domain.ValidationError{Field: "distance", Message: "distance is required"}
	case r.Duration == nil:
		return &domain.ValidationError{Field: "duration", Message: "duration is required"}
	case r.StartedAt == nil:
		return &domain.ValidationError{Field: "started_at", Message: "started_at is required"}
	}
	return nil
}

// DateTime accepts RFC 3339 timestamps as well as the plain date and
// date-time layouts produced by HTML form inputs. Values without a zone are UTC.
type DateTime struct {
	time.Time
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DateTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("started_at must be a string: %w", err)
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised date %q", raw)
}

// TrackingUpdateMessage is the payload pushed to live subscribers.
type TrackingUpdateMessage struct {
	Type            string       `json:"type"`
	Activity        ActivityView `json:"activity"`
	CurrentDuration int64        `json:"current_duration"`
}

// EncodeTrackingUpdate renders a committed tracking change for the live stream.
func EncodeTrackingUpdate(update domain.TrackingUpdate) ([]byte, error) {
	return json.Marshal(TrackingUpdateMessage{
		Type:            update.Type,
		Activity:        toActivityView(update.Activity),
		CurrentDuration: update.CurrentDurationSec,
	})
}
