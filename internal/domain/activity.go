package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized is returned when an operation runs without an authenticated user.
	ErrUnauthorized = errors.New("unauthenticated request")
	// ErrNoActiveSession is returned when a tracking operation needs an open session and there is none.
	ErrNoActiveSession = errors.New("no active tracking session")
	// ErrActivityNotFound is returned when an activity does not exist or belongs to another user.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrSessionActive is returned by Start under the reject displacement policy.
	ErrSessionActive = errors.New("tracking session already active")
	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("activity store unavailable")
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Activity is one workout, either completed or currently being tracked.
// DistanceM is meters and only set when the activity is final; CurrentDistanceKm
// is the live kilometer value of an open session.
type Activity struct {
	ID                string
	UserID            string
	Name              string
	DistanceM         float64
	DurationSec       int64
	StartedAt         time.Time
	EndedAt           *time.Time
	Notes             *string
	IsTracking        bool
	TrackingStartedAt *time.Time
	CurrentDistanceKm float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActiveSession is an open tracking session with its computed, unpersisted duration.
type ActiveSession struct {
	Activity           Activity
	CurrentDurationSec int64
}

// Cursor models the pagination token for activity listings.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// Event is a domain change recorded alongside the state transition that caused it.
type Event struct {
	Type       string
	ActivityID string
	UserID     string
	OccurredAt time.Time
	Payload    any
}
