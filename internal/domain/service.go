// Package domain defines the activity model and the tracking session lifecycle.
package domain

import (
	"context"
	"math"
	"strings"
	"time"

	"example.com/fittrack/internal/events"
	"example.com/fittrack/internal/observability"
)

// Service orchestrates activity workflows outside of live tracking.
type Service struct {
	store    ActivityStore
	tracking *TrackingManager
	now      Clock
}

// NewService constructs a Service. tracking supplies the active session summary for listings.
func NewService(store ActivityStore, tracking *TrackingManager) *Service {
	if tracking == nil {
		tracking = NewTrackingManager(store)
	}
	return &Service{store: store, tracking: tracking, now: tracking.now}
}

// Tracking exposes the session manager backing this service.
func (s *Service) Tracking() *TrackingManager {
	return s.tracking
}

// CreateActivityInput captures a completed workout logged directly.
type CreateActivityInput struct {
	Name        string
	DistanceM   float64
	DurationSec int64
	StartedAt   time.Time
	Notes       *string
}

// ActivityList is one page of a user's activities plus the open session, if any.
type ActivityList struct {
	Items  []Activity
	Next   *Cursor
	Active *ActiveSession
}

// CreateActivity validates and stores a completed activity.
func (s *Service) CreateActivity(ctx context.Context, userID string, input CreateActivityInput) (*Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	name, err := validateName(input.Name)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(input.DistanceM) || math.IsInf(input.DistanceM, 0) || input.DistanceM < 0 {
		return nil, invalid("distance", "distance must be a non-negative number")
	}
	if input.DurationSec < 0 {
		return nil, invalid("duration", "duration must be >= 0")
	}
	if input.StartedAt.IsZero() {
		return nil, invalid("started_at", "started_at is required")
	}

	now := s.now()
	activity := Activity{
		ID:          newActivityID(),
		UserID:      userID,
		Name:        name,
		DistanceM:   input.DistanceM,
		DurationSec: input.DurationSec,
		StartedAt:   input.StartedAt.UTC(),
		Notes:       input.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx UserTx) error {
		if err := tx.Insert(ctx, activity); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, Event{
			Type:       events.TypeActivityCreated,
			ActivityID: activity.ID,
			UserID:     userID,
			OccurredAt: now,
			Payload: events.ActivityCreated{
				ActivityID:  activity.ID,
				UserID:      userID,
				Name:        activity.Name,
				DistanceM:   activity.DistanceM,
				DurationSec: activity.DurationSec,
				StartedAt:   activity.StartedAt,
			},
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	observability.RecordActivityPersisted(now)
	return &activity, nil
}

// ListActivities returns the user's activities, newest first, with the open session summary.
func (s *Service) ListActivities(ctx context.Context, userID string, cursor *Cursor, limit int) (*ActivityList, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	items, next, err := s.store.ListByUser(ctx, userID, cursor, limit)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	active, err := s.tracking.Peek(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ActivityList{Items: items, Next: next, Active: active}, nil
}

// DeleteActivity removes an activity owned by userID. Foreign and unknown ids yield ErrActivityNotFound.
func (s *Service) DeleteActivity(ctx context.Context, userID, activityID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthorized
	}
	if strings.TrimSpace(activityID) == "" {
		return ErrActivityNotFound
	}

	now := s.now()
	err := s.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx UserTx) error {
		if err := tx.Delete(ctx, activityID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, Event{
			Type:       events.TypeActivityDeleted,
			ActivityID: activityID,
			UserID:     userID,
			OccurredAt: now,
			Payload: events.ActivityDeleted{
				ActivityID: activityID,
				UserID:     userID,
				DeletedAt:  now,
			},
		})
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	observability.RecordActivityPersisted(now)
	return nil
}
