package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"example.com/fittrack/internal/events"
	"example.com/fittrack/internal/observability"
)

// DisplacementPolicy decides what happens to an open session when the same user starts another one.
type DisplacementPolicy string

const (
	// DisplaceAbandon closes the previous session without touching its duration or distance.
	DisplaceAbandon DisplacementPolicy = "abandon"
	// DisplaceFinalize finalizes the previous session as if it had been stopped at displacement time.
	DisplaceFinalize DisplacementPolicy = "finalize"
	// DisplaceReject refuses the new start while a session is open.
	DisplaceReject DisplacementPolicy = "reject"
)

// ParseDisplacementPolicy validates a policy name; an empty name selects DisplaceAbandon.
func ParseDisplacementPolicy(value string) (DisplacementPolicy, error) {
	switch p := DisplacementPolicy(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return DisplaceAbandon, nil
	case DisplaceAbandon, DisplaceFinalize, DisplaceReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown displacement policy %q", value)
	}
}

const maxNameLength = 255

// TrackingOption configures optional behaviour for the TrackingManager.
type TrackingOption func(*TrackingManager)

// WithDisplacementPolicy overrides the default abandon policy.
func WithDisplacementPolicy(policy DisplacementPolicy) TrackingOption {
	return func(m *TrackingManager) {
		m.policy = policy
	}
}

// WithMaxSessionAge enables read-time expiry of sessions older than maxAge. Zero disables it.
func WithMaxSessionAge(maxAge time.Duration) TrackingOption {
	return func(m *TrackingManager) {
		m.maxAge = maxAge
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) TrackingOption {
	return func(m *TrackingManager) {
		m.now = clock
	}
}

// WithNotifier registers a receiver for committed tracking updates.
func WithNotifier(notifier Notifier) TrackingOption {
	return func(m *TrackingManager) {
		m.notifier = notifier
	}
}

// WithLogger overrides the logger used to report displacement and expiry.
func WithLogger(logger *log.Logger) TrackingOption {
	return func(m *TrackingManager) {
		m.logger = logger
	}
}

// TrackingManager owns the lifecycle of live tracking sessions. Every operation
// runs inside the store's per-user transaction, which is what keeps at most one
// session open per user.
type TrackingManager struct {
	store    ActivityStore
	notifier Notifier
	policy   DisplacementPolicy
	maxAge   time.Duration
	now      Clock
	logger   *log.Logger
}

// NewTrackingManager constructs a TrackingManager.
func NewTrackingManager(store ActivityStore, opts ...TrackingOption) *TrackingManager {
	m := &TrackingManager{
		store:    store,
		notifier: noopNotifier{},
		policy:   DisplaceAbandon,
		now:      systemClock,
		logger:   log.New(log.Writer(), "[tracking] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StopInput carries the optional fields accepted when stopping a session.
type StopInput struct {
	DistanceKm *float64
	Notes      *string
}

// txOutcome collects what a transaction changed so that metrics and
// notifications are only emitted after commit.
type txOutcome struct {
	updates     []TrackingUpdate
	finalized   []Activity
	reasons     []string
	deactivated []string
	started     bool
	distance    bool
}

func (o *txOutcome) finalize(a Activity, reason string) {
	o.finalized = append(o.finalized, a)
	o.reasons = append(o.reasons, reason)
	o.updates = append(o.updates, TrackingUpdate{Type: events.TypeTrackingFinalized, Activity: a, CurrentDurationSec: a.DurationSec})
}

// Start opens a new session for userID, handling any open session per the displacement policy.
func (m *TrackingManager) Start(ctx context.Context, userID, name string) (*Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	id := newActivityID()
	var created Activity
	var out txOutcome
	err = m.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx UserTx) error {
		out = txOutcome{}
		now := m.now()
		created = Activity{
			ID:                id,
			UserID:            userID,
			Name:              name,
			StartedAt:         now,
			IsTracking:        true,
			TrackingStartedAt: timePtr(now),
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		active, err := m.loadActive(ctx, tx, now, &out)
		if err != nil {
			return err
		}
		if active != nil {
			if err := m.displace(ctx, tx, *active, created.ID, now, &out); err != nil {
				return err
			}
		}

		if err := tx.Insert(ctx, created); err != nil {
			return err
		}
		out.started = true
		out.updates = append(out.updates, TrackingUpdate{Type: events.TypeTrackingStarted, Activity: created})
		return tx.AppendEvent(ctx, Event{
			Type:       events.TypeTrackingStarted,
			ActivityID: created.ID,
			UserID:     userID,
			OccurredAt: now,
			Payload: events.TrackingStarted{
				ActivityID: created.ID,
				UserID:     userID,
				Name:       created.Name,
				StartedAt:  now,
			},
		})
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	m.publish(ctx, userID, out)
	return &created, nil
}

// UpdateDistance sets the live distance, in kilometers, of the user's open session.
func (m *TrackingManager) UpdateDistance(ctx context.Context, userID string, distanceKm float64) (*Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	if err := validateDistanceKm(distanceKm); err != nil {
		return nil, err
	}

	var updated *Activity
	var out txOutcome
	err := m.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx UserTx) error {
		out = txOutcome{}
		updated = nil
		now := m.now()
		active, err := m.loadActive(ctx, tx, now, &out)
		if err != nil || active == nil {
			return err
		}

		active.applyDistance(distanceKm, now)
		if err := tx.Update(ctx, *active); err != nil {
			return err
		}
		out.distance = true
		out.updates = append(out.updates, TrackingUpdate{
			Type:               events.TypeTrackingDistance,
			Activity:           *active,
			CurrentDurationSec: Elapsed(*active.TrackingStartedAt, now),
		})
		updated = active
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	m.publish(ctx, userID, out)
	if updated == nil {
		return nil, ErrNoActiveSession
	}
	return updated, nil
}

// Stop finalizes the user's open session.
func (m *TrackingManager) Stop(ctx context.Context, userID string, input StopInput) (*Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	if input.DistanceKm != nil {
		if err := validateDistanceKm(*input.DistanceKm); err != nil {
			return nil, err
		}
	}

	var stopped *Activity
	var out txOutcome
	err := m.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx UserTx) error {
		out = txOutcome{}
		stopped = nil
		now := m.now()
		active, err := m.loadActive(ctx, tx, now, &out)
		if err != nil || active == nil {
			return err
		}

		finalize(active, now, now, input.DistanceKm, input.Notes)
		if err := m.commitFinal(ctx, tx, *active, events.ReasonStopped, &out); err != nil {
			return err
		}
		stopped = active
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	m.publish(ctx, userID, out)
	if stopped == nil {
		return nil, ErrNoActiveSession
	}
	return stopped, nil
}

// Active returns the user's open session with its current duration.
func (m *TrackingManager) Active(ctx context.Context, userID string) (*ActiveSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}

	var session *ActiveSession
	var out txOutcome
	err := m.store.WithinUserTx(ctx, userID, func(ctx context.Context, tx UserTx) error {
		out = txOutcome{}
		session = nil
		now := m.now()
		active, err := m.loadActive(ctx, tx, now, &out)
		if err != nil || active == nil {
			return err
		}
		session = &ActiveSession{
			Activity:           *active,
			CurrentDurationSec: Elapsed(*active.TrackingStartedAt, now),
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	m.publish(ctx, userID, out)
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return session, nil
}

// Peek returns the user's open session without expiring it. Used for listing summaries.
func (m *TrackingManager) Peek(ctx context.Context, userID string) (*ActiveSession, error) {
	active, err := m.store.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	now := m.now()
	if active == nil || m.expired(*active, now) {
		return nil, nil
	}
	return &ActiveSession{
		Activity:           *active,
		CurrentDurationSec: Elapsed(*active.TrackingStartedAt, now),
	}, nil
}

// loadActive returns the open session, finalizing it first when it has outlived maxAge.
func (m *TrackingManager) loadActive(ctx context.Context, tx UserTx, now time.Time, out *txOutcome) (*Activity, error) {
	active, err := tx.FindActive(ctx)
	if err != nil || active == nil {
		return nil, err
	}
	if active.TrackingStartedAt == nil {
		// Rows written before tracking_started_at existed use started_at as the origin.
		active.TrackingStartedAt = timePtr(active.StartedAt)
	}
	if !m.expired(*active, now) {
		return active, nil
	}

	expiredAt := active.TrackingStartedAt.Add(m.maxAge)
	finalize(active, expiredAt, now, nil, nil)
	if err := m.commitFinal(ctx, tx, *active, events.ReasonExpired, out); err != nil {
		return nil, err
	}
	m.logger.Printf("expired tracking session %s (user=%s, age>%s)", active.ID, active.UserID, m.maxAge)
	return nil, nil
}

func (m *TrackingManager) expired(a Activity, now time.Time) bool {
	if m.maxAge <= 0 {
		return false
	}
	origin := a.StartedAt
	if a.TrackingStartedAt != nil {
		origin = *a.TrackingStartedAt
	}
	return now.Sub(origin) > m.maxAge
}

func (m *TrackingManager) displace(ctx context.Context, tx UserTx, active Activity, newID string, now time.Time, out *txOutcome) error {
	switch m.policy {
	case DisplaceReject:
		return ErrSessionActive
	case DisplaceFinalize:
		finalize(&active, now, now, nil, nil)
		if err := m.commitFinal(ctx, tx, active, events.ReasonDisplaced, out); err != nil {
			return err
		}
	default:
		active.IsTracking = false
		active.UpdatedAt = now
		if err := tx.Update(ctx, active); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, Event{
			Type:       events.TypeTrackingDeactivated,
			ActivityID: active.ID,
			UserID:     active.UserID,
			OccurredAt: now,
			Payload: events.TrackingDeactivated{
				ActivityID:  active.ID,
				UserID:      active.UserID,
				DisplacedBy: newID,
				OccurredAt:  now,
				Reason:      events.ReasonDisplaced,
			},
		}); err != nil {
			return err
		}
		out.deactivated = append(out.deactivated, events.ReasonDisplaced)
		out.updates = append(out.updates, TrackingUpdate{Type: events.TypeTrackingDeactivated, Activity: active})
	}
	m.logger.Printf("displaced tracking session %s by %s (user=%s, policy=%s)", active.ID, newID, active.UserID, m.policy)
	return nil
}

func (m *TrackingManager) commitFinal(ctx context.Context, tx UserTx, a Activity, reason string, out *txOutcome) error {
	if err := tx.Update(ctx, a); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, Event{
		Type:       events.TypeTrackingFinalized,
		ActivityID: a.ID,
		UserID:     a.UserID,
		OccurredAt: *a.EndedAt,
		Payload: events.TrackingFinalized{
			ActivityID:  a.ID,
			UserID:      a.UserID,
			DistanceM:   a.DistanceM,
			DurationSec: a.DurationSec,
			EndedAt:     *a.EndedAt,
			Reason:      reason,
		},
	}); err != nil {
		return err
	}
	out.finalize(a, reason)
	return nil
}

func (m *TrackingManager) publish(ctx context.Context, userID string, out txOutcome) {
	if out.started {
		observability.RecordTrackingStarted()
	}
	if out.distance {
		observability.RecordDistanceUpdate()
	}
	for i, a := range out.finalized {
		observability.RecordTrackingFinalized(out.reasons[i], a.DurationSec)
	}
	for _, reason := range out.deactivated {
		observability.RecordTrackingDeactivated(reason)
	}
	if len(out.updates) > 0 {
		observability.RecordActivityPersisted(m.now())
	}
	for _, update := range out.updates {
		m.notifier.Notify(ctx, userID, update)
	}
}

// finalize closes a session: duration runs from the tracking origin to endedAt
// and the live kilometer value becomes the stored distance in meters. An
// explicit distanceKm always replaces the live value.
func finalize(a *Activity, endedAt, now time.Time, distanceKm *float64, notes *string) {
	if distanceKm != nil {
		a.applyDistance(*distanceKm, now)
	}
	a.DurationSec = Elapsed(*a.TrackingStartedAt, endedAt)
	a.DistanceM = a.CurrentDistanceKm * 1000
	a.EndedAt = timePtr(endedAt)
	a.IsTracking = false
	if notes != nil {
		a.Notes = stringPtr(*notes)
	}
	a.UpdatedAt = now
}

func (a *Activity) applyDistance(km float64, at time.Time) {
	acc := NewDistanceAccumulator(a.CurrentDistanceKm, a.UpdatedAt)
	acc.Set(km, at)
	a.CurrentDistanceKm = acc.Km()
	a.UpdatedAt = acc.UpdatedAt()
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid("name", "name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", invalid("name", fmt.Sprintf("name must be at most %d characters", maxNameLength))
	}
	return name, nil
}

func validateDistanceKm(km float64) error {
	if math.IsNaN(km) || math.IsInf(km, 0) {
		return invalid("distance", "distance must be a finite number")
	}
	if km < 0 {
		return invalid("distance", "distance must be >= 0")
	}
	return nil
}

// wrapStoreErr marks driver failures as ErrStoreUnavailable and passes domain errors through.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var verr *ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrNoActiveSession),
		errors.Is(err, ErrActivityNotFound),
		errors.Is(err, ErrSessionActive),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func newActivityID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func timePtr(t time.Time) *time.Time { return &t }

func stringPtr(s string) *string { return &s }
