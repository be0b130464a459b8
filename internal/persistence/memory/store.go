// Package memory provides an in-process ActivityStore for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/persistence"
)

// MaxEvents bounds the committed events a Store retains; older ones are dropped.
const MaxEvents = 1024

// Store keeps activities in maps partitioned by user. Each user has its own
// lock, so WithinUserTx serializes one user's transactions without blocking others.
type Store struct {
	mu     sync.Mutex
	users  map[string]*userBucket
	events []domain.Event
}

type userBucket struct {
	mu         sync.Mutex
	activities map[string]domain.Activity
}

// New constructs an empty Store.
func New() *Store {
	return &Store{users: make(map[string]*userBucket)}
}

func (s *Store) bucket(userID string) *userBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.users[userID]
	if !ok {
		b = &userBucket{activities: make(map[string]domain.Activity)}
		s.users[userID] = b
	}
	return b
}

// lookup returns the user's bucket without creating one.
func (s *Store) lookup(userID string) (*userBucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.users[userID]
	return b, ok
}

// WithinUserTx runs fn against a staged copy of the user's records and applies it when fn succeeds.
func (s *Store) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx domain.UserTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &userTx{userID: userID, staged: make(map[string]domain.Activity, len(b.activities))}
	for id, a := range b.activities {
		tx.staged[id] = a
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := checkSingleActive(tx.staged); err != nil {
		return err
	}

	b.activities = tx.staged
	if len(tx.events) > 0 {
		s.mu.Lock()
		s.events = append(s.events, tx.events...)
		if extra := len(s.events) - MaxEvents; extra > 0 {
			s.events = append([]domain.Event(nil), s.events[extra:]...)
		}
		s.mu.Unlock()
	}
	return nil
}

// ListByUser returns activities ordered by started_at desc, id desc.
func (s *Store) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	limit = persistence.ClampLimit(limit)

	b, ok := s.lookup(userID)
	if !ok {
		return []domain.Activity{}, nil, nil
	}
	b.mu.Lock()
	all := make([]domain.Activity, 0, len(b.activities))
	for _, a := range b.activities {
		all = append(all, a)
	}
	b.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]domain.Activity, 0, limit)
	for _, a := range all {
		if cursor != nil && !persistence.After(a, *cursor) {
			continue
		}
		out = append(out, a)
		if len(out) > limit {
			break
		}
	}
	return persistence.Page(out, limit)
}

// FindActiveByUser returns the user's open session, or nil.
func (s *Store) FindActiveByUser(ctx context.Context, userID string) (*domain.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := s.lookup(userID)
	if !ok {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return findActive(b.activities), nil
}

// Events returns a copy of the most recent events recorded by committed transactions.
func (s *Store) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

type userTx struct {
	userID string
	staged map[string]domain.Activity
	events []domain.Event
}

func (t *userTx) FindActive(context.Context) (*domain.Activity, error) {
	return findActive(t.staged), nil
}

func (t *userTx) Insert(_ context.Context, activity domain.Activity) error {
	if activity.UserID != t.userID {
		return fmt.Errorf("insert activity %s: owner %q outside transaction for %q", activity.ID, activity.UserID, t.userID)
	}
	if _, exists := t.staged[activity.ID]; exists {
		return fmt.Errorf("insert activity %s: duplicate id", activity.ID)
	}
	t.staged[activity.ID] = activity
	return nil
}

func (t *userTx) Update(_ context.Context, activity domain.Activity) error {
	if _, ok := t.staged[activity.ID]; !ok || activity.UserID != t.userID {
		return domain.ErrActivityNotFound
	}
	t.staged[activity.ID] = activity
	return nil
}

func (t *userTx) Delete(_ context.Context, activityID string) error {
	if _, ok := t.staged[activityID]; !ok {
		return domain.ErrActivityNotFound
	}
	delete(t.staged, activityID)
	return nil
}

func (t *userTx) AppendEvent(_ context.Context, event domain.Event) error {
	t.events = append(t.events, event)
	return nil
}

func findActive(activities map[string]domain.Activity) *domain.Activity {
	for _, a := range activities {
		if a.IsTracking {
			a := a
			return &a
		}
	}
	return nil
}

var errMultipleActive = errors.New("more than one active tracking session")

func checkSingleActive(activities map[string]domain.Activity) error {
	seen := false
	for _, a := range activities {
		if !a.IsTracking {
			continue
		}
		if seen {
			return errMultipleActive
		}
		seen = true
	}
	return nil
}
