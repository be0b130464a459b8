package domain

import "context"

// ActivityStore captures persistence operations for activities.
//
// WithinUserTx runs fn with exclusive access to one user's records: calls for the
// same user are serialized, calls for different users are independent. Writes made
// through the UserTx become visible only if fn returns nil.
type ActivityStore interface {
	WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx UserTx) error) error
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Activity, *Cursor, error)
	FindActiveByUser(ctx context.Context, userID string) (*Activity, error)
}

// UserTx is the per-user transactional view handed to WithinUserTx callbacks.
type UserTx interface {
	FindActive(ctx context.Context) (*Activity, error)
	Insert(ctx context.Context, activity Activity) error
	Update(ctx context.Context, activity Activity) error
	Delete(ctx context.Context, activityID string) error
	AppendEvent(ctx context.Context, event Event) error
}

// Notifier receives tracking updates after they are committed.
type Notifier interface {
	Notify(ctx context.Context, userID string, update TrackingUpdate)
}

// TrackingUpdate describes a committed tracking change for live subscribers.
type TrackingUpdate struct {
	Type               string
	Activity           Activity
	CurrentDurationSec int64
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, TrackingUpdate) {}
