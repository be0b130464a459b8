package sqlite

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"example.com/fittrack/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "fittrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreTrackingLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2025, time.March, 3, 7, 30, 0, 0, time.UTC)
	manager := domain.NewTrackingManager(store,
		domain.WithClock(func() time.Time { return now }),
		domain.WithLogger(log.New(io.Discard, "", 0)),
	)

	run, err := manager.Start(ctx, "user-1", "Run")
	require.NoError(t, err)
	bike, err := manager.Start(ctx, "user-1", "Bike")
	require.NoError(t, err)

	active, err := store.FindActiveByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, bike.ID, active.ID)

	_, err = manager.UpdateDistance(ctx, "user-1", 3.3)
	require.NoError(t, err)

	notes := "windy"
	stopped, err := manager.Stop(ctx, "user-1", domain.StopInput{Notes: &notes})
	require.NoError(t, err)
	require.InDelta(t, 3300, stopped.DistanceM, 1e-9)

	items, next, err := store.ListByUser(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, items, 2)

	byID := map[string]domain.Activity{}
	for _, a := range items {
		byID[a.ID] = a
	}
	require.Empty(t, cmp.Diff(*stopped, byID[bike.ID]))
	require.False(t, byID[run.ID].IsTracking)
	require.Nil(t, byID[run.ID].EndedAt)

	active, err = store.FindActiveByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestStoreRejectsSecondOpenSession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now().UTC()

	open := func(id string) error {
		return store.WithinUserTx(ctx, "user-1", func(ctx context.Context, tx domain.UserTx) error {
			return tx.Insert(ctx, domain.Activity{
				ID: id, UserID: "user-1", Name: "Run", StartedAt: now,
				IsTracking: true, TrackingStartedAt: &now, CreatedAt: now, UpdatedAt: now,
			})
		})
	}
	require.NoError(t, open("a"))
	require.ErrorIs(t, open("b"), domain.ErrSessionActive)
}

func TestStoreListPaginatesAndIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	svc := domain.NewService(store, nil)
	base := time.Date(2025, time.March, 1, 6, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := svc.CreateActivity(ctx, "user-1", domain.CreateActivityInput{
			Name: "Run", DistanceM: float64(1000 * i), DurationSec: int64(300 * i), StartedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	other, err := svc.CreateActivity(ctx, "user-2", domain.CreateActivityInput{Name: "Swim", StartedAt: base})
	require.NoError(t, err)

	page1, next, err := store.ListByUser(ctx, "user-1", nil, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotNil(t, next)
	require.True(t, page1[0].StartedAt.Equal(base.Add(4*time.Hour)))

	page2, next, err := store.ListByUser(ctx, "user-1", next, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.Nil(t, next)

	require.ErrorIs(t, svc.DeleteActivity(ctx, "user-1", other.ID), domain.ErrActivityNotFound)
	theirs, _, err := store.ListByUser(ctx, "user-2", nil, 10)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
}
