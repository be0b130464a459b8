package domain_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/events"
	"example.com/fittrack/internal/persistence/memory"
)

func newService(store domain.ActivityStore, clock *fakeClock) *domain.Service {
	return domain.NewService(store, newManager(store, clock))
}

func TestCreateThenListRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.New()
	svc := newService(store, clock)

	notes := "tempo"
	created, err := svc.CreateActivity(ctx, "user-1", domain.CreateActivityInput{
		Name:        "Evening Run",
		DistanceM:   8200,
		DurationSec: 2460,
		StartedAt:   time.Date(2025, time.March, 2, 18, 0, 0, 0, time.UTC),
		Notes:       &notes,
	})
	require.NoError(t, err)
	require.False(t, created.IsTracking)
	require.Nil(t, created.EndedAt)

	list, err := svc.ListActivities(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Empty(t, cmp.Diff(*created, list.Items[0]))
	require.Nil(t, list.Active)
	require.Nil(t, list.Next)

	evts := store.Events()
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeActivityCreated, evts[0].Type)
}

func TestCreateActivityValidation(t *testing.T) {
	svc := newService(memory.New(), newFakeClock())
	started := time.Date(2025, time.March, 2, 18, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		input domain.CreateActivityInput
		field string
	}{
		{"missing name", domain.CreateActivityInput{StartedAt: started}, "name"},
		{"negative distance", domain.CreateActivityInput{Name: "Run", DistanceM: -1, StartedAt: started}, "distance"},
		{"negative duration", domain.CreateActivityInput{Name: "Run", DurationSec: -5, StartedAt: started}, "duration"},
		{"missing started_at", domain.CreateActivityInput{Name: "Run"}, "started_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateActivity(context.Background(), "user-1", tc.input)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestListIncludesActiveSessionAndPaginates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newService(memory.New(), clock)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateActivity(ctx, "user-1", domain.CreateActivityInput{
			Name:      "Run",
			StartedAt: clock.Now().Add(-time.Duration(i+1) * time.Hour),
		})
		require.NoError(t, err)
	}
	session, err := svc.Tracking().Start(ctx, "user-1", "Live")
	require.NoError(t, err)
	clock.Advance(42 * time.Second)

	first, err := svc.ListActivities(ctx, "user-1", nil, 2)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	require.Equal(t, session.ID, first.Items[0].ID)
	require.NotNil(t, first.Next)
	require.NotNil(t, first.Active)
	require.Equal(t, session.ID, first.Active.Activity.ID)
	require.EqualValues(t, 42, first.Active.CurrentDurationSec)

	second, err := svc.ListActivities(ctx, "user-1", first.Next, 2)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	require.Nil(t, second.Next)
	require.True(t, second.Items[0].StartedAt.Before(first.Items[1].StartedAt))
}

func TestDeleteActivityOwnerOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store, newFakeClock())

	mine, err := svc.CreateActivity(ctx, "user-1", domain.CreateActivityInput{Name: "Run", StartedAt: time.Now()})
	require.NoError(t, err)

	err = svc.DeleteActivity(ctx, "user-2", mine.ID)
	require.ErrorIs(t, err, domain.ErrActivityNotFound)

	list, err := svc.ListActivities(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)

	require.NoError(t, svc.DeleteActivity(ctx, "user-1", mine.ID))
	err = svc.DeleteActivity(ctx, "user-1", mine.ID)
	require.ErrorIs(t, err, domain.ErrActivityNotFound)

	list, err = svc.ListActivities(ctx, "user-1", nil, 10)
	require.NoError(t, err)
	require.Empty(t, list.Items)
}

func TestDeleteActiveSession(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), newFakeClock())

	session, err := svc.Tracking().Start(ctx, "user-1", "Run")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteActivity(ctx, "user-1", session.ID))

	_, err = svc.Tracking().Active(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrNoActiveSession)
}
