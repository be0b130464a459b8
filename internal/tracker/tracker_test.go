package tracker

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"example.com/fittrack/internal/api"
	"example.com/fittrack/internal/auth"
	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/gps"
	"example.com/fittrack/internal/persistence/memory"
)

var authCfg = auth.Config{Secret: "tracker-secret", Issuer: "fittrack.test"}

func newAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	manager := domain.NewTrackingManager(store, domain.WithLogger(log.New(io.Discard, "", 0)))
	mux := http.NewServeMux()
	api.NewHandler(domain.NewService(store, manager), api.WithLogger(log.New(io.Discard, "", 0))).RegisterRoutes(mux)
	server := httptest.NewServer(auth.NewMiddleware(authCfg, auth.PublicPaths).Wrap(mux))
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	tok, err := auth.Issue(authCfg, "runner-1", []string{auth.ScopeActivitiesWrite}, time.Hour)
	require.NoError(t, err)
	return NewClient(baseURL+"/", tok)
}

func equatorTrack(start time.Time, n int) []gps.Reading {
	out := make([]gps.Reading, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, gps.Reading{Sample: gps.Sample{
			Point:     orb.Point{float64(i) * 0.001, 0},
			Time:      start.Add(time.Duration(i) * 10 * time.Second),
			AccuracyM: 5,
		}})
	}
	return out
}

func feed(readings []gps.Reading) <-chan gps.Reading {
	ch := make(chan gps.Reading, len(readings))
	for _, r := range readings {
		ch <- r
	}
	close(ch)
	return ch
}

func TestClientLifecycle(t *testing.T) {
	client := newClient(t, newAPIServer(t).URL)
	ctx := context.Background()

	started, err := client.Start(ctx, "Tempo")
	require.NoError(t, err)
	require.True(t, started.IsTracking)

	updated, err := client.UpdateDistance(ctx, 1.2)
	require.NoError(t, err)
	require.InDelta(t, 1.2, updated.CurrentDistance, 1e-9)

	active, err := client.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, started.ID, active.ID)
	require.NotNil(t, active.CurrentDuration)

	notes := "windy"
	stopped, err := client.Stop(ctx, nil, &notes)
	require.NoError(t, err)
	require.False(t, stopped.IsTracking)
	require.InDelta(t, 1200, stopped.Distance, 1e-9)

	_, err = client.Active(ctx)
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestClientErrors(t *testing.T) {
	server := newAPIServer(t)
	client := newClient(t, server.URL)

	_, err := client.UpdateDistance(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoActiveSession)

	_, err = client.Start(context.Background(), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "validation_failed", apiErr.Type)
	require.Equal(t, "name", apiErr.Field)
	require.NotErrorIs(t, err, ErrNoActiveSession)

	_, err = NewClient(server.URL, "not-a-token").Start(context.Background(), "Run")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSessionStopsWithFilteredDistance(t *testing.T) {
	client := newClient(t, newAPIServer(t).URL)
	readings := equatorTrack(time.Date(2025, time.March, 3, 7, 0, 0, 0, time.UTC), 4)

	var statuses []gps.State
	session := NewSession(client, "Easy run",
		WithLogger(log.New(io.Discard, "", 0)),
		WithNotes("felt good"),
		WithStatusHook(func(s gps.Status) { statuses = append(statuses, s.State) }),
	)
	summary, err := session.Run(context.Background(), feed(readings))
	require.NoError(t, err)

	want := 3 * gps.Haversine(orb.Point{0, 0}, orb.Point{0.001, 0})
	require.InDelta(t, want/1000, summary.DistanceKm, 1e-9)
	require.InDelta(t, want, summary.Activity.Distance, 1e-6)
	require.False(t, summary.Activity.IsTracking)
	require.Equal(t, "felt good", *summary.Activity.Notes)
	require.Zero(t, summary.PushFails)
	require.GreaterOrEqual(t, summary.Pushed, 1)
	require.Len(t, summary.Filter.Track(), 4)
	require.Contains(t, statuses, gps.StateActive)
	require.Equal(t, gps.StateIdle, statuses[len(statuses)-1])

	_, err = client.Active(context.Background())
	require.ErrorIs(t, err, ErrNoActiveSession)
}

type stubAPI struct {
	mu        sync.Mutex
	startErr  error
	updateErr error
	updates   []float64
	stopKm    *float64
	stopped   bool
	onUpdate  func()
}

func (s *stubAPI) Start(_ context.Context, name string) (*api.ActivityView, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &api.ActivityView{ID: "act-1", Name: name, IsTracking: true}, nil
}

func (s *stubAPI) UpdateDistance(_ context.Context, km float64) (*api.ActivityView, error) {
	s.mu.Lock()
	s.updates = append(s.updates, km)
	hook := s.onUpdate
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &api.ActivityView{ID: "act-1", CurrentDistance: km, IsTracking: true}, nil
}

func (s *stubAPI) Stop(ctx context.Context, km *float64, _ *string) (*api.ActivityView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopKm = km
	return &api.ActivityView{ID: "act-1", Distance: *km * 1000}, nil
}

func TestSessionPushFailuresDoNotStopTracking(t *testing.T) {
	stub := &stubAPI{updateErr: &APIError{Status: http.StatusServiceUnavailable, Type: "store_unavailable"}}
	session := NewSession(stub, "Ride", WithLogger(log.New(io.Discard, "", 0)))

	summary, err := session.Run(context.Background(), feed(equatorTrack(time.Now(), 3)))
	require.NoError(t, err)
	require.True(t, stub.stopped)
	require.Zero(t, summary.Pushed)
	require.GreaterOrEqual(t, summary.PushFails, 1)
	require.Equal(t, len(stub.updates), summary.PushFails)
	require.InDelta(t, summary.DistanceKm, *stub.stopKm, 1e-12)
	require.Positive(t, summary.DistanceKm)
}

func TestSessionStartFailure(t *testing.T) {
	stub := &stubAPI{startErr: errors.New("connection refused")}
	_, err := NewSession(stub, "Run", WithLogger(log.New(io.Discard, "", 0))).Run(context.Background(), feed(nil))
	require.ErrorContains(t, err, "start tracking")
	require.False(t, stub.stopped)
}

func TestSessionCancelStillStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stub := &stubAPI{}
	var once sync.Once
	stub.onUpdate = func() { once.Do(cancel) }

	readings := make(chan gps.Reading, 2)
	for _, r := range equatorTrack(time.Now(), 2) {
		readings <- r
	}
	// The channel stays open: only cancellation ends the watcher.

	summary, err := NewSession(stub, "Walk", WithLogger(log.New(io.Discard, "", 0))).Run(ctx, readings)
	require.NoError(t, err)
	require.True(t, stub.stopped)
	require.Positive(t, summary.DistanceKm)
}

func TestLatestReplacesPendingValue(t *testing.T) {
	pending := make(chan float64, 1)
	emit := latest(pending)

	emit(1)
	emit(2)
	emit(3)
	require.Len(t, pending, 1)
	require.Equal(t, 3.0, <-pending)
}
