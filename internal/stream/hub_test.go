package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/events"
)

func receive(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-client.Send:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func requireSilent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case msg := <-client.Send:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubLocalBroadcastIsPerUser(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	mine := hub.Register("user-1")
	defer hub.Unregister(mine)
	theirs := hub.Register("user-2")
	defer hub.Unregister(theirs)

	hub.Broadcast(context.Background(), "user-1", []byte("ping"))

	require.Equal(t, "ping", string(receive(t, mine)))
	requireSilent(t, theirs)
}

func TestUnregisterClosesAndIsIdempotent(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	client := hub.Register("user-1")
	require.Equal(t, 1, hub.Subscribers("user-1"))

	hub.Unregister(client)
	hub.Unregister(client)

	_, ok := <-client.Send
	require.False(t, ok)
	require.Zero(t, hub.Subscribers("user-1"))
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	client := hub.Register("user-1")
	defer hub.Unregister(client)

	for i := 0; i < clientBuffer+10; i++ {
		hub.Broadcast(context.Background(), "user-1", []byte("x"))
	}
	require.Len(t, client.Send, clientBuffer)
}

func TestHubRedisDeliversOnceAcrossInstances(t *testing.T) {
	server := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	newHub := func() *Hub {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewHub(ctx, client)
	}
	first, second := newHub(), newHub()

	local := first.Register("user-1")
	defer first.Unregister(local)
	remote := second.Register("user-1")
	defer second.Unregister(remote)

	first.Broadcast(ctx, "user-1", []byte("ping"))

	require.Equal(t, "ping", string(receive(t, local)))
	require.Equal(t, "ping", string(receive(t, remote)))
	requireSilent(t, local)
}

func TestHubRedisPublishErrorFallsBackToLocal(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	server.Close()
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(ctx, client)
	sub := hub.Register("user-1")
	defer hub.Unregister(sub)

	hub.Broadcast(ctx, "user-1", []byte("ping"))
	require.Equal(t, "ping", string(receive(t, sub)))
}

func TestNotifierEncodesAndBroadcasts(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	sub := hub.Register("user-1")
	defer hub.Unregister(sub)

	notifier := NewNotifier(hub, func(u domain.TrackingUpdate) ([]byte, error) {
		return json.Marshal(map[string]any{"type": u.Type, "id": u.Activity.ID, "current_duration": u.CurrentDurationSec})
	})
	notifier.Notify(context.Background(), "user-1", domain.TrackingUpdate{
		Type:               events.TypeTrackingStarted,
		Activity:           domain.Activity{ID: "a-1"},
		CurrentDurationSec: 12,
	})

	var got map[string]any
	require.NoError(t, json.Unmarshal(receive(t, sub), &got))
	require.Equal(t, events.TypeTrackingStarted, got["type"])
	require.Equal(t, "a-1", got["id"])
	require.EqualValues(t, 12, got["current_duration"])
}

func TestNotifierSkipsUnencodableUpdates(t *testing.T) {
	hub := NewHub(context.Background(), nil)
	sub := hub.Register("user-1")
	defer hub.Unregister(sub)

	notifier := NewNotifier(hub, func(domain.TrackingUpdate) ([]byte, error) {
		return nil, errors.New("boom")
	})
	notifier.Notify(context.Background(), "user-1", domain.TrackingUpdate{Type: events.TypeTrackingFinalized})
	requireSilent(t, sub)
}
