//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/fittrack/internal/migrations"
)

func TestPersistenceHandlerLogsRepublishedEventOnce(t *testing.T) {
	ctx := context.Background()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("fittrack"),
		postgrescontainer.WithUsername("fittrack"),
		postgrescontainer.WithPassword("fittrack"),
		postgrescontainer.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.Eventually(t, func() bool { return pool.Ping(ctx) == nil }, 30*time.Second, time.Second)
	require.NoError(t, migrations.Postgres(pool))

	handler := NewPersistenceHandler(pool)
	msg := Message{
		Topic:     "tracking_events",
		Offset:    10,
		Timestamp: time.Now().UTC(),
		EventType: "tracking.finalized",
		DedupeKey: "a-1:tracking.finalized",
		UserID:    "user-1",
		Payload:   json.RawMessage(`{"activity_id":"a-1"}`),
	}
	require.NoError(t, handler.Handle(ctx, msg))

	// Requeued from the DLQ: same event, new offset.
	msg.Offset = 57
	require.NoError(t, handler.Handle(ctx, msg))

	other := msg
	other.Offset = 58
	other.DedupeKey = "a-2:tracking.started"
	require.NoError(t, handler.Handle(ctx, other))

	var rows int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity_event_log`).Scan(&rows))
	require.Equal(t, 2, rows)
}
