package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestPersistenceHandlerInsertsIdempotently(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	received := time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)
	msg := Message{
		Topic:     "tracking_events",
		Partition: 2,
		Offset:    99,
		Timestamp: received,
		EventType: "tracking.started",
		DedupeKey: "a-1:tracking.started",
		UserID:    "user-1",
		Payload:   json.RawMessage(`{"activity_id":"a-1"}`),
	}

	mock.ExpectExec(`(?s)INSERT INTO activity_event_log .*dedupe_key.* ON CONFLICT DO NOTHING`).
		WithArgs("tracking_events", 2, int64(99), "tracking.started", "user-1", []byte(`{"activity_id":"a-1"}`), received, "a-1:tracking.started").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO activity_event_log`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	handler := NewPersistenceHandler(mock)
	require.NoError(t, handler.Handle(context.Background(), msg))
	require.ErrorContains(t, handler.Handle(context.Background(), msg), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistenceHandlerDedupesRepublishedEvent(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	first := Message{Topic: "tracking_events", Offset: 10, EventType: "tracking.finalized", DedupeKey: "a-1:tracking.finalized", Payload: json.RawMessage(`{}`)}
	republished := first
	republished.Offset = 57

	// Both deliveries carry the same key; the second one hits the unique index.
	for _, m := range []Message{first, republished} {
		mock.ExpectExec(`INSERT INTO activity_event_log`).
			WithArgs(m.Topic, 0, m.Offset, m.EventType, "", []byte(`{}`), time.Time{}, "a-1:tracking.finalized").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
	}

	handler := NewPersistenceHandler(mock)
	require.NoError(t, handler.Handle(context.Background(), first))
	require.NoError(t, handler.Handle(context.Background(), republished))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupeKeyFallsBackToRecordPosition(t *testing.T) {
	require.Equal(t, "tracking_events:3:42", dedupeKey(Message{Topic: "tracking_events", Partition: 3, Offset: 42}))
	require.Equal(t, "k", dedupeKey(Message{Topic: "tracking_events", DedupeKey: "k"}))
}
