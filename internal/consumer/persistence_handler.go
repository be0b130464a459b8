package consumer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PersistenceHandler writes consumed events into the activity_event_log audit table.
type PersistenceHandler struct {
	db Execer
}

// NewPersistenceHandler constructs a handler backed by the provided pool.
func NewPersistenceHandler(db Execer) *PersistenceHandler {
	return &PersistenceHandler{db: db}
}

// Handle stores the event payload once per outbox dedupe key, so a record
// republished from the DLQ or by a retried batch is logged a single time.
// Records without the header fall back to their topic position.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.db.Exec(ctx,
		`INSERT INTO activity_event_log (topic, partition, record_offset, event_type, user_id, payload, received_at, dedupe_key)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         ON CONFLICT DO NOTHING`,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.EventType,
		msg.UserID,
		[]byte(msg.Payload),
		msg.Timestamp,
		dedupeKey(msg),
	)
	return err
}

func dedupeKey(msg Message) string {
	if msg.DedupeKey != "" {
		return msg.DedupeKey
	}
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}
