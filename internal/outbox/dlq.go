package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = time.Minute
)

// DLQWriter persists undeliverable events. The retry count carries the
// number of times the event was already requeued.
type DLQWriter struct {
	db        DB
	baseDelay time.Duration
}

// NewDLQWriter initialises a writer. A non-positive baseDelay selects one minute.
func NewDLQWriter(db DB, baseDelay time.Duration) *DLQWriter {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &DLQWriter{db: db, baseDelay: baseDelay}
}

// Write records a failed outbox message in the DLQ alongside the supplied reason.
func (w *DLQWriter) Write(ctx context.Context, msg Message, reason string) error {
	_, err := w.db.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, aggregate_type, aggregate_id, user_id, event_type, topic, partition_key, payload, reason, retry_count, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW() + $11::interval)`,
		msg.EventID, msg.AggregateType, msg.AggregateID, msg.UserID, msg.EventType, msg.Topic, msg.PartitionKey, msg.Payload,
		reason, msg.Attempts, backoffDelay(w.baseDelay, msg.Attempts+1),
	)
	return err
}

// DLQManager requeues failed events into the outbox and quarantines the ones that exhausted their retries.
type DLQManager struct {
	db         DB
	maxRetries int
	baseDelay  time.Duration
	logger     *log.Logger
}

// NewDLQManager constructs a DLQManager with the provided retry configuration.
func NewDLQManager(db DB, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &DLQManager{
		db:         db,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     log.New(log.Writer(), "[dlq] ", log.LstdFlags|log.Lshortfile),
	}
}

// RunOnce processes due DLQ entries and returns how many were requeued.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := m.due(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range entries {
		ok, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, fmt.Errorf("dlq entry %d: %w", entry.ID, procErr))
			continue
		}
		if ok {
			requeued++
		}
	}
	m.updateBacklogGauge(ctx)
	return requeued, err
}

func (m *DLQManager) due(ctx context.Context, batchSize int) ([]dlqEntry, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY created_at
        LIMIT $1`

	rows, err := m.db.Query(ctx, query, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []dlqEntry
	for rows.Next() {
		var entry dlqEntry
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.RetryCount); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// handleEntry applies retry/quarantine logic for a single DLQ entry and reports whether it was requeued.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (requeued bool, err error) {
	tx, err := m.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if entry.RetryCount >= m.maxRetries {
		if _, err = tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			"retry limit reached", entry.ID); err != nil {
			return false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		dlqQuarantinedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
		m.logger.Printf("quarantined event %d (%s) after %d retries", entry.EventID, entry.EventType, entry.RetryCount)
		return false, nil
	}

	tag, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NULL, claimed_at = NULL, attempts = attempts + 1 WHERE event_id = $1`, entry.EventID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		delay := backoffDelay(m.baseDelay, entry.RetryCount+1)
		if _, err = tx.Exec(ctx,
			`UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3`,
			delay, fmt.Sprintf("outbox event %d no longer exists", entry.EventID), entry.ID,
		); err != nil {
			return false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return false, err
		}
		dlqRetryCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
		return false, nil
	}

	if _, err = tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return false, err
	}
	dlqRequeuedCounter.WithLabelValues(entry.Topic, entry.EventType).Inc()
	return true, nil
}

func (m *DLQManager) updateBacklogGauge(ctx context.Context) {
	var count int
	if err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}

// backoffDelay doubles base per attempt, capped at one hour.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 12 {
		return time.Hour
	}
	delay := time.Duration(1<<uint(attempt-1)) * base
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID         int64
	EventID    int64
	EventType  string
	Topic      string
	RetryCount int
}
