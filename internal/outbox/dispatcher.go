// Package outbox delivers the events recorded in the outbox table to Kafka.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
)

// DB is the subset of *pgxpool.Pool used by the dispatcher and the DLQ.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MessageWriter publishes records to a topic.
type MessageWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// Kafka headers set on every delivered record.
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
	HeaderUserID    = "user_id"
	HeaderDedupeKey = "dedupe_key"
)

// Rows claimed by a dispatcher that never marked them are retried after this long.
const defaultClaimTimeout = time.Minute

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	UserID        string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       []byte
	DedupeKey     string
	Attempts      int
}

// Dispatcher drains the outbox table and delivers events to Kafka.
type Dispatcher struct {
	db               DB
	producer         MessageWriter
	dlq              *DLQWriter
	pollInterval     time.Duration
	batchSize        int
	claimTimeout     time.Duration
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the dispatcher logger.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDLQ overrides the writer used for undeliverable batches.
func WithDLQ(w *DLQWriter) DispatcherOption {
	return func(d *Dispatcher) {
		if w != nil {
			d.dlq = w
		}
	}
}

// WithClaimTimeout sets how long a claimed but unpublished row stays invisible to other dispatchers.
func WithClaimTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.claimTimeout = timeout
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(db DB, producer MessageWriter, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 25
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	d := &Dispatcher{
		db:               db,
		producer:         producer,
		dlq:              NewDLQWriter(db, 0),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		claimTimeout:     defaultClaimTimeout,
		logger:           log.New(log.Writer(), "[outbox] ", log.LstdFlags|log.Lshortfile),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatcher error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, messages); err != nil {
		d.logger.Printf("delivery failure for %d events: %v", len(messages), err)
		failedCounter.Add(float64(len(messages)))
		if dlqErr := d.moveToDLQ(ctx, messages, err.Error()); dlqErr != nil {
			return dlqErr
		}
		return d.markPublished(ctx, messages)
	}

	deliveredCounter.Add(float64(len(messages)))
	return d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (messages []Message, err error) {
	tx, err := d.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil || len(messages) == 0 {
			_ = tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, aggregate_type, aggregate_id, user_id, event_type, topic, partition_key, payload, dedupe_key, attempts
        FROM outbox
        WHERE published_at IS NULL AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize, d.claimTimeout)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, d.batchSize)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.UserID, &msg.EventType,
			&msg.Topic, &msg.PartitionKey, &msg.Payload, &msg.DedupeKey, &msg.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches := make(map[string][]kafka.Message)
	order := make([]string, 0, 2)

	for _, msg := range messages {
		if msg.Topic == "" {
			return fmt.Errorf("no topic for event_type=%s (event_id=%d)", msg.EventType, msg.EventID)
		}
		if _, ok := batches[msg.Topic]; !ok {
			order = append(order, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], toRecord(msg))
	}

	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, batches[topic]...); err != nil {
			return err
		}
	}
	return nil
}

func toRecord(msg Message) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: msg.Payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderEventID, Value: []byte(strconv.FormatInt(msg.EventID, 10))},
			{Key: HeaderUserID, Value: []byte(msg.UserID)},
			{Key: HeaderDedupeKey, Value: []byte(msg.DedupeKey)},
		},
	}
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	_, err := d.db.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, msg.Topic)
		if err := d.dlq.Write(ctx, msg, entryReason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(msg.Topic).Inc()
	}
	return nil
}
