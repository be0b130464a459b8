// Package postgres implements the activity store on Postgres with a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/events"
	"example.com/fittrack/internal/persistence"
)

// DB is the subset of *pgxpool.Pool used by the repository.
type DB interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const activityColumns = `activity_id, user_id, name, distance_m, duration_sec, started_at, ended_at, notes,
        is_tracking, tracking_started_at, current_distance_km, created_at, updated_at`

// The advisory lock serializes transactions of one user even when no row exists yet to lock.
const lockUserSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

const uniqueViolation = "23505"

// Repository provides Postgres-backed persistence for activities and outbox events.
type Repository struct {
	db DB
}

// NewRepository constructs a Repository.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// WithinUserTx runs fn in a transaction holding the user's advisory lock.
func (r *Repository) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx domain.UserTx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, lockUserSQL, userID); err != nil {
		return err
	}
	if err = fn(ctx, &userTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

// ListByUser returns activities for a user ordered by started_at desc.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	limit = persistence.ClampLimit(limit)
	args := []any{userID, limit + 1}
	query := `SELECT ` + activityColumns + `
        FROM activities WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (started_at, activity_id) < ($3, $4)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}

	query += ` ORDER BY started_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit+1)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return persistence.Page(results, limit)
}

// FindActiveByUser returns the user's open session without locking it.
func (r *Repository) FindActiveByUser(ctx context.Context, userID string) (*domain.Activity, error) {
	row := r.db.QueryRow(ctx, `SELECT `+activityColumns+`
        FROM activities WHERE user_id=$1 AND is_tracking`, userID)
	return scanOptional(row)
}

type userTx struct {
	tx     pgx.Tx
	userID string
}

func (t *userTx) FindActive(ctx context.Context) (*domain.Activity, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+activityColumns+`
        FROM activities WHERE user_id=$1 AND is_tracking FOR UPDATE`, t.userID)
	return scanOptional(row)
}

func (t *userTx) Insert(ctx context.Context, a domain.Activity) error {
	const stmt = `INSERT INTO activities (` + activityColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := t.tx.Exec(ctx, stmt,
		a.ID,
		t.userID,
		a.Name,
		a.DistanceM,
		a.DurationSec,
		a.StartedAt,
		a.EndedAt,
		a.Notes,
		a.IsTracking,
		a.TrackingStartedAt,
		a.CurrentDistanceKm,
		a.CreatedAt,
		a.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (t *userTx) Update(ctx context.Context, a domain.Activity) error {
	const stmt = `UPDATE activities SET name=$3, distance_m=$4, duration_sec=$5, ended_at=$6, notes=$7,
        is_tracking=$8, tracking_started_at=$9, current_distance_km=$10, updated_at=$11
        WHERE activity_id=$1 AND user_id=$2`

	tag, err := t.tx.Exec(ctx, stmt,
		a.ID,
		t.userID,
		a.Name,
		a.DistanceM,
		a.DurationSec,
		a.EndedAt,
		a.Notes,
		a.IsTracking,
		a.TrackingStartedAt,
		a.CurrentDistanceKm,
		a.UpdatedAt,
	)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

func (t *userTx) Delete(ctx context.Context, activityID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM activities WHERE activity_id=$1 AND user_id=$2`, activityID, t.userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

func (t *userTx) AppendEvent(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type: %s", event.Type)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, user_id, event_type, topic, partition_key, payload, dedupe_key, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = t.tx.Exec(ctx, stmt,
		"activity",
		event.ActivityID,
		event.UserID,
		event.Type,
		meta.Topic,
		meta.PartitionKeyFn(event),
		body,
		fmt.Sprintf("%s:%s", event.ActivityID, event.Type),
		event.OccurredAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner) (domain.Activity, error) {
	var a domain.Activity
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Name,
		&a.DistanceM,
		&a.DurationSec,
		&a.StartedAt,
		&a.EndedAt,
		&a.Notes,
		&a.IsTracking,
		&a.TrackingStartedAt,
		&a.CurrentDistanceKm,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return domain.Activity{}, err
	}
	a.StartedAt = a.StartedAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if a.EndedAt != nil {
		ended := a.EndedAt.UTC()
		a.EndedAt = &ended
	}
	if a.TrackingStartedAt != nil {
		started := a.TrackingStartedAt.UTC()
		a.TrackingStartedAt = &started
	}
	return a, nil
}

func scanOptional(row pgx.Row) (*domain.Activity, error) {
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// mapWriteErr turns a violation of the one-open-session index into ErrSessionActive.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "activities_one_open_session" {
		return domain.ErrSessionActive
	}
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	PartitionKeyFn func(domain.Event) string
}

// Topics written by the outbox.
const (
	TopicActivityEvents = "activity_events"
	TopicTrackingEvents = "tracking_events"
)

func byUser(e domain.Event) string { return e.UserID }

var eventCatalog = map[string]EventMetadata{
	events.TypeActivityCreated:     {Topic: TopicActivityEvents, PartitionKeyFn: byUser},
	events.TypeActivityDeleted:     {Topic: TopicActivityEvents, PartitionKeyFn: byUser},
	events.TypeTrackingStarted:     {Topic: TopicTrackingEvents, PartitionKeyFn: byUser},
	events.TypeTrackingFinalized:   {Topic: TopicTrackingEvents, PartitionKeyFn: byUser},
	events.TypeTrackingDeactivated: {Topic: TopicTrackingEvents, PartitionKeyFn: byUser},
}
