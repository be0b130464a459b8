// Package sqlite implements the activity store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/migrations"
	"example.com/fittrack/internal/persistence"
)

const activityColumns = `activity_id, user_id, name, distance_m, duration_sec, started_at, ended_at, notes,
        is_tracking, tracking_started_at, current_distance_km, created_at, updated_at`

// Store persists activities in a single SQLite file. The pool holds one
// connection, so transactions are serialized for every user.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.SQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithinUserTx runs fn inside a database transaction.
func (s *Store) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx domain.UserTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &userTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListByUser returns activities for a user ordered by started_at desc.
func (s *Store) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	limit = persistence.ClampLimit(limit)
	args := []any{userID}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE user_id = ?`
	if cursor != nil {
		query += ` AND (started_at < ? OR (started_at = ? AND activity_id < ?))`
		ts := cursor.StartedAt.UnixNano()
		args = append(args, ts, ts, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, activity_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Activity, 0, limit+1)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return persistence.Page(results, limit)
}

// FindActiveByUser returns the user's open session, or nil.
func (s *Store) FindActiveByUser(ctx context.Context, userID string) (*domain.Activity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE user_id = ? AND is_tracking = 1`, userID)
	return scanOptional(row)
}

type userTx struct {
	tx     *sql.Tx
	userID string
}

func (t *userTx) FindActive(ctx context.Context) (*domain.Activity, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE user_id = ? AND is_tracking = 1`, t.userID)
	return scanOptional(row)
}

func (t *userTx) Insert(ctx context.Context, a domain.Activity) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO activities (`+activityColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID,
		t.userID,
		a.Name,
		a.DistanceM,
		a.DurationSec,
		a.StartedAt.UnixNano(),
		nanosOrNull(a.EndedAt),
		stringOrNull(a.Notes),
		a.IsTracking,
		nanosOrNull(a.TrackingStartedAt),
		a.CurrentDistanceKm,
		a.CreatedAt.UnixNano(),
		a.UpdatedAt.UnixNano(),
	)
	return mapWriteErr(err)
}

func (t *userTx) Update(ctx context.Context, a domain.Activity) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE activities SET name = ?, distance_m = ?, duration_sec = ?, ended_at = ?, notes = ?,
        is_tracking = ?, tracking_started_at = ?, current_distance_km = ?, updated_at = ?
        WHERE activity_id = ? AND user_id = ?`,
		a.Name,
		a.DistanceM,
		a.DurationSec,
		nanosOrNull(a.EndedAt),
		stringOrNull(a.Notes),
		a.IsTracking,
		nanosOrNull(a.TrackingStartedAt),
		a.CurrentDistanceKm,
		a.UpdatedAt.UnixNano(),
		a.ID,
		t.userID,
	)
	if err != nil {
		return mapWriteErr(err)
	}
	return requireRow(res)
}

func (t *userTx) Delete(ctx context.Context, activityID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM activities WHERE activity_id = ? AND user_id = ?`, activityID, t.userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AppendEvent is a no-op: the embedded store has no outbox and events are only delivered from postgres.
func (t *userTx) AppendEvent(context.Context, domain.Event) error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner) (domain.Activity, error) {
	var (
		a                               domain.Activity
		startedAt, createdAt, updatedAt int64
		endedAt, trackingStartedAt      sql.NullInt64
		notes                           sql.NullString
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Name,
		&a.DistanceM,
		&a.DurationSec,
		&startedAt,
		&endedAt,
		&notes,
		&a.IsTracking,
		&trackingStartedAt,
		&a.CurrentDistanceKm,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Activity{}, err
	}
	a.StartedAt = fromNanos(startedAt)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	if endedAt.Valid {
		t := fromNanos(endedAt.Int64)
		a.EndedAt = &t
	}
	if trackingStartedAt.Valid {
		t := fromNanos(trackingStartedAt.Int64)
		a.TrackingStartedAt = &t
	}
	if notes.Valid {
		n := notes.String
		a.Notes = &n
	}
	return a, nil
}

func scanOptional(row *sql.Row) (*domain.Activity, error) {
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// mapWriteErr turns a violation of the one-open-session index into ErrSessionActive.
func mapWriteErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: activities.user_id") {
		return domain.ErrSessionActive
	}
	return err
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func stringOrNull(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
