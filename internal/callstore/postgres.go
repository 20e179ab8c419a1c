package callstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the voice_calls table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_calls (
    id         TEXT PRIMARY KEY,
    stream_sid TEXT NOT NULL,
    call_sid   TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ,
    outcome    TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_voice_calls_started ON voice_calls(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_voice_calls_stream ON voice_calls(stream_sid);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// voice_calls table and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("callstore: migrate: %w", err)
	}
	return nil
}

// Begin inserts a record for a call that just connected.
func (s *PostgresStore) Begin(ctx context.Context, rec *CallRecord) error {
	if rec.ID == "" {
		return errors.New("callstore: record id must not be empty")
	}
	if rec.StreamSID == "" {
		return errors.New("callstore: stream sid must not be empty")
	}

	const query = `
		INSERT INTO voice_calls (id, stream_sid, call_sid)
		VALUES ($1, $2, $3)
		RETURNING started_at`

	err := s.db.QueryRow(ctx, query, rec.ID, rec.StreamSID, rec.CallSID).Scan(&rec.StartedAt)
	if err != nil {
		return fmt.Errorf("callstore: begin: %w", err)
	}
	return nil
}

// Finish marks the call as ended with the given outcome.
func (s *PostgresStore) Finish(ctx context.Context, id, outcome, detail string) error {
	const query = `
		UPDATE voice_calls
		SET ended_at = now(), outcome = $2, detail = $3
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, outcome, detail)
	if err != nil {
		return fmt.Errorf("callstore: finish %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("callstore: call record %q not found", id)
	}
	return nil
}

// Get retrieves a call record by ID. It returns (nil, nil) if no record with
// the given ID exists.
func (s *PostgresStore) Get(ctx context.Context, id string) (*CallRecord, error) {
	const query = `
		SELECT id, stream_sid, call_sid, started_at, ended_at, outcome, detail
		FROM voice_calls
		WHERE id = $1`

	var rec CallRecord
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.StreamSID, &rec.CallSID,
		&rec.StartedAt, &rec.EndedAt, &rec.Outcome, &rec.Detail,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("callstore: get %q: %w", id, err)
	}
	return &rec, nil
}

// Recent returns up to limit call records, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, stream_sid, call_sid, started_at, ended_at, outcome, detail
		FROM voice_calls
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("callstore: recent: %w", err)
	}
	defer rows.Close()

	var recs []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(
			&rec.ID, &rec.StreamSID, &rec.CallSID,
			&rec.StartedAt, &rec.EndedAt, &rec.Outcome, &rec.Detail,
		); err != nil {
			return nil, fmt.Errorf("callstore: scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: iterate records: %w", err)
	}
	return recs, nil
}
