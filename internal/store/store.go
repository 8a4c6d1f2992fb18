package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one journaled recognition exchange: a /single request, or a
// whole /streaming session.
type Entry struct {
	ID         int64
	RequestID  string
	Endpoint   string
	Frames     int
	Detections int
	Outcome    string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Store manages the PostgreSQL pool backing the recognition journal.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS recognitions (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			frames INT NOT NULL,
			detections INT NOT NULL,
			outcome TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS recognitions_created_at_idx ON recognitions (created_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Record appends an entry to the journal.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recognitions (request_id, endpoint, frames, detections, outcome, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.RequestID, e.Endpoint, e.Frames, e.Detections, e.Outcome, e.Duration.Milliseconds())
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, endpoint, frames, detections, outcome, duration_ms, created_at
		FROM recognitions
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		var ms int64
		err := row.Scan(&e.ID, &e.RequestID, &e.Endpoint, &e.Frames, &e.Detections, &e.Outcome, &ms, &e.CreatedAt)
		e.Duration = time.Duration(ms) * time.Millisecond
		return e, err
	})
}

// Reset drops the journal table.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS recognitions CASCADE;`)
	return err
}
