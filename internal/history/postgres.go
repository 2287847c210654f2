package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Schema creates the predictions table. The distribution column has no
// fixed dimension because the category count belongs to the training run.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS predictions (
    id            UUID         PRIMARY KEY,
    run_id        TEXT         NOT NULL DEFAULT '',
    source        TEXT         NOT NULL DEFAULT '',
    emotion       TEXT         NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL,
    probabilities JSONB        NOT NULL DEFAULT '{}',
    distribution  vector       NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_predictions_run_id ON predictions (run_id);
`

// PostgresStore is a [Store] backed by PostgreSQL with the pgvector
// extension.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore migrates the schema on a dedicated connection, then opens
// a pool that registers the pgvector types on every connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate applies [Schema]. The vector type must exist before pooled
// connections can register it, so this runs on a plain connection.
func Migrate(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("history: connect: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Record implements [Store].
func (s *PostgresStore) Record(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO predictions
		    (id, run_id, source, emotion, confidence, probabilities, distribution, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, q,
		e.ID, e.RunID, e.Source, e.Emotion, e.Confidence,
		e.Probabilities, pgvector.NewVector(e.Distribution), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	const q = `
		SELECT id::text, run_id, source, emotion, confidence, probabilities, distribution, created_at
		FROM   predictions
		ORDER  BY created_at DESC, id
		LIMIT  $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e   Entry
			vec pgvector.Vector
		)
		err := row.Scan(&e.ID, &e.RunID, &e.Source, &e.Emotion, &e.Confidence, &e.Probabilities, &vec, &e.CreatedAt)
		e.Distribution = vec.Slice()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return out, nil
}

// Similar implements [Store]. Rows of a different dimension are filtered
// out before the distance is computed. pgvector yields NaN for zero
// vectors; those rows are reported at distance 2 like [MemStore] does.
func (s *PostgresStore) Similar(ctx context.Context, dist []float32, limit int) ([]Match, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	if len(dist) == 0 {
		return nil, ErrDimension
	}
	const q = `
		SELECT id::text, run_id, source, emotion, confidence, probabilities, distribution, created_at,
		       distance
		FROM (
		    SELECT *, COALESCE(NULLIF(distribution <=> $1, 'NaN'::float8), 2) AS distance
		    FROM   predictions
		    WHERE  vector_dims(distribution) = $2
		) AS candidates
		ORDER  BY distance, created_at DESC
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(dist), len(dist), limit)
	if err != nil {
		return nil, fmt.Errorf("history: similar: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Match, error) {
		var (
			m   Match
			vec pgvector.Vector
		)
		err := row.Scan(&m.ID, &m.RunID, &m.Source, &m.Emotion, &m.Confidence, &m.Probabilities, &vec, &m.CreatedAt, &m.Distance)
		m.Distribution = vec.Slice()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: similar: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
