// Package archive persists completed conversation turns to PostgreSQL.
//
// The archive is a best-effort sink for the live conversation log: writes are
// issued from a background goroutine per session and a failed write never
// affects the pipeline. The in-memory log stays authoritative for generation
// context; the archive exists for after-the-fact review and analytics.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocata-ai/vocata/internal/convo"
	"github.com/vocata-ai/vocata/pkg/provider/gen"
)

// Compile-time interface check.
var _ convo.Sink = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id           UUID         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    speaker      TEXT         NOT NULL,
    text         TEXT         NOT NULL DEFAULT '',
    sample_count BIGINT       NOT NULL DEFAULT 0,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_session
    ON conversation_turns (session_id, created_at);
`

// Store is a PostgreSQL-backed turn archive sharing a single [pgxpool.Pool].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Archive implements [convo.Sink]. All turns of one batch are written in a
// single transaction so an exchange is archived whole or not at all.
func (s *Store) Archive(ctx context.Context, sessionID string, turns []convo.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	const q = `
		INSERT INTO conversation_turns
		    (id, session_id, speaker, text, sample_count, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range turns {
		_, err := tx.Exec(ctx, q,
			t.ID,
			sessionID,
			string(t.Speaker),
			t.Text,
			t.SampleCount,
			t.Duration.Nanoseconds(),
			t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("archive: insert turn %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Recent returns the turns of sessionID created within the given window,
// oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, window time.Duration) ([]convo.Turn, error) {
	const q = `
		SELECT id, speaker, text, sample_count, duration_ns, created_at
		FROM   conversation_turns
		WHERE  session_id = $1
		  AND  created_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	return collectTurns(rows)
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectTurns(rows pgx.Rows) ([]convo.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (convo.Turn, error) {
		var (
			t          convo.Turn
			speaker    string
			durationNS int64
		)
		if err := row.Scan(&t.ID, &speaker, &t.Text, &t.SampleCount, &durationNS, &t.CreatedAt); err != nil {
			return convo.Turn{}, err
		}
		t.Speaker = gen.Speaker(speaker)
		t.Duration = time.Duration(durationNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if turns == nil {
		turns = []convo.Turn{}
	}
	return turns, nil
}
