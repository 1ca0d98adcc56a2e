// Package index mirrors transcript segments into Postgres so they can be
// queried across sessions. The files on disk stay authoritative.
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS transcript_segments (
	session_id  TEXT             NOT NULL,
	seq         BIGINT           NOT NULL,
	start_sec   DOUBLE PRECISION NOT NULL,
	end_sec     DOUBLE PRECISION NOT NULL,
	text        TEXT             NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	language    TEXT             NOT NULL DEFAULT '',
	status      TEXT             NOT NULL,
	error_kind  TEXT             NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS transcript_segments_created ON transcript_segments (created_at);
`

// EnsureSchema creates the segment table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// likePattern escapes q for use inside an ILIKE '%...%' pattern.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}
