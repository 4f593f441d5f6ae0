// Package pgstore is a durable statecache.Store backed by PostgreSQL via
// github.com/jackc/pgx/v5, grounded on codeready-toolchain/tarsy's use of
// pgx/v5 as its sole SQL driver for run state. The table is created
// idempotently on Open rather than through a migration tool (see
// DESIGN.md): one hand-rolled table does not warrant wiring a migration
// framework.
package pgstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ai-designing/cadorch/internal/statecache"
)

func nanoTimestamp(nanos int64) time.Time { return time.Unix(0, nanos) }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS cad_orchestrator_state (
	session_id      TEXT NOT NULL,
	checkpoint_name TEXT NOT NULL,
	ts              BIGINT NOT NULL,
	blob            JSONB NOT NULL,
	digest          TEXT NOT NULL,
	PRIMARY KEY (session_id, checkpoint_name, ts)
);
CREATE INDEX IF NOT EXISTS cad_orchestrator_state_session_ts_idx
	ON cad_orchestrator_state (session_id, ts DESC);
`

// Store persists snapshots in a single Postgres table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the backing table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Put inserts a snapshot. Session/name/timestamp triples are unique, so a
// re-delivered write is a harmless no-op conflict.
func (s *Store) Put(ctx context.Context, rec statecache.Record) error {
	blobJSON, err := json.Marshal(rec.Blob)
	if err != nil {
		return fmt.Errorf("pgstore: marshal blob: %w", err)
	}
	digest := rec.Digest
	if digest == "" {
		sum := sha256.Sum256(blobJSON)
		digest = fmt.Sprintf("%x", sum)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cad_orchestrator_state (session_id, checkpoint_name, ts, blob, digest)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, checkpoint_name, ts) DO NOTHING`,
		rec.SessionID, rec.Name, rec.Timestamp.UnixNano(), blobJSON, digest)
	if err != nil {
		return fmt.Errorf("pgstore: insert: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for a session.
func (s *Store) Latest(ctx context.Context, sessionID string) (statecache.Record, bool, error) {
	recs, err := s.History(ctx, sessionID, 1)
	if err != nil {
		return statecache.Record{}, false, err
	}
	if len(recs) == 0 {
		return statecache.Record{}, false, nil
	}
	return recs[0], true, nil
}

// History returns up to limit snapshots for a session, newest first.
// limit <= 0 means unbounded.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]statecache.Record, error) {
	query := `
		SELECT checkpoint_name, ts, blob, digest
		FROM cad_orchestrator_state
		WHERE session_id = $1
		ORDER BY ts DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query history: %w", err)
	}
	defer rows.Close()

	var out []statecache.Record
	for rows.Next() {
		var (
			name   string
			tsNano int64
			blob   []byte
			digest string
		)
		if err := rows.Scan(&name, &tsNano, &blob, &digest); err != nil {
			return nil, fmt.Errorf("pgstore: scan row: %w", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(blob, &decoded); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal blob: %w", err)
		}
		out = append(out, statecache.Record{
			SessionID: sessionID,
			Name:      name,
			Blob:      decoded,
			Digest:    digest,
			Timestamp: nanoTimestamp(tsNano),
		})
	}
	return out, rows.Err()
}

// Purge deletes all rows for a session.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM cad_orchestrator_state WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("pgstore: purge: %w", err)
	}
	return nil
}
