package state

import (
	"context"
	"database/sql"
	"sync"
)

// RunState is the pipeline's bookkeeping store: a small key/value area plus
// per-archive and per-shard progress rows. It exists so an interrupted run
// can report what it had finished and so operators can inspect past runs
// with plain SQL. A single writer owns the embedded database; the mutex
// serializes writes from the stage pools.
type RunState struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRunState(db *sql.DB) *RunState { return &RunState{db: db} }

func (s *RunState) Ensure(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TIMESTAMP NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS pipeline_archives (
  name TEXT PRIMARY KEY,
  table_name TEXT NOT NULL,
  size_bytes BIGINT NOT NULL DEFAULT 0,
  downloaded BOOLEAN NOT NULL DEFAULT false,
  extracted BOOLEAN NOT NULL DEFAULT false,
  error TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMP NOT NULL DEFAULT now()
);`,
		`CREATE TABLE IF NOT EXISTS pipeline_shards (
  part TEXT PRIMARY KEY,
  table_name TEXT NOT NULL,
  rows_written BIGINT NOT NULL DEFAULT 0,
  rows_malformed BIGINT NOT NULL DEFAULT 0,
  rows_duplicated BIGINT NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMP NOT NULL DEFAULT now()
);`,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *RunState) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pipeline_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RunState) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_meta(key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = now()
`, key, value)
	return err
}

// RecordArchive registers an archive's download outcome.
func (s *RunState) RecordArchive(ctx context.Context, name, table string, size int64, downloaded bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_archives(name, table_name, size_bytes, downloaded, error)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
  table_name = excluded.table_name,
  size_bytes = excluded.size_bytes,
  downloaded = excluded.downloaded,
  error = excluded.error,
  updated_at = now()
`, name, table, size, downloaded, errMsg)
	return err
}

// MarkExtracted flips an archive's extracted flag.
func (s *RunState) MarkExtracted(ctx context.Context, name string, ok bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_archives SET extracted = ?, error = ?, updated_at = now() WHERE name = ?
`, ok, errMsg, name)
	return err
}

// Shard statuses recorded in pipeline_shards.
const (
	ShardConverted = "converted"
	ShardResumed   = "resumed"
	ShardExcluded  = "excluded"
)

// RecordShard registers one shard's conversion outcome.
func (s *RunState) RecordShard(ctx context.Context, part, table string, rows, malformed, duplicated int64, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_shards(part, table_name, rows_written, rows_malformed, rows_duplicated, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (part) DO UPDATE SET
  table_name = excluded.table_name,
  rows_written = excluded.rows_written,
  rows_malformed = excluded.rows_malformed,
  rows_duplicated = excluded.rows_duplicated,
  status = excluded.status,
  error = excluded.error,
  updated_at = now()
`, part, table, rows, malformed, duplicated, status, errMsg)
	return err
}

// ShardCounts returns how many shards of a table hold each status.
func (s *RunState) ShardCounts(ctx context.Context, table string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM pipeline_shards WHERE table_name = ? GROUP BY status
`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
