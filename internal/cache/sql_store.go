package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS semindex_query_cache (
	cache_key  TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

// SQLSharedStore is a Postgres-backed SharedStore so multiple processes
// serving the same index share one result cache.
type SQLSharedStore struct {
	db *sqlx.DB
}

// NewSQLSharedStore connects to Postgres and ensures the cache table
// exists.
func NewSQLSharedStore(ctx context.Context, dsn string) (*SQLSharedStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect shared cache: %w", err)
	}
	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &SQLSharedStore{db: db}, nil
}

// Get returns the payload for key if present and unexpired.
func (s *SQLSharedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM semindex_query_cache WHERE cache_key = $1 AND expires_at > NOW()`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Set upserts the payload under key with the given TTL.
func (s *SQLSharedStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO semindex_query_cache (cache_key, payload, expires_at)
		 VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		 ON CONFLICT (cache_key) DO UPDATE
		 SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		key, payload, int64(ttl.Seconds()))
	return err
}

// DeleteByPrefix removes every entry whose key starts with prefix.
func (s *SQLSharedStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM semindex_query_cache WHERE cache_key LIKE $1 || '%'`, prefix)
	return err
}

// Close releases the database handle.
func (s *SQLSharedStore) Close() error { return s.db.Close() }

var _ SharedStore = (*SQLSharedStore)(nil)
