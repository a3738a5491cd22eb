package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PgVectorStore implements VectorStore on a Postgres table with the
// pgvector extension, one table per collection. Useful when collections
// outgrow the embedded store or need to be shared across processes.
type PgVectorStore struct {
	db         *sqlx.DB
	table      string
	dimensions int
}

// OpenPgVectorStore connects to Postgres and ensures the collection
// table exists. The collection name becomes part of the table name, so
// it must be one of the fixed record types.
func OpenPgVectorStore(dsn, collection string, dimensions int) (*PgVectorStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PgVectorStore{
		db:         db,
		table:      "semindex_" + collection,
		dimensions: dimensions,
	}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PgVectorStore) ensureSchema() error {
	if _, err := s.db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id  TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL
		)`, s.table, s.dimensions)
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts or replaces the vector for a chunk.
func (s *PgVectorStore) Upsert(ctx context.Context, chunkID string, vector []float32) error {
	if len(vector) != s.dimensions {
		return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vector), s.dimensions)
	}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, embedding) VALUES ($1, $2)
		ON CONFLICT (chunk_id) DO UPDATE SET embedding = EXCLUDED.embedding`, s.table)
	normalized := Normalize(append([]float32(nil), vector...))
	if _, err := s.db.ExecContext(ctx, stmt, chunkID, pgvector.NewVector(normalized)); err != nil {
		return fmt.Errorf("upsert chunk %s: %w", chunkID, err)
	}
	return nil
}

// Remove deletes the given chunk ids.
func (s *PgVectorStore) Remove(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE chunk_id = ANY($1)`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt, pq.Array(chunkIDs)); err != nil {
		return fmt.Errorf("remove chunks: %w", err)
	}
	return nil
}

// Get returns the stored vector for a chunk.
func (s *PgVectorStore) Get(ctx context.Context, chunkID string) ([]float32, error) {
	stmt := fmt.Sprintf(`SELECT embedding FROM %s WHERE chunk_id = $1`, s.table)
	var vec pgvector.Vector
	if err := s.db.QueryRowContext(ctx, stmt, chunkID).Scan(&vec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chunk %s: %w", chunkID, err)
	}
	return vec.Slice(), nil
}

// Search runs a cosine-distance query (the <=> operator) and maps
// distances to [0,1] scores.
func (s *PgVectorStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	normalized := Normalize(append([]float32(nil), query...))
	stmt := fmt.Sprintf(`
		SELECT chunk_id, embedding <=> $1 AS distance
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, s.table)

	rows, err := s.db.QueryContext(ctx, stmt, pgvector.NewVector(normalized), k)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		// Cosine distance is 1 - cos.
		hits = append(hits, Hit{ChunkID: id, Score: CosineScore(1 - distance)})
	}
	return hits, rows.Err()
}

// Count returns the number of stored vectors.
func (s *PgVectorStore) Count(ctx context.Context) (int, error) {
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	var count int
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

// Flush is a no-op; Postgres persists per statement.
func (s *PgVectorStore) Flush(ctx context.Context) error { return nil }

// Close closes the database connection.
func (s *PgVectorStore) Close() error {
	return s.db.Close()
}

var _ VectorStore = (*PgVectorStore)(nil)
