// Package cache stores computed face embeddings in PostgreSQL so repeated
// and resumed runs do not have to call the face model again for crops it
// has already seen.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS face_embeddings (
	content_key TEXT PRIMARY KEY,
	embedding   vector NOT NULL,
	dim         INTEGER NOT NULL,
	created_at  TIMESTAMPTZ DEFAULT NOW()
);
`

// PostgresCache is an embedding cache keyed by crop content hash.
type PostgresCache struct {
	db *sql.DB
}

// NewPostgresCache opens the database, verifies the connection, and ensures
// the cache table exists.
func NewPostgresCache(ctx context.Context, url string) (*PostgresCache, error) {
	if url == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure cache schema: %w", err)
	}

	return &PostgresCache{db: db}, nil
}

// Get looks up an embedding by content key.
func (c *PostgresCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	var vec pgvector.Vector
	err := c.db.QueryRowContext(ctx,
		`SELECT embedding FROM face_embeddings WHERE content_key = $1`, key,
	).Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query embedding: %w", err)
	}
	return vec.Slice(), true, nil
}

// Put stores an embedding under the content key. Re-inserting the same key
// is a no-op; identical content always yields the same embedding.
func (c *PostgresCache) Put(ctx context.Context, key string, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO face_embeddings (content_key, embedding, dim)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_key) DO NOTHING
	`, key, vec, len(embedding))
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	return nil
}

// Count returns the number of cached embeddings.
func (c *PostgresCache) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM face_embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count embeddings: %w", err)
	}
	return n, nil
}

// Close closes the underlying connection pool.
func (c *PostgresCache) Close() error {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return fmt.Errorf("closing database connection: %w", err)
		}
	}
	return nil
}
