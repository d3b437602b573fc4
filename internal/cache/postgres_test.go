//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupCache(t *testing.T) *PostgresCache {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	cache, err := NewPostgresCache(ctx, url)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	return cache
}

func TestPostgresCache_RoundTrip(t *testing.T) {
	cache := setupCache(t)
	ctx := context.Background()

	embedding := []float32{0.1, 0.2, 0.3, 0.4}

	if _, ok, err := cache.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := cache.Put(ctx, "key1", embedding); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := cache.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != len(embedding) {
		t.Fatalf("expected %d dims, got %d", len(embedding), len(got))
	}
	for i := range embedding {
		if got[i] != embedding[i] {
			t.Errorf("dim %d: expected %f, got %f", i, embedding[i], got[i])
		}
	}
}

func TestPostgresCache_DuplicatePutIsNoop(t *testing.T) {
	cache := setupCache(t)
	ctx := context.Background()

	if err := cache.Put(ctx, "key1", []float32{1, 0}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := cache.Put(ctx, "key1", []float32{0, 1}); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, ok, err := cache.Get(ctx, "key1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got[0] != 1 {
		t.Error("duplicate put must not overwrite the original embedding")
	}

	n, err := cache.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}
