package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// CacheRepo persists board snapshots. Writes are last-writer-wins; reads
// ignore rows older than the TTL.
type CacheRepo struct {
	Pool PgxPool
	TTL  time.Duration
}

// NewCacheRepo constructs a repo with the given entry TTL.
func NewCacheRepo(p PgxPool, ttl time.Duration) *CacheRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CacheRepo{Pool: p, TTL: ttl}
}

// Get loads an unexpired snapshot by key.
func (r *CacheRepo) Get(ctx domain.Context, key string) (domain.CacheEntry, error) {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.Get")
	defer span.End()
	cutoff := time.Now().UTC().Add(-r.TTL)
	var e domain.CacheEntry
	err := r.Pool.QueryRow(ctx, `SELECT key, value, created_at FROM cache_entries WHERE key=$1 AND created_at >= $2`, key, cutoff).
		Scan(&e.Key, &e.Value, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CacheEntry{}, fmt.Errorf("op=cache.get: %w", domain.ErrNotFound)
		}
		return domain.CacheEntry{}, fmt.Errorf("op=cache.get: %w", err)
	}
	return e, nil
}

// Put stores value under key, replacing any previous snapshot.
func (r *CacheRepo) Put(ctx domain.Context, key string, value json.RawMessage) error {
	tracer := otel.Tracer("repo.cache")
	ctx, span := tracer.Start(ctx, "cache.Put")
	defer span.End()
	const q = `INSERT INTO cache_entries (key, value, created_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at`
	if _, err := r.Pool.Exec(ctx, q, key, []byte(value), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=cache.put: %w", err)
	}
	return nil
}

// PurgeExpired deletes snapshots older than the TTL and reports the count.
func (r *CacheRepo) PurgeExpired(ctx domain.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.TTL)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM cache_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=cache.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
