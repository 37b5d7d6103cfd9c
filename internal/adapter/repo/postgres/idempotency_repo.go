package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// IdempotencyRepo is the persistent tier of the idempotency cache. The
// first stored response under a key wins; later stores are no-ops so
// replays stay byte-identical.
type IdempotencyRepo struct {
	Pool PgxPool
	TTL  time.Duration
}

// NewIdempotencyRepo constructs a repo with the given row TTL.
func NewIdempotencyRepo(p PgxPool, ttl time.Duration) *IdempotencyRepo {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &IdempotencyRepo{Pool: p, TTL: ttl}
}

// Get returns the stored response for key if present and unexpired.
func (r *IdempotencyRepo) Get(ctx domain.Context, key string) ([]byte, error) {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Get")
	defer span.End()
	cutoff := time.Now().UTC().Add(-r.TTL)
	var response []byte
	err := r.Pool.QueryRow(ctx, `SELECT response FROM idempotency WHERE key=$1 AND created_at >= $2`, key, cutoff).Scan(&response)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=idempotency.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=idempotency.get: %w", err)
	}
	return response, nil
}

// Put persists response under key. Existing rows are kept untouched.
func (r *IdempotencyRepo) Put(ctx domain.Context, key string, response []byte) error {
	tracer := otel.Tracer("repo.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.Put")
	defer span.End()
	const q = `INSERT INTO idempotency (key, response, created_at) VALUES ($1,$2,$3) ON CONFLICT (key) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, key, response, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=idempotency.put: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows older than the TTL and reports the count.
func (r *IdempotencyRepo) PurgeExpired(ctx domain.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-r.TTL)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM idempotency WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=idempotency.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
