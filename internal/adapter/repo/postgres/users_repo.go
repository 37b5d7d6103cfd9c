package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// UserRepo persists upstream OAuth credentials. Token columns hold sealed
// bytes; sealing happens in the tokens service.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Get loads a user by external id.
func (r *UserRepo) Get(ctx domain.Context, userID string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	const q = `SELECT user_id, name, access_token, refresh_token, expires_at FROM users WHERE user_id=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&u.UserID, &u.Name, &u.AccessToken, &u.RefreshToken, &u.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// Upsert stores a user, replacing credentials on conflict.
func (r *UserRepo) Upsert(ctx domain.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	const q = `INSERT INTO users (user_id, name, access_token, refresh_token, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at`
	if _, err := r.Pool.Exec(ctx, q, u.UserID, u.Name, u.AccessToken, u.RefreshToken, u.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("op=user.upsert: %w", err)
	}
	return nil
}

// UpdateTokens replaces the sealed credentials after a refresh.
func (r *UserRepo) UpdateTokens(ctx domain.Context, userID string, access, refresh []byte, expiresAt time.Time) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.UpdateTokens")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET access_token=$2, refresh_token=$3, expires_at=$4 WHERE user_id=$1`,
		userID, access, refresh, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("op=user.update_tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.update_tokens: %w", domain.ErrNotFound)
	}
	return nil
}
