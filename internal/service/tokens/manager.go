package tokens

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/domain"
)

// Manager resolves valid access tokens, refreshing near-expiry credentials.
// A per-user mutex serialises refreshes so concurrent callers trigger at
// most one upstream refresh per user.
type Manager struct {
	users  domain.UserRepository
	oauth  domain.OAuthClient
	sealer *Sealer
	margin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a Manager. margin is how long before expiry a token is
// treated as stale.
func NewManager(users domain.UserRepository, oauth domain.OAuthClient, sealer *Sealer, margin time.Duration) *Manager {
	if margin <= 0 {
		margin = 30 * time.Second
	}
	return &Manager{
		users:  users,
		oauth:  oauth,
		sealer: sealer,
		margin: margin,
		locks:  map[string]*sync.Mutex{},
	}
}

// SealPair encrypts a token pair for storage.
func (m *Manager) SealPair(access, refresh string) ([]byte, []byte, error) {
	a, err := m.sealer.Seal([]byte(access))
	if err != nil {
		return nil, nil, err
	}
	r, err := m.sealer.Seal([]byte(refresh))
	if err != nil {
		return nil, nil, err
	}
	return a, r, nil
}

// GetValidAccessToken returns a plaintext access token for userID, refreshing
// it first when within the expiry margin.
func (m *Manager) GetValidAccessToken(ctx domain.Context, userID string) (string, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	u, err := m.users.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("op=tokens.GetValidAccessToken: %w", err)
	}
	if time.Until(u.ExpiresAt) > m.margin {
		access, err := m.sealer.Open(u.AccessToken)
		if err != nil {
			return "", fmt.Errorf("op=tokens.GetValidAccessToken: %w", err)
		}
		return string(access), nil
	}
	return m.refreshLocked(ctx, u)
}

func (m *Manager) refreshLocked(ctx domain.Context, u domain.User) (string, error) {
	refresh, err := m.sealer.Open(u.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("op=tokens.refresh: %w", err)
	}
	tok, err := m.oauth.RefreshToken(ctx, string(refresh))
	if err != nil {
		observability.TokenRefreshTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("op=tokens.refresh user=%s: %w", u.UserID, err)
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		// Some providers rotate refresh tokens only sometimes.
		newRefresh = string(refresh)
	}
	sealedAccess, sealedRefresh, err := m.SealPair(tok.AccessToken, newRefresh)
	if err != nil {
		return "", fmt.Errorf("op=tokens.refresh: %w", err)
	}
	expiresAt := time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := m.users.UpdateTokens(ctx, u.UserID, sealedAccess, sealedRefresh, expiresAt); err != nil {
		return "", fmt.Errorf("op=tokens.refresh: %w", err)
	}
	observability.TokenRefreshTotal.WithLabelValues("ok").Inc()
	slog.Debug("refreshed access token", slog.String("user_id", u.UserID), slog.Time("expires_at", expiresAt))
	return tok.AccessToken, nil
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}
