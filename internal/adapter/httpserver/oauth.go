package httpserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fenrick/miro-bridge/internal/domain"
	"github.com/fenrick/miro-bridge/internal/service/tokens"
)

// OAuthHandler runs the authorization-code flow against the upstream. The
// state parameter is nonce:user:signature, HMAC-signed with the client
// secret so the callback can reject forged or replant states without
// server-side session storage.
type OAuthHandler struct {
	OAuth        domain.OAuthClient
	Users        domain.UserRepository
	Tokens       *tokens.Manager
	AuthBase     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
}

// Login redirects the browser to the upstream consent page with a signed
// state bound to the requesting user.
func (h *OAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-Id")
	}
	if userID == "" {
		writeError(w, fmt.Errorf("op=oauth.login: missing user id: %w", domain.ErrInvalidArgument))
		return
	}
	state, err := h.signState(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {h.ClientID},
		"redirect_uri":  {h.RedirectURI},
		"scope":         {h.Scope},
		"state":         {state},
	}
	http.Redirect(w, r, h.AuthBase+"?"+q.Encode(), http.StatusTemporaryRedirect)
}

// Callback verifies the signed state, exchanges the code, seals the token
// pair, and stores the user before bouncing back to the app shell.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	userID, ok := h.verifyState(state)
	if !ok || code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_state", Message: "missing or invalid oauth state"})
		return
	}
	tok, err := h.OAuth.ExchangeCode(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	if tok.UserID != "" {
		userID = tok.UserID
	}
	sealedAccess, sealedRefresh, err := h.Tokens.SealPair(tok.AccessToken, tok.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	u := domain.User{
		UserID:       userID,
		AccessToken:  sealedAccess,
		RefreshToken: sealedRefresh,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := h.Users.Upsert(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("oauth connected", slog.String("user_id", userID))
	http.Redirect(w, r, "/app.html", http.StatusTemporaryRedirect)
}

func (h *OAuthHandler) signState(userID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("op=oauth.state: %w", err)
	}
	n := hex.EncodeToString(nonce)
	return n + ":" + userID + ":" + h.stateSig(n, userID), nil
}

func (h *OAuthHandler) verifyState(state string) (string, bool) {
	parts := strings.SplitN(state, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	want := h.stateSig(parts[0], parts[1])
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return "", false
	}
	return parts[1], true
}

func (h *OAuthHandler) stateSig(nonce, userID string) string {
	mac := hmac.New(sha256.New, []byte(h.ClientSecret))
	mac.Write([]byte(nonce + ":" + userID))
	return hex.EncodeToString(mac.Sum(nil))
}
