package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// WebhookHandler accepts upstream event notifications. The HMAC check runs
// over the raw body before any parsing, so unauthenticated payloads are
// never decoded.
type WebhookHandler struct {
	Secret string
	// OnBoardEvent is invoked with the board id of an accepted event; the
	// pipeline uses it to schedule a snapshot refresh.
	OnBoardEvent func(boardID, userID string)
	// OnTagEvent applies tag_added/tag_removed events to the board shadow.
	OnTagEvent func(ctx context.Context, event, boardID, tag string) error
}

type webhookEvent struct {
	Event   string `json:"event"`
	BoardID string `json:"board_id"`
	UserID  string `json:"user_id"`
	Tag     string `json:"tag,omitempty"`
	// Challenge echoes the upstream endpoint verification handshake.
	Challenge string `json:"challenge,omitempty"`
}

// Handle verifies X-Miro-Signature and acknowledges the event with 202.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_payload", Message: "unreadable body"})
		return
	}
	if !h.verify(body, r.Header.Get("X-Miro-Signature")) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Code: "bad_signature", Message: "signature mismatch"})
		return
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_payload", Message: "invalid json"})
		return
	}
	if ev.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": ev.Challenge})
		return
	}
	if ev.Tag != "" && h.OnTagEvent != nil {
		if err := h.OnTagEvent(r.Context(), ev.Event, ev.BoardID, ev.Tag); err != nil {
			slog.Warn("tag event not applied", slog.String("event", ev.Event), slog.Any("error", err))
		}
	}
	if ev.BoardID != "" && h.OnBoardEvent != nil {
		h.OnBoardEvent(ev.BoardID, ev.UserID)
	}
	slog.Debug("webhook accepted", slog.String("event", ev.Event), slog.String("board_id", ev.BoardID))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if h.Secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
