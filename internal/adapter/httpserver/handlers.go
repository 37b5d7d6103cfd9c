package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fenrick/miro-bridge/internal/domain"
	"github.com/fenrick/miro-bridge/internal/usecase"
)

// Server carries the application services the handlers call.
type Server struct {
	Batch  *usecase.BatchService
	Jobs   *usecase.JobService
	Cache  *usecase.CacheService
	Limits *usecase.LimitsService
	Logs   *usecase.LogService
	Boards *usecase.BoardService
	DLQ    domain.DeadLetterReader
	OAuth  *OAuthHandler
	Hook   *WebhookHandler

	// MaxBodyBytes bounds request bodies before JSON decoding.
	MaxBodyBytes int64
}

// SubmitBatch accepts a change batch and returns 202 with the job handle.
// The caller identity comes from X-User-Id; dedup from Idempotency-Key.
func (s *Server) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req usecase.BatchRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.Batch.Submit(r.Context(), r.Header.Get("X-User-Id"), r.Header.Get("Idempotency-Key"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusAccepted, resp)
}

// GetJob reports a job aggregate with its recorded operation results.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         j.ID,
		"status":     j.Status,
		"results":    j.Results,
		"updated_at": j.UpdatedAt,
	})
}

// GetBoardCache serves the latest board snapshot.
func (s *Server) GetBoardCache(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.Cache.Board(r.Context(), chi.URLParam(r, "board_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, http.StatusOK, snapshot)
}

// GetLimits reports queue depth and per-user pacing state.
func (s *Server) GetLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.Limits.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// IngestLogs forwards client log entries into the server log.
func (s *Server) IngestLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []usecase.LogEntry `json:"entries"`
	}
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	accepted, err := s.Logs.Ingest(r.Context(), req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// GetDeadLetters lists the newest terminally-failed tasks for inspection.
func (s *Server) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	tasks, err := s.DLQ.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":         t.ID,
			"kind":       t.Kind,
			"payload":    json.RawMessage(t.Payload),
			"user_id":    t.UserID,
			"error":      t.Error,
			"created_at": t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// GetBoardShapes lists the local shadow of a board's shapes.
func (s *Server) GetBoardShapes(w http.ResponseWriter, r *http.Request) {
	shapes, err := s.Boards.Shapes(r.Context(), chi.URLParam(r, "board_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shapes": shapes})
}

// GetBoardTags lists the tags recorded for a board.
func (s *Server) GetBoardTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.Boards.Tags(r.Context(), chi.URLParam(r, "board_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// Healthz is the liveness probe.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("op=http.decode: body exceeds %d bytes: %w", limit, domain.ErrPayloadTooLarge)
		}
		return fmt.Errorf("op=http.decode: %s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	return nil
}
