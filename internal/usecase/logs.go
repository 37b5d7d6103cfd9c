package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// LogEntry is one client-side log record forwarded to the server log.
type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp string         `json:"timestamp,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// LogService forwards client log batches into the structured server log.
// Size limits are enforced before any entry is written, so an oversized
// batch leaves no partial trace.
type LogService struct {
	maxEntries int
	logger     *slog.Logger
}

// NewLogService wires a LogService capped at maxEntries per batch.
func NewLogService(maxEntries int) *LogService {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LogService{maxEntries: maxEntries, logger: slog.Default().With(slog.String("source", "client"))}
}

// Ingest writes the batch to the server log. Returns ErrPayloadTooLarge when
// the batch exceeds the entry cap.
func (s *LogService) Ingest(ctx domain.Context, entries []LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, fmt.Errorf("op=logs.Ingest: empty batch: %w", domain.ErrInvalidArgument)
	}
	if len(entries) > s.maxEntries {
		return 0, fmt.Errorf("op=logs.Ingest: %d entries exceed limit %d: %w", len(entries), s.maxEntries, domain.ErrPayloadTooLarge)
	}
	for _, e := range entries {
		attrs := []any{slog.String("client_ts", e.Timestamp)}
		if len(e.Context) > 0 {
			attrs = append(attrs, slog.Any("context", e.Context))
		}
		s.logger.Log(ctx, levelOf(e.Level), e.Message, attrs...)
	}
	return len(entries), nil
}

func levelOf(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
