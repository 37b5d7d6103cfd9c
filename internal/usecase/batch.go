// Package usecase contains the application services behind the HTTP
// handlers: batch submission, job lookup, board cache reads, and queue
// introspection.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/fenrick/miro-bridge/internal/domain"
	"github.com/fenrick/miro-bridge/internal/service/idempotency"
)

// BatchOperation is one entry in a submitted batch. Type selects the task
// kind; the remaining fields are kind-specific.
type BatchOperation struct {
	Type    string          `json:"type" validate:"required"`
	NodeID  string          `json:"node_id,omitempty"`
	CardID  string          `json:"card_id,omitempty"`
	BoardID string          `json:"board_id,omitempty"`
	ShapeID string          `json:"shape_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// BatchRequest is the submit payload.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations" validate:"required,min=1"`
}

// BatchResponse acknowledges acceptance. Per-operation outcomes arrive via
// the job resource.
type BatchResponse struct {
	JobID    string `json:"job_id"`
	Enqueued int    `json:"enqueued"`
}

var kindByType = map[string]domain.TaskKind{
	"create_node":  domain.KindCreateNode,
	"update_card":  domain.KindUpdateCard,
	"create_shape": domain.KindCreateShape,
	"update_shape": domain.KindUpdateShape,
	"delete_shape": domain.KindDeleteShape,
}

// BatchService validates submissions, deduplicates by idempotency key, and
// fans operations out to the durable queue under one job.
type BatchService struct {
	queue    domain.TaskQueue
	jobs     domain.JobRepository
	idem     *idempotency.Cache
	validate *validator.Validate
	maxBatch int
}

// NewBatchService wires a BatchService. idem may be nil to disable
// deduplication.
func NewBatchService(queue domain.TaskQueue, jobs domain.JobRepository, idem *idempotency.Cache, maxBatch int) *BatchService {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &BatchService{
		queue:    queue,
		jobs:     jobs,
		idem:     idem,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxBatch: maxBatch,
	}
}

// Submit accepts a batch for userID. With a non-empty idempotencyKey, a
// repeat submission returns the stored first response byte-for-byte and
// enqueues nothing, regardless of body changes.
func (s *BatchService) Submit(ctx domain.Context, userID, idempotencyKey string, req BatchRequest) ([]byte, error) {
	if err := s.validateRequest(userID, req); err != nil {
		return nil, err
	}

	if s.idem != nil && idempotencyKey != "" {
		stored, hit, err := s.idem.Lookup(ctx, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if hit {
			slog.Debug("idempotent replay", slog.String("key", idempotencyKey), slog.String("user_id", userID))
			return stored, nil
		}
	}

	tasks, err := s.buildTasks(userID, req.Operations)
	if err != nil {
		return nil, err
	}

	jobID, err := s.jobs.Create(ctx, domain.Job{
		Status:  domain.JobQueued,
		Results: domain.JobResults{Total: len(tasks), Operations: []domain.OperationResult{}},
	})
	if err != nil {
		return nil, fmt.Errorf("op=batch.Submit: %w", err)
	}

	for i := range tasks {
		tasks[i].JobID = jobID
		if _, err := s.queue.Enqueue(ctx, tasks[i]); err != nil {
			return nil, fmt.Errorf("op=batch.Submit index=%d: %w", i, err)
		}
	}

	resp, err := json.Marshal(BatchResponse{JobID: jobID, Enqueued: len(tasks)})
	if err != nil {
		return nil, fmt.Errorf("op=batch.Submit: %w", err)
	}
	if s.idem != nil && idempotencyKey != "" {
		if err := s.idem.Store(ctx, idempotencyKey, resp); err != nil {
			slog.Warn("idempotency store failed", slog.String("key", idempotencyKey), slog.Any("error", err))
		}
	}
	slog.Info("batch accepted", slog.String("job_id", jobID), slog.Int("operations", len(tasks)), slog.String("user_id", userID))
	return resp, nil
}

func (s *BatchService) validateRequest(userID string, req BatchRequest) error {
	if userID == "" {
		return fmt.Errorf("op=batch.Submit: missing user id: %w", domain.ErrUnauthorized)
	}
	if len(req.Operations) > s.maxBatch {
		return fmt.Errorf("op=batch.Submit: %d operations exceed limit %d: %w", len(req.Operations), s.maxBatch, domain.ErrPayloadTooLarge)
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("op=batch.Submit: %s: %w", err.Error(), domain.ErrInvalidArgument)
	}
	return nil
}

func (s *BatchService) buildTasks(userID string, ops []BatchOperation) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(ops))
	for i, op := range ops {
		kind, ok := kindByType[op.Type]
		if !ok {
			return nil, fmt.Errorf("op=batch.Submit index=%d: unknown type %q: %w", i, op.Type, domain.ErrInvalidArgument)
		}
		payload, err := encodePayload(kind, op)
		if err != nil {
			return nil, fmt.Errorf("op=batch.Submit index=%d: %w", i, err)
		}
		tasks = append(tasks, domain.Task{
			Kind:    kind,
			Payload: payload,
			UserID:  userID,
			Index:   i,
		})
	}
	return tasks, nil
}

func encodePayload(kind domain.TaskKind, op BatchOperation) ([]byte, error) {
	var v any
	switch kind {
	case domain.KindCreateNode:
		if op.NodeID == "" {
			return nil, fmt.Errorf("node_id is required: %w", domain.ErrInvalidArgument)
		}
		v = domain.CreateNodePayload{NodeID: op.NodeID, Data: op.Data}
	case domain.KindUpdateCard:
		if op.CardID == "" {
			return nil, fmt.Errorf("card_id is required: %w", domain.ErrInvalidArgument)
		}
		v = domain.UpdateCardPayload{CardID: op.CardID, Payload: op.Payload}
	case domain.KindCreateShape:
		if op.BoardID == "" || op.ShapeID == "" {
			return nil, fmt.Errorf("board_id and shape_id are required: %w", domain.ErrInvalidArgument)
		}
		v = domain.CreateShapePayload{BoardID: op.BoardID, ShapeID: op.ShapeID, Data: op.Data}
	case domain.KindUpdateShape:
		if op.BoardID == "" || op.ShapeID == "" {
			return nil, fmt.Errorf("board_id and shape_id are required: %w", domain.ErrInvalidArgument)
		}
		v = domain.UpdateShapePayload{BoardID: op.BoardID, ShapeID: op.ShapeID, Data: op.Data}
	case domain.KindDeleteShape:
		if op.BoardID == "" || op.ShapeID == "" {
			return nil, fmt.Errorf("board_id and shape_id are required: %w", domain.ErrInvalidArgument)
		}
		v = domain.DeleteShapePayload{BoardID: op.BoardID, ShapeID: op.ShapeID}
	default:
		return nil, fmt.Errorf("unknown kind %q: %w", kind, domain.ErrInvalidArgument)
	}
	return json.Marshal(v)
}
