package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind is the closed discriminator for queued change tasks. Serialized
// form is {type, ...payload fields}.
type TaskKind string

const (
	KindCreateNode  TaskKind = "CreateNode"
	KindUpdateCard  TaskKind = "UpdateCard"
	KindCreateShape TaskKind = "CreateShape"
	KindUpdateShape TaskKind = "UpdateShape"
	KindDeleteShape TaskKind = "DeleteShape"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case KindCreateNode, KindUpdateCard, KindCreateShape, KindUpdateShape, KindDeleteShape:
		return true
	}
	return false
}

// Payload variants, one per kind.

type CreateNodePayload struct {
	NodeID string          `json:"node_id" validate:"required"`
	Data   json.RawMessage `json:"data"`
}

type UpdateCardPayload struct {
	CardID  string          `json:"card_id" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

type CreateShapePayload struct {
	BoardID string          `json:"board_id" validate:"required"`
	ShapeID string          `json:"shape_id" validate:"required"`
	Data    json.RawMessage `json:"data"`
}

type UpdateShapePayload struct {
	BoardID string          `json:"board_id" validate:"required"`
	ShapeID string          `json:"shape_id" validate:"required"`
	Data    json.RawMessage `json:"data"`
}

type DeleteShapePayload struct {
	BoardID string `json:"board_id" validate:"required"`
	ShapeID string `json:"shape_id" validate:"required"`
}

// TaskStatus is the queue lifecycle state of a task row.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task is the unit of upstream mutation. Payload is opaque JSON chosen by
// Kind; validation happens at the API boundary, not in the worker.
type Task struct {
	ID        int64
	Kind      TaskKind
	Payload   []byte
	UserID    string
	JobID     string
	Index     int
	Status    TaskStatus
	Attempts  int
	ClaimedAt *time.Time
	CreatedAt time.Time
}

// BoardID extracts the board identifier from the payload for kinds that
// carry one, or returns "".
func (t *Task) BoardID() string {
	switch t.Kind {
	case KindCreateShape, KindUpdateShape, KindDeleteShape:
		var p struct {
			BoardID string `json:"board_id"`
		}
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return ""
		}
		return p.BoardID
	}
	return ""
}

// DecodePayload unmarshals the task payload into the variant matching Kind.
func (t *Task) DecodePayload() (any, error) {
	var (
		v   any
		err error
	)
	switch t.Kind {
	case KindCreateNode:
		p := CreateNodePayload{}
		err = json.Unmarshal(t.Payload, &p)
		v = p
	case KindUpdateCard:
		p := UpdateCardPayload{}
		err = json.Unmarshal(t.Payload, &p)
		v = p
	case KindCreateShape:
		p := CreateShapePayload{}
		err = json.Unmarshal(t.Payload, &p)
		v = p
	case KindUpdateShape:
		p := UpdateShapePayload{}
		err = json.Unmarshal(t.Payload, &p)
		v = p
	case KindDeleteShape:
		p := DeleteShapePayload{}
		err = json.Unmarshal(t.Payload, &p)
		v = p
	default:
		return nil, fmt.Errorf("op=task.decode: %w: unknown kind %q", ErrInvalidArgument, t.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("op=task.decode kind=%s: %w", t.Kind, err)
	}
	return v, nil
}

// DeadLetterTask is the terminal-failure record. Write-once; never dequeued.
type DeadLetterTask struct {
	ID        int64
	Kind      TaskKind
	Payload   []byte
	UserID    string
	Error     string
	CreatedAt time.Time
}
