// Package domain defines the entities, ports, and error taxonomy of the
// change pipeline.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias so adapters and usecases share the std context without
// the domain naming it everywhere.
type Context = context.Context

// JobStatus aggregates the outcome of one submitted batch.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is write-once.
func (s JobStatus) Terminal() bool { return s == JobSucceeded || s == JobFailed }

// OperationResult records the terminal outcome of a single task in a batch.
type OperationResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
)

// JobResults is the aggregate stored on the job row.
// Invariant: len(Operations) <= Total.
type JobResults struct {
	Total      int               `json:"total"`
	Operations []OperationResult `json:"operations"`
}

// Job is the aggregate record for one submitted batch.
type Job struct {
	ID        string
	Status    JobStatus
	Results   JobResults
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User holds OAuth credentials for one upstream user. AccessToken and
// RefreshToken are sealed at rest; plaintext exists only in memory during a
// refresh.
type User struct {
	UserID       string
	Name         string
	AccessToken  []byte
	RefreshToken []byte
	ExpiresAt    time.Time
}

// CacheEntry is a TTL-bounded board snapshot. Writes are last-writer-wins.
type CacheEntry struct {
	Key       string
	Value     json.RawMessage
	CreatedAt time.Time
}

// AckOutcome selects the queue transition applied when a worker finishes a
// claimed task.
type AckOutcome string

const (
	AckCompleted AckOutcome = "completed"
	AckRetry     AckOutcome = "retry"
	AckFailed    AckOutcome = "failed"
	// AckReleased hands the claim back untouched: requeued, attempts
	// unchanged. Used when the worker gave up before calling upstream.
	AckReleased AckOutcome = "released"
)

// TaskQueue provides at-least-once delivery of tasks with crash-safe
// recovery. Implementations must guarantee that two concurrent ClaimNext
// calls never return the same row.
type TaskQueue interface {
	// Enqueue persists the task in state queued and returns its id.
	Enqueue(ctx Context, t Task) (int64, error)
	// ClaimNext flips the oldest queued row to processing and returns it,
	// or nil when the queue is empty.
	ClaimNext(ctx Context) (*Task, error)
	// Ack applies the terminal transition for a claimed task in a single
	// transaction: completed deletes, retry requeues with attempts+1,
	// failed copies the row to the dead-letter store and deletes it.
	Ack(ctx Context, t *Task, outcome AckOutcome, taskErr string) error
	// RecoverOrphans requeues processing rows claimed before now-threshold.
	RecoverOrphans(ctx Context, now time.Time, threshold time.Duration) (int64, error)
	// Length reports the number of queued rows.
	Length(ctx Context) (int64, error)
}

// DeadLetterReader exposes the DLQ for inspection.
type DeadLetterReader interface {
	ListDeadLetters(ctx Context, limit int) ([]DeadLetterTask, error)
}

// JobRepository persists batch aggregates.
type JobRepository interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// AppendResult records one terminal task outcome and advances the job
	// status atomically.
	AppendResult(ctx Context, jobID string, op OperationResult) error
}

// UserRepository persists upstream credentials.
type UserRepository interface {
	Get(ctx Context, userID string) (User, error)
	Upsert(ctx Context, u User) error
	UpdateTokens(ctx Context, userID string, access, refresh []byte, expiresAt time.Time) error
}

// IdempotencyStore is the persistent tier of the idempotency cache.
type IdempotencyStore interface {
	Get(ctx Context, key string) ([]byte, error)
	Put(ctx Context, key string, response []byte) error
}

// CacheRepository persists board snapshots.
type CacheRepository interface {
	Get(ctx Context, key string) (CacheEntry, error)
	Put(ctx Context, key string, value json.RawMessage) error
}

// ShapeRecord is one mirrored shape in the local shadow of a board.
type ShapeRecord struct {
	ID      string          `json:"id"`
	BoardID string          `json:"board_id"`
	Data    json.RawMessage `json:"data"`
}

// BoardMirror maintains the local shadow of board content: shapes written
// through the pipeline and tags reported by webhook events.
type BoardMirror interface {
	EnsureBoard(ctx Context, boardID string) error
	UpsertShape(ctx Context, s ShapeRecord) error
	DeleteShape(ctx Context, boardID, shapeID string) error
	ListShapes(ctx Context, boardID string) ([]ShapeRecord, error)
	AddTag(ctx Context, boardID, name string) error
	RemoveTag(ctx Context, boardID, name string) error
	ListTags(ctx Context, boardID string) ([]string, error)
}

// Upstream is the subset of the whiteboard REST API the worker invokes. All
// verbs are idempotent on (user, id) so at-least-once replay is safe.
type Upstream interface {
	CreateNode(ctx Context, nodeID string, data json.RawMessage, token string) error
	UpdateCard(ctx Context, cardID string, payload json.RawMessage, token string) error
	CreateShape(ctx Context, boardID, shapeID string, data json.RawMessage, token string) error
	UpdateShape(ctx Context, boardID, shapeID string, data json.RawMessage, token string) error
	DeleteShape(ctx Context, boardID, shapeID string, token string) error
	GetBoard(ctx Context, boardID, token string) (json.RawMessage, error)
}

// TokenSource resolves a valid access token for a user, refreshing when the
// stored one is near expiry.
type TokenSource interface {
	GetValidAccessToken(ctx Context, userID string) (string, error)
}

// TokenResponse is the upstream OAuth token payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// OAuthClient performs the upstream token exchange and refresh.
type OAuthClient interface {
	ExchangeCode(ctx Context, code string) (TokenResponse, error)
	RefreshToken(ctx Context, refreshToken string) (TokenResponse, error)
}
