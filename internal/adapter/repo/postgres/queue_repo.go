package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// Queue is the durable task queue backed by the queue_tasks table. Claim
// uses FOR UPDATE SKIP LOCKED so concurrent workers, in this process or
// another, never receive the same row.
type Queue struct {
	Pool PgxPool
	wake chan struct{}
}

// NewQueue constructs a Queue with the given pool.
func NewQueue(p PgxPool) *Queue {
	return &Queue{Pool: p, wake: make(chan struct{}, 1)}
}

// Wakeup returns the in-process signal published on enqueue. Workers in
// other processes fall back to their bounded poll.
func (q *Queue) Wakeup() <-chan struct{} { return q.wake }

// Enqueue persists the task in state queued and publishes a wakeup. A crash
// after commit but before the wakeup is tolerated: the next claim finds the
// row.
func (q *Queue) Enqueue(ctx domain.Context, t domain.Task) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	const sql = `INSERT INTO queue_tasks (kind, payload, user_id, job_id, idx, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,'queued',0,$6) RETURNING id`
	var id int64
	if err := q.Pool.QueryRow(ctx, sql, t.Kind, t.Payload, t.UserID, t.JobID, t.Index, time.Now().UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// ClaimNext flips the oldest queued row to processing and returns it, or
// nil when the queue is empty.
func (q *Queue) ClaimNext(ctx domain.Context) (*domain.Task, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNext")
	defer span.End()
	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `SELECT id, kind, payload, user_id, job_id, idx, attempts, created_at
		FROM queue_tasks WHERE status='queued' ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`
	var t domain.Task
	err = tx.QueryRow(ctx, sel).Scan(&t.ID, &t.Kind, &t.Payload, &t.UserID, &t.JobID, &t.Index, &t.Attempts, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE queue_tasks SET status='processing', claimed_at=$2 WHERE id=$1`, t.ID, now); err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	t.Status = domain.TaskProcessing
	t.ClaimedAt = &now
	return &t, nil
}

// Ack applies the terminal transition for a claimed task in one transaction.
func (q *Queue) Ack(ctx domain.Context, t *domain.Task, outcome domain.AckOutcome, taskErr string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Ack")
	defer span.End()
	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	switch outcome {
	case domain.AckCompleted:
		if _, err := tx.Exec(ctx, `DELETE FROM queue_tasks WHERE id=$1`, t.ID); err != nil {
			return fmt.Errorf("op=queue.ack.completed: %w", err)
		}
	case domain.AckRetry:
		if _, err := tx.Exec(ctx, `UPDATE queue_tasks SET status='queued', claimed_at=NULL, attempts=attempts+1 WHERE id=$1`, t.ID); err != nil {
			return fmt.Errorf("op=queue.ack.retry: %w", err)
		}
	case domain.AckReleased:
		if _, err := tx.Exec(ctx, `UPDATE queue_tasks SET status='queued', claimed_at=NULL WHERE id=$1`, t.ID); err != nil {
			return fmt.Errorf("op=queue.ack.released: %w", err)
		}
	case domain.AckFailed:
		const dlq = `INSERT INTO dead_letter_tasks (kind, payload, user_id, error, created_at) VALUES ($1,$2,$3,$4,$5)`
		if _, err := tx.Exec(ctx, dlq, t.Kind, t.Payload, t.UserID, taskErr, time.Now().UTC()); err != nil {
			return fmt.Errorf("op=queue.ack.failed: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM queue_tasks WHERE id=$1`, t.ID); err != nil {
			return fmt.Errorf("op=queue.ack.failed: %w", err)
		}
	default:
		return fmt.Errorf("op=queue.ack: %w: unknown outcome %q", domain.ErrInvalidArgument, outcome)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=queue.ack: %w", err)
	}
	return nil
}

// RecoverOrphans requeues processing rows claimed before now-threshold so a
// crashed worker's tasks become claimable again. Attempts are unchanged.
func (q *Queue) RecoverOrphans(ctx domain.Context, now time.Time, threshold time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RecoverOrphans")
	defer span.End()
	cutoff := now.Add(-threshold).UTC()
	tag, err := q.Pool.Exec(ctx, `UPDATE queue_tasks SET status='queued', claimed_at=NULL WHERE status='processing' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.recover: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Length reports the number of queued rows.
func (q *Queue) Length(ctx domain.Context) (int64, error) {
	var n int64
	if err := q.Pool.QueryRow(ctx, `SELECT count(*) FROM queue_tasks WHERE status='queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=queue.length: %w", err)
	}
	return n, nil
}

// ListDeadLetters returns the newest terminal-failure records.
func (q *Queue) ListDeadLetters(ctx domain.Context, limit int) ([]domain.DeadLetterTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Pool.Query(ctx, `SELECT id, kind, payload, user_id, error, created_at FROM dead_letter_tasks ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.dlq.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DeadLetterTask
	for rows.Next() {
		var d domain.DeadLetterTask
		if err := rows.Scan(&d.ID, &d.Kind, &d.Payload, &d.UserID, &d.Error, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=queue.dlq.list: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
