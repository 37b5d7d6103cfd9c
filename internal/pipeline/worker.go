package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/domain"
	"github.com/fenrick/miro-bridge/internal/service/ratelimiter"
)

// Options tunes a Worker. Zero values fall back to production defaults;
// tests shrink the delays.
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	// Jitter returns the random slice added to each computed backoff.
	Jitter func() time.Duration
	// Sleep blocks for the retry delay; swapped out in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// Wakeup is an optional signal that new work was enqueued.
	Wakeup <-chan struct{}
	// Mirror, when set, receives the local shadow update after a shape
	// mutation is applied upstream.
	Mirror domain.BoardMirror
}

func (o *Options) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Jitter == nil {
		o.Jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) }
	}
	if o.Sleep == nil {
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
}

// Worker drains the change queue: claim, pace, call upstream, classify, ack.
// Safe to run many Workers against the same queue.
type Worker struct {
	queue     domain.TaskQueue
	jobs      domain.JobRepository
	upstream  domain.Upstream
	tokens    domain.TokenSource
	limiter   *ratelimiter.Registry
	refresher *Refresher
	opts      Options
}

// NewWorker wires a Worker. refresher may be nil to disable snapshot
// refreshes.
func NewWorker(queue domain.TaskQueue, jobs domain.JobRepository, upstream domain.Upstream, tokens domain.TokenSource, limiter *ratelimiter.Registry, refresher *Refresher, opts Options) *Worker {
	opts.fill()
	return &Worker{
		queue:     queue,
		jobs:      jobs,
		upstream:  upstream,
		tokens:    tokens,
		limiter:   limiter,
		refresher: refresher,
		opts:      opts,
	}
}

// Run claims and processes tasks until ctx is cancelled. An empty queue
// parks on the wakeup channel with a bounded poll as backstop.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.ClaimNext(ctx)
		if err != nil {
			slog.Error("claim failed", slog.Any("error", err))
			_ = w.opts.Sleep(ctx, w.opts.PollInterval)
			continue
		}
		if task == nil {
			w.idle(ctx)
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-w.opts.Wakeup:
	}
}

// ProcessOne claims a single task and processes it. Returns false when the
// queue was empty. Used by tests and drain tooling.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	w.process(ctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *domain.Task) {
	err := w.execute(ctx, task)
	if err == nil {
		w.finish(ctx, task, domain.OperationSucceeded, "")
		w.mirror(ctx, task)
		if w.refresher != nil {
			w.refresher.Schedule(task.BoardID(), task.UserID)
		}
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown before any upstream call: hand the claim back with
		// attempts unchanged instead of consuming the attempt budget.
		if aerr := w.queue.Ack(context.Background(), task, domain.AckReleased, ""); aerr != nil {
			slog.Error("release ack failed", slog.Int64("task_id", task.ID), slog.Any("error", aerr))
		}
		return
	}

	retryable := domain.IsRetryable(err)
	if retryable {
		// Counts every retryable failure, the attempt that dead-letters
		// included.
		observability.TaskRetries.WithLabelValues(string(task.Kind)).Inc()
	}
	if retryable && task.Attempts+1 < w.opts.MaxAttempts {
		delay := w.retryDelay(task.Attempts, domain.RetryAfterHint(err))
		slog.Info("task retry",
			slog.Int64("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.Int("attempts", task.Attempts+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := w.opts.Sleep(ctx, delay); serr != nil {
			// Shutting down mid-delay: requeue without consuming the attempt
			// budget beyond the increment.
			_ = w.queue.Ack(context.Background(), task, domain.AckRetry, err.Error())
			return
		}
		if aerr := w.queue.Ack(ctx, task, domain.AckRetry, err.Error()); aerr != nil {
			slog.Error("retry ack failed", slog.Int64("task_id", task.ID), slog.Any("error", aerr))
		}
		return
	}

	w.finish(ctx, task, domain.OperationFailed, err.Error())
}

// finish applies the terminal queue transition first, then records the job
// result. A crash between the two loses the job update, never the DLQ row.
func (w *Worker) finish(ctx context.Context, task *domain.Task, status, taskErr string) {
	outcome := domain.AckCompleted
	if status == domain.OperationFailed {
		outcome = domain.AckFailed
	}
	if err := w.queue.Ack(ctx, task, outcome, taskErr); err != nil {
		slog.Error("ack failed", slog.Int64("task_id", task.ID), slog.Any("error", err))
		return
	}
	observability.TasksProcessedTotal.WithLabelValues(string(task.Kind), status).Inc()
	if outcome == domain.AckFailed {
		observability.TaskDLQ.WithLabelValues(string(task.Kind)).Inc()
	}
	if task.JobID == "" {
		return
	}
	op := domain.OperationResult{Index: task.Index, Status: status, Error: taskErr}
	if err := w.jobs.AppendResult(ctx, task.JobID, op); err != nil {
		slog.Error("job result append failed",
			slog.String("job_id", task.JobID),
			slog.Int64("task_id", task.ID),
			slog.Any("error", err))
	}
}

// mirror updates the local board shadow after a successful shape mutation.
// Best-effort: failures are logged, never retried.
func (w *Worker) mirror(ctx context.Context, task *domain.Task) {
	if w.opts.Mirror == nil {
		return
	}
	payload, err := task.DecodePayload()
	if err != nil {
		return
	}
	switch p := payload.(type) {
	case domain.CreateShapePayload:
		err = w.mirrorUpsert(ctx, p.BoardID, p.ShapeID, p.Data)
	case domain.UpdateShapePayload:
		err = w.mirrorUpsert(ctx, p.BoardID, p.ShapeID, p.Data)
	case domain.DeleteShapePayload:
		err = w.opts.Mirror.DeleteShape(ctx, p.BoardID, p.ShapeID)
	default:
		return
	}
	if err != nil {
		slog.Warn("board shadow update failed", slog.Int64("task_id", task.ID), slog.Any("error", err))
	}
}

func (w *Worker) mirrorUpsert(ctx context.Context, boardID, shapeID string, data []byte) error {
	if err := w.opts.Mirror.EnsureBoard(ctx, boardID); err != nil {
		return err
	}
	return w.opts.Mirror.UpsertShape(ctx, domain.ShapeRecord{ID: shapeID, BoardID: boardID, Data: data})
}

func (w *Worker) execute(ctx context.Context, task *domain.Task) error {
	token, err := w.tokens.GetValidAccessToken(ctx, task.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidToken) || errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=worker.token: %w", err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("op=worker.token: %w", ctx.Err())
		}
		return &domain.TransientError{Status: 503}
	}
	if w.limiter != nil {
		// Acquire only fails when ctx ends; the caller releases the claim.
		if err := w.limiter.Acquire(ctx, task.UserID); err != nil {
			return fmt.Errorf("op=worker.pace: %w", err)
		}
	}
	start := time.Now()
	err = w.dispatch(ctx, task, token)
	observability.UpstreamRequestDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(start).Seconds())
	return err
}

func (w *Worker) dispatch(ctx context.Context, task *domain.Task, token string) error {
	payload, err := task.DecodePayload()
	if err != nil {
		return err
	}
	switch p := payload.(type) {
	case domain.CreateNodePayload:
		return w.upstream.CreateNode(ctx, p.NodeID, p.Data, token)
	case domain.UpdateCardPayload:
		return w.upstream.UpdateCard(ctx, p.CardID, p.Payload, token)
	case domain.CreateShapePayload:
		return w.upstream.CreateShape(ctx, p.BoardID, p.ShapeID, p.Data, token)
	case domain.UpdateShapePayload:
		return w.upstream.UpdateShape(ctx, p.BoardID, p.ShapeID, p.Data, token)
	case domain.DeleteShapePayload:
		return w.upstream.DeleteShape(ctx, p.BoardID, p.ShapeID, token)
	default:
		return fmt.Errorf("op=worker.dispatch: %w: kind %q", domain.ErrInvalidArgument, task.Kind)
	}
}

// retryDelay implements capped exponential backoff with jitter, preferring
// an upstream Retry-After hint when one was supplied.
func (w *Worker) retryDelay(attempts int, hint *time.Duration) time.Duration {
	if hint != nil {
		return *hint
	}
	delay := w.opts.BaseDelay << uint(attempts)
	if delay > w.opts.MaxDelay || delay <= 0 {
		delay = w.opts.MaxDelay
	}
	return delay + w.opts.Jitter()
}
