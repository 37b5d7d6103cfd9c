package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// JobRepo persists batch aggregates. Terminal states are write-once;
// AppendResult serializes concurrent outcome updates with a row lock.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job aggregate and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	if j.Results.Operations == nil {
		j.Results.Operations = []domain.OperationResult{}
	}
	results, err := json.Marshal(j.Results)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	now := time.Now().UTC()
	const q = `INSERT INTO jobs (id, status, results, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, j.Status, results, now, now); err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	const q = `SELECT id, status, results, created_at, updated_at FROM jobs WHERE id=$1`
	var (
		j       domain.Job
		results []byte
	)
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&j.ID, &j.Status, &results, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	if err := json.Unmarshal(results, &j.Results); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// AppendResult records one terminal task outcome and advances the job
// status in a single read-modify-write transaction. The first recorded
// operation moves queued to running; any failed operation forces failed;
// all operations recorded without failure yields succeeded. A job already
// failed keeps failed while later outcomes still append.
func (r *JobRepo) AppendResult(ctx domain.Context, jobID string, op domain.OperationResult) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendResult")
	defer span.End()
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=job.append_result: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		status  domain.JobStatus
		results []byte
	)
	err = tx.QueryRow(ctx, `SELECT status, results FROM jobs WHERE id=$1 FOR UPDATE`, jobID).Scan(&status, &results)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.append_result: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.append_result: %w", err)
	}
	var agg domain.JobResults
	if err := json.Unmarshal(results, &agg); err != nil {
		return fmt.Errorf("op=job.append_result: %w", err)
	}

	agg.Operations = append(agg.Operations, op)
	sort.SliceStable(agg.Operations, func(i, k int) bool { return agg.Operations[i].Index < agg.Operations[k].Index })

	next := advance(status, agg, op)
	out, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("op=job.append_result: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, results=$3, updated_at=$4 WHERE id=$1`, jobID, next, out, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.append_result: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.append_result: %w", err)
	}
	return nil
}

func advance(cur domain.JobStatus, agg domain.JobResults, op domain.OperationResult) domain.JobStatus {
	if cur == domain.JobFailed || op.Status == domain.OperationFailed {
		return domain.JobFailed
	}
	if len(agg.Operations) >= agg.Total {
		for _, o := range agg.Operations {
			if o.Status == domain.OperationFailed {
				return domain.JobFailed
			}
		}
		return domain.JobSucceeded
	}
	return domain.JobRunning
}
