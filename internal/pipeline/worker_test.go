package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/domain"
	"github.com/fenrick/miro-bridge/internal/service/ratelimiter"
)

// fakeQueue is an in-memory TaskQueue with the same transition semantics as
// the postgres implementation.
type fakeQueue struct {
	mu     sync.Mutex
	nextID int64
	tasks  []domain.Task
	dlq    []domain.DeadLetterTask
}

func (q *fakeQueue) Enqueue(_ domain.Context, t domain.Task) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	t.ID = q.nextID
	t.Status = domain.TaskQueued
	q.tasks = append(q.tasks, t)
	return t.ID, nil
}

func (q *fakeQueue) ClaimNext(domain.Context) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		if q.tasks[i].Status == domain.TaskQueued {
			now := time.Now()
			q.tasks[i].Status = domain.TaskProcessing
			q.tasks[i].ClaimedAt = &now
			t := q.tasks[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Ack(_ domain.Context, t *domain.Task, outcome domain.AckOutcome, taskErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		if q.tasks[i].ID != t.ID {
			continue
		}
		switch outcome {
		case domain.AckCompleted:
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		case domain.AckRetry:
			q.tasks[i].Status = domain.TaskQueued
			q.tasks[i].ClaimedAt = nil
			q.tasks[i].Attempts++
		case domain.AckReleased:
			q.tasks[i].Status = domain.TaskQueued
			q.tasks[i].ClaimedAt = nil
		case domain.AckFailed:
			q.dlq = append(q.dlq, domain.DeadLetterTask{
				ID: t.ID, Kind: t.Kind, Payload: t.Payload, UserID: t.UserID, Error: taskErr,
			})
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		}
		return nil
	}
	return nil
}

func (q *fakeQueue) RecoverOrphans(_ domain.Context, now time.Time, threshold time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for i := range q.tasks {
		if q.tasks[i].Status == domain.TaskProcessing && q.tasks[i].ClaimedAt != nil && q.tasks[i].ClaimedAt.Before(now.Add(-threshold)) {
			q.tasks[i].Status = domain.TaskQueued
			q.tasks[i].ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) Length(domain.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, t := range q.tasks {
		if t.Status == domain.TaskQueued {
			n++
		}
	}
	return n, nil
}

type fakeJobs struct {
	mu      sync.Mutex
	results map[string][]domain.OperationResult
}

func newFakeJobs() *fakeJobs { return &fakeJobs{results: map[string][]domain.OperationResult{}} }

func (f *fakeJobs) Create(_ domain.Context, j domain.Job) (string, error) { return j.ID, nil }

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.Job, error) {
	return domain.Job{ID: id}, nil
}

func (f *fakeJobs) AppendResult(_ domain.Context, jobID string, op domain.OperationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = append(f.results[jobID], op)
	return nil
}

// fakeUpstream replays a scripted error sequence; nil past the end.
type fakeUpstream struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (f *fakeUpstream) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= len(f.script) {
		return f.script[f.calls-1]
	}
	return nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeUpstream) CreateNode(domain.Context, string, json.RawMessage, string) error {
	return f.next()
}
func (f *fakeUpstream) UpdateCard(domain.Context, string, json.RawMessage, string) error {
	return f.next()
}
func (f *fakeUpstream) CreateShape(domain.Context, string, string, json.RawMessage, string) error {
	return f.next()
}
func (f *fakeUpstream) UpdateShape(domain.Context, string, string, json.RawMessage, string) error {
	return f.next()
}
func (f *fakeUpstream) DeleteShape(domain.Context, string, string, string) error {
	return f.next()
}
func (f *fakeUpstream) GetBoard(domain.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), f.next()
}

type staticTokens struct{}

func (staticTokens) GetValidAccessToken(domain.Context, string) (string, error) {
	return "tok", nil
}

func enqueueCreateNode(t *testing.T, q *fakeQueue, jobID string) {
	t.Helper()
	payload, err := json.Marshal(domain.CreateNodePayload{NodeID: "n1", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), domain.Task{
		Kind: domain.KindCreateNode, Payload: payload, UserID: "u1", JobID: jobID, Index: 0,
	})
	require.NoError(t, err)
}

func drain(t *testing.T, w *Worker) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ok, err := w.ProcessOne(context.Background())
		require.NoError(t, err)
		if !ok {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func testOptions(sleeps *[]time.Duration) Options {
	return Options{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Jitter:      func() time.Duration { return 0 },
		Sleep: func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		},
	}
}

func TestWorkerAppliesTaskAndRecordsResult(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{}
	enqueueCreateNode(t, q, "job1")

	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, testOptions(nil))
	drain(t, w)

	assert.Equal(t, 1, up.callCount())
	require.Len(t, jobs.results["job1"], 1)
	assert.Equal(t, domain.OperationSucceeded, jobs.results["job1"][0].Status)
	n, _ := q.Length(context.Background())
	assert.Zero(t, n)
	assert.Empty(t, q.dlq)
}

func TestWorkerHonorsRetryAfter(t *testing.T) {
	hint := 100 * time.Millisecond
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{script: []error{
		&domain.RateLimitedError{RetryAfter: &hint},
		&domain.RateLimitedError{RetryAfter: &hint},
	}}
	enqueueCreateNode(t, q, "job1")

	var sleeps []time.Duration
	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, testOptions(&sleeps))
	drain(t, w)

	assert.Equal(t, 3, up.callCount())
	assert.Equal(t, []time.Duration{hint, hint}, sleeps)
	require.Len(t, jobs.results["job1"], 1)
	assert.Equal(t, domain.OperationSucceeded, jobs.results["job1"][0].Status)
	assert.Empty(t, q.dlq)
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{script: []error{
		&domain.TransientError{Status: 500},
		&domain.TransientError{Status: 500},
		&domain.TransientError{Status: 500},
		&domain.TransientError{Status: 500},
		&domain.TransientError{Status: 500},
		&domain.TransientError{Status: 500},
	}}
	enqueueCreateNode(t, q, "job1")

	retriesBefore := testutil.ToFloat64(observability.TaskRetries.WithLabelValues("CreateNode"))
	dlqBefore := testutil.ToFloat64(observability.TaskDLQ.WithLabelValues("CreateNode"))

	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, testOptions(nil))
	drain(t, w)

	// Exactly MaxAttempts upstream calls, then the dead-letter transition.
	assert.Equal(t, 5, up.callCount())
	assert.InDelta(t, 5, testutil.ToFloat64(observability.TaskRetries.WithLabelValues("CreateNode"))-retriesBefore, 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(observability.TaskDLQ.WithLabelValues("CreateNode"))-dlqBefore, 0.001)
	require.Len(t, q.dlq, 1)
	assert.Equal(t, domain.KindCreateNode, q.dlq[0].Kind)
	require.Len(t, jobs.results["job1"], 1)
	assert.Equal(t, domain.OperationFailed, jobs.results["job1"][0].Status)
	n, _ := q.Length(context.Background())
	assert.Zero(t, n)
}

func TestWorkerPermanentErrorFailsImmediately(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{script: []error{&domain.PermanentError{Status: 400}}}
	enqueueCreateNode(t, q, "job1")

	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, testOptions(nil))
	drain(t, w)

	assert.Equal(t, 1, up.callCount())
	require.Len(t, q.dlq, 1)
	require.Len(t, jobs.results["job1"], 1)
	assert.Equal(t, domain.OperationFailed, jobs.results["job1"][0].Status)
}

func TestWorkerExponentialBackoffDelays(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{script: []error{
		&domain.TransientError{Status: 503},
		&domain.TransientError{Status: 503},
		&domain.TransientError{Status: 503},
	}}
	enqueueCreateNode(t, q, "job1")

	var sleeps []time.Duration
	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, testOptions(&sleeps))
	drain(t, w)

	// base 1ms doubling per attempt, capped at 4ms.
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
	}, sleeps)
}

func TestWorkerReleasesClaimOnShutdown(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{}
	enqueueCreateNode(t, q, "job1")
	enqueueCreateNode(t, q, "job1")
	// Reservoir 1 with a long refill: the second task blocks in pacing.
	limiter := ratelimiter.NewRegistry(1, time.Hour)

	w := NewWorker(q, jobs, up, staticTokens{}, limiter, nil, testOptions(nil))
	ok, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The interrupted task went back to queued with its attempt budget
	// intact and never reached the upstream.
	assert.Equal(t, 1, up.callCount())
	assert.Empty(t, q.dlq)
	n, _ := q.Length(context.Background())
	assert.EqualValues(t, 1, n)
	q.mu.Lock()
	require.Len(t, q.tasks, 1)
	assert.Equal(t, domain.TaskQueued, q.tasks[0].Status)
	assert.Zero(t, q.tasks[0].Attempts)
	q.mu.Unlock()
	require.Len(t, jobs.results["job1"], 1)
}

func TestWorkerRunClaimsViaPoll(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{}

	// No wakeup channel wired: the bounded poll alone must drive claims.
	opts := testOptions(nil)
	opts.PollInterval = 5 * time.Millisecond
	opts.Sleep = nil // Run needs a real sleep for its idle backstop
	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	enqueueCreateNode(t, q, "job1")
	require.Eventually(t, func() bool {
		n, _ := q.Length(context.Background())
		return n == 0 && up.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.Len(t, jobs.results["job1"], 1)
	assert.Equal(t, domain.OperationSucceeded, jobs.results["job1"][0].Status)
}

func TestWorkerWakeupCutsIdleLatency(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{}
	wake := make(chan struct{}, 1)

	// Poll far beyond the test horizon: only the wakeup can drive the claim.
	opts := testOptions(nil)
	opts.PollInterval = time.Minute
	opts.Sleep = nil
	opts.Wakeup = wake
	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond) // let the worker park on the empty queue
	enqueueCreateNode(t, q, "job1")
	wake <- struct{}{}

	require.Eventually(t, func() bool {
		return up.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestWorkerPacesPerUser(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{}
	for i := 0; i < 3; i++ {
		enqueueCreateNode(t, q, "job1")
	}
	limiter := ratelimiter.NewRegistry(1, 30*time.Millisecond)

	w := NewWorker(q, jobs, up, staticTokens{}, limiter, nil, testOptions(nil))
	start := time.Now()
	drain(t, w)

	assert.Equal(t, 3, up.callCount())
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

type fakeMirror struct {
	mu      sync.Mutex
	boards  map[string]bool
	shapes  map[string]domain.ShapeRecord
	deletes []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{boards: map[string]bool{}, shapes: map[string]domain.ShapeRecord{}}
}

func (f *fakeMirror) EnsureBoard(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boards[id] = true
	return nil
}

func (f *fakeMirror) UpsertShape(_ domain.Context, s domain.ShapeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shapes[s.ID] = s
	return nil
}

func (f *fakeMirror) DeleteShape(_ domain.Context, boardID, shapeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shapes, shapeID)
	f.deletes = append(f.deletes, shapeID)
	return nil
}

func (f *fakeMirror) ListShapes(_ domain.Context, boardID string) ([]domain.ShapeRecord, error) {
	return nil, nil
}
func (f *fakeMirror) AddTag(domain.Context, string, string) error    { return nil }
func (f *fakeMirror) RemoveTag(domain.Context, string, string) error { return nil }
func (f *fakeMirror) ListTags(domain.Context, string) ([]string, error) {
	return nil, nil
}

func TestWorkerUpdatesBoardShadow(t *testing.T) {
	q := &fakeQueue{}
	jobs := newFakeJobs()
	up := &fakeUpstream{}
	mirror := newFakeMirror()

	payload, err := json.Marshal(domain.CreateShapePayload{BoardID: "b1", ShapeID: "s1", Data: json.RawMessage(`{"kind":"rect"}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), domain.Task{
		Kind: domain.KindCreateShape, Payload: payload, UserID: "u1", JobID: "job1",
	})
	require.NoError(t, err)

	opts := testOptions(nil)
	opts.Mirror = mirror
	w := NewWorker(q, jobs, up, staticTokens{}, nil, nil, opts)
	drain(t, w)

	assert.True(t, mirror.boards["b1"])
	require.Contains(t, mirror.shapes, "s1")
	assert.Equal(t, "b1", mirror.shapes["s1"].BoardID)
}
