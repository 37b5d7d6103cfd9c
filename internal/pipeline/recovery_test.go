package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenrick/miro-bridge/internal/domain"
)

func TestOrphanRecoveryRequeuesStalledClaim(t *testing.T) {
	q := &fakeQueue{}
	enqueueCreateNode(t, q, "job1")

	// A worker claims the task and dies before acking.
	claimed, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Inside the threshold the claim is left alone and nothing is claimable.
	n, err := q.RecoverOrphans(context.Background(), time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	next, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)

	// Past the threshold the task reappears queued, attempts unchanged.
	n, err = q.RecoverOrphans(context.Background(), time.Now().Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	next, err = q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, claimed.ID, next.ID)
	assert.Equal(t, claimed.Attempts, next.Attempts)
}

func TestOrphanRecoveryPreservesAttemptsAfterRetry(t *testing.T) {
	q := &fakeQueue{}
	enqueueCreateNode(t, q, "job1")

	// One failed attempt, then the next claimer crashes.
	first, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Ack(context.Background(), first, domain.AckRetry, "upstream 500"))

	second, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, second.Attempts)

	n, err := q.RecoverOrphans(context.Background(), time.Now().Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Recovery is not a retry: the attempt budget is untouched and the
	// recovered task completes normally.
	recovered, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.EqualValues(t, 1, recovered.Attempts)
	require.NoError(t, q.Ack(context.Background(), recovered, domain.AckCompleted, ""))
	assert.Empty(t, q.dlq)
}

func TestRunOrphanRecoveryLoop(t *testing.T) {
	q := &fakeQueue{}
	enqueueCreateNode(t, q, "job1")
	claimed, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Age the claim beyond the threshold.
	q.mu.Lock()
	stale := time.Now().Add(-time.Minute)
	q.tasks[0].ClaimedAt = &stale
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunOrphanRecovery(ctx, q, 5*time.Millisecond, time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		n, _ := q.Length(context.Background())
		return n == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
