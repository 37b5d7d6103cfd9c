package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketPacesAcquires(t *testing.T) {
	b := NewBucket(1, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(ctx))
	}
	// First acquire is free, the next two each wait one interval.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestBucketAcquireRespectsContext(t *testing.T) {
	b := NewBucket(1, time.Hour)
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucketRefillCapsAtReservoir(t *testing.T) {
	b := NewBucket(2, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, b.Fill())
}

func TestRegistryIsolatesUsers(t *testing.T) {
	r := NewRegistry(1, time.Hour)
	ctx := context.Background()

	// Each user gets an independent full bucket.
	require.NoError(t, r.Acquire(ctx, "alice"))
	require.NoError(t, r.Acquire(ctx, "bob"))

	snap := r.Snapshot()
	assert.Equal(t, 0, snap["alice"])
	assert.Equal(t, 0, snap["bob"])
}
