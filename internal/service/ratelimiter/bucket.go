// Package ratelimiter paces upstream calls with one token bucket per user.
package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket refilled at a fixed interval. Acquire blocks
// until a token is available or the context ends.
type Bucket struct {
	mu        sync.Mutex
	tokens    int
	reservoir int
	interval  time.Duration
	last      time.Time
}

// NewBucket builds a full bucket holding reservoir tokens that gains one
// token every interval.
func NewBucket(reservoir int, interval time.Duration) *Bucket {
	if reservoir < 1 {
		reservoir = 1
	}
	if interval <= 0 {
		interval = 600 * time.Millisecond
	}
	return &Bucket{
		tokens:    reservoir,
		reservoir: reservoir,
		interval:  interval,
		last:      time.Now(),
	}
}

// Acquire consumes one token, sleeping until the next refill when the
// bucket is empty. Returns ctx.Err() if the context ends while waiting.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens > 0 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.interval - time.Since(b.last)
		b.mu.Unlock()
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Fill reports the current token count after a refill pass.
func (b *Bucket) Fill() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed < b.interval {
		return
	}
	gained := int(elapsed / b.interval)
	b.tokens += gained
	if b.tokens > b.reservoir {
		b.tokens = b.reservoir
	}
	b.last = b.last.Add(time.Duration(gained) * b.interval)
}

// Registry hands out one Bucket per user, created lazily with shared
// sizing.
type Registry struct {
	mu        sync.Mutex
	buckets   map[string]*Bucket
	reservoir int
	interval  time.Duration
}

// NewRegistry builds a Registry whose buckets hold reservoir tokens and
// refill one per interval.
func NewRegistry(reservoir int, interval time.Duration) *Registry {
	return &Registry{
		buckets:   make(map[string]*Bucket),
		reservoir: reservoir,
		interval:  interval,
	}
}

// Acquire blocks until userID's bucket yields a token.
func (r *Registry) Acquire(ctx context.Context, userID string) error {
	return r.bucket(userID).Acquire(ctx)
}

func (r *Registry) bucket(userID string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[userID]
	if !ok {
		b = NewBucket(r.reservoir, r.interval)
		r.buckets[userID] = b
	}
	return b
}

// Snapshot reports the current fill of every known bucket.
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.buckets))
	for id, b := range r.buckets {
		out[id] = b.Fill()
	}
	return out
}
