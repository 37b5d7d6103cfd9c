package pipeline

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fenrick/miro-bridge/internal/domain"
)

type fakeCacheRepo struct {
	mu   sync.Mutex
	puts map[string]int
}

func newFakeCacheRepo() *fakeCacheRepo { return &fakeCacheRepo{puts: map[string]int{}} }

func (f *fakeCacheRepo) Get(domain.Context, string) (domain.CacheEntry, error) {
	return domain.CacheEntry{}, domain.ErrNotFound
}

func (f *fakeCacheRepo) Put(_ domain.Context, key string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key]++
	return nil
}

func (f *fakeCacheRepo) putCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[key]
}

func TestRefresherCoalescesBursts(t *testing.T) {
	up := &fakeUpstream{}
	cache := newFakeCacheRepo()
	r := NewRefresher(up, cache, staticTokens{}, 30*time.Millisecond)
	defer r.Close()

	// A burst of mutations on one board yields a single snapshot fetch.
	for i := 0; i < 10; i++ {
		r.Schedule("b1", "u1")
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, up.callCount())
	assert.Equal(t, 1, cache.putCount("board:b1"))
}

type recordingTokens struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingTokens) GetValidAccessToken(_ domain.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return "tok", nil
}

func (r *recordingTokens) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func TestRefresherUsesLatestScheduler(t *testing.T) {
	up := &fakeUpstream{}
	cache := newFakeCacheRepo()
	tokens := &recordingTokens{}
	r := NewRefresher(up, cache, tokens, 20*time.Millisecond)
	defer r.Close()

	// Two users mutate the same board inside one quiet period; the fetch
	// runs with the token of whoever scheduled last.
	r.Schedule("b1", "u1")
	r.Schedule("b1", "u2")
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 1, up.callCount())
	assert.Equal(t, []string{"u2"}, tokens.seen())
}

func TestRefresherSeparateBoards(t *testing.T) {
	up := &fakeUpstream{}
	cache := newFakeCacheRepo()
	r := NewRefresher(up, cache, staticTokens{}, 10*time.Millisecond)
	defer r.Close()

	r.Schedule("b1", "u1")
	r.Schedule("b2", "u1")
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, 1, cache.putCount("board:b1"))
	assert.Equal(t, 1, cache.putCount("board:b2"))
}

func TestRefresherCloseCancelsPending(t *testing.T) {
	up := &fakeUpstream{}
	cache := newFakeCacheRepo()
	r := NewRefresher(up, cache, staticTokens{}, 20*time.Millisecond)

	r.Schedule("b1", "u1")
	r.Close()
	time.Sleep(60 * time.Millisecond)

	assert.Zero(t, up.callCount())
	assert.Zero(t, cache.putCount("board:b1"))

	// Schedule after Close is a no-op.
	r.Schedule("b2", "u1")
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, up.callCount())
}
