// Package pipeline runs the durable change queue: workers drain tasks
// against the upstream and a debounced refresher keeps board snapshots warm.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/domain"
)

// Refresher coalesces board snapshot refreshes. Each Schedule call resets a
// per-board timer, so a burst of mutations on one board produces a single
// upstream fetch after the quiet period.
type Refresher struct {
	upstream domain.Upstream
	cache    domain.CacheRepository
	tokens   domain.TokenSource
	delay    time.Duration

	mu     sync.Mutex
	timers map[string]*boardTimer
	closed bool
}

// boardTimer tracks the pending refresh for one board. userID is the most
// recent scheduler, so the fetch uses the token of whoever touched the board
// last.
type boardTimer struct {
	timer  *time.Timer
	userID string
}

// NewRefresher builds a Refresher with the given debounce delay.
func NewRefresher(upstream domain.Upstream, cache domain.CacheRepository, tokens domain.TokenSource, delay time.Duration) *Refresher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Refresher{
		upstream: upstream,
		cache:    cache,
		tokens:   tokens,
		delay:    delay,
		timers:   map[string]*boardTimer{},
	}
}

// Schedule arms (or re-arms) the refresh timer for boardID on behalf of
// userID. No-op after Close or for an empty board id.
func (r *Refresher) Schedule(boardID, userID string) {
	if boardID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if bt, ok := r.timers[boardID]; ok {
		bt.userID = userID
		bt.timer.Reset(r.delay)
		return
	}
	bt := &boardTimer{userID: userID}
	bt.timer = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		uid := bt.userID
		delete(r.timers, boardID)
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		r.refresh(boardID, uid)
	})
	r.timers[boardID] = bt
}

func (r *Refresher) refresh(boardID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token, err := r.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		slog.Warn("board refresh skipped, no token", slog.String("board_id", boardID), slog.Any("error", err))
		return
	}
	snapshot, err := r.upstream.GetBoard(ctx, boardID, token)
	if err != nil {
		slog.Warn("board refresh failed", slog.String("board_id", boardID), slog.Any("error", err))
		return
	}
	if err := r.cache.Put(ctx, "board:"+boardID, snapshot); err != nil {
		slog.Warn("board snapshot write failed", slog.String("board_id", boardID), slog.Any("error", err))
		return
	}
	observability.CacheRefreshTotal.Inc()
	slog.Debug("board snapshot refreshed", slog.String("board_id", boardID))
}

// Close stops all pending timers. Schedule calls after Close do nothing.
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, bt := range r.timers {
		bt.timer.Stop()
		delete(r.timers, id)
	}
}
