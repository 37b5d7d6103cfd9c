package usecase

import (
	"fmt"

	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/domain"
	"github.com/fenrick/miro-bridge/internal/service/ratelimiter"
)

// Limits is the queue and pacing snapshot served by the limits endpoint.
type Limits struct {
	QueueLength int64          `json:"queue_length"`
	BucketFill  map[string]int `json:"bucket_fill"`
}

// LimitsService reports queue depth and per-user bucket fill.
type LimitsService struct {
	queue   domain.TaskQueue
	limiter *ratelimiter.Registry
}

// NewLimitsService wires a LimitsService.
func NewLimitsService(queue domain.TaskQueue, limiter *ratelimiter.Registry) *LimitsService {
	return &LimitsService{queue: queue, limiter: limiter}
}

// Snapshot reads the current queue length and bucket fill per user. The
// queue gauge is updated as a side effect.
func (s *LimitsService) Snapshot(ctx domain.Context) (Limits, error) {
	n, err := s.queue.Length(ctx)
	if err != nil {
		return Limits{}, fmt.Errorf("op=limits.Snapshot: %w", err)
	}
	observability.ChangeQueueLength.Set(float64(n))
	fill := map[string]int{}
	if s.limiter != nil {
		fill = s.limiter.Snapshot()
	}
	return Limits{QueueLength: n, BucketFill: fill}, nil
}
