package usecase

import (
	"fmt"

	"github.com/fenrick/miro-bridge/internal/domain"
)

// JobService reads batch aggregates.
type JobService struct {
	jobs domain.JobRepository
}

// NewJobService wires a JobService.
func NewJobService(jobs domain.JobRepository) *JobService {
	return &JobService{jobs: jobs}
}

// Get returns the job aggregate by id. Results reflect terminal task
// outcomes recorded so far.
func (s *JobService) Get(ctx domain.Context, id string) (domain.Job, error) {
	if id == "" {
		return domain.Job{}, fmt.Errorf("op=jobs.Get: empty id: %w", domain.ErrInvalidArgument)
	}
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.Get: %w", err)
	}
	return j, nil
}
