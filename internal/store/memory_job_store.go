package store

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dunamismax/snappy/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.RenderJob
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.RenderJob),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.RenderJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return copyJob(job), ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.RenderJob{}, ErrJobNotFound
	}
	if err := checkTransition(job.Status, status); err != nil {
		return domain.RenderJob{}, err
	}

	job.Status = status
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return copyJob(job), nil
}

func (s *MemoryJobStore) Finish(_ context.Context, id string, outcome domain.RenderOutcome) (domain.RenderJob, error) {
	if err := checkOutcome(outcome); err != nil {
		return domain.RenderJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.RenderJob{}, ErrJobNotFound
	}
	if err := checkTransition(job.Status, outcome.Status); err != nil {
		return domain.RenderJob{}, err
	}

	job.Status = outcome.Status
	job.OutputKey = outcome.OutputKey
	job.Plan = outcome.Plan
	job.Error = outcome.Error
	job.Usage = outcome.Usage
	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return copyJob(job), nil
}

func copyJob(job domain.RenderJob) domain.RenderJob {
	job.Params = maps.Clone(job.Params)
	if job.Usage != nil {
		usage := *job.Usage
		job.Usage = &usage
	}
	return job
}
