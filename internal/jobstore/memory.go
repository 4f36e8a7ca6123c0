package jobstore

import (
	"context"
	"sync"

	"github.com/vipul43/ledgersync/internal/models"
)

// MemoryStore is the single-instance default. Jobs are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.BackfillJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.BackfillJob)}
}

func (s *MemoryStore) Create(ctx context.Context, job *models.BackfillJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *models.BackfillJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*models.BackfillJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return clone(job), nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string) ([]models.BackfillJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.BackfillJob, 0)
	for _, job := range s.jobs {
		if job.TenantID == tenantID {
			jobs = append(jobs, *clone(job))
		}
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

// Close is a no-op; it lets MemoryStore and BoltStore share a lifecycle.
func (s *MemoryStore) Close() error {
	return nil
}
