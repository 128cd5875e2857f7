package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxworks/workbench/internal/model"
)

// fakeJobStore is a minimal jobs.Store so tests can construct a real
// jobs.Queue without a database.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*model.Job)}
}

func (s *fakeJobStore) EnqueueJob(ctx context.Context, j *model.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.FifoKey == j.FifoKey && existing.Kind == j.Kind &&
			(existing.Status == model.JobStatusQueued || existing.Status == model.JobStatusLeased) {
			return false, nil
		}
	}
	cp := *j
	s.jobs[cp.ID] = &cp
	return true, nil
}

func (s *fakeJobStore) ClaimReadyJob(ctx context.Context, ownerID string, leaseDuration time.Duration) (*model.Job, error) {
	return nil, nil
}

func (s *fakeJobStore) Heartbeat(ctx context.Context, jobID string, extension time.Duration) error {
	return nil
}

func (s *fakeJobStore) CompleteJob(ctx context.Context, jobID string, status model.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	j.Status = status
	return nil
}

func (s *fakeJobStore) RetryJob(ctx context.Context, jobID string, notBefore time.Time, errMsg *string) error {
	return nil
}

func (s *fakeJobStore) StealExpiredLeases(ctx context.Context, staleGrace time.Duration) (int, error) {
	return 0, nil
}

func (s *fakeJobStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	cp := *j
	return &cp, nil
}
