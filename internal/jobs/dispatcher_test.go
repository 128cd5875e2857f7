package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandboxworks/workbench/internal/errclass"
	"github.com/sandboxworks/workbench/internal/model"
)

// fakeStore is a minimal in-memory Store good enough to exercise claim
// ordering, retry, and completion without a real database.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*model.Job)}
}

func (s *fakeStore) EnqueueJob(ctx context.Context, j *model.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.FifoKey == j.FifoKey && existing.Kind == j.Kind &&
			(existing.Status == model.JobStatusQueued || existing.Status == model.JobStatusLeased) {
			return false, nil
		}
	}
	cp := *j
	cp.Status = model.JobStatusQueued
	s.jobs[cp.ID] = &cp
	return true, nil
}

func (s *fakeStore) ClaimReadyJob(ctx context.Context, ownerID string, leaseDuration time.Duration) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	leasedKeys := make(map[string]bool)
	for _, j := range s.jobs {
		if j.Status == model.JobStatusLeased {
			leasedKeys[j.FifoKey] = true
		}
	}

	var best *model.Job
	for _, j := range s.jobs {
		if j.Status != model.JobStatusQueued || j.NotBefore.After(now) {
			continue
		}
		if leasedKeys[j.FifoKey] {
			continue
		}
		if best == nil || j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = model.JobStatusLeased
	lease := now.Add(leaseDuration)
	best.LeaseExpiresAt = &lease
	best.LeaseOwner = &ownerID
	cp := *best
	return &cp, nil
}

func (s *fakeStore) Heartbeat(ctx context.Context, jobID string, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("not found")
	}
	lease := time.Now().Add(extension)
	j.LeaseExpiresAt = &lease
	return nil
}

func (s *fakeStore) CompleteJob(ctx context.Context, jobID string, status model.JobStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("not found")
	}
	j.Status = status
	j.LastError = errMsg
	return nil
}

func (s *fakeStore) RetryJob(ctx context.Context, jobID string, notBefore time.Time, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("not found")
	}
	j.Status = model.JobStatusQueued
	j.Attempt++
	j.NotBefore = notBefore
	j.LastError = errMsg
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (s *fakeStore) StealExpiredLeases(ctx context.Context, staleGrace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-staleGrace)
	n := 0
	for _, j := range s.jobs {
		if j.Status == model.JobStatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(cutoff) {
			j.Status = model.JobStatusQueued
			j.LeaseOwner = nil
			j.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	cp := *j
	return &cp, nil
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *fakeEventPublisher) AppendEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *e)
	return e, nil
}

type recordingExecutor struct {
	fn func(ctx context.Context, job *model.Job) error
}

func (e *recordingExecutor) Execute(ctx context.Context, job *model.Job) error {
	return e.fn(ctx, job)
}

func TestQueue_EnqueueDeduplicatesPendingJobs(t *testing.T) {
	store := newFakeStore()
	q := NewQueue(store, 3)

	job, err := q.Enqueue(context.Background(), model.JobKindSessionCommit, "session:1", map[string]string{"projectId": "p1"})
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = q.Enqueue(context.Background(), model.JobKindSessionCommit, "session:1", map[string]string{"projectId": "p1"})
	require.ErrorIs(t, err, ErrAlreadyPending)
}

func TestDispatcher_RunsExecutorAndCompletesJob(t *testing.T) {
	store := newFakeStore()
	events := &fakeEventPublisher{}
	q := NewQueue(store, 3)

	job, err := q.Enqueue(context.Background(), model.JobKindWorkspaceInit, "workspace:1", map[string]string{"projectId": "p1"})
	require.NoError(t, err)

	var executed bool
	d := New(store, events, Config{
		Workers: 1, PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour,
		HeartbeatTimeout: time.Hour, JobTimeout: time.Second, StaleJobTimeout: time.Hour, LeaseDuration: time.Second,
	}, nil, uuid.NewString())
	d.Register(model.JobKindWorkspaceInit, &recordingExecutor{fn: func(ctx context.Context, j *model.Job) error {
		executed = true
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	require.True(t, executed)
	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, final.Status)

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.events, 1)
	require.Equal(t, model.EventKindJobCompleted, events.events[0].Kind)
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	store := newFakeStore()
	events := &fakeEventPublisher{}
	q := NewQueue(store, 3)

	job, err := q.Enqueue(context.Background(), model.JobKindSessionInit, "session:2", map[string]string{"projectId": "p1"})
	require.NoError(t, err)

	var attempts int
	d := New(store, events, Config{
		Workers: 1, PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour,
		HeartbeatTimeout: time.Hour, JobTimeout: time.Second, StaleJobTimeout: time.Hour, LeaseDuration: time.Second,
	}, nil, uuid.NewString())
	d.Register(model.JobKindSessionInit, &recordingExecutor{fn: func(ctx context.Context, j *model.Job) error {
		attempts++
		return errclass.New(errclass.KindTransient, fmt.Errorf("boom"))
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	require.GreaterOrEqual(t, attempts, 1)
	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusQueued, final.Status)
	require.GreaterOrEqual(t, final.Attempt, 1)
}

func TestDispatcher_FatalFailureDoesNotRetry(t *testing.T) {
	store := newFakeStore()
	events := &fakeEventPublisher{}
	q := NewQueue(store, 3)

	job, err := q.Enqueue(context.Background(), model.JobKindSessionDelete, "session:3", map[string]string{"projectId": "p1"})
	require.NoError(t, err)

	d := New(store, events, Config{
		Workers: 1, PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour,
		HeartbeatTimeout: time.Hour, JobTimeout: time.Second, StaleJobTimeout: time.Hour, LeaseDuration: time.Second,
	}, nil, uuid.NewString())
	d.Register(model.JobKindSessionDelete, &recordingExecutor{fn: func(ctx context.Context, j *model.Job) error {
		return errclass.New(errclass.KindFatal, fmt.Errorf("no default agent is configured"))
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, final.Status)
}
