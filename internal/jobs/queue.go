// Package jobs is the durable FIFO-per-key job queue and dispatcher
// (spec §4.E): a thin Queue wrapper over the store's claim/heartbeat/
// complete primitives, and a Dispatcher worker pool that claims, runs,
// heartbeats, and retries with backoff, generalizing the teacher's
// single poll-spawn run loop (cmd/orchestrator/main.go) into a
// multi-worker FIFO-per-key scheduler.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxworks/workbench/internal/model"
)

// Store is the narrow slice of internal/store.Store the job queue needs.
type Store interface {
	EnqueueJob(ctx context.Context, j *model.Job) (enqueued bool, err error)
	ClaimReadyJob(ctx context.Context, ownerID string, leaseDuration time.Duration) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID string, extension time.Duration) error
	CompleteJob(ctx context.Context, jobID string, status model.JobStatus, errMsg *string) error
	RetryJob(ctx context.Context, jobID string, notBefore time.Time, errMsg *string) error
	StealExpiredLeases(ctx context.Context, staleGrace time.Duration) (int, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// ErrAlreadyPending is returned by Enqueue when a non-terminal job
// already exists for (fifoKey, kind) — the spec's enqueue-deduplication
// rule.
var ErrAlreadyPending = fmt.Errorf("jobs: already pending")

// Queue is a typed wrapper over Store's job primitives.
type Queue struct {
	store       Store
	maxAttempts int
}

// NewQueue returns a Queue with the given default maxAttempts for newly
// enqueued jobs.
func NewQueue(store Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Queue{store: store, maxAttempts: maxAttempts}
}

// Enqueue writes a queued job for (fifoKey, kind) carrying payload
// (marshaled to JSON). If a non-terminal job already exists for that
// key+kind, it returns ErrAlreadyPending rather than creating a
// duplicate — spec §4.E step 1.
func (q *Queue) Enqueue(ctx context.Context, kind model.JobKind, fifoKey string, payload any) (*model.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal payload: %w", err)
	}
	job := &model.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		FifoKey:     fifoKey,
		Payload:     body,
		Status:      model.JobStatusQueued,
		MaxAttempts: q.maxAttempts,
		NotBefore:   time.Now(),
	}
	enqueued, err := q.store.EnqueueJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("jobs: enqueue: %w", err)
	}
	if !enqueued {
		return nil, ErrAlreadyPending
	}
	return job, nil
}

// Get fetches a job by ID, e.g. so a caller can inspect its terminal
// status after WaitForJobCompletion wakes it.
func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	return q.store.GetJob(ctx, id)
}
