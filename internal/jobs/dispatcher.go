package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sandboxworks/workbench/internal/errclass"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/telemetry"
)

// Executor runs one job's work. Errors should be tagged via errclass so
// the dispatcher can decide retry vs fail vs fatal without string
// matching (spec §7).
type Executor interface {
	Execute(ctx context.Context, job *model.Job) error
}

// EventPublisher is the narrow slice of internal/store.Store the
// dispatcher needs to emit the terminal job_completed event (spec §4.E
// step 4); executors append their own session_updated/workspace_updated
// events through their own Store handle.
type EventPublisher interface {
	AppendEvent(ctx context.Context, e *model.Event) (*model.Event, error)
}

// Config tunes the dispatcher's concurrency and timing. The intervals and
// timeouts correspond to the DISPATCHER_* environment variables of spec
// §6; Workers and LeaseDuration have no DISPATCHER_* variable.
type Config struct {
	Workers             int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	JobTimeout          time.Duration
	StaleJobTimeout     time.Duration
	LeaseDuration       time.Duration
}

// DefaultConfig returns the dispatcher's production-shaped defaults;
// tests typically shrink JobTimeout and the intervals.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      500 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		JobTimeout:        30 * time.Second,
		StaleJobTimeout:   60 * time.Second,
		LeaseDuration:     20 * time.Second,
	}
}

// Dispatcher claims and executes jobs with a fixed worker pool,
// generalizing the teacher's single-goroutine orchestrator run loop
// (cmd/orchestrator/main.go) into the FIFO-per-key multi-worker
// scheduler spec §4.E requires.
type Dispatcher struct {
	store     Store
	events    EventPublisher
	executors map[model.JobKind]Executor
	cfg       Config
	logger    *slog.Logger
	ownerID   string

	mu sync.Mutex
}

// New returns a Dispatcher. ownerID identifies this process in
// lease_owner for crash-recovery observability.
func New(store Store, events EventPublisher, cfg Config, logger *slog.Logger, ownerID string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		events:    events,
		executors: make(map[model.JobKind]Executor),
		cfg:       cfg,
		logger:    logger,
		ownerID:   ownerID,
	}
}

// Register binds an Executor to a JobKind. Must be called before Run.
func (d *Dispatcher) Register(kind model.JobKind, executor Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[kind] = executor
}

func (d *Dispatcher) executorFor(kind model.JobKind) (Executor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.executors[kind]
	return e, ok
}

// Run starts the lease-reaper and the worker pool, blocking until ctx is
// cancelled. Spec §4.E step 5: the stale-lease sweep runs once
// immediately on startup, then every 4*PollInterval.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting job dispatcher", "workers", d.cfg.Workers)

	if _, err := d.store.StealExpiredLeases(ctx, d.cfg.StaleJobTimeout); err != nil {
		d.logger.Error("initial stale lease sweep failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", d.ownerID, i)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx, workerID)
		}()
	}

	reaper := time.NewTicker(d.cfg.PollInterval * 4)
	defer reaper.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			d.logger.Info("job dispatcher stopped")
			return
		case <-reaper.C:
			if n, err := d.store.StealExpiredLeases(ctx, d.cfg.StaleJobTimeout); err != nil {
				d.logger.Error("stale lease sweep failed", "error", err)
			} else if n > 0 {
				d.logger.Warn("reaped stale leases", "count", n)
			}
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.claimAndRun(ctx, workerID)
		}
	}
}

func (d *Dispatcher) claimAndRun(ctx context.Context, workerID string) {
	job, err := d.store.ClaimReadyJob(ctx, workerID, d.cfg.LeaseDuration)
	if err != nil {
		d.logger.Error("claim job failed", "worker", workerID, "error", err)
		return
	}
	if job == nil {
		return
	}
	telemetry.TrackJobClaimed(string(job.Kind))
	d.runJob(ctx, job, workerID, time.Now())
}

func (d *Dispatcher) runJob(ctx context.Context, job *model.Job, workerID string, claimedAt time.Time) {
	executor, ok := d.executorFor(job.Kind)
	if !ok {
		errMsg := fmt.Sprintf("no executor registered for kind %q", job.Kind)
		d.complete(ctx, job, model.JobStatusFailed, &errMsg, claimedAt)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go d.heartbeatLoop(jobCtx, job.ID, heartbeatDone)

	err := executor.Execute(jobCtx, job)
	close(heartbeatDone)

	if err == nil {
		d.complete(ctx, job, model.JobStatusCompleted, nil, claimedAt)
		return
	}

	kind := errclass.Classify(err)
	errMsg := err.Error()
	telemetry.TrackError(string(kind))

	if !errclass.Retryable(err) {
		d.complete(ctx, job, model.JobStatusFailed, &errMsg, claimedAt)
		return
	}

	if job.Attempt+1 >= job.MaxAttempts {
		d.complete(ctx, job, model.JobStatusFailed, &errMsg, claimedAt)
		return
	}

	d.retry(ctx, job, errMsg, kind)
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Heartbeat(ctx, jobID, d.cfg.HeartbeatTimeout); err != nil {
				d.logger.Error("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) retry(ctx context.Context, job *model.Job, errMsg string, kind errclass.Kind) {
	delay := backoff(job.Attempt+1, d.cfg.JobTimeout)
	d.logger.Warn("job failed, retrying", "job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt+1, "delay", delay, "error_kind", kind)
	notBefore := time.Now().Add(delay)
	if err := d.store.RetryJob(ctx, job.ID, notBefore, &errMsg); err != nil {
		d.logger.Error("retry job failed", "job_id", job.ID, "error", err)
	}
	telemetry.TrackJobRetry(string(job.Kind))
}

// backoff is exponential with jitter, capped at the job timeout ceiling
// (spec §4.E step 6): base 1s, doubling per attempt, +/-20% jitter.
func backoff(attempt int, ceiling time.Duration) time.Duration {
	base := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if ceiling > 0 && base > ceiling {
		base = ceiling
	}
	var jitter time.Duration
	if span := int64(base) / 5; span > 0 {
		jitter = time.Duration(rand.Int63n(span))
	}
	if rand.Intn(2) == 0 {
		return base + jitter
	}
	return base - jitter
}

func (d *Dispatcher) complete(ctx context.Context, job *model.Job, status model.JobStatus, errMsg *string, claimedAt time.Time) {
	if err := d.store.CompleteJob(ctx, job.ID, status, errMsg); err != nil {
		d.logger.Error("complete job failed", "job_id", job.ID, "error", err)
	}
	telemetry.TrackJobCompleted(string(job.Kind), string(status), time.Since(claimedAt).Seconds())
	d.emitJobCompleted(ctx, job, status)
}

type jobEnvelope struct {
	ProjectID string `json:"projectId"`
}

func (d *Dispatcher) emitJobCompleted(ctx context.Context, job *model.Job, status model.JobStatus) {
	var env jobEnvelope
	if err := json.Unmarshal(job.Payload, &env); err != nil || env.ProjectID == "" {
		d.logger.Warn("job payload missing projectId, skipping job_completed event", "job_id", job.ID)
		return
	}
	statusStr := string(status)
	if _, err := d.events.AppendEvent(ctx, &model.Event{
		ProjectID: env.ProjectID,
		Kind:      model.EventKindJobCompleted,
		TargetID:  job.ID,
		Status:    &statusStr,
		Timestamp: time.Now(),
	}); err != nil {
		d.logger.Error("append job_completed event failed", "job_id", job.ID, "error", err)
	}
}
