package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandboxworks/workbench/internal/events"
	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/sandbox"
	"github.com/sandboxworks/workbench/internal/sandboxapi"
	"github.com/sandboxworks/workbench/internal/telemetry"
)

// sandboxSidecarPort is the container port the in-sandbox sidecar
// listens on (spec §6).
const sandboxSidecarPort = 3002

// SandboxService is the gatekeeper (spec §4.H): GetClient is the only
// supported path for the rest of the service layer to talk to a
// session's sidecar, since it's the one place that knows how to wait
// for (or kick off) sandbox readiness first.
type SandboxService struct {
	store    Store
	provider sandbox.Provider
	queue    *jobs.Queue
	broker   *events.Broker
	host     string
	logger   *slog.Logger

	mu           sync.RWMutex
	lastActivity map[string]time.Time
}

// NewSandboxService returns a SandboxService. host is the address
// sidecar clients dial (e.g. "127.0.0.1" for the docker backend, or a
// cluster-local service DNS name for the k8s backend).
func NewSandboxService(store Store, provider sandbox.Provider, queue *jobs.Queue, broker *events.Broker, host string, logger *slog.Logger) *SandboxService {
	if logger == nil {
		logger = slog.Default()
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &SandboxService{
		store:        store,
		provider:     provider,
		queue:        queue,
		broker:       broker,
		host:         host,
		logger:       logger,
		lastActivity: make(map[string]time.Time),
	}
}

// GetClient ensures sessionID's sandbox is ready and returns a
// sandboxapi.Client pointed at it, recording activity once on return.
// Calls made later through the returned client do not update the
// session's activity timestamp.
func (s *SandboxService) GetClient(ctx context.Context, sessionID string) (*sandboxapi.Client, error) {
	if err := s.ensureSandboxReady(ctx, sessionID); err != nil {
		telemetry.TrackSandboxOp("get_client", "error")
		return nil, err
	}
	endpoint, err := s.GetEndpoint(ctx, sessionID)
	if err != nil {
		telemetry.TrackSandboxOp("get_client", "error")
		return nil, err
	}
	s.RecordActivity(sessionID)
	telemetry.TrackSandboxOp("get_client", "ok")
	return sandboxapi.New(fmt.Sprintf("http://%s:%d", s.host, endpoint.Port), endpoint.Secret), nil
}

// ensureSandboxReady implements spec §4.H steps 1-4.
func (s *SandboxService) ensureSandboxReady(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("service: session %s not found: %w", sessionID, err)
	}

	switch sess.Status {
	case model.SessionStatusReady, model.SessionStatusRunning:
		sb, err := s.provider.Get(ctx, sessionID)
		if errors.Is(err, sandbox.ErrNotFound) || (err == nil && sb.Status != sandbox.StatusRunning) {
			s.logger.Warn("session status looks ready but sandbox isn't running, reconciling", "session_id", sessionID, "status", sess.Status)
			return s.ReconcileSandbox(ctx, sessionID)
		}
		if err != nil {
			return fmt.Errorf("service: check sandbox status: %w", err)
		}
		return nil
	case model.SessionStatusStopped, model.SessionStatusError:
		return s.ReconcileSandbox(ctx, sessionID)
	default:
		// Intermediate states: initializing/reinitializing/cloning/
		// pulling_image/creating_sandbox.
		if err := s.waitForSessionReady(ctx, sessionID); err != nil {
			s.logger.Warn("wait for session ready failed, reconciling", "session_id", sessionID, "error", err)
			return s.ReconcileSandbox(ctx, sessionID)
		}
		return nil
	}
}

// waitForSessionReady polls the session row up to maxWait, per spec
// §4.H step 4.
func (s *SandboxService) waitForSessionReady(ctx context.Context, sessionID string) error {
	const (
		pollInterval = 500 * time.Millisecond
		maxWait      = 30 * time.Second
	)
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("service: session %s not found: %w", sessionID, err)
		}
		switch sess.Status {
		case model.SessionStatusReady:
			return nil
		case model.SessionStatusError, model.SessionStatusStopped:
			return fmt.Errorf("service: session in %s state", sess.Status)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service: timeout waiting for session %s to be ready (status: %s)", sessionID, sess.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReconcileSandbox enqueues session_init and waits for it to finish,
// per spec §4.H steps 2-4's "enqueues a session_init job and waits".
func (s *SandboxService) ReconcileSandbox(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("service: get session %s: %w", sessionID, err)
	}

	job, err := s.queue.Enqueue(ctx, model.JobKindSessionInit, jobs.FifoKeyForSession(sessionID), jobs.SessionInitPayload{
		ProjectID:   sess.ProjectID,
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
		AgentID:     derefStr(sess.AgentID),
	})
	if err != nil {
		if !errors.Is(err, jobs.ErrAlreadyPending) {
			return fmt.Errorf("service: enqueue session_init: %w", err)
		}
		// A session_init is already in flight; just poll the session row
		// for its eventual status rather than wait on a job ID we don't
		// have.
		return s.waitForSessionReady(ctx, sessionID)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	event, err := events.WaitForJobCompletion(waitCtx, s.broker, sess.ProjectID, job.ID)
	if err != nil {
		return fmt.Errorf("service: wait for session_init completion: %w", err)
	}
	if event.Status != nil && *event.Status == string(model.JobStatusFailed) {
		return fmt.Errorf("service: session_init for %s failed", sessionID)
	}
	return nil
}

// ReconcileSandboxes implements spec §4.H's first startup reconciliation
// loop: recreate sandboxes on a stale image, remove orphans.
func (s *SandboxService) ReconcileSandboxes(ctx context.Context) error {
	expectedImage := s.provider.Image()
	if expectedImage == "" {
		return nil
	}

	sandboxes, err := s.provider.List(ctx)
	if err != nil {
		return fmt.Errorf("service: list sandboxes: %w", err)
	}
	s.logger.Info("reconciling sandboxes", "count", len(sandboxes), "expected_image", expectedImage)

	for _, sb := range sandboxes {
		if sb.Image == expectedImage {
			continue
		}
		if _, err := s.store.GetSession(ctx, sb.SessionID); err != nil {
			s.logger.Warn("removing orphaned sandbox with no owning session", "session_id", sb.SessionID, "error", err)
			if err := s.provider.Remove(ctx, sb.SessionID, true); err != nil {
				s.logger.Error("remove orphaned sandbox failed", "session_id", sb.SessionID, "error", err)
			} else {
				telemetry.TrackSandboxReconciled("removed_orphan")
			}
			continue
		}
		if err := s.provider.Remove(ctx, sb.SessionID, true); err != nil {
			s.logger.Error("remove stale-image sandbox failed", "session_id", sb.SessionID, "error", err)
			continue
		}
		telemetry.TrackSandboxReconciled("removed_stale_image")
		if err := s.ReconcileSandbox(ctx, sb.SessionID); err != nil {
			s.logger.Error("recreate stale-image sandbox failed", "session_id", sb.SessionID, "error", err)
		}
	}

	if cleaner, ok := s.provider.(sandbox.ImageCleaner); ok {
		if err := cleaner.CleanupImages(ctx); err != nil {
			s.logger.Warn("cleanup old sandbox images failed", "error", err)
		}
	}
	return nil
}

// ReconcileSessionStates implements spec §4.H's second startup
// reconciliation loop: reconcile the session table against what the
// provider actually reports.
func (s *SandboxService) ReconcileSessionStates(ctx context.Context) error {
	statuses := []model.SessionStatus{
		model.SessionStatusReady,
		model.SessionStatusRunning,
		model.SessionStatusInitializing,
		model.SessionStatusReinitializing,
		model.SessionStatusCloning,
		model.SessionStatusPullingImage,
		model.SessionStatusCreatingSandbox,
	}
	active, err := s.store.ListSessionsByStatuses(ctx, statuses)
	if err != nil {
		return fmt.Errorf("service: list active sessions: %w", err)
	}
	s.logger.Info("reconciling session states", "count", len(active))

	counts := make(map[model.SessionStatus]int, len(statuses))
	for _, sess := range active {
		counts[sess.Status]++
	}
	for _, status := range statuses {
		telemetry.SetSessionsByStatus(string(status), counts[status])
	}

	for _, sess := range active {
		sb, err := s.provider.Get(ctx, sess.ID)
		if errors.Is(err, sandbox.ErrNotFound) {
			s.setStatus(ctx, sess.ID, model.SessionStatusStopped, nil)
			continue
		}
		if err != nil {
			s.logger.Error("get sandbox for reconcile failed", "session_id", sess.ID, "error", err)
			continue
		}

		switch sb.Status {
		case sandbox.StatusFailed:
			errMsg := fmt.Sprintf("sandbox failed: %s", sb.Error)
			s.setStatus(ctx, sess.ID, model.SessionStatusError, &errMsg)
		case sandbox.StatusStopped, sandbox.StatusCreated:
			s.setStatus(ctx, sess.ID, model.SessionStatusStopped, nil)
		case sandbox.StatusRunning:
			if sess.Status == model.SessionStatusRunning {
				s.reconcileRunningSession(ctx, sess)
				continue
			}
			if sess.Status != model.SessionStatusReady {
				s.setStatus(ctx, sess.ID, model.SessionStatusReady, nil)
			}
		}
	}
	return nil
}

func (s *SandboxService) reconcileRunningSession(ctx context.Context, sess model.Session) {
	client, err := s.GetClient(ctx, sess.ID)
	if err != nil {
		s.logger.Warn("chat status unavailable, assuming idle", "session_id", sess.ID, "error", err)
		s.setStatus(ctx, sess.ID, model.SessionStatusReady, nil)
		return
	}
	status, err := client.GetChatStatus(ctx)
	if err != nil || !status.IsRunning {
		s.setStatus(ctx, sess.ID, model.SessionStatusReady, nil)
	}
}

func (s *SandboxService) setStatus(ctx context.Context, sessionID string, status model.SessionStatus, errMsg *string) {
	if err := s.store.UpdateSessionStatus(ctx, sessionID, status, errMsg); err != nil {
		s.logger.Error("reconcile status update failed", "session_id", sessionID, "error", err)
	}
}

// SandboxEndpoint is the host port + secret needed to dial a session's
// sidecar directly.
type SandboxEndpoint struct {
	Port   int
	Secret string
}

// GetEndpoint resolves sessionID's host port mapping for the sidecar
// port and its shared secret.
func (s *SandboxService) GetEndpoint(ctx context.Context, sessionID string) (*SandboxEndpoint, error) {
	sb, err := s.provider.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("service: get sandbox: %w", err)
	}
	var port int
	for _, p := range sb.Ports {
		if p.ContainerPort == sandboxSidecarPort {
			port = p.HostPort
			break
		}
	}
	if port == 0 {
		return nil, fmt.Errorf("service: sandbox port %d not mapped for session %s", sandboxSidecarPort, sessionID)
	}
	secret, err := s.provider.GetSecret(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("service: get sandbox secret: %w", err)
	}
	return &SandboxEndpoint{Port: port, Secret: secret}, nil
}

// RecordActivity stamps sessionID as active now. GetClient calls it each
// time it hands out a client; EvictIdleSandboxes reads the stamp.
func (s *SandboxService) RecordActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity[sessionID] = time.Now()
}

// GetLastActivity returns the zero time if sessionID has no recorded activity.
func (s *SandboxService) GetLastActivity(sessionID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity[sessionID]
}

// EvictIdleSandboxes stops (but does not remove) the sandbox of every
// ready|running session whose last recorded activity is older than
// idleTimeout. A session with no recorded activity yet is left alone —
// it may simply never have made a sidecar call, not be idle. Stopping
// preserves the sandbox's volume so a subsequent GetClient call can
// restart it without losing workspace state.
func (s *SandboxService) EvictIdleSandboxes(ctx context.Context, idleTimeout time.Duration) error {
	if idleTimeout <= 0 {
		return nil
	}
	active, err := s.store.ListSessionsByStatuses(ctx, []model.SessionStatus{
		model.SessionStatusReady,
		model.SessionStatusRunning,
	})
	if err != nil {
		return fmt.Errorf("service: list active sessions: %w", err)
	}

	cutoff := time.Now().Add(-idleTimeout)
	for _, sess := range active {
		last := s.GetLastActivity(sess.ID)
		if last.IsZero() || last.After(cutoff) {
			continue
		}
		s.logger.Info("evicting idle sandbox", "session_id", sess.ID, "last_activity", last)
		if err := s.provider.Stop(ctx, sess.ID, 10*time.Second); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			s.logger.Error("evict idle sandbox: stop failed", "session_id", sess.ID, "error", err)
			continue
		}
		s.setStatus(ctx, sess.ID, model.SessionStatusStopped, nil)
		telemetry.TrackSandboxOp("evict_idle", "ok")
	}
	return nil
}
