package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxworks/workbench/internal/errclass"
	"github.com/sandboxworks/workbench/internal/git"
	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/sandbox"
)

// SessionService owns the session state machine (spec §4.G): CRUD plus
// the session_init and session_delete executors. session_commit is run
// by the separate CommitService in commit.go, which takes its own Store
// and git provider and reaches sandboxes through a SandboxClientFactory.
type SessionService struct {
	store       Store
	git         git.Provider
	sandboxes   sandbox.Provider
	queue       *jobs.Queue
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewSessionService returns a SessionService.
func NewSessionService(store Store, gitProvider git.Provider, sandboxProvider sandbox.Provider, queue *jobs.Queue, idleTimeout time.Duration, logger *slog.Logger) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{store: store, git: gitProvider, sandboxes: sandboxProvider, queue: queue, idleTimeout: idleTimeout, logger: logger}
}

// sessionInitExecutor adapts SessionService.Initialize to jobs.Executor
// for model.JobKindSessionInit.
type sessionInitExecutor struct{ svc *SessionService }

func (e *sessionInitExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload jobs.SessionInitPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return errclass.New(errclass.KindFatal, err)
	}
	return e.svc.Initialize(ctx, payload.ProjectID, payload.SessionID, payload.AgentID)
}

// InitExecutor returns the jobs.Executor to register for model.JobKindSessionInit.
func (s *SessionService) InitExecutor() jobs.Executor { return &sessionInitExecutor{svc: s} }

// sessionDeleteExecutor adapts SessionService.delete to jobs.Executor
// for model.JobKindSessionDelete.
type sessionDeleteExecutor struct{ svc *SessionService }

func (e *sessionDeleteExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload jobs.SessionDeletePayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return errclass.New(errclass.KindFatal, err)
	}
	return e.svc.delete(ctx, payload.ProjectID, payload.SessionID)
}

// DeleteExecutor returns the jobs.Executor to register for model.JobKindSessionDelete.
func (s *SessionService) DeleteExecutor() jobs.Executor { return &sessionDeleteExecutor{svc: s} }

// Create inserts a new session in initializing status and enqueues its
// session_init job, mirroring discobot's CreateSession.
func (s *SessionService) Create(ctx context.Context, projectID, workspaceID, name, agentID string) (*model.Session, error) {
	sess := &model.Session{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		WorkspaceID:  workspaceID,
		Name:         name,
		Status:       model.SessionStatusInitializing,
		CommitStatus: model.CommitStatusNone,
	}
	if agentID != "" {
		sess.AgentID = strPtr(agentID)
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("service: create session: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, model.JobKindSessionInit, jobs.FifoKeyForSession(sess.ID), jobs.SessionInitPayload{
		ProjectID:   projectID,
		SessionID:   sess.ID,
		WorkspaceID: workspaceID,
		AgentID:     agentID,
	}); err != nil && !errors.Is(err, jobs.ErrAlreadyPending) {
		return nil, fmt.Errorf("service: enqueue session_init: %w", err)
	}
	return sess, nil
}

// Get returns a session by ID.
func (s *SessionService) Get(ctx context.Context, id string) (*model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListByWorkspace returns every session bound to a workspace.
func (s *SessionService) ListByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error) {
	return s.store.ListSessionsByWorkspace(ctx, workspaceID)
}

// Delete transitions a session to removing and enqueues its teardown.
func (s *SessionService) Delete(ctx context.Context, projectID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("service: load session %s: %w", sessionID, err)
	}
	publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusRemoving, nil)
	_, err = s.queue.Enqueue(ctx, model.JobKindSessionDelete, jobs.FifoKeyForSession(sess.ID), jobs.SessionDeletePayload{
		ProjectID: projectID,
		SessionID: sessionID,
	})
	if err != nil && !errors.Is(err, jobs.ErrAlreadyPending) {
		return fmt.Errorf("service: enqueue session_delete: %w", err)
	}
	return nil
}

// Initialize implements the session_init executor (spec §4.G.1).
func (s *SessionService) Initialize(ctx context.Context, projectID, sessionID, requestedAgentID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return errclass.New(errclass.KindNotFound, fmt.Errorf("load session %s: %w", sessionID, err))
	}

	firstInit := sess.WorkspacePath == nil

	if firstInit {
		if sess.AgentID == nil {
			agentID := requestedAgentID
			if agentID == "" {
				def, err := s.store.GetDefaultAgent(ctx, projectID)
				if err != nil || def == nil {
					errMsg := "no default agent is configured"
					publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
					return errclass.New(errclass.KindFatal, errors.New(errMsg))
				}
				agentID = def.ID
			}
			if err := s.store.SetSessionAgent(ctx, sessionID, agentID); err != nil {
				return errclass.New(errclass.KindTransient, fmt.Errorf("set session agent: %w", err))
			}
		}

		ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID)
		if err != nil {
			return errclass.New(errclass.KindNotFound, fmt.Errorf("load workspace %s: %w", sess.WorkspaceID, err))
		}
		workspaceCommit := derefStr(ws.Commit)
		if ws.SourceType == model.WorkspaceSourceGit {
			headSHA, err := s.git.EnsureWorkspace(ctx, sess.WorkspaceID, ws.Source, "")
			if err != nil {
				errMsg := err.Error()
				publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
				return errclass.New(errclass.KindTransient, fmt.Errorf("ensure workspace: %w", err))
			}
			workspaceCommit = headSHA
		}

		workingDir, err := s.git.NewSessionWorkingDir(ctx, sess.WorkspaceID, sessionID, workspaceCommit)
		if err != nil {
			errMsg := err.Error()
			publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
			return errclass.New(errclass.KindTransient, fmt.Errorf("allocate session working dir: %w", err))
		}
		if err := s.store.SetSessionWorkspaceInfo(ctx, sessionID, workingDir, workspaceCommit); err != nil {
			return errclass.New(errclass.KindTransient, fmt.Errorf("persist session workspace info: %w", err))
		}
		sess.WorkspacePath = strPtr(workingDir)
		sess.WorkspaceCommit = strPtr(workspaceCommit)
	}

	// Idempotent reconcile: a healthy sandbox on the expected image needs
	// no recreation.
	if existing, err := s.sandboxes.Get(ctx, sessionID); err == nil && existing.Status == sandbox.StatusRunning && existing.Image == s.sandboxes.Image() {
		publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusReady, nil)
		return nil
	}

	publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusCloning, nil)
	publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusPullingImage, nil)
	publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusCreatingSandbox, nil)

	secret, err := generateSecret(32)
	if err != nil {
		return errclass.New(errclass.KindFatal, err)
	}

	createOpts := sandbox.CreateOptions{
		SharedSecret:    secret,
		Labels:          map[string]string{"project_id": projectID, "session_id": sessionID},
		WorkspacePath:   derefStr(sess.WorkspacePath),
		WorkspaceSource: sess.WorkspaceID,
		WorkspaceCommit: derefStr(sess.WorkspaceCommit),
		Image:           s.sandboxes.Image(),
		Resources:       sandbox.ResourceConfig{Timeout: s.idleTimeout},
	}

	if _, err := s.sandboxes.Create(ctx, sessionID, createOpts); err != nil {
		if errors.Is(err, sandbox.ErrAlreadyExists) {
			if err := s.sandboxes.Remove(ctx, sessionID, true); err != nil {
				errMsg := err.Error()
				publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
				return errclass.New(errclass.KindTransient, fmt.Errorf("remove stale sandbox: %w", err))
			}
			if _, err := s.sandboxes.Create(ctx, sessionID, createOpts); err != nil {
				errMsg := err.Error()
				publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
				return errclass.New(errclass.KindTransient, fmt.Errorf("recreate sandbox: %w", err))
			}
		} else {
			errMsg := err.Error()
			publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
			return errclass.New(errclass.KindTransient, fmt.Errorf("create sandbox: %w", err))
		}
	}

	if err := s.sandboxes.Start(ctx, sessionID); err != nil {
		_ = s.sandboxes.Remove(ctx, sessionID, true)
		errMsg := err.Error()
		publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusError, &errMsg)
		return errclass.New(errclass.KindTransient, fmt.Errorf("start sandbox: %w", err))
	}

	publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusReady, nil)
	return nil
}

// delete implements the session_delete executor (spec §4.G.3).
func (s *SessionService) delete(ctx context.Context, projectID, sessionID string) error {
	publishSessionUpdated(ctx, s.store, s.logger, projectID, sessionID, model.SessionStatusRemoving, nil)

	grace := 10 * time.Second
	if err := s.sandboxes.Stop(ctx, sessionID, grace); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return errclass.New(errclass.KindTransient, fmt.Errorf("stop sandbox: %w", err))
	}
	if err := s.sandboxes.Remove(ctx, sessionID, false); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return errclass.New(errclass.KindTransient, fmt.Errorf("remove sandbox: %w", err))
	}
	if err := s.git.ReleaseWorkspace(ctx, sessionID); err != nil {
		s.logger.Warn("release session working dir failed", "session_id", sessionID, "error", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("delete session row: %w", err))
	}
	return nil
}
