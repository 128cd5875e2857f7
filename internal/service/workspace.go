package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sandboxworks/workbench/internal/errclass"
	"github.com/sandboxworks/workbench/internal/git"
	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
)

// WorkspaceService owns the workspace_init executor (spec §4.F): drive a
// Workspace from initializing to ready by ensuring its shared clone
// exists and recording its current HEAD/branches.
type WorkspaceService struct {
	store  Store
	git    git.Provider
	logger *slog.Logger
}

// NewWorkspaceService returns a WorkspaceService.
func NewWorkspaceService(store Store, gitProvider git.Provider, logger *slog.Logger) *WorkspaceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceService{store: store, git: gitProvider, logger: logger}
}

// Execute implements jobs.Executor for model.JobKindWorkspaceInit.
func (s *WorkspaceService) Execute(ctx context.Context, job *model.Job) error {
	var payload jobs.WorkspaceInitPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return errclass.New(errclass.KindFatal, err)
	}
	return s.Initialize(ctx, payload.ProjectID, payload.WorkspaceID)
}

// Initialize implements spec §4.F's four steps. It is safe to call
// repeatedly: a workspace already ready is simply refreshed rather than
// recreated.
func (s *WorkspaceService) Initialize(ctx context.Context, projectID, workspaceID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return errclass.New(errclass.KindNotFound, fmt.Errorf("load workspace %s: %w", workspaceID, err))
	}

	if ws.Status != model.WorkspaceStatusReady {
		publishWorkspaceUpdated(ctx, s.store, s.logger, projectID, workspaceID, model.WorkspaceStatusInitializing, nil)
	}

	headSHA, err := s.git.EnsureWorkspace(ctx, workspaceID, ws.Source, "")
	if err != nil {
		errMsg := err.Error()
		publishWorkspaceUpdated(ctx, s.store, s.logger, projectID, workspaceID, model.WorkspaceStatusError, &errMsg)
		return errclass.New(errclass.KindTransient, fmt.Errorf("ensure workspace %s: %w", workspaceID, err))
	}

	branches, err := s.git.Branches(ctx, s.git.SharedWorkspaceDir(workspaceID))
	if err != nil {
		s.logger.Warn("list branches failed, continuing with empty list", "workspace_id", workspaceID, "error", err)
		branches = nil
	}

	if err := s.store.UpdateWorkspaceCommit(ctx, workspaceID, headSHA, branches); err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("record workspace commit: %w", err))
	}

	publishWorkspaceUpdated(ctx, s.store, s.logger, projectID, workspaceID, model.WorkspaceStatusReady, nil)
	return nil
}
