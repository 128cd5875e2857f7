// Package service implements the workspace and session state machines
// (spec §4.F, §4.G, §4.H): the workspace_init/session_init/
// session_commit/session_delete executors plus the sandbox gatekeeper
// that ensures a session's sandbox is ready before any sidecar call.
// Grounded throughout on discobot's service.SessionService/SandboxService
// (_examples/other_examples), generalized from their container/discobot
// naming to this module's sandbox/workbench domain.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandboxworks/workbench/internal/model"
)

// decodePayload unmarshals a job's raw JSON payload into dst.
func decodePayload(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("service: decode job payload: %w", err)
	}
	return nil
}

// Store is the narrow slice of internal/store.Store every service in
// this package needs.
type Store interface {
	CreateWorkspace(ctx context.Context, w *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errMsg *string) error
	UpdateWorkspaceCommit(ctx context.Context, id string, commit string, branches []string) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesByProject(ctx context.Context, projectID string) ([]model.Workspace, error)

	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg *string) error
	SetSessionWorkspaceInfo(ctx context.Context, id, workspacePath, workspaceCommit string) error
	SetSessionAgent(ctx context.Context, id, agentID string) error
	UpdateSessionCommitState(ctx context.Context, id string, status model.CommitStatus, baseCommit, appliedCommit, commitErr *string) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error)
	ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error)

	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error)

	AppendEvent(ctx context.Context, e *model.Event) (*model.Event, error)
}

// publishSessionUpdated persists a status transition and emits the
// matching SSE event, mirroring discobot's updateStatusWithEvent.
func publishSessionUpdated(ctx context.Context, store Store, logger errLogger, projectID, sessionID string, status model.SessionStatus, errMsg *string) {
	if err := store.UpdateSessionStatus(ctx, sessionID, status, errMsg); err != nil {
		logger.Error("update session status failed", "session_id", sessionID, "status", status, "error", err)
	}
	statusStr := string(status)
	if _, err := store.AppendEvent(ctx, &model.Event{
		ProjectID: projectID,
		Kind:      model.EventKindSessionUpdated,
		TargetID:  sessionID,
		Status:    &statusStr,
		Message:   errMsg,
		Timestamp: time.Now(),
	}); err != nil {
		logger.Error("publish session_updated event failed", "session_id", sessionID, "error", err)
	}
}

func publishWorkspaceUpdated(ctx context.Context, store Store, logger errLogger, projectID, workspaceID string, status model.WorkspaceStatus, errMsg *string) {
	if err := store.UpdateWorkspaceStatus(ctx, workspaceID, status, errMsg); err != nil {
		logger.Error("update workspace status failed", "workspace_id", workspaceID, "status", status, "error", err)
	}
	statusStr := string(status)
	if _, err := store.AppendEvent(ctx, &model.Event{
		ProjectID: projectID,
		Kind:      model.EventKindWorkspaceUpdated,
		TargetID:  workspaceID,
		Status:    &statusStr,
		Message:   errMsg,
		Timestamp: time.Now(),
	}); err != nil {
		logger.Error("publish workspace_updated event failed", "workspace_id", workspaceID, "error", err)
	}
}

// errLogger is the minimal slog.Logger surface this package depends on,
// so tests can swap in a no-op without wiring a real handler.
type errLogger interface {
	Error(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// generateSecret returns a cryptographically random hex string of the
// given byte length, matching discobot's generateSecret/
// generateSandboxSecret helper.
func generateSecret(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("service: generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func strPtr(s string) *string { return &s }

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
