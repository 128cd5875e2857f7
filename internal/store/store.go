// Package store is a thin transactional layer over SQLite and PostgreSQL
// providing persistence and status transitions for every model entity,
// plus the durable job-queue primitives the dispatcher relies on.
package store

import (
	"context"
	"time"

	"github.com/sandboxworks/workbench/internal/model"
)

// Store is implemented by SQLiteStore and PostgresStore. All methods
// are safe for concurrent use.
type Store interface {
	Close() error

	// Users / Projects / Membership

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]model.ProjectMember, error)
	AddProjectMember(ctx context.Context, m *model.ProjectMember) error
	CreateInvitation(ctx context.Context, inv *model.Invitation) error
	GetInvitation(ctx context.Context, token string) (*model.Invitation, error)
	AcceptInvitation(ctx context.Context, token string, at time.Time) error

	// Workspaces

	CreateWorkspace(ctx context.Context, w *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errMsg *string) error
	UpdateWorkspaceCommit(ctx context.Context, id string, commit string, branches []string) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspacesByProject(ctx context.Context, projectID string) ([]model.Workspace, error)

	// Sessions

	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg *string) error
	SetSessionWorkspaceInfo(ctx context.Context, id, workspacePath, workspaceCommit string) error
	SetSessionAgent(ctx context.Context, id, agentID string) error
	UpdateSessionCommitState(ctx context.Context, id string, status model.CommitStatus, baseCommit, appliedCommit, commitErr *string) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error)
	ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error)
	NullifyAgentReferences(ctx context.Context, agentID string) error

	// Agents

	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Credentials / preferences / messages / terminal history

	UpsertCredential(ctx context.Context, c *model.Credential) error
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	ListUserPreferences(ctx context.Context, userID string) ([]model.UserPreference, error)
	SetUserPreference(ctx context.Context, p *model.UserPreference) error
	AppendMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)
	AppendTerminalHistory(ctx context.Context, e *model.TerminalHistoryEntry) error

	// Job queue

	EnqueueJob(ctx context.Context, j *model.Job) (enqueued bool, err error)
	ClaimReadyJob(ctx context.Context, ownerID string, leaseDuration time.Duration) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID string, extension time.Duration) error
	CompleteJob(ctx context.Context, jobID string, status model.JobStatus, errMsg *string) error
	RetryJob(ctx context.Context, jobID string, notBefore time.Time, errMsg *string) error
	StealExpiredLeases(ctx context.Context, staleGrace time.Duration) (int, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// Events

	AppendEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	ListEventsAfter(ctx context.Context, projectID string, afterSequence int64, limit int) ([]model.Event, error)
	ListEventsSince(ctx context.Context, projectID string, since time.Time, limit int) ([]model.Event, error)
}

// ErrNotFound is returned by Get-style methods when the row is absent.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: not found" }
