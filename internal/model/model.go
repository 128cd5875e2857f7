// Package model defines the domain entities persisted by internal/store.
package model

import "time"

// WorkspaceStatus is the lifecycle state of a Workspace.
type WorkspaceStatus string

const (
	WorkspaceStatusInitializing WorkspaceStatus = "initializing"
	WorkspaceStatusReady        WorkspaceStatus = "ready"
	WorkspaceStatusError        WorkspaceStatus = "error"
)

// WorkspaceSourceType distinguishes a local filesystem source from a
// remote git URL.
type WorkspaceSourceType string

const (
	WorkspaceSourceLocal WorkspaceSourceType = "local"
	WorkspaceSourceGit   WorkspaceSourceType = "git"
)

// Workspace is a git clone shared by every session in a project.
type Workspace struct {
	ID          string
	ProjectID   string
	Path        string
	SourceType  WorkspaceSourceType
	Source      string
	DisplayName *string
	Status      WorkspaceStatus
	Commit      *string
	Branches    []string
	ErrorMessage *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStatusInitializing    SessionStatus = "initializing"
	SessionStatusReinitializing  SessionStatus = "reinitializing"
	SessionStatusCloning         SessionStatus = "cloning"
	SessionStatusPullingImage    SessionStatus = "pulling_image"
	SessionStatusCreatingSandbox SessionStatus = "creating_sandbox"
	SessionStatusReady           SessionStatus = "ready"
	SessionStatusRunning         SessionStatus = "running"
	SessionStatusStopped         SessionStatus = "stopped"
	SessionStatusError           SessionStatus = "error"
	SessionStatusRemoving        SessionStatus = "removing"
)

// InitializingStates are the states session_init is responsible for
// driving the session through on the way to ready.
var InitializingStates = []SessionStatus{
	SessionStatusInitializing,
	SessionStatusReinitializing,
	SessionStatusCloning,
	SessionStatusPullingImage,
	SessionStatusCreatingSandbox,
}

// CommitStatus is the lifecycle state of a Session's commit pipeline.
type CommitStatus string

const (
	CommitStatusNone       CommitStatus = "none"
	CommitStatusPending    CommitStatus = "pending"
	CommitStatusCommitting CommitStatus = "committing"
	CommitStatusCompleted  CommitStatus = "completed"
	CommitStatusFailed     CommitStatus = "failed"
)

// Session is an ephemeral workbench tied to a workspace and a sandbox.
type Session struct {
	ID          string
	ProjectID   string
	WorkspaceID string
	AgentID     *string
	Name        string
	DisplayName *string
	Status      SessionStatus

	// WorkspacePath and WorkspaceCommit are set exactly once, at first
	// successful init, and never overwritten.
	WorkspacePath   *string
	WorkspaceCommit *string

	BaseCommit    *string
	AppliedCommit *string
	CommitStatus  CommitStatus
	CommitError   *string
	ErrorMessage  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is a recipe used to materialize the in-sandbox coding agent.
type Agent struct {
	ID          string
	ProjectID   string
	Name        string
	Description *string
	Type        string
	Prompt      string
	ModelOpts   map[string]string
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentMCPServer is an MCP server configuration attached to an Agent.
type AgentMCPServer struct {
	ID      string
	AgentID string
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// JobKind identifies which executor a Job is dispatched to.
type JobKind string

const (
	JobKindWorkspaceInit  JobKind = "workspace_init"
	JobKindSessionInit    JobKind = "session_init"
	JobKindSessionCommit  JobKind = "session_commit"
	JobKindSessionDelete  JobKind = "session_delete"
)

// JobStatus is the lifecycle state of a queued Job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusLeased    JobStatus = "leased"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a row in the durable FIFO-per-key job queue.
type Job struct {
	ID             string
	Kind           JobKind
	FifoKey        string
	Payload        []byte
	Status         JobStatus
	Attempt        int
	MaxAttempts    int
	NotBefore      time.Time
	LeaseExpiresAt *time.Time
	LeaseOwner     *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EventKind identifies the shape of an Event's payload.
type EventKind string

const (
	EventKindSessionUpdated   EventKind = "session_updated"
	EventKindWorkspaceUpdated EventKind = "workspace_updated"
	EventKindJobCompleted     EventKind = "job_completed"
)

// Event is an append-only row tailed by the poller and forwarded to the
// broker. Sequence is monotone and gap-free per project.
type Event struct {
	ID        string
	ProjectID string
	Kind      EventKind
	TargetID  string
	Status    *string
	Message   *string
	Sequence  int64
	Timestamp time.Time
}

// Credential is an OAuth/API secret stored encrypted at rest.
type Credential struct {
	ID               string
	ProjectID        string
	Provider         string
	SecretCiphertext []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProjectMemberRole is the access level a user holds within a project.
type ProjectMemberRole string

const (
	ProjectMemberRoleOwner  ProjectMemberRole = "owner"
	ProjectMemberRoleAdmin  ProjectMemberRole = "admin"
	ProjectMemberRoleMember ProjectMemberRole = "member"
)

// ProjectMember links a User to a Project with a role.
type ProjectMember struct {
	ProjectID string
	UserID    string
	Role      ProjectMemberRole
	CreatedAt time.Time
}

// Invitation is a pending project_invitations row.
type Invitation struct {
	ID        string
	ProjectID string
	Email     string
	Role      ProjectMemberRole
	Token     string
	ExpiresAt time.Time
	AcceptedAt *time.Time
	CreatedAt time.Time
}

// MessageRole distinguishes who authored a Message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessagePartKind tags a Message's content union.
type MessagePartKind string

const (
	MessagePartText       MessagePartKind = "text"
	MessagePartToolCall   MessagePartKind = "tool_call"
	MessagePartToolResult MessagePartKind = "tool_result"
)

// MessagePart is one element of a Message's tagged-union content.
type MessagePart struct {
	Kind       MessagePartKind
	Text       string
	ToolName   string
	ToolInput  []byte
	ToolOutput []byte
}

// Message is one turn of a session's chat transcript, mirrored from the
// sidecar for history/search purposes.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Parts     []MessagePart
	CreatedAt time.Time
}

// UserPreference is a single (userID, key) -> value setting.
type UserPreference struct {
	UserID    string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Project is the top-level ownership boundary.
type Project struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is an authenticated account. Authentication itself is out of
// scope; this is a persistence record only.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// TerminalHistoryEntry is one recorded terminal command for a session.
type TerminalHistoryEntry struct {
	ID        string
	SessionID string
	Command   string
	ExitCode  int
	CreatedAt time.Time
}

// UserSession is a logged-in browser session (cookie/token record).
type UserSession struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	CreatedAt time.Time
}
