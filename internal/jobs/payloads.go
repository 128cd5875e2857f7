package jobs

// Payload shapes for the four executors spec §4.F/§4.G register. Kept
// here (rather than in internal/service) so internal/service can depend
// on internal/jobs for both the Queue and the wire shape without a
// circular import back from jobs to service.

// WorkspaceInitPayload is the workspace_init executor's input (spec §4.F).
type WorkspaceInitPayload struct {
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
}

// SessionInitPayload is the session_init executor's input (spec §4.G.1).
type SessionInitPayload struct {
	ProjectID   string `json:"projectId"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	AgentID     string `json:"agentId,omitempty"`
}

// SessionCommitPayload is the session_commit executor's input (spec §4.G.2).
type SessionCommitPayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// SessionDeletePayload is the session_delete executor's input (spec §4.G.3).
type SessionDeletePayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

// FifoKeyForSession is the FIFO key shared by session_init, session_commit,
// and session_delete for a given session, guaranteeing spec §4.G's "no
// init or delete can run concurrently with a commit on the same session".
func FifoKeyForSession(sessionID string) string {
	return "session:" + sessionID
}

// FifoKeyForWorkspace is the FIFO key for workspace_init jobs.
func FifoKeyForWorkspace(workspaceID string) string {
	return "workspace:" + workspaceID
}
