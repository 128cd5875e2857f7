package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver

	"github.com/sandboxworks/workbench/internal/model"
)

// SQLiteStore implements Store over modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path in WAL mode with a 5s busy timeout and
// applies migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS project_invitations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			accepted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			source_type TEXT NOT NULL,
			source TEXT NOT NULL,
			display_name TEXT,
			status TEXT NOT NULL,
			commit_sha TEXT,
			branches TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_path ON workspaces(path)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			type TEXT NOT NULL,
			prompt TEXT NOT NULL,
			model_opts TEXT,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agent_mcp_servers (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			command TEXT NOT NULL,
			args TEXT,
			env TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			agent_id TEXT,
			name TEXT NOT NULL,
			display_name TEXT,
			status TEXT NOT NULL,
			workspace_path TEXT,
			workspace_commit TEXT,
			base_commit TEXT,
			applied_commit TEXT,
			commit_status TEXT NOT NULL DEFAULT 'none',
			commit_error TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			secret_ciphertext BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS user_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS terminal_history (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			command TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			fifo_key TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			not_before DATETIME NOT NULL,
			lease_expires_at DATETIME,
			lease_owner TEXT,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_fifo_key ON jobs(fifo_key)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, not_before)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			status TEXT,
			message TEXT,
			sequence INTEGER NOT NULL,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS event_sequence_counters (
			project_id TEXT PRIMARY KEY,
			next_sequence INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration %q: %w", stmt[:min(40, len(stmt))], err)
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- users / projects / membership ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, timeOrNow(u.CreatedAt))
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id)
	var u model.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, timeOrNow(p.CreatedAt), now)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, created_at, updated_at FROM projects WHERE id = ?`, id)
	var p model.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) ListProjectMembers(ctx context.Context, projectID string) ([]model.ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id, user_id, role, created_at FROM project_members WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ProjectMember
	for rows.Next() {
		var m model.ProjectMember
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddProjectMember(ctx context.Context, m *model.ProjectMember) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO project_members (project_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
		m.ProjectID, m.UserID, m.Role, timeOrNow(m.CreatedAt))
	return err
}

func (s *SQLiteStore) CreateInvitation(ctx context.Context, inv *model.Invitation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO project_invitations (id, project_id, email, role, token, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ProjectID, inv.Email, inv.Role, inv.Token, inv.ExpiresAt, timeOrNow(inv.CreatedAt))
	return err
}

func (s *SQLiteStore) GetInvitation(ctx context.Context, token string) (*model.Invitation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, email, role, token, expires_at, accepted_at, created_at FROM project_invitations WHERE token = ?`, token)
	var inv model.Invitation
	if err := row.Scan(&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.Token, &inv.ExpiresAt, &inv.AcceptedAt, &inv.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *SQLiteStore) AcceptInvitation(ctx context.Context, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE project_invitations SET accepted_at = ? WHERE token = ?`, at, token)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// --- workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, w *model.Workspace) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO workspaces
		(id, project_id, path, source_type, source, display_name, status, commit_sha, branches, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.Path, w.SourceType, w.Source, w.DisplayName, w.Status, w.Commit, joinBranches(w.Branches), w.ErrorMessage,
		timeOrNow(w.CreatedAt), now)
	return err
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, path, source_type, source, display_name, status, commit_sha, branches, error_message, created_at, updated_at
		FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

func scanWorkspace(row *sql.Row) (*model.Workspace, error) {
	var w model.Workspace
	var branches sql.NullString
	if err := row.Scan(&w.ID, &w.ProjectID, &w.Path, &w.SourceType, &w.Source, &w.DisplayName, &w.Status, &w.Commit, &branches, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Branches = splitBranches(branches.String)
	return &w, nil
}

func (s *SQLiteStore) UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workspaces SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateWorkspaceCommit(ctx context.Context, id string, commit string, branches []string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workspaces SET commit_sha = ?, branches = ?, updated_at = ? WHERE id = ?`,
		commit, joinBranches(branches), time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListWorkspacesByProject(ctx context.Context, projectID string) ([]model.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, source_type, source, display_name, status, commit_sha, branches, error_message, created_at, updated_at
		FROM workspaces WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Workspace
	for rows.Next() {
		var w model.Workspace
		var branches sql.NullString
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Path, &w.SourceType, &w.Source, &w.DisplayName, &w.Status, &w.Commit, &branches, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Branches = splitBranches(branches.String)
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, project_id, workspace_id, agent_id, name, display_name, status, workspace_path, workspace_commit, base_commit, applied_commit, commit_status, commit_error, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.WorkspaceID, sess.AgentID, sess.Name, sess.DisplayName, sess.Status,
		sess.WorkspacePath, sess.WorkspaceCommit, sess.BaseCommit, sess.AppliedCommit, sess.CommitStatus, sess.CommitError, sess.ErrorMessage,
		timeOrNow(sess.CreatedAt), now)
	return err
}

func scanSessionRow(row interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.WorkspaceID, &sess.AgentID, &sess.Name, &sess.DisplayName, &sess.Status,
		&sess.WorkspacePath, &sess.WorkspaceCommit, &sess.BaseCommit, &sess.AppliedCommit, &sess.CommitStatus, &sess.CommitError, &sess.ErrorMessage,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

const sessionColumns = `id, project_id, workspace_id, agent_id, name, display_name, status, workspace_path, workspace_commit, base_commit, applied_commit, commit_status, commit_error, error_message, created_at, updated_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row)
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) SetSessionWorkspaceInfo(ctx context.Context, id, workspacePath, workspaceCommit string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET workspace_path = ?, workspace_commit = ?, updated_at = ?
		WHERE id = ? AND workspace_path IS NULL`, workspacePath, workspaceCommit, time.Now(), id)
	if err != nil {
		return err
	}
	// Not an error if already set (idempotent reconcile); only surface
	// DB errors, not "0 rows" (already-initialized sessions are fine).
	_ = res
	return nil
}

func (s *SQLiteStore) SetSessionAgent(ctx context.Context, id, agentID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET agent_id = ?, updated_at = ? WHERE id = ?`, agentID, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateSessionCommitState(ctx context.Context, id string, status model.CommitStatus, baseCommit, appliedCommit, commitErr *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET commit_status = ?, base_commit = COALESCE(?, base_commit), applied_commit = ?, commit_error = ?, updated_at = ?
		WHERE id = ?`, status, baseCommit, appliedCommit, commitErr, time.Now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListSessionsByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func (s *SQLiteStore) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func scanSessionRows(rows *sql.Rows) ([]model.Session, error) {
	var out []model.Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) NullifyAgentReferences(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET agent_id = NULL, updated_at = ? WHERE agent_id = ?`, time.Now(), agentID)
	return err
}

// --- agents ---

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	now := time.Now()
	opts, err := json.Marshal(a.ModelOpts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (id, project_id, name, description, type, prompt, model_opts, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Name, a.Description, a.Type, a.Prompt, string(opts), a.IsDefault, timeOrNow(a.CreatedAt), now)
	return err
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, name, description, type, prompt, model_opts, is_default, created_at, updated_at FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *SQLiteStore) GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, name, description, type, prompt, model_opts, is_default, created_at, updated_at
		FROM agents WHERE project_id = ? AND is_default = 1 LIMIT 1`, projectID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*model.Agent, error) {
	var a model.Agent
	var opts string
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Description, &a.Type, &a.Prompt, &opts, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if opts != "" {
		_ = json.Unmarshal([]byte(opts), &a.ModelOpts)
	}
	return &a, nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// --- credentials / preferences / messages ---

func (s *SQLiteStore) UpsertCredential(ctx context.Context, c *model.Credential) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO credentials (id, project_id, provider, secret_ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET secret_ciphertext = excluded.secret_ciphertext, updated_at = excluded.updated_at`,
		c.ID, c.ProjectID, c.Provider, c.SecretCiphertext, timeOrNow(c.CreatedAt), now)
	return err
}

func (s *SQLiteStore) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, provider, secret_ciphertext, created_at, updated_at FROM credentials WHERE id = ?`, id)
	var c model.Credential
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Provider, &c.SecretCiphertext, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListUserPreferences(ctx context.Context, userID string) ([]model.UserPreference, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, key, value, updated_at FROM user_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.UserPreference
	for rows.Next() {
		var p model.UserPreference
		if err := rows.Scan(&p.UserID, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetUserPreference(ctx context.Context, p *model.UserPreference) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		p.UserID, p.Key, p.Value, time.Now())
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *model.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, parts, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, string(parts), timeOrNow(m.CreatedAt))
	return err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, parts, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var parts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &parts, &m.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(parts), &m.Parts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTerminalHistory(ctx context.Context, e *model.TerminalHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO terminal_history (id, session_id, command, exit_code, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Command, e.ExitCode, timeOrNow(e.CreatedAt))
	return err
}

// --- job queue ---

// EnqueueJob inserts a job unless a non-terminal job with the same
// (fifo_key, kind) already exists, per spec.md §4.E.1.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, j *model.Job) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE fifo_key = ? AND kind = ? AND status IN ('queued', 'leased')`,
		j.FifoKey, j.Kind)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (id, kind, fifo_key, payload, status, attempt, max_attempts, not_before, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.FifoKey, j.Payload, orDefault(j.MaxAttempts, 5), orTime(j.NotBefore, now), now, now)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ClaimReadyJob atomically claims the oldest queued job whose fifo_key
// has no other leased or queued-ahead-of-it job. SQLite serializes
// writers, so this correlated-subquery UPDATE is safe as a single
// statement under the busy_timeout retry.
func (s *SQLiteStore) ClaimReadyJob(ctx context.Context, ownerID string, leaseDuration time.Duration) (*model.Job, error) {
	now := time.Now()
	lease := now.Add(leaseDuration)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'leased', lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status = 'queued' AND j.not_before <= ?
			AND NOT EXISTS (
				SELECT 1 FROM jobs j2 WHERE j2.fifo_key = j.fifo_key AND j2.status = 'leased'
			)
			AND NOT EXISTS (
				SELECT 1 FROM jobs j3 WHERE j3.fifo_key = j.fifo_key AND j3.status = 'queued' AND j3.created_at < j.created_at
			)
			ORDER BY j.created_at ASC
			LIMIT 1
		)`, ownerID, lease, now, now)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, fifo_key, payload, status, attempt, max_attempts, not_before, lease_expires_at, lease_owner, last_error, created_at, updated_at
		FROM jobs WHERE lease_owner = ? AND status = 'leased' ORDER BY updated_at DESC LIMIT 1`, ownerID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*model.Job, error) {
	var j model.Job
	if err := row.Scan(&j.ID, &j.Kind, &j.FifoKey, &j.Payload, &j.Status, &j.Attempt, &j.MaxAttempts, &j.NotBefore, &j.LeaseExpiresAt, &j.LeaseOwner, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID string, extension time.Duration) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = 'leased'`,
		time.Now().Add(extension), time.Now(), jobID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, status model.JobStatus, errMsg *string) error {
	now := time.Now()
	if status == model.JobStatusQueued {
		// retry path: bump attempt, clear lease; not_before is left as is
		// (RetryJob is the call that sets it)
		res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'queued', attempt = attempt + 1, lease_owner = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ? WHERE id = ?`, errMsg, now, jobID)
		if err != nil {
			return err
		}
		return checkRowsAffected(res)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`, status, errMsg, now, jobID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// RetryJob resets a failed attempt back to queued with a delayed
// notBefore. Exposed for the dispatcher's backoff policy.
func (s *SQLiteStore) RetryJob(ctx context.Context, jobID string, notBefore time.Time, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'queued', attempt = attempt + 1, lease_owner = NULL, lease_expires_at = NULL,
		not_before = ?, last_error = ?, updated_at = ? WHERE id = ?`, notBefore, errMsg, time.Now(), jobID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) StealExpiredLeases(ctx context.Context, staleGrace time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleGrace)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = 'leased' AND lease_expires_at < ?`, time.Now(), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, kind, fifo_key, payload, status, attempt, max_attempts, not_before, lease_expires_at, lease_owner, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// --- events ---

// AppendEvent assigns the next gap-free sequence number for the project
// inside the same statement set, per the §9 cursor-based replay note.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO event_sequence_counters (project_id, next_sequence) VALUES (?, 1)
		ON CONFLICT(project_id) DO NOTHING`, e.ProjectID)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `SELECT next_sequence FROM event_sequence_counters WHERE project_id = ?`, e.ProjectID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE event_sequence_counters SET next_sequence = ? WHERE project_id = ?`, seq+1, e.ProjectID); err != nil {
		return nil, err
	}
	now := time.Now()
	_, err = tx.ExecContext(ctx, `INSERT INTO events (id, project_id, kind, target_id, status, message, sequence, ts) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Kind, e.TargetID, e.Status, e.Message, seq, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Sequence = seq
	e.Timestamp = now
	return e, nil
}

func (s *SQLiteStore) ListEventsAfter(ctx context.Context, projectID string, afterSequence int64, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, kind, target_id, status, message, sequence, ts
		FROM events WHERE project_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`, projectID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) ListEventsSince(ctx context.Context, projectID string, since time.Time, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, kind, target_id, status, message, sequence, ts
		FROM events WHERE project_id = ? AND ts >= ? ORDER BY sequence ASC LIMIT ?`, projectID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.TargetID, &e.Status, &e.Message, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func orTime(t time.Time, def time.Time) time.Time {
	if t.IsZero() {
		return def
	}
	return t
}

func orDefault(n int, def int) int {
	if n == 0 {
		return def
	}
	return n
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func joinBranches(branches []string) string {
	if len(branches) == 0 {
		return ""
	}
	return strings.Join(branches, ",")
}

func splitBranches(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
