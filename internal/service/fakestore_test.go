package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxworks/workbench/internal/model"
)

// fakeStore is a minimal in-memory Store good enough to exercise the
// workspace/session/commit/sandbox services without a real database.
type fakeStore struct {
	mu         sync.Mutex
	workspaces map[string]*model.Workspace
	sessions   map[string]*model.Session
	agents     map[string]*model.Agent
	events     []model.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: make(map[string]*model.Workspace),
		sessions:   make(map[string]*model.Session),
		agents:     make(map[string]*model.Agent),
	}
}

func (s *fakeStore) CreateWorkspace(ctx context.Context, w *model.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	cp := *w
	s.workspaces[w.ID] = &cp
	return nil
}

func (s *fakeStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (s *fakeStore) UpdateWorkspaceStatus(ctx context.Context, id string, status model.WorkspaceStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("workspace %s not found", id)
	}
	w.Status = status
	w.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) UpdateWorkspaceCommit(ctx context.Context, id string, commit string, branches []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("workspace %s not found", id)
	}
	w.Commit = &commit
	w.Branches = branches
	return nil
}

func (s *fakeStore) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workspaces, id)
	return nil
}

func (s *fakeStore) ListWorkspacesByProject(ctx context.Context, projectID string) ([]model.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Workspace
	for _, w := range s.workspaces {
		if w.ProjectID == projectID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.Status = status
	sess.ErrorMessage = errMsg
	return nil
}

func (s *fakeStore) SetSessionWorkspaceInfo(ctx context.Context, id, workspacePath, workspaceCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.WorkspacePath = &workspacePath
	sess.WorkspaceCommit = &workspaceCommit
	return nil
}

func (s *fakeStore) SetSessionAgent(ctx context.Context, id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.AgentID = &agentID
	return nil
}

func (s *fakeStore) UpdateSessionCommitState(ctx context.Context, id string, status model.CommitStatus, baseCommit, appliedCommit, commitErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.CommitStatus = status
	sess.BaseCommit = baseCommit
	if appliedCommit != nil {
		sess.AppliedCommit = appliedCommit
	}
	sess.CommitError = commitErr
	return nil
}

func (s *fakeStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *fakeStore) ListSessionsByStatuses(ctx context.Context, statuses []model.SessionStatus) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[model.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Session
	for _, sess := range s.sessions {
		if want[sess.Status] {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeStore) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, sess := range s.sessions {
		if sess.WorkspaceID == workspaceID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) GetDefaultAgent(ctx context.Context, projectID string) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.ProjectID == projectID && a.IsDefault {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no default agent for project %s", projectID)
}

func (s *fakeStore) AppendEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.NewString()
	e.Sequence = int64(len(s.events) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, *e)
	return e, nil
}

func (s *fakeStore) addAgent(a *model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	s.agents[a.ID] = a
}
