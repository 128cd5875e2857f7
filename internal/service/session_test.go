package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/sandbox/mock"
)

func newTestSessionService(t *testing.T, store *fakeStore, g *fakeGit, sandboxes *mock.Provider) *SessionService {
	t.Helper()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	return NewSessionService(store, g, sandboxes, queue, 15*time.Minute, testLogger())
}

func TestSessionService_Initialize_FirstInitReachesReady(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	sandboxes := mock.NewProvider()
	sandboxes.SetImage("workbench/sandbox:latest")

	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", SourceType: model.WorkspaceSourceGit, Status: model.WorkspaceStatusReady}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	store.addAgent(&model.Agent{ProjectID: "p1", Name: "default", IsDefault: true})

	sess := &model.Session{ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusInitializing}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := newTestSessionService(t, store, g, sandboxes)
	require.NoError(t, svc.Initialize(context.Background(), "p1", sess.ID, ""))

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusReady, got.Status)
	require.NotNil(t, got.WorkspacePath)
	require.NotNil(t, got.AgentID)
	require.Equal(t, "sha-initial", *got.WorkspaceCommit)

	sb, err := sandboxes.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "workbench/sandbox:latest", sb.Image)
}

func TestSessionService_Initialize_NoDefaultAgentFails(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	sandboxes := mock.NewProvider()

	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", SourceType: model.WorkspaceSourceGit, Status: model.WorkspaceStatusReady}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	sess := &model.Session{ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusInitializing}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := newTestSessionService(t, store, g, sandboxes)
	err := svc.Initialize(context.Background(), "p1", sess.ID, "")
	require.Error(t, err)

	got, getErr := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, getErr)
	require.Equal(t, model.SessionStatusError, got.Status)
}

func TestSessionService_Initialize_ReconcileSkipsRecreateWhenHealthy(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	sandboxes := mock.NewProvider()
	sandboxes.SetImage("workbench/sandbox:latest")

	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", SourceType: model.WorkspaceSourceGit, Status: model.WorkspaceStatusReady}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))
	agentID := "agent-1"
	store.addAgent(&model.Agent{ID: agentID, ProjectID: "p1", Name: "default", IsDefault: true})

	path := "/tmp/sessions/sess1"
	commit := "sha-initial"
	sess := &model.Session{
		ID: "sess1", ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1",
		Status: model.SessionStatusStopped, AgentID: &agentID,
		WorkspacePath: &path, WorkspaceCommit: &commit,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	_, err := sandboxes.Create(context.Background(), sess.ID, sandboxNoopOpts("workbench/sandbox:latest"))
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := newTestSessionService(t, store, g, sandboxes)
	require.NoError(t, svc.Initialize(context.Background(), "p1", sess.ID, ""))

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusReady, got.Status)
}

func TestSessionService_Delete_TearsDownSandboxAndRow(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	sandboxes := mock.NewProvider()

	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", SourceType: model.WorkspaceSourceGit, Status: model.WorkspaceStatusReady}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))
	sess := &model.Session{ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusReady}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	_, err := sandboxes.Create(context.Background(), sess.ID, sandboxNoopOpts(""))
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := newTestSessionService(t, store, g, sandboxes)
	require.NoError(t, svc.delete(context.Background(), "p1", sess.ID))

	_, err = store.GetSession(context.Background(), sess.ID)
	require.Error(t, err)

	_, err = sandboxes.Get(context.Background(), sess.ID)
	require.Error(t, err)
}
