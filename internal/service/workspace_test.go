package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxworks/workbench/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorkspaceService_Initialize_SetsReadyAndCommit(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", SourceType: model.WorkspaceSourceGit, Status: model.WorkspaceStatusInitializing}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	svc := NewWorkspaceService(store, g, testLogger())
	require.NoError(t, svc.Initialize(context.Background(), "p1", ws.ID))

	got, err := store.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceStatusReady, got.Status)
	require.Equal(t, "sha-initial", *got.Commit)
	require.Equal(t, []string{"main"}, got.Branches)

	var kinds []model.EventKind
	for _, e := range store.events {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, model.EventKindWorkspaceUpdated)
}

func TestWorkspaceService_Initialize_EnsureWorkspaceFailureMarksError(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	g.ensureErr = errBoom
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", SourceType: model.WorkspaceSourceGit, Status: model.WorkspaceStatusInitializing}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	svc := NewWorkspaceService(store, g, testLogger())
	err := svc.Initialize(context.Background(), "p1", ws.ID)
	require.Error(t, err)

	got, err := store.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceStatusError, got.Status)
}
