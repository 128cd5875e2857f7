package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/sandboxapi"
)

// fakeClientFactory returns a sandboxapi.Client pointed at a single
// httptest.Server regardless of sessionID, letting commit tests drive
// the sidecar surface directly.
type fakeClientFactory struct {
	url string
}

func (f *fakeClientFactory) GetClient(ctx context.Context, sessionID string) (*sandboxapi.Client, error) {
	return sandboxapi.New(f.url, "secret"), nil
}

// TestCommitService_Commit_WorkspaceUnchangedNoExistingPatches covers
// spec E2E scenario #2: the workspace hasn't advanced (baseCommit ==
// HEAD) and the agent has no patches staged yet. The optimistic check
// must still run, see commitCount==0, prompt the agent to produce
// patches against the same parent, and re-fetch — exactly one
// POST /chat and two GET /commits — rather than silently treating the
// zero-patch optimistic check as "nothing to commit".
func TestCommitService_Commit_WorkspaceUnchangedNoExistingPatches(t *testing.T) {
	var commitsCalls, chatPosts int
	mux := http.NewServeMux()
	mux.HandleFunc("/commits", func(w http.ResponseWriter, r *http.Request) {
		commitsCalls++
		if commitsCalls == 1 {
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: "", CommitCount: 0})
			return
		}
		_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: "From abc\n", CommitCount: 1})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			chatPosts++
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("event: done\ndata: [DONE]\n\n"))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore()
	g := newFakeGit()
	g.appliedSHA = "sha-applied"
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", Status: model.WorkspaceStatusReady}
	ws.Commit = strPtr("sha-initial")
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	baseCommit := "sha-initial"
	sess := &model.Session{
		ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusReady,
		CommitStatus: model.CommitStatusPending, BaseCommit: &baseCommit,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := NewCommitService(store, g, &fakeClientFactory{url: srv.URL}, testLogger())
	require.NoError(t, svc.Commit(context.Background(), "p1", sess.ID))

	require.Equal(t, 1, chatPosts)
	require.Equal(t, 2, commitsCalls)

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommitStatusCompleted, got.CommitStatus)
	require.Equal(t, "sha-initial", *got.BaseCommit)
	require.Equal(t, "sha-applied", *got.AppliedCommit)
}

func TestCommitService_Commit_AppliesPatchesAndRecordsHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/commits" {
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: "From abc\n", CommitCount: 2})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := newFakeStore()
	g := newFakeGit()
	g.appliedSHA = "sha-new-head"
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", Status: model.WorkspaceStatusReady}
	ws.Commit = strPtr("sha-initial")
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	baseCommit := "sha-initial"
	sess := &model.Session{
		ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusReady,
		CommitStatus: model.CommitStatusPending, BaseCommit: &baseCommit,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := NewCommitService(store, g, &fakeClientFactory{url: srv.URL}, testLogger())
	require.NoError(t, svc.Commit(context.Background(), "p1", sess.ID))

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommitStatusCompleted, got.CommitStatus)
	require.Equal(t, "sha-new-head", *got.AppliedCommit)
}

// TestCommitService_Commit_WorkspaceAdvancedWithExistingPatches covers
// spec E2E scenario #3: the workspace has moved past baseCommit, but
// the agent already has patches staged whose parent matches baseCommit.
// The optimistic check finds them immediately, so the agent is never
// re-prompted and the already-fetched patches are applied directly —
// zero POST /chat, exactly one GET /commits, baseCommit advanced to HEAD.
func TestCommitService_Commit_WorkspaceAdvancedWithExistingPatches(t *testing.T) {
	var commitsCalls, chatPosts int
	mux := http.NewServeMux()
	mux.HandleFunc("/commits", func(w http.ResponseWriter, r *http.Request) {
		commitsCalls++
		_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: "From abc\n", CommitCount: 1})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			chatPosts++
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore()
	g := newFakeGit()
	g.appliedSHA = "sha-applied"
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", Status: model.WorkspaceStatusReady}
	ws.Commit = strPtr("sha-advanced")
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	baseCommit := "sha-old"
	sess := &model.Session{
		ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusReady,
		CommitStatus: model.CommitStatusPending, BaseCommit: &baseCommit,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := NewCommitService(store, g, &fakeClientFactory{url: srv.URL}, testLogger())
	require.NoError(t, svc.Commit(context.Background(), "p1", sess.ID))

	require.Equal(t, 0, chatPosts)
	require.Equal(t, 1, commitsCalls)

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommitStatusCompleted, got.CommitStatus)
	require.Equal(t, "sha-advanced", *got.BaseCommit)
	require.Equal(t, "sha-applied", *got.AppliedCommit)
}

func TestCommitService_Commit_RebasesOnParentMismatchThenCompletes(t *testing.T) {
	var commitsCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/commits", func(w http.ResponseWriter, r *http.Request) {
		commitsCalls++
		if commitsCalls == 1 {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(sandboxapi.CommitsErrorResponse{Error: "parent_mismatch", Message: "parent advanced"})
			return
		}
		_ = json.NewEncoder(w).Encode(sandboxapi.CommitsResponse{Patches: "", CommitCount: 0})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			_, _ = w.Write([]byte("event: done\ndata: [DONE]\n\n"))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newFakeStore()
	g := newFakeGit()
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", Status: model.WorkspaceStatusReady}
	ws.Commit = strPtr("sha-advanced")
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))

	baseCommit := "sha-old"
	sess := &model.Session{
		ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusReady,
		CommitStatus: model.CommitStatusPending, BaseCommit: &baseCommit,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := NewCommitService(store, g, &fakeClientFactory{url: srv.URL}, testLogger())
	require.NoError(t, svc.Commit(context.Background(), "p1", sess.ID))

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommitStatusCompleted, got.CommitStatus)
	require.Equal(t, "sha-advanced", *got.BaseCommit)
}

func TestCommitService_Commit_AlreadyCompletedIsNoop(t *testing.T) {
	store := newFakeStore()
	g := newFakeGit()
	ws := &model.Workspace{ProjectID: "p1", Source: "/tmp/repo", Status: model.WorkspaceStatusReady}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))
	sess := &model.Session{
		ProjectID: "p1", WorkspaceID: ws.ID, Name: "s1", Status: model.SessionStatusReady,
		CommitStatus: model.CommitStatusCompleted,
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := NewCommitService(store, g, &fakeClientFactory{url: "http://unused.invalid"}, testLogger())
	require.NoError(t, svc.Commit(context.Background(), "p1", sess.ID))
}
