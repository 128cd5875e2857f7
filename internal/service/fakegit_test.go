package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandboxworks/workbench/internal/git"
	"github.com/sandboxworks/workbench/internal/sandbox"
)

func sandboxNoopOpts(image string) sandbox.CreateOptions {
	return sandbox.CreateOptions{SharedSecret: "secret", Image: image}
}

// fakeGit is an in-memory git.Provider stand-in: no real repos, just
// enough bookkeeping to exercise the workspace/session/commit
// executors' control flow.
type fakeGit struct {
	mu           sync.Mutex
	heads        map[string]string // workspaceID -> HEAD sha
	branches     map[string][]string
	sessionDirs  map[string]string
	ensureErr    error
	workingDirErr error
	appliedSHA   string
	applyErr     error
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		heads:       make(map[string]string),
		branches:    make(map[string][]string),
		sessionDirs: make(map[string]string),
	}
}

func (g *fakeGit) EnsureWorkspace(ctx context.Context, workspaceID, source, commit string) (string, error) {
	if g.ensureErr != nil {
		return "", g.ensureErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if commit != "" {
		g.heads[workspaceID] = commit
	}
	if g.heads[workspaceID] == "" {
		g.heads[workspaceID] = "sha-initial"
	}
	return g.heads[workspaceID], nil
}

func (g *fakeGit) NewSessionWorkingDir(ctx context.Context, workspaceID, sessionID, commit string) (string, error) {
	if g.workingDirErr != nil {
		return "", g.workingDirErr
	}
	dir := "/tmp/sessions/" + sessionID
	g.mu.Lock()
	g.sessionDirs[sessionID] = dir
	g.mu.Unlock()
	return dir, nil
}

func (g *fakeGit) ReleaseWorkspace(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessionDirs, sessionID)
	return nil
}

func (g *fakeGit) SharedWorkspaceDir(workspaceID string) string {
	return "/tmp/workspaces/" + workspaceID
}

func (g *fakeGit) Status(ctx context.Context, dir string) ([]git.FileStatus, error) { return nil, nil }

func (g *fakeGit) Branches(ctx context.Context, dir string) ([]string, error) {
	return []string{"main"}, nil
}

func (g *fakeGit) Diff(ctx context.Context, dir, path string) (string, error) { return "", nil }

func (g *fakeGit) ReadFile(ctx context.Context, dir, path string) ([]byte, error) { return nil, nil }

func (g *fakeGit) WriteFile(ctx context.Context, dir, path string, content []byte) error { return nil }

func (g *fakeGit) Stage(ctx context.Context, dir string, paths ...string) error { return nil }

func (g *fakeGit) Commit(ctx context.Context, dir, message, authorName, authorEmail string) (string, error) {
	return "sha-commit", nil
}

func (g *fakeGit) Log(ctx context.Context, dir string, limit int) ([]git.LogEntry, error) {
	return nil, nil
}

func (g *fakeGit) Checkout(ctx context.Context, dir, ref string) error { return nil }

func (g *fakeGit) CreateOrResetBranch(ctx context.Context, workspaceID, branch, baseCommit string) error {
	return nil
}

func (g *fakeGit) ApplyMailboxPatches(ctx context.Context, workspaceID, branch string, patches []byte) (string, error) {
	if g.applyErr != nil {
		return "", g.applyErr
	}
	if g.appliedSHA != "" {
		return g.appliedSHA, nil
	}
	return "sha-applied", nil
}

var _ git.Provider = (*fakeGit)(nil)

var errBoom = fmt.Errorf("boom")
