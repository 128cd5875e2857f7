package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandboxworks/workbench/internal/errclass"
	"github.com/sandboxworks/workbench/internal/git"
	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/sandboxapi"
)

// commitNamespacePrompt is the slash-command the agent recognizes as a
// request to rebase its working state onto a new parent commit before
// producing patches (spec §4.G.2 step 3).
const commitNamespacePrompt = "/workbench-commit"

// SandboxClientFactory resolves a session's sidecar client, the same
// path GetClient uses (spec §4.H), so the commit pipeline talks to the
// sandbox through the gatekeeper rather than constructing its own
// client.
type SandboxClientFactory interface {
	GetClient(ctx context.Context, sessionID string) (*sandboxapi.Client, error)
}

// CommitService owns the session_commit executor (spec §4.G.2): the
// at-most-once pipeline that turns an agent's uncommitted work into
// git commits in the shared workspace clone.
type CommitService struct {
	store   Store
	git     git.Provider
	clients SandboxClientFactory
	logger  *slog.Logger
}

// NewCommitService returns a CommitService.
func NewCommitService(store Store, gitProvider git.Provider, clients SandboxClientFactory, logger *slog.Logger) *CommitService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitService{store: store, git: gitProvider, clients: clients, logger: logger}
}

type commitExecutor struct{ svc *CommitService }

func (e *commitExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload jobs.SessionCommitPayload
	if err := decodePayload(job.Payload, &payload); err != nil {
		return errclass.New(errclass.KindFatal, err)
	}
	return e.svc.Commit(ctx, payload.ProjectID, payload.SessionID)
}

// Executor returns the jobs.Executor to register for model.JobKindSessionCommit.
func (s *CommitService) Executor() jobs.Executor { return &commitExecutor{svc: s} }

// Commit runs the commit pipeline for one session (spec §4.G.2).
func (s *CommitService) Commit(ctx context.Context, projectID, sessionID string) (retErr error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return errclass.New(errclass.KindNotFound, fmt.Errorf("load session %s: %w", sessionID, err))
	}

	// Step 1: idempotency gate.
	if sess.CommitStatus == model.CommitStatusCompleted {
		return nil
	}
	if sess.CommitStatus != model.CommitStatusPending && sess.CommitStatus != model.CommitStatusCommitting {
		return nil
	}

	defer func() {
		statusStr := string(sess.Status)
		if _, err := s.store.AppendEvent(ctx, &model.Event{
			ProjectID: projectID,
			Kind:      model.EventKindSessionUpdated,
			TargetID:  sessionID,
			Status:    &statusStr,
			Timestamp: time.Now(),
		}); err != nil {
			s.logger.Error("publish terminal session_updated failed", "session_id", sessionID, "error", err)
		}
	}()

	if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusCommitting, sess.BaseCommit, nil, nil); err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("mark committing: %w", err))
	}

	client, err := s.clients.GetClient(ctx, sessionID)
	if err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("get sandbox client: %w", err))
	}

	baseCommit := derefStr(sess.BaseCommit)

	// Step 2: sync base commit against the workspace's current HEAD.
	headSHA, err := s.workspaceHead(ctx, sess.WorkspaceID)
	if err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("read workspace head: %w", err))
	}

	// The optimistic check runs on every commit, not just when the
	// workspace has advanced: even with an unchanged HEAD, the agent may
	// not have produced patches yet, and step 3's prompt is what asks it
	// to. Only the presence of already-matching patches short-circuits
	// the prompt.
	optimistic, err := client.GetCommits(ctx, baseCommit)
	needsRebase := false
	var cerr *sandboxapi.CommitsError
	switch {
	case errors.As(err, &cerr):
		switch cerr.Body.Error {
		case "parent_mismatch", "no_commits":
			needsRebase = true
		case "invalid_parent", "not_git_repo":
			msg := cerr.Body.Message
			if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusFailed, &baseCommit, nil, &msg); err != nil {
				s.logger.Error("persist commit failure failed", "session_id", sessionID, "error", err)
			}
			return errclass.New(errclass.KindFatal, fmt.Errorf("optimistic patch check: %s: %s", cerr.Body.Error, cerr.Body.Message))
		default:
			return errclass.New(errclass.KindTransient, fmt.Errorf("optimistic patch check: %w", err))
		}
	case err != nil:
		return errclass.New(errclass.KindTransient, fmt.Errorf("optimistic patch check: %w", err))
	case optimistic.CommitCount == 0:
		needsRebase = true
	}

	var result *sandboxapi.CommitsResponse
	if !needsRebase {
		// The agent already has patches whose parent matches baseCommit;
		// advance baseCommit to the workspace's current HEAD (a no-op if
		// the workspace hasn't moved) and apply what we already fetched,
		// per spec E2E scenario #3 — zero POST /chat, one GET /commits.
		baseCommit = headSHA
		if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusCommitting, &baseCommit, nil, nil); err != nil {
			return errclass.New(errclass.KindTransient, fmt.Errorf("persist new base commit: %w", err))
		}
		result = optimistic
	} else {
		// Step 3: re-prompt the agent onto the new parent and wait for it
		// to finish before trying again.
		if err := client.PostChat(ctx, sandboxapi.ChatRequest{
			Messages: []sandboxapi.Message{{
				Role:  "user",
				Parts: []any{map[string]string{"type": "text", "text": fmt.Sprintf("%s %s", commitNamespacePrompt, headSHA)}},
			}},
		}); err != nil {
			return errclass.New(errclass.KindTransient, fmt.Errorf("prompt rebase: %w", err))
		}
		if err := s.waitForChatCompletion(ctx, client); err != nil {
			return errclass.New(errclass.KindTransient, fmt.Errorf("wait for rebase prompt: %w", err))
		}
		baseCommit = headSHA
		if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusCommitting, &baseCommit, nil, nil); err != nil {
			return errclass.New(errclass.KindTransient, fmt.Errorf("persist new base commit: %w", err))
		}

		// Step 4: fetch patches against the now-updated base commit.
		fetched, err := client.GetCommits(ctx, baseCommit)
		if err != nil {
			var cerr *sandboxapi.CommitsError
			if errors.As(err, &cerr) {
				switch cerr.Body.Error {
				case "no_commits":
					applied := baseCommit
					if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusCompleted, &baseCommit, &applied, nil); err != nil {
						return errclass.New(errclass.KindTransient, fmt.Errorf("mark completed (no commits): %w", err))
					}
					return nil
				case "invalid_parent", "not_git_repo":
					msg := cerr.Body.Message
					if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusFailed, &baseCommit, nil, &msg); err != nil {
						s.logger.Error("persist commit failure failed", "session_id", sessionID, "error", err)
					}
					return errclass.New(errclass.KindFatal, fmt.Errorf("fetch commits: %s: %s", cerr.Body.Error, cerr.Body.Message))
				case "parent_mismatch":
					return errclass.New(errclass.KindTransient, fmt.Errorf("fetch commits: parent advanced again, will retry: %w", err))
				}
			}
			return errclass.New(errclass.KindTransient, fmt.Errorf("fetch commits: %w", err))
		}
		result = fetched
	}

	if result.CommitCount == 0 {
		if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusCompleted, &baseCommit, &baseCommit, nil); err != nil {
			return errclass.New(errclass.KindTransient, fmt.Errorf("mark completed (zero commits): %w", err))
		}
		return nil
	}

	// Step 5: apply the mbox patches onto a session-specific branch in
	// the shared workspace clone.
	branch := "session/" + sessionID
	if err := s.git.CreateOrResetBranch(ctx, sess.WorkspaceID, branch, baseCommit); err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("create session branch: %w", err))
	}
	newHead, err := s.git.ApplyMailboxPatches(ctx, sess.WorkspaceID, branch, []byte(result.Patches))
	if err != nil {
		msg := "patch conflict"
		if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusFailed, &baseCommit, nil, &msg); err != nil {
			s.logger.Error("persist patch conflict failed", "session_id", sessionID, "error", err)
		}
		return errclass.New(errclass.KindPatchConflict, fmt.Errorf("apply patches: %w", err))
	}

	// Step 6: record the applied commit.
	if err := s.store.UpdateSessionCommitState(ctx, sessionID, model.CommitStatusCompleted, &baseCommit, &newHead, nil); err != nil {
		return errclass.New(errclass.KindTransient, fmt.Errorf("mark completed: %w", err))
	}
	return nil
}

func (s *CommitService) workspaceHead(ctx context.Context, workspaceID string) (string, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	return derefStr(ws.Commit), nil
}

// waitForChatCompletion drains the SSE stream until [DONE] or the
// stream closes, per spec §4.G.2 step 3 ("wait for the SSE stream to
// signal completion").
func (s *CommitService) waitForChatCompletion(ctx context.Context, client *sandboxapi.Client) error {
	events, err := client.GetChatStream(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Data == "[DONE]" {
			return nil
		}
	}
	return nil
}
