package git

import (
	"context"
	"fmt"
)

// StoreWorkspaceSource resolves workspaceID against a backing lookup
// function, decoupling this package from internal/store directly.
type StoreWorkspaceSource struct {
	lookup func(ctx context.Context, workspaceID string) (source string, commit string, err error)
}

// NewStoreWorkspaceSource wraps lookup as a WorkspaceSource.
func NewStoreWorkspaceSource(lookup func(ctx context.Context, workspaceID string) (source string, commit string, err error)) *StoreWorkspaceSource {
	return &StoreWorkspaceSource{lookup: lookup}
}

func (s *StoreWorkspaceSource) Resolve(ctx context.Context, workspaceID string) (string, string, error) {
	if s.lookup == nil {
		return "", "", fmt.Errorf("git: no workspace source configured")
	}
	return s.lookup(ctx, workspaceID)
}
