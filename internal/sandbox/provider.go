// Package sandbox abstracts CRUD over container-like compute units that
// host the in-sandbox coding agent: create/start/stop/remove, one-shot
// exec, bidirectional stream, PTY attach, port mapping, and image
// labeling. Concrete backends live in sub-packages (docker, k8sprovider,
// mock).
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Status is the lifecycle state of a sandbox as reported by the backend.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned by Get/Remove/Exec/Attach when sessionID has no
// known sandbox. Remove returns it too; callers that want idempotent
// removal treat it as success, other callers surface it.
var ErrNotFound = errors.New("sandbox: not found")

// ErrAlreadyExists is returned by Create when a sandbox already exists
// under sessionID.
var ErrAlreadyExists = errors.New("sandbox: already exists")

// ResourceConfig bounds a sandbox's resource usage and idle lifetime.
type ResourceConfig struct {
	Timeout  time.Duration
	CPULimit string
	MemLimit string
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	SharedSecret    string
	Labels          map[string]string
	WorkspacePath   string
	WorkspaceSource string
	WorkspaceCommit string
	Image           string
	Resources       ResourceConfig
}

// PortMapping is one container-port -> host-port binding.
type PortMapping struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

// Sandbox is the state of a sandbox as reported by Get/List.
type Sandbox struct {
	SessionID string
	Status    Status
	Image     string
	Ports     []PortMapping
	Error     string
}

// ExecOptions configures a one-shot Exec call.
type ExecOptions struct {
	WorkDir string
	Env     []string
	Stdin   io.Reader
}

// ExecResult is the outcome of a one-shot Exec call.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Stream is a bidirectional byte stream used for port forwarding (socat)
// and the SFTP subsystem.
type Stream interface {
	io.ReadWriteCloser
}

// AttachOptions configures an interactive PTY session. User of "" means
// the container's default user.
type AttachOptions struct {
	Rows uint16
	Cols uint16
	User string
}

// PTY is an attached interactive terminal.
type PTY interface {
	io.ReadWriter
	Resize(rows, cols uint16) error
	Wait() error
	Close() error
}

// ImageCleaner is implemented by providers that keep a local image cache
// worth pruning after a reconciliation pass. Providers that don't cache
// images (e.g. Kubernetes pulling straight from a registry) need not
// implement it.
type ImageCleaner interface {
	CleanupImages(ctx context.Context) error
}

// Provider is a sandbox is a compute unit identified by sessionID,
// carrying a container image, a host-port mapping exposing the
// in-sandbox agent on container port 3002, a shared secret used to
// authenticate the sidecar API, labels, and resource/timeout limits.
//
// All operations are idempotent with respect to ErrNotFound on removal;
// every other error is surfaced verbatim to the caller.
type Provider interface {
	// Create creates (but does not start) a sandbox. Returns
	// ErrAlreadyExists if another sandbox under sessionID exists.
	Create(ctx context.Context, sessionID string, opts CreateOptions) (*Sandbox, error)

	// Start transitions created|stopped -> running. On any failure the
	// sandbox is left in StatusFailed and the error is returned; volumes
	// are preserved.
	Start(ctx context.Context, sessionID string) error

	// Stop requests graceful shutdown, then hard-kills after grace.
	// Idempotent once stopped.
	Stop(ctx context.Context, sessionID string, grace time.Duration) error

	// Remove removes the sandbox. Returns ErrNotFound if absent; callers
	// that want idempotent removal should treat that as success.
	// preserveVolume controls whether the sandbox's persistent volume (if
	// any) survives the removal, per the caller's reuse policy.
	Remove(ctx context.Context, sessionID string, preserveVolume bool) error

	Get(ctx context.Context, sessionID string) (*Sandbox, error)
	List(ctx context.Context) ([]Sandbox, error)

	Exec(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (*ExecResult, error)
	ExecStream(ctx context.Context, sessionID string, cmd []string, opts ExecOptions) (Stream, error)
	Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error)

	// GetSecret returns the raw shared secret used to authenticate
	// sidecar API calls.
	GetSecret(ctx context.Context, sessionID string) (string, error)

	// Image is the globally configured expected image, used by
	// reconciliation to detect sandboxes that need recreation.
	Image() string
}
