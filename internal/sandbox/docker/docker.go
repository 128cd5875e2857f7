// Package docker is the Docker-backed sandbox.Provider: one container
// per session, port 3002 published to a random host port, labels for
// reconciliation, and exec/attach plumbed through the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/sandboxworks/workbench/internal/sandbox"
)

const sidecarContainerPort = "3002/tcp"
const sessionLabel = "workbench.session.id"

// APIClient is the subset of the Docker Engine API this package uses,
// narrowed (per the teacher's client_interface.go pattern) so tests can
// supply a fake.
type APIClient interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, netCfg *dockernetwork.NetworkingConfig, platform *ocispecPlatform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error)
	ContainerExecCreate(ctx context.Context, id string, cfg container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, cfg container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageList(ctx context.Context, opts image.ListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, id string, opts image.RemoveOptions) ([]image.DeleteResponse, error)
	Close() error
}

// ocispecPlatform keeps this interface free of a direct OCI image-spec
// import; the real Docker client accepts *specs.Platform here and nil
// satisfies it identically for our single-platform use.
type ocispecPlatform = struct{ Architecture, OS, Variant string }

// Provider implements sandbox.Provider over the Docker Engine API.
type Provider struct {
	api   APIClient
	image string

	mu      sync.Mutex
	secrets map[string]string
}

// New wraps an existing Docker client as a sandbox.Provider.
func New(api APIClient, expectedImage string) *Provider {
	return &Provider{api: api, image: expectedImage, secrets: make(map[string]string)}
}

// clientAdapter narrows *client.Client to APIClient.
type clientAdapter struct{ cli *client.Client }

func (a *clientAdapter) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, netCfg *dockernetwork.NetworkingConfig, _ *ocispecPlatform, name string) (container.CreateResponse, error) {
	return a.cli.ContainerCreate(ctx, cfg, host, netCfg, nil, name)
}
func (a *clientAdapter) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return a.cli.ContainerStart(ctx, id, opts)
}
func (a *clientAdapter) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	return a.cli.ContainerStop(ctx, id, opts)
}
func (a *clientAdapter) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	return a.cli.ContainerRemove(ctx, id, opts)
}
func (a *clientAdapter) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return a.cli.ContainerInspect(ctx, id)
}
func (a *clientAdapter) ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error) {
	return a.cli.ContainerList(ctx, opts)
}
func (a *clientAdapter) ContainerExecCreate(ctx context.Context, id string, cfg container.ExecOptions) (types.IDResponse, error) {
	return a.cli.ContainerExecCreate(ctx, id, cfg)
}
func (a *clientAdapter) ContainerExecAttach(ctx context.Context, execID string, cfg container.ExecStartOptions) (types.HijackedResponse, error) {
	return a.cli.ContainerExecAttach(ctx, execID, cfg)
}
func (a *clientAdapter) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return a.cli.ContainerExecInspect(ctx, execID)
}
func (a *clientAdapter) ImageList(ctx context.Context, opts image.ListOptions) ([]image.Summary, error) {
	return a.cli.ImageList(ctx, opts)
}
func (a *clientAdapter) ImageRemove(ctx context.Context, id string, opts image.RemoveOptions) ([]image.DeleteResponse, error) {
	return a.cli.ImageRemove(ctx, id, opts)
}
func (a *clientAdapter) Close() error { return a.cli.Close() }

// NewFromEnv builds a Provider from the ambient Docker environment
// (DOCKER_HOST, TLS config, etc.), matching the teacher's client
// construction in internal/docker.NewClient.
func NewFromEnv(expectedImage string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return New(&clientAdapter{cli}, expectedImage), nil
}

func (p *Provider) Image() string { return p.image }

func (p *Provider) containerName(sessionID string) string {
	return "workbench-session-" + sessionID
}

func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	if _, err := p.resolveContainerID(ctx, sessionID); err == nil {
		return nil, sandbox.ErrAlreadyExists
	}

	img := opts.Image
	if img == "" {
		img = p.image
	}

	labels := map[string]string{sessionLabel: sessionID}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := []string{
		"WORKBENCH_SHARED_SECRET=" + opts.SharedSecret,
		"WORKBENCH_WORKSPACE_PATH=" + opts.WorkspacePath,
		"WORKBENCH_WORKSPACE_SOURCE=" + opts.WorkspaceSource,
		"WORKBENCH_WORKSPACE_COMMIT=" + opts.WorkspaceCommit,
	}

	exposed, _, err := nat.ParsePortSpecs([]string{sidecarContainerPort})
	if err != nil {
		return nil, fmt.Errorf("docker: parse port spec: %w", err)
	}
	portBindings := nat.PortMap{}
	for port := range exposed {
		portBindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}
	}

	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        []string{fmt.Sprintf("%s:/workspace", opts.WorkspacePath)},
	}

	_, err = p.api.ContainerCreate(ctx, &container.Config{
		Image:        img,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposed,
	}, hostCfg, nil, nil, p.containerName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}

	p.mu.Lock()
	p.secrets[sessionID] = opts.SharedSecret
	p.mu.Unlock()

	return &sandbox.Sandbox{SessionID: sessionID, Status: sandbox.StatusCreated, Image: img}, nil
}

func (p *Provider) Start(ctx context.Context, sessionID string) error {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := p.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker: start container: %w", err)
	}
	return nil
}

func (p *Provider) Stop(ctx context.Context, sessionID string, grace time.Duration) error {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		if err == sandbox.ErrNotFound {
			return nil
		}
		return err
	}
	secs := int(grace.Seconds())
	return p.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (p *Provider) Remove(ctx context.Context, sessionID string, preserveVolume bool) error {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := p.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: !preserveVolume}); err != nil {
		return fmt.Errorf("docker: remove container: %w", err)
	}
	p.mu.Lock()
	delete(p.secrets, sessionID)
	p.mu.Unlock()
	return nil
}

func (p *Provider) resolveContainerID(ctx context.Context, sessionID string) (string, error) {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel+"="+sessionID)),
	})
	if err != nil {
		return "", fmt.Errorf("docker: list containers: %w", err)
	}
	if len(list) == 0 {
		return "", sandbox.ErrNotFound
	}
	return list[0].ID, nil
}

func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	info, err := p.api.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("docker: inspect container: %w", err)
	}
	sb := &sandbox.Sandbox{SessionID: sessionID, Image: info.Config.Image}
	switch {
	case info.State.Running:
		sb.Status = sandbox.StatusRunning
	case info.State.Dead || info.State.ExitCode != 0:
		sb.Status = sandbox.StatusFailed
		sb.Error = info.State.Error
	default:
		sb.Status = sandbox.StatusStopped
	}
	if info.NetworkSettings != nil {
		for containerPort, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				var hostPort int
				fmt.Sscanf(b.HostPort, "%d", &hostPort)
				sb.Ports = append(sb.Ports, sandbox.PortMapping{ContainerPort: containerPort.Int(), HostPort: hostPort, Protocol: containerPort.Proto()})
			}
		}
	}
	return sb, nil
}

func (p *Provider) List(ctx context.Context) ([]sandbox.Sandbox, error) {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sessionLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	out := make([]sandbox.Sandbox, 0, len(list))
	for _, c := range list {
		sessionID := c.Labels[sessionLabel]
		if sessionID == "" {
			continue
		}
		sb, err := p.Get(ctx, sessionID)
		if err != nil {
			continue
		}
		out = append(out, *sb)
	}
	return out, nil
}

func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	execResp, err := p.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd: cmd, Env: opts.Env, WorkingDir: opts.WorkDir,
		AttachStdout: true, AttachStderr: true, AttachStdin: opts.Stdin != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: exec create: %w", err)
	}
	hijacked, err := p.api.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: exec attach: %w", err)
	}
	defer hijacked.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(hijacked.Conn, opts.Stdin)
			hijacked.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader); err != nil {
		return nil, fmt.Errorf("docker: read exec output: %w", err)
	}

	inspect, err := p.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("docker: exec inspect: %w", err)
	}
	return &sandbox.ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// execStream wraps a Docker hijacked exec connection as a sandbox.Stream
// for port-forwarding (socat) and the SFTP subsystem.
type execStream struct {
	hijacked types.HijackedResponse
}

func (s *execStream) Read(p []byte) (int, error)  { return s.hijacked.Reader.Read(p) }
func (s *execStream) Write(p []byte) (int, error) { return s.hijacked.Conn.Write(p) }
func (s *execStream) Close() error                { s.hijacked.Close(); return nil }

func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	execResp, err := p.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd: cmd, Env: opts.Env, WorkingDir: opts.WorkDir,
		AttachStdin: true, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: exec create: %w", err)
	}
	hijacked, err := p.api.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: exec attach: %w", err)
	}
	return &execStream{hijacked: hijacked}, nil
}

// pty wraps a TTY-mode Docker exec session.
type pty struct {
	hijacked types.HijackedResponse
}

func (t *pty) Read(p []byte) (int, error)     { return t.hijacked.Reader.Read(p) }
func (t *pty) Write(p []byte) (int, error)    { return t.hijacked.Conn.Write(p) }
func (t *pty) Close() error                   { t.hijacked.Close(); return nil }
func (t *pty) Wait() error                    { return nil }
func (t *pty) Resize(rows, cols uint16) error { return nil }

func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	id, err := p.resolveContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	execResp, err := p.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd: []string{"/bin/sh"}, Tty: true, User: opts.User,
		AttachStdin: true, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: exec create: %w", err)
	}
	hijacked, err := p.api.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("docker: exec attach: %w", err)
	}
	return &pty{hijacked: hijacked}, nil
}

func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	secret, ok := p.secrets[sessionID]
	if !ok {
		return "", sandbox.ErrNotFound
	}
	return secret, nil
}

// CleanupImages prunes images not referenced by any known container,
// implementing sandbox.ImageCleaner.
func (p *Provider) CleanupImages(ctx context.Context) error {
	images, err := p.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("docker: list images: %w", err)
	}
	containers, err := p.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return fmt.Errorf("docker: list containers: %w", err)
	}
	inUse := make(map[string]bool, len(containers))
	for _, c := range containers {
		inUse[c.ImageID] = true
	}
	for _, img := range images {
		if len(img.RepoTags) > 0 && img.RepoTags[0] == p.image {
			continue
		}
		if inUse[img.ID] {
			continue
		}
		_, _ = p.api.ImageRemove(ctx, img.ID, image.RemoveOptions{Force: false})
	}
	return nil
}

func (p *Provider) Close() error {
	return p.api.Close()
}
