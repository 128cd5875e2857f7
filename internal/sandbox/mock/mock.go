// Package mock is an in-memory sandbox.Provider for tests. It never
// shells out to a container runtime; Exec returns a fixed canned result
// and the sidecar HTTP surface is served by the test's HTTPHandler.
package mock

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/sandboxworks/workbench/internal/sandbox"
)

type entry struct {
	sb     sandbox.Sandbox
	secret string
	server *httptest.Server
}

// Provider is a sandbox.Provider backed by an in-process map. Tests set
// HTTPHandler to simulate the in-sandbox agent sidecar; the first Start
// of a sandbox starts an httptest.Server wrapping it so the port behaves
// like a real mapped container port.
type Provider struct {
	mu          sync.Mutex
	sandboxes   map[string]*entry
	image       string
	HTTPHandler http.Handler
}

// NewProvider returns an empty mock provider.
func NewProvider() *Provider {
	return &Provider{sandboxes: make(map[string]*entry)}
}

// SetImage configures the image Image() reports for reconciliation
// tests.
func (p *Provider) SetImage(image string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.image = image
}

func (p *Provider) Image() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.image
}

func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sandboxes[sessionID]; ok {
		return nil, sandbox.ErrAlreadyExists
	}
	image := opts.Image
	if image == "" {
		image = p.image
	}
	e := &entry{
		sb: sandbox.Sandbox{
			SessionID: sessionID,
			Status:    sandbox.StatusCreated,
			Image:     image,
		},
		secret: opts.SharedSecret,
	}
	p.sandboxes[sessionID] = e
	sb := e.sb
	return &sb, nil
}

func (p *Provider) Start(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[sessionID]
	if !ok {
		return sandbox.ErrNotFound
	}
	if e.server == nil {
		handler := p.HTTPHandler
		if handler == nil {
			handler = http.NotFoundHandler()
		}
		e.server = httptest.NewServer(handler)
	}
	hostPort := 0
	if addr, ok := e.server.Listener.Addr().(*net.TCPAddr); ok {
		hostPort = addr.Port
	}
	e.sb.Status = sandbox.StatusRunning
	e.sb.Ports = []sandbox.PortMapping{{ContainerPort: 3002, HostPort: hostPort, Protocol: "tcp"}}
	return nil
}

func (p *Provider) Stop(ctx context.Context, sessionID string, grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[sessionID]
	if !ok {
		return nil
	}
	e.sb.Status = sandbox.StatusStopped
	return nil
}

func (p *Provider) Remove(ctx context.Context, sessionID string, preserveVolume bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[sessionID]
	if !ok {
		return sandbox.ErrNotFound
	}
	if e.server != nil {
		e.server.Close()
	}
	delete(p.sandboxes, sessionID)
	return nil
}

func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[sessionID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	sb := e.sb
	return &sb, nil
}

func (p *Provider) List(ctx context.Context) ([]sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sandbox.Sandbox, 0, len(p.sandboxes))
	for _, e := range p.sandboxes {
		out = append(out, e.sb)
	}
	return out, nil
}

// BaseURL returns the mock sidecar's base URL for sessionID, for tests
// that want to point a sandboxapi.Client directly at it.
func (p *Provider) BaseURL(sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[sessionID]
	if !ok || e.server == nil {
		return "", sandbox.ErrNotFound
	}
	return e.server.URL, nil
}

func (p *Provider) Exec(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	p.mu.Lock()
	_, ok := p.sandboxes[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return &sandbox.ExecResult{ExitCode: 0, Stdout: []byte(fmt.Sprintf("mock exec: %v", cmd))}, nil
}

func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	return nil, fmt.Errorf("mock: ExecStream not supported")
}

func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	return nil, fmt.Errorf("mock: Attach not supported")
}

func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[sessionID]
	if !ok {
		return "", sandbox.ErrNotFound
	}
	return e.secret, nil
}
