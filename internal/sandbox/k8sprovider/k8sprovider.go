// Package k8sprovider is the Kubernetes-backed sandbox.Provider: one Pod
// per session (not a Job — sandboxes are long-lived and addressable, so
// we skip the teacher's fire-and-forget batchv1.Job in favor of a Pod the
// provider starts, execs into, and tears down explicitly), one ClusterIP
// Service exposing port 3002, labels for reconciliation.
package k8sprovider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"

	"github.com/sandboxworks/workbench/internal/sandbox"
)

const (
	sessionLabel   = "workbench.session.id"
	containerName  = "sandbox"
	sidecarPort    = int32(3002)
	defaultTimeout = 30 * time.Second
)

// Provider implements sandbox.Provider over the Kubernetes API, grounded
// on the teacher's NewK8sSpawner client-construction and name-sanitizing
// pattern (internal/orchestrator/spawner_k8s.go), generalized from a
// single Job spawn into full Pod lifecycle management.
type Provider struct {
	client     kubernetes.Interface
	restConfig *rest.Config
	namespace  string
	image      string
	pullPolicy corev1.PullPolicy
}

// New wraps an existing Kubernetes client as a sandbox.Provider.
func New(client kubernetes.Interface, restConfig *rest.Config, namespace, expectedImage string, pullPolicy corev1.PullPolicy) *Provider {
	if namespace == "" {
		namespace = "default"
	}
	return &Provider{client: client, restConfig: restConfig, namespace: namespace, image: expectedImage, pullPolicy: pullPolicy}
}

// NewFromEnv builds a Provider using in-cluster config, falling back to
// ~/.kube/config, exactly as the teacher's NewK8sSpawner does.
func NewFromEnv(namespace, expectedImage string, pullPolicy corev1.PullPolicy) (*Provider, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := filepath.Join(homedir.HomeDir(), ".kube", "config")
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("k8sprovider: load kubeconfig: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: create client: %w", err)
	}
	return New(clientset, config, namespace, expectedImage, pullPolicy), nil
}

func (p *Provider) Image() string { return p.image }

var nameSanitizer = regexp.MustCompile("[^a-z0-9-]+")

func podName(sessionID string) string {
	name := strings.ToLower(sessionID)
	name = nameSanitizer.ReplaceAllString(name, "-")
	return "workbench-" + strings.Trim(name, "-")
}

func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	name := podName(sessionID)
	_, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil, sandbox.ErrAlreadyExists
	}
	if !apierrors.IsNotFound(err) {
		return nil, fmt.Errorf("k8sprovider: check existing pod: %w", err)
	}

	img := opts.Image
	if img == "" {
		img = p.image
	}

	labels := map[string]string{sessionLabel: sessionID}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := []corev1.EnvVar{
		{Name: "WORKBENCH_SHARED_SECRET", Value: opts.SharedSecret},
		{Name: "WORKBENCH_WORKSPACE_PATH", Value: opts.WorkspacePath},
		{Name: "WORKBENCH_WORKSPACE_SOURCE", Value: opts.WorkspaceSource},
		{Name: "WORKBENCH_WORKSPACE_COMMIT", Value: opts.WorkspaceCommit},
	}

	var resources corev1.ResourceRequirements
	if opts.Resources.CPULimit != "" || opts.Resources.MemLimit != "" {
		limits := corev1.ResourceList{}
		if opts.Resources.CPULimit != "" {
			limits[corev1.ResourceCPU] = resource.MustParse(opts.Resources.CPULimit)
		}
		if opts.Resources.MemLimit != "" {
			limits[corev1.ResourceMemory] = resource.MustParse(opts.Resources.MemLimit)
		}
		resources.Limits = limits
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			EnableServiceLinks: boolPtr(false),
			Containers: []corev1.Container{
				{
					Name:            containerName,
					Image:           img,
					ImagePullPolicy: p.pullPolicy,
					Env:             env,
					Resources:       resources,
					Ports: []corev1.ContainerPort{
						{Name: "sidecar", ContainerPort: sidecarPort},
					},
				},
			},
		},
	}

	if _, err := p.client.CoreV1().Pods(p.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("k8sprovider: create pod: %w", err)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{sessionLabel: sessionID},
			Ports: []corev1.ServicePort{
				{Name: "sidecar", Port: sidecarPort, TargetPort: intstr.FromInt32(sidecarPort)},
			},
		},
	}
	if _, err := p.client.CoreV1().Services(p.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("k8sprovider: create service: %w", err)
	}

	return &sandbox.Sandbox{SessionID: sessionID, Status: sandbox.StatusCreated, Image: img}, nil
}

// Start is a no-op: the Pod is scheduled and started by the API server as
// soon as Create returns. Kept for interface symmetry with docker, where
// create and start are genuinely separate steps.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	_, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, podName(sessionID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return sandbox.ErrNotFound
	}
	return err
}

func (p *Provider) Stop(ctx context.Context, sessionID string, grace time.Duration) error {
	name := podName(sessionID)
	secs := int64(grace.Seconds())
	err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &secs})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (p *Provider) Remove(ctx context.Context, sessionID string, preserveVolume bool) error {
	name := podName(sessionID)
	err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("k8sprovider: delete pod: %w", err)
	}
	svcErr := p.client.CoreV1().Services(p.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if svcErr != nil && !apierrors.IsNotFound(svcErr) {
		return fmt.Errorf("k8sprovider: delete service: %w", svcErr)
	}
	if apierrors.IsNotFound(err) {
		return sandbox.ErrNotFound
	}
	return nil
}

func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, podName(sessionID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, sandbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: get pod: %w", err)
	}
	sb := &sandbox.Sandbox{SessionID: sessionID}
	if len(pod.Spec.Containers) > 0 {
		sb.Image = pod.Spec.Containers[0].Image
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		sb.Status = sandbox.StatusRunning
		sb.Ports = []sandbox.PortMapping{{ContainerPort: int(sidecarPort), HostPort: int(sidecarPort), Protocol: "tcp"}}
	case corev1.PodFailed:
		sb.Status = sandbox.StatusFailed
		sb.Error = pod.Status.Reason
	case corev1.PodSucceeded:
		sb.Status = sandbox.StatusStopped
	default:
		sb.Status = sandbox.StatusCreated
	}
	return sb, nil
}

func (p *Provider) List(ctx context.Context) ([]sandbox.Sandbox, error) {
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{LabelSelector: sessionLabel})
	if err != nil {
		return nil, fmt.Errorf("k8sprovider: list pods: %w", err)
	}
	out := make([]sandbox.Sandbox, 0, len(pods.Items))
	for _, pod := range pods.Items {
		sessionID := pod.Labels[sessionLabel]
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
	var stdout, stderr bytes.Buffer
	err := p.execInto(ctx, sessionID, cmd, opts.Stdin, &stdout, &stderr, nil)
	result := &sandbox.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		if exitErr, ok := err.(remotecommand.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, fmt.Errorf("k8sprovider: exec: %w", err)
	}
	return result, nil
}

func (p *Provider) execInto(ctx context.Context, sessionID string, cmd []string, stdin io.Reader, stdout, stderr io.Writer, sizeQueue remotecommand.TerminalSizeQueue) error {
	req := p.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName(sessionID)).
		Namespace(p.namespace).
		SubResource("exec")
	req.VersionedParams(&corev1.PodExecOptions{
		Container: containerName,
		Command:   cmd,
		Stdin:     stdin != nil,
		Stdout:    true,
		Stderr:    true,
		TTY:       sizeQueue != nil,
	}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(p.restConfig, "POST", req.URL())
	if err != nil {
		return fmt.Errorf("k8sprovider: build executor: %w", err)
	}
	return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:             stdin,
		Stdout:            stdout,
		Stderr:            stderr,
		Tty:               sizeQueue != nil,
		TerminalSizeQueue: sizeQueue,
	})
}

// pipeStream adapts the remotecommand Stream call (which wants plain
// io.Reader/io.Writer) into a sandbox.Stream by running the exec in a
// goroutine over an in-process pipe.
type pipeStream struct {
	stdin       *io.PipeWriter
	stdoutRead  *io.PipeReader
	done        chan error
	closeOnce   func()
}

func (s *pipeStream) Read(b []byte) (int, error)  { return s.stdoutRead.Read(b) }
func (s *pipeStream) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *pipeStream) Close() error {
	s.closeOnce()
	return nil
}

func (p *Provider) ExecStream(ctx context.Context, sessionID string, cmd []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- p.execInto(ctx, sessionID, cmd, stdinR, stdoutW, stdoutW, nil)
		stdoutW.Close()
	}()
	return &pipeStream{
		stdin:      stdinW,
		stdoutRead: stdoutR,
		done:       done,
		closeOnce: func() {
			stdinW.Close()
			stdoutR.Close()
		},
	}, nil
}

// sizeQueue implements remotecommand.TerminalSizeQueue over a channel fed
// by PTY.Resize.
type sizeQueue struct {
	ch chan remotecommand.TerminalSize
}

func (q *sizeQueue) Next() *remotecommand.TerminalSize {
	size, ok := <-q.ch
	if !ok {
		return nil
	}
	return &size
}

type pty struct {
	stream *pipeStream
	sizes  *sizeQueue
	done   chan error
}

func (t *pty) Read(p []byte) (int, error)  { return t.stream.Read(p) }
func (t *pty) Write(p []byte) (int, error) { return t.stream.Write(p) }
func (t *pty) Close() error                { close(t.sizes.ch); return t.stream.Close() }
func (t *pty) Wait() error                 { return <-t.done }
func (t *pty) Resize(rows, cols uint16) error {
	t.sizes.ch <- remotecommand.TerminalSize{Width: cols, Height: rows}
	return nil
}

func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	sq := &sizeQueue{ch: make(chan remotecommand.TerminalSize, 1)}
	sq.ch <- remotecommand.TerminalSize{Width: opts.Cols, Height: opts.Rows}
	done := make(chan error, 1)
	stream := &pipeStream{stdin: stdinW, stdoutRead: stdoutR, closeOnce: func() {
		stdinW.Close()
		stdoutR.Close()
	}}
	go func() {
		done <- p.execInto(ctx, sessionID, []string{"/bin/sh"}, stdinR, stdoutW, stdoutW, sq)
		stdoutW.Close()
	}()
	return &pty{stream: stream, sizes: sq, done: done}, nil
}

// GetSecret reads the shared secret back from the WORKBENCH_SHARED_SECRET
// env var that Create set on the Pod spec.
func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, podName(sessionID), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", sandbox.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("k8sprovider: get pod: %w", err)
	}
	for _, c := range pod.Spec.Containers {
		for _, ev := range c.Env {
			if ev.Name == "WORKBENCH_SHARED_SECRET" {
				return ev.Value, nil
			}
		}
	}
	return "", fmt.Errorf("k8sprovider: pod for session %s has no shared secret", sessionID)
}

func boolPtr(b bool) *bool { return &b }
