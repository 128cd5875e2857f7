package service

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxworks/workbench/internal/events"
	"github.com/sandboxworks/workbench/internal/jobs"
	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/sandbox"
	"github.com/sandboxworks/workbench/internal/sandbox/mock"
	"github.com/sandboxworks/workbench/internal/sandboxapi"
)

func TestSandboxService_GetEndpoint_ReturnsPortAndSecret(t *testing.T) {
	sandboxes := mock.NewProvider()
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	sess := &model.Session{ID: "sess1", ProjectID: "p1", Status: model.SessionStatusReady}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	_, err := sandboxes.Create(context.Background(), sess.ID, sandbox.CreateOptions{SharedSecret: "shh"})
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	endpoint, err := svc.GetEndpoint(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "shh", endpoint.Secret)
	require.NotZero(t, endpoint.Port)
}

func TestSandboxService_GetClient_ReturnsWorkingClient(t *testing.T) {
	sandboxes := mock.NewProvider()
	sandboxes.HTTPHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sandboxapi.HealthResponse{Status: "ok"})
	})
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	sess := &model.Session{ID: "sess1", ProjectID: "p1", Status: model.SessionStatusReady}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	_, err := sandboxes.Create(context.Background(), sess.ID, sandbox.CreateOptions{SharedSecret: "shh"})
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	client, err := svc.GetClient(context.Background(), sess.ID)
	require.NoError(t, err)

	_, err = client.Health(context.Background())
	require.NoError(t, err)
	require.False(t, svc.GetLastActivity(sess.ID).IsZero())
}

func TestSandboxService_ReconcileSessionStates_MarksMissingSandboxStopped(t *testing.T) {
	sandboxes := mock.NewProvider()
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	sess := &model.Session{ID: "sess1", ProjectID: "p1", Status: model.SessionStatusReady}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	require.NoError(t, svc.ReconcileSessionStates(context.Background()))

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusStopped, got.Status)
}

func TestSandboxService_ReconcileSessionStates_RunningSandboxMarksReady(t *testing.T) {
	sandboxes := mock.NewProvider()
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	sess := &model.Session{ID: "sess1", ProjectID: "p1", Status: model.SessionStatusCreatingSandbox}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	_, err := sandboxes.Create(context.Background(), sess.ID, sandbox.CreateOptions{SharedSecret: "shh"})
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	require.NoError(t, svc.ReconcileSessionStates(context.Background()))

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusReady, got.Status)
}

func TestSandboxService_EvictIdleSandboxes_StopsPastDeadline(t *testing.T) {
	sandboxes := mock.NewProvider()
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	sess := &model.Session{ID: "sess1", ProjectID: "p1", Status: model.SessionStatusReady}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	_, err := sandboxes.Create(context.Background(), sess.ID, sandbox.CreateOptions{SharedSecret: "shh"})
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	svc.mu.Lock()
	svc.lastActivity[sess.ID] = time.Now().Add(-time.Hour)
	svc.mu.Unlock()

	require.NoError(t, svc.EvictIdleSandboxes(context.Background(), time.Minute))

	sb, err := sandboxes.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusStopped, sb.Status)

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusStopped, got.Status)
}

func TestSandboxService_EvictIdleSandboxes_SkipsSessionsWithNoRecordedActivity(t *testing.T) {
	sandboxes := mock.NewProvider()
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	sess := &model.Session{ID: "sess1", ProjectID: "p1", Status: model.SessionStatusReady}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	_, err := sandboxes.Create(context.Background(), sess.ID, sandbox.CreateOptions{SharedSecret: "shh"})
	require.NoError(t, err)
	require.NoError(t, sandboxes.Start(context.Background(), sess.ID))

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	require.NoError(t, svc.EvictIdleSandboxes(context.Background(), time.Minute))

	sb, err := sandboxes.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusRunning, sb.Status)
}

func TestSandboxService_ReconcileSandboxes_RemovesOrphan(t *testing.T) {
	sandboxes := mock.NewProvider()
	sandboxes.SetImage("workbench/sandbox:v2")
	store := newFakeStore()
	queue := jobs.NewQueue(newFakeJobStore(), 3)
	broker := events.NewBroker()

	_, err := sandboxes.Create(context.Background(), "orphan-session", sandbox.CreateOptions{SharedSecret: "shh", Image: "workbench/sandbox:v1"})
	require.NoError(t, err)

	svc := NewSandboxService(store, sandboxes, queue, broker, "127.0.0.1", testLogger())
	require.NoError(t, svc.ReconcileSandboxes(context.Background()))

	_, err = sandboxes.Get(context.Background(), "orphan-session")
	require.ErrorIs(t, err, sandbox.ErrNotFound)
}
