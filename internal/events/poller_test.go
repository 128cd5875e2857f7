package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sandboxworks/workbench/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *fakeEventStore) append(e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeEventStore) ListEventsAfter(ctx context.Context, projectID string, afterSequence int64, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.ProjectID == projectID && e.Sequence > afterSequence {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func TestPoller_DeliversNewEventsToActiveSubscribers(t *testing.T) {
	store := &fakeEventStore{}
	broker := NewBroker()
	poller := NewPoller(store, broker, PollerConfig{Interval: 10 * time.Millisecond}, nil)

	ch, unsubscribe := broker.Subscribe("proj-1")
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Start(ctx)

	store.append(model.Event{ID: "e1", ProjectID: "proj-1", Kind: model.EventKindSessionUpdated, Sequence: 1})

	select {
	case e := <-ch:
		require.Equal(t, "e1", e.ID)
	case <-time.After(time.Second):
		t.Fatal("poller did not deliver new event")
	}
}

func TestPoller_SkipsProjectsWithNoSubscribers(t *testing.T) {
	store := &fakeEventStore{}
	broker := NewBroker()
	poller := NewPoller(store, broker, PollerConfig{Interval: 10 * time.Millisecond}, nil)

	store.append(model.Event{ID: "e1", ProjectID: "proj-unwatched", Kind: model.EventKindSessionUpdated, Sequence: 1})

	ctx, cancel := context.WithCancel(context.Background())
	poller.tick(ctx)
	cancel()

	poller.mu.Lock()
	_, polled := poller.cursors["proj-unwatched"]
	poller.mu.Unlock()
	require.False(t, polled, "poller should never have queried a project with no subscribers")
}
