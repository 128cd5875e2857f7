// Package events is the in-process event fan-out: a Poller tails the
// events table's monotone sequence per project and a Broker delivers
// those rows to SSE subscribers, with cursor-based replay for clients
// that reconnect with a `since`/`after` cursor.
package events

import (
	"sync"

	"github.com/sandboxworks/workbench/internal/model"
	"github.com/sandboxworks/workbench/internal/telemetry"
)

// subscriberBuffer bounds how many events queue for a slow subscriber
// before the broker drops it rather than block publishing to everyone
// else (spec §9 back-pressure: drop-slowest-subscriber).
const subscriberBuffer = 64

type subscriber struct {
	ch     chan model.Event
	closed bool
}

// Broker fans out events to per-project subscribers. It holds no
// historical state itself; replay on reconnect is served by the caller
// via Store.ListEventsAfter/ListEventsSince after calling Subscribe.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers a new listener for projectID's events. The caller
// must call the returned unsubscribe function when done.
func (b *Broker) Subscribe(projectID string) (<-chan model.Event, func()) {
	sub := &subscriber{ch: make(chan model.Event, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*subscriber]struct{})
	}
	b.subs[projectID][sub] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[projectID]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				if !sub.closed {
					sub.closed = true
					close(sub.ch)
				}
			}
			if len(set) == 0 {
				delete(b.subs, projectID)
			}
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers e to every subscriber of e.ProjectID. A subscriber
// whose buffer is full is dropped (its channel closed and removed)
// rather than blocking delivery to the rest — a dropped subscriber's SSE
// handler should reconnect with a cursor to resume without gaps.
func (b *Broker) Publish(e model.Event) {
	telemetry.TrackEventPublished(string(e.Kind))

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[e.ProjectID]
	if !ok {
		return
	}
	for sub := range set {
		select {
		case sub.ch <- e:
		default:
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			delete(set, sub)
		}
	}
	if len(set) == 0 {
		delete(b.subs, e.ProjectID)
	}
}

// ActiveProjects returns the projects with at least one live subscriber,
// letting the Poller skip projects nobody is watching.
func (b *Broker) ActiveProjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for projectID := range b.subs {
		out = append(out, projectID)
	}
	return out
}
