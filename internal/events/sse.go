package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sandboxworks/workbench/internal/model"
)

// ReplayStore additionally serves a time-bounded replay for clients
// reconnecting with a `since` cursor.
type ReplayStore interface {
	EventStore
	ListEventsSince(ctx context.Context, projectID string, since time.Time, limit int) ([]model.Event, error)
}

// sseEventData mirrors the wire shape from spec §6: {id, timestamp, data}.
type sseEventData struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

type sessionUpdatedData struct {
	SessionID string  `json:"sessionId"`
	Status    *string `json:"status,omitempty"`
}

type workspaceUpdatedData struct {
	WorkspaceID string  `json:"workspaceId"`
	Status      *string `json:"status,omitempty"`
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventName string, e model.Event) error {
	var data any
	switch e.Kind {
	case model.EventKindSessionUpdated:
		data = sessionUpdatedData{SessionID: e.TargetID, Status: e.Status}
	case model.EventKindWorkspaceUpdated:
		data = workspaceUpdatedData{WorkspaceID: e.TargetID, Status: e.Status}
	default:
		data = map[string]any{"targetId": e.TargetID, "status": e.Status}
	}
	payload := sseEventData{ID: e.ID, Timestamp: e.Timestamp.Format(time.RFC3339), Data: data}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, body); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func eventNameFor(kind model.EventKind) string {
	switch kind {
	case model.EventKindSessionUpdated:
		return "session_updated"
	case model.EventKindWorkspaceUpdated:
		return "workspace_updated"
	default:
		return string(kind)
	}
}

// ServeSSE streams projectID's events to w as text/event-stream. It first
// replays history per the `since`/`after` query cursor (missing or
// malformed cursors mean "live from now", per spec §6), then forwards
// live events from broker until the client disconnects.
func ServeSSE(w http.ResponseWriter, r *http.Request, store ReplayStore, broker *Broker, projectID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("events: ResponseWriter does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"projectId\":%q}\n\n", projectID); err != nil {
		return err
	}
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replay so no live event is missed in the gap
	// between the replay query and the subscription taking effect.
	liveCh, unsubscribe := broker.Subscribe(projectID)
	defer unsubscribe()

	var replayed []model.Event
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		var after int64
		if _, err := fmt.Sscanf(afterStr, "%d", &after); err == nil {
			replayed, _ = store.ListEventsAfter(ctx, projectID, after, 500)
		}
	} else if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			replayed, _ = store.ListEventsSince(ctx, projectID, since, 500)
		}
	}

	seen := make(map[string]bool, len(replayed))
	for _, e := range replayed {
		seen[e.ID] = true
		if err := writeSSEEvent(w, flusher, eventNameFor(e.Kind), e); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-liveCh:
			if !ok {
				return nil
			}
			if seen[e.ID] {
				continue
			}
			if err := writeSSEEvent(w, flusher, eventNameFor(e.Kind), e); err != nil {
				return err
			}
		}
	}
}
