package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sandboxworks/workbench/internal/model"
)

// EventStore is the narrow slice of internal/store.Store the poller
// needs, mirroring internal/git's WorkspaceSource pattern so this
// package doesn't import internal/store directly.
type EventStore interface {
	ListEventsAfter(ctx context.Context, projectID string, afterSequence int64, limit int) ([]model.Event, error)
}

// PollerConfig tunes the poller's tick interval and per-tick page size.
type PollerConfig struct {
	Interval time.Duration
	PageSize int
}

// DefaultPollerConfig returns the poller's production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{Interval: 500 * time.Millisecond, PageSize: 200}
}

// Poller periodically tails EventStore for each project with a live
// Broker subscriber and republishes new rows in sequence order,
// generalizing the teacher's polling.Poller (ticker + select loop) from a
// single external-API poll target to a per-project cursor sweep.
type Poller struct {
	store  EventStore
	broker *Broker
	cfg    PollerConfig
	logger *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

// NewPoller returns a Poller that republishes new rows to broker.
func NewPoller(store EventStore, broker *Broker, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPollerConfig().PageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{store: store, broker: broker, cfg: cfg, logger: logger, cursors: make(map[string]int64)}
}

// Start runs the poll loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("starting event poller", "interval", p.cfg.Interval)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stopping event poller")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	for _, projectID := range p.broker.ActiveProjects() {
		p.pollProject(ctx, projectID)
	}
}

func (p *Poller) pollProject(ctx context.Context, projectID string) {
	p.mu.Lock()
	cursor := p.cursors[projectID]
	p.mu.Unlock()

	newEvents, err := p.store.ListEventsAfter(ctx, projectID, cursor, p.cfg.PageSize)
	if err != nil {
		p.logger.Error("poll project events failed", "project_id", projectID, "error", err)
		return
	}
	if len(newEvents) == 0 {
		return
	}
	for _, e := range newEvents {
		p.broker.Publish(e)
		if e.Sequence > cursor {
			cursor = e.Sequence
		}
	}
	p.mu.Lock()
	p.cursors[projectID] = cursor
	p.mu.Unlock()
}
