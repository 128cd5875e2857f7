// Package reconcile runs the periodic sweep that keeps sandbox state
// and session rows honest: containers/pods that outlived their
// session, sessions whose sandbox died without telling anyone, and
// sessions stuck mid-transition after a server restart.
package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// SandboxService is the subset of service.SandboxService the scanner
// drives. Kept narrow so tests can stand in a fake.
type SandboxService interface {
	ReconcileSandboxes(ctx context.Context) error
	ReconcileSessionStates(ctx context.Context) error
	EvictIdleSandboxes(ctx context.Context, idleTimeout time.Duration) error
}

// Scanner runs ReconcileSandboxes and ReconcileSessionStates on a
// fixed interval, plus once immediately on Start, the way the
// teacher's OrphanDetector.Scan drives its pending-job sweep. When
// idleTimeout is positive it also evicts sandboxes that have gone
// quiet, per spec §4.H's activity-tracking hook.
type Scanner struct {
	sandboxes   SandboxService
	interval    time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewScanner returns a Scanner. interval defaults to 30s if zero or
// negative. idleTimeout of zero or negative disables idle eviction.
func NewScanner(sandboxes SandboxService, interval time.Duration, idleTimeout time.Duration, logger *slog.Logger) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{sandboxes: sandboxes, interval: interval, idleTimeout: idleTimeout, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled. It
// sweeps once immediately so a server that just started recovers any
// sessions left mid-transition by a previous crash without waiting a
// full interval.
func (s *Scanner) Run(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile: stopping scan")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scanner) sweep(ctx context.Context) {
	if err := s.sandboxes.ReconcileSandboxes(ctx); err != nil {
		s.logger.Error("reconcile: sandbox sweep failed", "error", err)
	}
	if err := s.sandboxes.ReconcileSessionStates(ctx); err != nil {
		s.logger.Error("reconcile: session state sweep failed", "error", err)
	}
	if s.idleTimeout > 0 {
		if err := s.sandboxes.EvictIdleSandboxes(ctx, s.idleTimeout); err != nil {
			s.logger.Error("reconcile: idle eviction sweep failed", "error", err)
		}
	}
}
