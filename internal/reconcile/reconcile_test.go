package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSandboxService struct {
	sandboxCalls atomic.Int32
	stateCalls   atomic.Int32
	evictCalls   atomic.Int32
	stateErr     error
}

func (f *fakeSandboxService) ReconcileSandboxes(ctx context.Context) error {
	f.sandboxCalls.Add(1)
	return nil
}

func (f *fakeSandboxService) ReconcileSessionStates(ctx context.Context) error {
	f.stateCalls.Add(1)
	return f.stateErr
}

func (f *fakeSandboxService) EvictIdleSandboxes(ctx context.Context, idleTimeout time.Duration) error {
	f.evictCalls.Add(1)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanner_Run_SweepsImmediatelyThenOnInterval(t *testing.T) {
	fake := &fakeSandboxService{}
	s := NewScanner(fake, 10*time.Millisecond, time.Minute, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	require.GreaterOrEqual(t, fake.sandboxCalls.Load(), int32(2))
	require.GreaterOrEqual(t, fake.stateCalls.Load(), int32(2))
	require.GreaterOrEqual(t, fake.evictCalls.Load(), int32(2))
}

func TestScanner_Run_ContinuesAfterSweepError(t *testing.T) {
	fake := &fakeSandboxService{stateErr: errors.New("boom")}
	s := NewScanner(fake, 5*time.Millisecond, time.Minute, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	require.GreaterOrEqual(t, fake.sandboxCalls.Load(), int32(2))
}

func TestScanner_Run_SkipsEvictionWhenIdleTimeoutDisabled(t *testing.T) {
	fake := &fakeSandboxService{}
	s := NewScanner(fake, 5*time.Millisecond, 0, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s.Run(ctx)

	require.Equal(t, int32(0), fake.evictCalls.Load())
}

func TestNewScanner_DefaultsInterval(t *testing.T) {
	s := NewScanner(&fakeSandboxService{}, 0, 0, nil)
	require.Equal(t, 30*time.Second, s.interval)
	require.NotNil(t, s.logger)
}
