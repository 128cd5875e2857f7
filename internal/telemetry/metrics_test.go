package telemetry

import (
	"testing"
)

func TestMetricsHelpers(t *testing.T) {
	TrackJobClaimed("session_init")
	TrackJobCompleted("session_init", "completed", 1.25)
	TrackJobRetry("session_commit")
	TrackSandboxOp("create", "ok")
	TrackSandboxOp("create", "error")
	TrackSandboxReconciled("removed_orphan")
	SetSessionsByStatus("ready", 3)
	TrackEventPublished("session_updated")
	TrackError("Transient")
}
