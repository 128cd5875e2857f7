package events

import (
	"context"
	"fmt"

	"github.com/sandboxworks/workbench/internal/model"
)

// WaitForJobCompletion blocks until a job_completed event for jobID
// arrives on projectID's stream or ctx is cancelled. Used by
// ReconcileSandbox's enqueue-and-wait path (spec §4.H) so a caller that
// enqueued a job can synchronously observe its outcome without polling
// the store directly.
func WaitForJobCompletion(ctx context.Context, broker *Broker, projectID, jobID string) (model.Event, error) {
	ch, unsubscribe := broker.Subscribe(projectID)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return model.Event{}, fmt.Errorf("events: wait for job %s completion: %w", jobID, ctx.Err())
		case e, ok := <-ch:
			if !ok {
				return model.Event{}, fmt.Errorf("events: broker closed subscription while waiting for job %s", jobID)
			}
			if e.Kind == model.EventKindJobCompleted && e.TargetID == jobID {
				return e, nil
			}
		}
	}
}
