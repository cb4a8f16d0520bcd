package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adflowhq/adflow/internal/persistence"
	"github.com/adflowhq/adflow/pkg/api"
)

// Orchestrator ties the run store, the step registry, and the executor
// together behind the operations callers use: starting runs, inspecting
// them, arming overrides, forcing transitions, and executing claimed work.
type Orchestrator struct {
	runs     persistence.RunStore
	registry *Registry
	executor *Executor
	observer api.Observer
}

// NewOrchestrator builds an orchestrator over the given run store and step
// definitions. A nil observer defaults to NoopObserver.
func NewOrchestrator(runs persistence.RunStore, steps []api.StepDefinition, observer api.Observer) (*Orchestrator, error) {
	registry, err := NewRegistry(steps...)
	if err != nil {
		return nil, err
	}
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Orchestrator{
		runs:     runs,
		registry: registry,
		executor: NewExecutor(runs, registry, observer),
		observer: observer,
	}, nil
}

// Start creates a new run for the given brief in the initial state.
func (o *Orchestrator) Start(ctx context.Context, briefID string) (*api.Run, error) {
	if briefID == "" {
		return nil, fmt.Errorf("brief id is required")
	}

	now := time.Now().UTC()
	run := &api.Run{
		ID:        uuid.NewString(),
		BriefID:   briefID,
		State:     api.StateCreated,
		Artifacts: make(map[string]api.ArtifactRef),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.runs.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Get returns the run by id.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*api.Run, error) {
	return o.runs.GetRun(ctx, runID)
}

// List returns runs matching the given options.
func (o *Orchestrator) List(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	return o.runs.ListRuns(ctx, opts)
}

// RequireOverride arms a one-shot override on the run. The next transition
// attempt, legal or not, consumes it.
func (o *Orchestrator) RequireOverride(ctx context.Context, runID, reason, actor string) (*api.Run, error) {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := api.RequireOverride(run, reason, actor); err != nil {
		return nil, err
	}
	run.UpdatedAt = time.Now().UTC()
	if err := o.runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ForceTransition attempts a manual transition on the run. It succeeds for
// legal edges and for any edge when an override is armed; either way a
// pending override is consumed by the attempt.
func (o *Orchestrator) ForceTransition(ctx context.Context, runID string, to api.State) (*api.Run, error) {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	transitionErr := api.Transition(run, to)

	// The override is one-shot: persist its consumption even when the
	// transition itself was rejected.
	run.UpdatedAt = time.Now().UTC()
	if err := o.runs.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	if transitionErr != nil {
		return nil, transitionErr
	}
	return run, nil
}

// ExecuteRun claims the given run for workerID and drives it from its
// current state. The lease is released when execution returns.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID, workerID string, ttl time.Duration) (*api.Run, error) {
	run, err := o.runs.Claim(ctx, runID, workerID, ttl)
	if err != nil {
		return nil, err
	}
	o.observer.OnRunClaimed(ctx, run, workerID)

	execErr := o.executor.Execute(ctx, run)
	if relErr := o.runs.ReleaseLease(ctx, run.ID, workerID); relErr != nil && execErr == nil {
		execErr = relErr
	}
	return run, execErr
}

// ExecuteNext claims the next available run for workerID and drives it.
// Returns (nil, nil) when nothing is claimable.
func (o *Orchestrator) ExecuteNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error) {
	run, err := o.runs.ClaimNext(ctx, workerID, ttl)
	if err != nil || run == nil {
		return nil, err
	}
	o.observer.OnRunClaimed(ctx, run, workerID)

	execErr := o.executor.Execute(ctx, run)
	if relErr := o.runs.ReleaseLease(ctx, run.ID, workerID); relErr != nil && execErr == nil {
		execErr = relErr
	}
	return run, execErr
}

// RenewLease extends workerID's lease on a run. Exposed for workers running
// heartbeats alongside long step executions.
func (o *Orchestrator) RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	return o.runs.RenewLease(ctx, runID, workerID, ttl)
}

// Runs exposes the underlying run store.
func (o *Orchestrator) Runs() persistence.RunStore {
	return o.runs
}

// Executor exposes the step executor, for callers that claim runs
// themselves (the worker loop).
func (o *Orchestrator) Executor() *Executor {
	return o.executor
}

// Observer returns the observer the orchestrator reports to.
func (o *Orchestrator) Observer() api.Observer {
	return o.observer
}
