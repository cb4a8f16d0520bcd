package saga

import (
	"context"
	"time"

	"github.com/adflowhq/adflow/internal/persistence"
	"github.com/adflowhq/adflow/pkg/api"
)

// Executor drives a claimed run forward step by step and, on a forward
// failure, walks the completed steps in reverse applying their compensations.
//
// The executor persists the run after every step and after every applied
// compensation, so a crashed worker leaves a durable record the next claimer
// can resume from. Forward actions are idempotent and compensations tolerate
// absent artifacts, which makes that resume safe.
type Executor struct {
	runs     persistence.RunStore
	registry *Registry
	observer api.Observer
}

// NewExecutor creates an Executor. A nil observer defaults to NoopObserver.
func NewExecutor(runs persistence.RunStore, registry *Registry, observer api.Observer) *Executor {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Executor{runs: runs, registry: registry, observer: observer}
}

// Execute advances the run as far as it can go from its current state.
//
// For a healthy run it executes steps forward until the run is delivered,
// until a branch parks it (QC rejection), or until a step fails. On failure
// it records the failed step, runs the reverse compensation pass, and returns
// a StepExecutionError (or a CompensationError if the reverse pass itself
// failed). For a previously failed run whose compensation is incomplete it
// resumes the reverse pass instead.
//
// The caller must hold the run's lease.
func (e *Executor) Execute(ctx context.Context, run *api.Run) error {
	if run.Failed() {
		if run.CompensationDone {
			return nil
		}
		return e.compensate(ctx, run, run.Err)
	}

	idx, ok := e.registry.IndexFor(run.State)
	if !ok {
		return nil
	}

	for idx < e.registry.Len() {
		step := e.registry.Step(idx)

		e.observer.OnStepStart(ctx, run, step.Name)
		start := time.Now()
		result, err := step.Forward(ctx, run)
		e.observer.OnStepCompleted(ctx, run, step.Name, err, time.Since(start))

		if err != nil {
			stepErr := &api.StepExecutionError{RunID: run.ID, Step: step.Name, Cause: err}
			run.FailedStep = step.Name
			run.Err = stepErr
			run.UpdatedAt = time.Now().UTC()
			e.observer.OnRunFailed(ctx, run, stepErr)
			if uerr := e.runs.UpdateRun(ctx, run); uerr != nil {
				return uerr
			}
			if cerr := e.compensate(ctx, run, stepErr); cerr != nil {
				return cerr
			}
			return stepErr
		}

		if run.Artifacts == nil {
			run.Artifacts = make(map[string]api.ArtifactRef)
		}
		run.Artifacts[step.Name] = result.Artifact

		if err := api.Transition(run, result.Target); err != nil {
			return err
		}
		run.UpdatedAt = time.Now().UTC()
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			return err
		}

		if api.Terminal(run.State) {
			e.observer.OnRunDelivered(ctx, run)
			return nil
		}

		// Advance only along the sequential path. A branch target that the
		// next step does not execute from (QC rejection) parks the run; a
		// later claim re-enters through the step's ResumeFrom state.
		idx++
		if idx < e.registry.Len() && e.registry.Step(idx).From != run.State {
			return nil
		}
	}

	return nil
}

// compensate walks the steps before the failed one in reverse order,
// applying each compensation exactly once. Progress is persisted after every
// applied compensation so a retried pass skips what is already done.
func (e *Executor) compensate(ctx context.Context, run *api.Run, original error) error {
	failIdx := e.registry.Len()
	if i, ok := e.registry.IndexOf(run.FailedStep); ok {
		failIdx = i
	}

	for i := failIdx - 1; i >= 0; i-- {
		step := e.registry.Step(i)

		artifact, done := run.Artifacts[step.Name]
		if !done || run.Compensated(step.Name) {
			continue
		}

		e.observer.OnCompensationStart(ctx, run, step.Name)

		if step.Compensate != nil {
			if err := step.Compensate(ctx, run, artifact); err != nil {
				cerr := &api.CompensationError{RunID: run.ID, Step: step.Name, Original: original, Cause: err}
				run.UpdatedAt = time.Now().UTC()
				e.observer.OnCompensationFailed(ctx, run, step.Name, err)
				if uerr := e.runs.UpdateRun(ctx, run); uerr != nil {
					return uerr
				}
				return cerr
			}
		}

		run.CompensationsApplied = append(run.CompensationsApplied, api.CompensationEntry(step.Name))
		run.UpdatedAt = time.Now().UTC()
		e.observer.OnCompensationApplied(ctx, run, step.Name)
		if err := e.runs.UpdateRun(ctx, run); err != nil {
			return err
		}
	}

	run.CompensationDone = true
	run.UpdatedAt = time.Now().UTC()
	return e.runs.UpdateRun(ctx, run)
}
