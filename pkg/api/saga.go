package api

import (
	"context"
)

// StepResult is what a forward action reports on success: the artifact it
// persisted and the state the run should advance to. Target lets a step
// branch (the QC review picks QC_APPROVED or QC_FAILED).
type StepResult struct {
	Artifact ArtifactRef
	Target   State
}

// ForwardFunc executes one step's forward action. It must be atomic with
// respect to the step's owning store (fully applied or fully absent) and
// idempotent: re-running with the same run must not create duplicates.
type ForwardFunc func(ctx context.Context, run *Run) (StepResult, error)

// CompensateFunc undoes a completed forward action. It must issue a real
// deletion (or full reversal) of the artifact against the owning store, and
// must tolerate the artifact already being absent so the reverse pass can be
// retried safely after a crash.
type CompensateFunc func(ctx context.Context, run *Run, artifact ArtifactRef) error

// StepDefinition describes one step of the pipeline.
//
// From is the run state this step executes from. ResumeFrom optionally names
// a second source state the step re-runs from (the QC review re-runs from
// QC_FAILED, replacing its previous result). Registration order defines both
// forward execution order and reverse compensation order.
type StepDefinition struct {
	Name       string
	From       State
	ResumeFrom State
	Forward    ForwardFunc
	Compensate CompensateFunc
}
