package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support.
var (
	ErrRunNotFound          = errors.New("run not found")
	ErrClaimConflict        = errors.New("claim conflict")
	ErrIllegalTransition    = errors.New("illegal state transition")
	ErrStepExecution        = errors.New("step execution failed")
	ErrCompensation         = errors.New("compensation failed")
	ErrIdempotencyViolation = errors.New("idempotency violation")
)

// IllegalTransitionError reports a transition outside the allowed set with
// no pending override. The run state is left untouched.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// StepExecutionError reports a failed forward action. It triggers the
// reverse compensation pass.
type StepExecutionError struct {
	RunID string
	Step  string
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed for run %s: %v", e.Step, e.RunID, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

// CompensationError reports a failed compensating action. It is fatal for
// the run: automatic recovery halts, but compensations already applied stay
// recorded and the reverse pass may be retried from the point of failure.
type CompensationError struct {
	RunID    string
	Step     string
	Original error
	Cause    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %q failed for run %s: %v (original failure: %v)",
		e.Step, e.RunID, e.Cause, e.Original)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensation
}

// IdempotencyViolationError reports that a store holds more than one row for
// a key that must be unique. It indicates a bug in a module's key
// derivation, not a recoverable runtime condition.
type IdempotencyViolationError struct {
	Store string
	Key   string
	Count int
}

func (e *IdempotencyViolationError) Error() string {
	return fmt.Sprintf("store %q holds %d rows for idempotency key %q", e.Store, e.Count, e.Key)
}

func (e *IdempotencyViolationError) Is(target error) bool {
	return target == ErrIdempotencyViolation
}
