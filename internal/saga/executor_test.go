package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adflowhq/adflow/internal/persistence"
	"github.com/adflowhq/adflow/pkg/api"
)

func newTestRun(store persistence.RunStore, t *testing.T) *api.Run {
	t.Helper()

	run := &api.Run{
		ID:        "run-1",
		BriefID:   "brief-1",
		State:     api.StateCreated,
		Artifacts: make(map[string]api.ArtifactRef),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveRun(context.Background(), run))
	return run
}

// stepSpy builds a step whose forward and compensate actions count their
// invocations and can be scripted to fail.
type stepSpy struct {
	forwardCalls    int
	compensateCalls int
	forwardErr      error
	compensateErr   error
}

func (s *stepSpy) step(name string, from, target api.State) api.StepDefinition {
	return api.StepDefinition{
		Name: name,
		From: from,
		Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
			s.forwardCalls++
			if s.forwardErr != nil {
				return api.StepResult{}, s.forwardErr
			}
			return api.StepResult{
				Artifact: api.ArtifactRef{Store: name + "s", ID: name + "-artifact"},
				Target:   target,
			}, nil
		},
		Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
			s.compensateCalls++
			return s.compensateErr
		},
	}
}

func TestExecutor_ForwardPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	run := newTestRun(store, t)

	var s1, s2 stepSpy
	registry, err := NewRegistry(
		s1.step("intake", api.StateCreated, api.StateIntakeComplete),
		s2.step("planning", api.StateIntakeComplete, api.StateStrategyGenerated),
	)
	require.NoError(t, err)

	exec := NewExecutor(store, registry, nil)
	require.NoError(t, exec.Execute(ctx, run))

	require.Equal(t, api.StateStrategyGenerated, run.State)
	require.Equal(t, 1, s1.forwardCalls)
	require.Equal(t, 1, s2.forwardCalls)
	require.Zero(t, s1.compensateCalls)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.StateStrategyGenerated, got.State, "progress should be persisted")
	require.Equal(t, "intake-artifact", got.Artifacts["intake"].ID)
	require.Equal(t, "planning-artifact", got.Artifacts["planning"].ID)
}

func TestExecutor_FailureCompensatesInReverse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	run := newTestRun(store, t)

	var s1, s2, s3 stepSpy
	s3.forwardErr = errors.New("planner unavailable")

	registry, err := NewRegistry(
		s1.step("intake", api.StateCreated, api.StateIntakeComplete),
		s2.step("planning", api.StateIntakeComplete, api.StateStrategyGenerated),
		s3.step("approval", api.StateStrategyGenerated, api.StateStrategyApproved),
	)
	require.NoError(t, err)

	exec := NewExecutor(store, registry, nil)
	err = exec.Execute(ctx, run)
	require.Error(t, err)
	require.ErrorIs(t, err, api.ErrStepExecution)

	// State stays at the last successfully reached state.
	require.Equal(t, api.StateStrategyGenerated, run.State)
	require.Equal(t, "approval", run.FailedStep)
	require.True(t, run.CompensationDone)

	// Completed steps compensated once each, in reverse order.
	require.Equal(t, 1, s2.compensateCalls)
	require.Equal(t, 1, s1.compensateCalls)
	require.Zero(t, s3.compensateCalls, "the failed step left nothing to undo")
	require.Equal(t, []string{"planning_reverted", "intake_reverted"}, run.CompensationsApplied)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, got.CompensationDone)
	require.False(t, got.Claimable(time.Now()), "a fully compensated run is parked")
}

func TestExecutor_CompensationFailureHaltsAndResumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	run := newTestRun(store, t)

	var s1, s2, s3 stepSpy
	s3.forwardErr = errors.New("boom")
	s1.compensateErr = errors.New("store offline")

	registry, err := NewRegistry(
		s1.step("intake", api.StateCreated, api.StateIntakeComplete),
		s2.step("planning", api.StateIntakeComplete, api.StateStrategyGenerated),
		s3.step("approval", api.StateStrategyGenerated, api.StateStrategyApproved),
	)
	require.NoError(t, err)

	exec := NewExecutor(store, registry, nil)
	err = exec.Execute(ctx, run)
	require.ErrorIs(t, err, api.ErrCompensation)

	// The pass got through planning but halted on intake.
	require.Equal(t, []string{"planning_reverted"}, run.CompensationsApplied)
	require.False(t, run.CompensationDone)
	require.True(t, run.Claimable(time.Now()), "a halted run stays claimable for a retry")

	// A later claim resumes the reverse pass from where it halted.
	s1.compensateErr = nil
	resumed, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, resumed))

	require.True(t, resumed.CompensationDone)
	require.Equal(t, []string{"planning_reverted", "intake_reverted"}, resumed.CompensationsApplied)
	require.Equal(t, 1, s2.compensateCalls, "already compensated steps are skipped on resume")
	require.Equal(t, 2, s1.compensateCalls)
}

func TestExecutor_FullyCompensatedRunIsInert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	run := newTestRun(store, t)

	var s1, s2 stepSpy
	s2.forwardErr = errors.New("boom")

	registry, err := NewRegistry(
		s1.step("intake", api.StateCreated, api.StateIntakeComplete),
		s2.step("planning", api.StateIntakeComplete, api.StateStrategyGenerated),
	)
	require.NoError(t, err)

	exec := NewExecutor(store, registry, nil)
	require.ErrorIs(t, exec.Execute(ctx, run), api.ErrStepExecution)
	require.True(t, run.CompensationDone)

	require.NoError(t, exec.Execute(ctx, run))
	require.Equal(t, 1, s1.compensateCalls, "compensation must not run twice")
	require.Equal(t, []string{"intake_reverted"}, run.CompensationsApplied)
}

func TestExecutor_BranchParksRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	run := newTestRun(store, t)
	run.State = api.StateCreativeGenerated
	require.NoError(t, store.UpdateRun(ctx, run))

	var deliver stepSpy
	review := api.StepDefinition{
		Name:       "review",
		From:       api.StateCreativeGenerated,
		ResumeFrom: api.StateQCFailed,
		Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
			return api.StepResult{
				Artifact: api.ArtifactRef{Store: "reviews", ID: "review-artifact"},
				Target:   api.StateQCFailed,
			}, nil
		},
	}

	registry, err := NewRegistry(
		review,
		deliver.step("deliver", api.StateQCApproved, api.StateDelivered),
	)
	require.NoError(t, err)

	exec := NewExecutor(store, registry, nil)
	require.NoError(t, exec.Execute(ctx, run))

	require.Equal(t, api.StateQCFailed, run.State)
	require.Zero(t, deliver.forwardCalls, "the branch must not fall through to delivery")
	require.False(t, run.Failed(), "a rejected review is a branch, not a failure")
	require.True(t, run.Claimable(time.Now()), "a parked run waits for the next claim")
}

func TestRegistry_Validation(t *testing.T) {
	t.Parallel()

	forward := func(ctx context.Context, run *api.Run) (api.StepResult, error) {
		return api.StepResult{}, nil
	}

	_, err := NewRegistry()
	require.Error(t, err)

	_, err = NewRegistry(api.StepDefinition{Name: "", From: api.StateCreated, Forward: forward})
	require.Error(t, err)

	_, err = NewRegistry(
		api.StepDefinition{Name: "a", From: api.StateCreated, Forward: forward},
		api.StepDefinition{Name: "a", From: api.StateIntakeComplete, Forward: forward},
	)
	require.Error(t, err, "duplicate names must be rejected")

	_, err = NewRegistry(api.StepDefinition{Name: "a", From: api.State("BOGUS"), Forward: forward})
	require.Error(t, err)

	_, err = NewRegistry(api.StepDefinition{Name: "a", From: api.StateCreated})
	require.Error(t, err, "a step without a forward action must be rejected")
}

func TestRegistry_IndexFor(t *testing.T) {
	t.Parallel()

	forward := func(ctx context.Context, run *api.Run) (api.StepResult, error) {
		return api.StepResult{}, nil
	}

	registry, err := NewRegistry(
		api.StepDefinition{Name: "a", From: api.StateCreated, Forward: forward},
		api.StepDefinition{Name: "b", From: api.StateCreativeGenerated, ResumeFrom: api.StateQCFailed, Forward: forward},
	)
	require.NoError(t, err)

	i, ok := registry.IndexFor(api.StateCreated)
	require.True(t, ok)
	require.Equal(t, 0, i)

	i, ok = registry.IndexFor(api.StateQCFailed)
	require.True(t, ok, "ResumeFrom must route the state to its step")
	require.Equal(t, 1, i)

	_, ok = registry.IndexFor(api.StateDelivered)
	require.False(t, ok)
}
