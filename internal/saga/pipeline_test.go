package saga

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/adflowhq/adflow/internal/modules"
	"github.com/adflowhq/adflow/internal/persistence"
	"github.com/adflowhq/adflow/pkg/api"
)

const testLeaseTTL = 30 * time.Second

func newTestPipeline(t *testing.T) (*Pipeline, *Orchestrator) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	pipeline, err := NewPipeline(db, modules.DialectSQLite)
	require.NoError(t, err)

	orch, err := NewOrchestrator(persistence.NewInMemoryStore(), pipeline.Steps(), nil)
	require.NoError(t, err)

	return pipeline, orch
}

func TestPipeline_HappyPathDelivers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline, orch := newTestPipeline(t)

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)
	require.Equal(t, api.StateCreated, run.State)

	run, err = orch.ExecuteRun(ctx, run.ID, "worker-1", testLeaseTTL)
	require.NoError(t, err)
	require.Equal(t, api.StateDelivered, run.State)
	require.Empty(t, run.CompensationsApplied)
	require.False(t, run.Failed())

	// Every step recorded its artifact.
	for _, step := range []string{
		StepBriefNormalized, StepStrategyGenerated, StepStrategyApproved,
		StepCampaignDefined, StepCreativeGenerated, StepQCReviewed, StepDeliveryPackaged,
	} {
		require.Contains(t, run.Artifacts, step)
	}

	// The delivery package row exists and references the draft.
	n, err := pipeline.Deliveries.CountForBrief(ctx, "brief-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The approval flag survived on the strategy.
	approved, err := pipeline.Strategies.Approved(ctx, run.Artifacts[StepStrategyGenerated].ID)
	require.NoError(t, err)
	require.True(t, approved)

	// A delivered run is terminal and cannot be claimed again.
	next, err := orch.ExecuteNext(ctx, "worker-2", testLeaseTTL)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestPipeline_EarlyFailureRevertsIntake(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline, orch := newTestPipeline(t)
	pipeline.SetGenerators(Generators{
		Strategy: func(ctx context.Context, run *api.Run, briefArtifactID string) (modules.StrategyPayload, error) {
			return modules.StrategyPayload{}, errors.New("planner unavailable")
		},
	})

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)

	run, execErr := orch.ExecuteRun(ctx, run.ID, "worker-1", testLeaseTTL)
	require.ErrorIs(t, execErr, api.ErrStepExecution)

	// State stays at the last successfully reached state.
	require.Equal(t, api.StateIntakeComplete, run.State)
	require.Equal(t, StepStrategyGenerated, run.FailedStep)
	require.True(t, run.CompensationDone)
	require.Equal(t, []string{api.CompensationEntry(StepBriefNormalized)}, run.CompensationsApplied)

	// Zero orphan rows: the brief was hard-deleted.
	n, err := pipeline.Briefs.CountForBrief(ctx, "brief-1")
	require.NoError(t, err)
	require.Zero(t, n)

	// Parked for manual inspection; no worker picks it up.
	next, err := orch.ExecuteNext(ctx, "worker-2", testLeaseTTL)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestPipeline_LateFailureRevertsEverything(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline, orch := newTestPipeline(t)
	pipeline.SetGenerators(Generators{
		Delivery: func(ctx context.Context, run *api.Run, draftID string) (modules.DeliveryPayload, error) {
			return modules.DeliveryPayload{}, errors.New("packaging failed")
		},
	})

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)

	run, execErr := orch.ExecuteRun(ctx, run.ID, "worker-1", testLeaseTTL)
	require.ErrorIs(t, execErr, api.ErrStepExecution)
	require.Equal(t, api.StateQCApproved, run.State)
	require.True(t, run.CompensationDone)

	// Compensations applied in reverse of execution order.
	require.Equal(t, []string{
		api.CompensationEntry(StepQCReviewed),
		api.CompensationEntry(StepCreativeGenerated),
		api.CompensationEntry(StepCampaignDefined),
		api.CompensationEntry(StepStrategyApproved),
		api.CompensationEntry(StepStrategyGenerated),
		api.CompensationEntry(StepBriefNormalized),
	}, run.CompensationsApplied)

	// Every persisted artifact is gone.
	briefN, err := pipeline.Briefs.CountForBrief(ctx, "brief-1")
	require.NoError(t, err)
	require.Zero(t, briefN)

	stratN, err := pipeline.Strategies.CountForBrief(ctx, "brief-1")
	require.NoError(t, err)
	require.Zero(t, stratN)

	campN, err := pipeline.Campaigns.CountForKey(ctx, run.Artifacts[StepStrategyGenerated].ID)
	require.NoError(t, err)
	require.Zero(t, campN)

	draftID := run.Artifacts[StepCreativeGenerated].ID
	creativeN, err := pipeline.Creatives.CountForKey(ctx, draftID)
	require.NoError(t, err)
	require.Zero(t, creativeN)

	qcN, err := pipeline.QC.CountForKey(ctx, draftID)
	require.NoError(t, err)
	require.Zero(t, qcN)
}

func TestPipeline_QCRejectionParksAndRecovers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline, orch := newTestPipeline(t)
	pipeline.SetGenerators(Generators{
		Review: func(ctx context.Context, run *api.Run, draftID string, attempt int) (modules.QCPayload, error) {
			// First review rejects, the rework passes.
			return modules.QCPayload{
				Score:   40 + 50*(attempt-1),
				Notes:   "attempt",
				Passed:  attempt > 1,
				Attempt: attempt,
			}, nil
		},
	})

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)

	run, err = orch.ExecuteRun(ctx, run.ID, "worker-1", testLeaseTTL)
	require.NoError(t, err, "a rejected review is a branch, not a failure")
	require.Equal(t, api.StateQCFailed, run.State)
	require.False(t, run.Failed())
	require.Empty(t, run.CompensationsApplied)

	draftID := run.Artifacts[StepCreativeGenerated].ID
	result, err := pipeline.QC.Get(ctx, draftID)
	require.NoError(t, err)
	require.False(t, result.Passed)
	require.Equal(t, 1, result.Attempt)

	// The parked run is claimable; the next execution re-reviews and the
	// run recovers through QC_APPROVED to delivery.
	run, err = orch.ExecuteNext(ctx, "worker-2", testLeaseTTL)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, api.StateDelivered, run.State)

	// Latest evaluation replaced the first; still exactly one row.
	result, err = pipeline.QC.Get(ctx, draftID)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Equal(t, 2, result.Attempt)

	n, err := pipeline.QC.CountForKey(ctx, draftID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPipeline_RunsAreIsolated(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline, orch := newTestPipeline(t)

	runA, err := orch.Start(ctx, "brief-a")
	require.NoError(t, err)
	runA, err = orch.ExecuteRun(ctx, runA.ID, "worker-1", testLeaseTTL)
	require.NoError(t, err)
	require.Equal(t, api.StateDelivered, runA.State)

	// The second run fails at campaign definition and compensates.
	pipeline.SetGenerators(Generators{
		Campaign: func(ctx context.Context, run *api.Run, strategyID string) (modules.CampaignPayload, error) {
			return modules.CampaignPayload{}, errors.New("no budget")
		},
	})

	runB, err := orch.Start(ctx, "brief-b")
	require.NoError(t, err)
	runB, execErr := orch.ExecuteRun(ctx, runB.ID, "worker-1", testLeaseTTL)
	require.ErrorIs(t, execErr, api.ErrStepExecution)
	require.True(t, runB.CompensationDone)

	// Run B's artifacts are gone, run A's are untouched.
	nB, err := pipeline.Briefs.CountForBrief(ctx, "brief-b")
	require.NoError(t, err)
	require.Zero(t, nB)

	nA, err := pipeline.Briefs.CountForBrief(ctx, "brief-a")
	require.NoError(t, err)
	require.Equal(t, 1, nA)

	deliveredA, err := pipeline.Deliveries.CountForBrief(ctx, "brief-a")
	require.NoError(t, err)
	require.Equal(t, 1, deliveredA)
}

func TestPipeline_CrashRetryCreatesNoDuplicates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pipeline, orch := newTestPipeline(t)

	// First attempt fails at creative generation and compensates; a fresh
	// run for the same brief must end with exactly one row per store.
	failOnce := true
	pipeline.SetGenerators(Generators{
		Creative: func(ctx context.Context, run *api.Run, campaignID string) (modules.CreativePayload, error) {
			if failOnce {
				failOnce = false
				return modules.CreativePayload{}, errors.New("renderer timeout")
			}
			return modules.CreativePayload{Format: "banner", Headline: "h", Body: "b"}, nil
		},
	})

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)

	run, execErr := orch.ExecuteRun(ctx, run.ID, "worker-1", testLeaseTTL)
	require.ErrorIs(t, execErr, api.ErrStepExecution)

	retry, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)
	retry, err = orch.ExecuteRun(ctx, retry.ID, "worker-1", testLeaseTTL)
	require.NoError(t, err)
	require.Equal(t, api.StateDelivered, retry.State)

	n, err := pipeline.Briefs.CountForBrief(ctx, "brief-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = pipeline.Deliveries.CountForBrief(ctx, "brief-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOrchestrator_OverrideIsOneShot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, orch := newTestPipeline(t)

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)

	// Illegal without an override.
	_, err = orch.ForceTransition(ctx, run.ID, api.StateDelivered)
	require.ErrorIs(t, err, api.ErrIllegalTransition)

	got, err := orch.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, api.StateCreated, got.State, "a rejected transition must not mutate the run")

	// Overrides need a reason and an actor.
	_, err = orch.RequireOverride(ctx, run.ID, "", "ops@example.com")
	require.Error(t, err)
	_, err = orch.RequireOverride(ctx, run.ID, "client escalation", "")
	require.Error(t, err)

	armed, err := orch.RequireOverride(ctx, run.ID, "client escalation", "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, armed.Override)

	// The armed override lets the illegal edge through once.
	got, err = orch.ForceTransition(ctx, run.ID, api.StateQCApproved)
	require.NoError(t, err)
	require.Equal(t, api.StateQCApproved, got.State)
	require.Nil(t, got.Override, "the override is consumed by the attempt")

	// Consumed: the next illegal edge is rejected again.
	_, err = orch.ForceTransition(ctx, run.ID, api.StateCreated)
	require.ErrorIs(t, err, api.ErrIllegalTransition)
}

func TestOrchestrator_OverrideConsumedByRejectedAttempt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, orch := newTestPipeline(t)

	run, err := orch.Start(ctx, "brief-1")
	require.NoError(t, err)

	_, err = orch.RequireOverride(ctx, run.ID, "escalation", "ops@example.com")
	require.NoError(t, err)

	// An unknown target state is rejected but still consumes the override.
	_, err = orch.ForceTransition(ctx, run.ID, api.State("BOGUS"))
	require.ErrorIs(t, err, api.ErrIllegalTransition)

	got, err := orch.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Nil(t, got.Override)
	require.Equal(t, api.StateCreated, got.State)
}

func TestOrchestrator_StartRequiresBriefID(t *testing.T) {
	t.Parallel()

	_, orch := newTestPipeline(t)
	_, err := orch.Start(context.Background(), "")
	require.Error(t, err)
}
