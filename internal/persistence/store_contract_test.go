package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

// The RunStore contract is shared by every backend. Each store's test file
// runs these helpers against its own instance, on top of any backend
// specific tests.

func sampleRun(id string) *api.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &api.Run{
		ID:      id,
		BriefID: "brief-" + id,
		State:   api.StateCreated,
		Artifacts: map[string]api.ArtifactRef{
			"brief_normalized": {Store: "briefs", ID: "artifact-1"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testRunStoreCRUD(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("GetRun on missing run: got %v, want ErrRunNotFound", err)
	}
	if err := store.UpdateRun(ctx, sampleRun("missing")); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("UpdateRun on missing run: got %v, want ErrRunNotFound", err)
	}

	run := sampleRun("crud-1")
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.BriefID != run.BriefID || got.State != run.State {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Artifacts["brief_normalized"].ID != "artifact-1" {
		t.Fatalf("artifacts lost in round trip: %+v", got.Artifacts)
	}

	// Mutate everything the executor touches and read it back.
	got.State = api.StateIntakeComplete
	got.Artifacts["strategy_generated"] = api.ArtifactRef{Store: "strategies", ID: "artifact-2", Version: 1}
	got.CompensationsApplied = []string{"strategy_generated_reverted"}
	got.FailedStep = "strategy_approved"
	got.CompensationDone = true
	got.Err = errors.New("planner unavailable")
	got.Override = &api.Override{Reason: "escalation", Actor: "ops", At: time.Now().UTC().Truncate(time.Millisecond)}
	if err := store.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got2, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got2.State != api.StateIntakeComplete {
		t.Fatalf("state not updated: %s", got2.State)
	}
	if got2.Artifacts["strategy_generated"].Version != 1 {
		t.Fatalf("artifact version lost: %+v", got2.Artifacts)
	}
	if len(got2.CompensationsApplied) != 1 || got2.CompensationsApplied[0] != "strategy_generated_reverted" {
		t.Fatalf("compensation log lost: %v", got2.CompensationsApplied)
	}
	if got2.FailedStep != "strategy_approved" || !got2.CompensationDone {
		t.Fatalf("failure markers lost: %+v", got2)
	}
	if got2.Err == nil {
		t.Fatal("run error lost in round trip")
	}
	if got2.Override == nil || got2.Override.Actor != "ops" {
		t.Fatalf("override lost in round trip: %+v", got2.Override)
	}
}

func testRunStoreList(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	a := sampleRun("list-a")
	b := sampleRun("list-b")
	b.State = api.StateDelivered
	c := sampleRun("list-c")
	c.ClaimedBy = "worker-1"
	c.LeaseExpiresAt = time.Now().Add(time.Minute)

	for _, r := range []*api.Run{a, b, c} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, api.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) < 3 {
		t.Fatalf("expected at least 3 runs, got %d", len(all))
	}

	delivered, err := store.ListRuns(ctx, api.RunListOptions{State: api.StateDelivered})
	if err != nil {
		t.Fatalf("ListRuns by state failed: %v", err)
	}
	for _, r := range delivered {
		if r.State != api.StateDelivered {
			t.Fatalf("state filter leaked run %s in state %s", r.ID, r.State)
		}
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered run, got %d", len(delivered))
	}

	claimed, err := store.ListRuns(ctx, api.RunListOptions{ClaimedBy: "worker-1"})
	if err != nil {
		t.Fatalf("ListRuns by claimer failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "list-c" {
		t.Fatalf("claimer filter mismatch: %+v", claimed)
	}
}

func testRunStoreLease(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	run := sampleRun("lease-1")
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	if _, err := store.Claim(ctx, "missing", "worker-1", time.Minute); !errors.Is(err, api.ErrRunNotFound) {
		t.Fatalf("Claim on missing run: got %v, want ErrRunNotFound", err)
	}

	claimed, err := store.Claim(ctx, run.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.ClaimedBy != "worker-1" {
		t.Fatalf("claim not recorded: %+v", claimed)
	}

	// Another worker is rejected while the lease is live.
	if _, err := store.Claim(ctx, run.ID, "worker-2", time.Minute); !errors.Is(err, api.ErrClaimConflict) {
		t.Fatalf("competing claim: got %v, want ErrClaimConflict", err)
	}

	// The holder may re-claim (re-entrant).
	if _, err := store.Claim(ctx, run.ID, "worker-1", time.Minute); err != nil {
		t.Fatalf("re-entrant claim failed: %v", err)
	}

	// Renewal is owner-guarded.
	if err := store.RenewLease(ctx, run.ID, "worker-1", time.Minute); err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	if err := store.RenewLease(ctx, run.ID, "worker-2", time.Minute); !errors.Is(err, api.ErrClaimConflict) {
		t.Fatalf("foreign renewal: got %v, want ErrClaimConflict", err)
	}

	// Release is idempotent and ignores non-holders.
	if err := store.ReleaseLease(ctx, run.ID, "worker-2"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if _, err := store.Claim(ctx, run.ID, "worker-2", time.Minute); !errors.Is(err, api.ErrClaimConflict) {
		t.Fatalf("foreign release freed the lease: %v", err)
	}

	if err := store.ReleaseLease(ctx, run.ID, "worker-1"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	if err := store.ReleaseLease(ctx, run.ID, "worker-1"); err != nil {
		t.Fatalf("repeated ReleaseLease failed: %v", err)
	}

	// Freed: anyone can claim now.
	if _, err := store.Claim(ctx, run.ID, "worker-2", time.Minute); err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
}

func testRunStoreLeaseExpiry(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	run := sampleRun("lease-expiry-1")
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	if _, err := store.Claim(ctx, run.ID, "worker-1", 20*time.Millisecond); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	// The expired lease is reclaimable by another worker.
	claimed, err := store.Claim(ctx, run.ID, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("claim of expired lease failed: %v", err)
	}
	if claimed.ClaimedBy != "worker-2" {
		t.Fatalf("takeover not recorded: %+v", claimed)
	}
}

func testRunStoreClaimNext(t *testing.T, store RunStore) {
	t.Helper()
	ctx := context.Background()

	// Terminal and fully compensated runs must never be handed out.
	delivered := sampleRun("next-delivered")
	delivered.State = api.StateDelivered
	parked := sampleRun("next-parked")
	parked.State = api.StateIntakeComplete
	parked.FailedStep = "strategy_generated"
	parked.CompensationDone = true
	ready := sampleRun("next-ready")

	for _, r := range []*api.Run{delivered, parked, ready} {
		if err := store.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	got, err := store.ClaimNext(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNext found nothing")
	}
	if got.ID != "next-ready" {
		t.Fatalf("ClaimNext handed out run %s", got.ID)
	}
	if got.ClaimedBy != "worker-1" {
		t.Fatalf("claim not recorded: %+v", got)
	}

	// Everything claimable is now leased; the next scan comes up empty.
	got, err = store.ClaimNext(ctx, "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if got != nil {
		t.Fatalf("ClaimNext handed out leased run %s", got.ID)
	}
}
