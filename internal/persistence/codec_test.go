package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

func TestRunCodec_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	run := &api.Run{
		ID:      "run-1",
		BriefID: "brief-1",
		State:   api.StateQCApproved,
		Artifacts: map[string]api.ArtifactRef{
			"brief_normalized":   {Store: "briefs", ID: "b-1"},
			"strategy_generated": {Store: "strategies", ID: "s-1", Version: 1},
		},
		CompensationsApplied: []string{"strategy_generated_reverted", "brief_normalized_reverted"},
		FailedStep:           "campaign_defined",
		CompensationDone:     true,
		Err:                  errors.New("no budget"),
		Override:             &api.Override{Reason: "escalation", Actor: "ops", At: now},
		ClaimedBy:            "worker-1",
		LeaseExpiresAt:       now.Add(time.Minute),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	row, err := encodeRun(run)
	if err != nil {
		t.Fatalf("encodeRun failed: %v", err)
	}
	got, err := decodeRun(row)
	if err != nil {
		t.Fatalf("decodeRun failed: %v", err)
	}

	if got.ID != run.ID || got.BriefID != run.BriefID || got.State != run.State {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.Artifacts["strategy_generated"] != run.Artifacts["strategy_generated"] {
		t.Fatalf("artifact mismatch: %+v", got.Artifacts)
	}
	if len(got.CompensationsApplied) != 2 || got.CompensationsApplied[0] != "strategy_generated_reverted" {
		t.Fatalf("compensation log mismatch: %v", got.CompensationsApplied)
	}
	if got.FailedStep != run.FailedStep || !got.CompensationDone {
		t.Fatalf("failure markers mismatch: %+v", got)
	}
	if got.Err == nil || got.Err.Error() != "no budget" {
		t.Fatalf("error mismatch: %v", got.Err)
	}
	if got.Override == nil || !got.Override.At.Equal(now) {
		t.Fatalf("override mismatch: %+v", got.Override)
	}
	if !got.LeaseExpiresAt.Equal(run.LeaseExpiresAt) {
		t.Fatalf("lease mismatch: %v", got.LeaseExpiresAt)
	}
	if got.ClaimedBy != "worker-1" {
		t.Fatalf("claimer mismatch: %s", got.ClaimedBy)
	}
}

func TestRunCodec_ZeroValues(t *testing.T) {
	run := &api.Run{
		ID:      "run-2",
		BriefID: "brief-2",
		State:   api.StateCreated,
	}

	row, err := encodeRun(run)
	if err != nil {
		t.Fatalf("encodeRun failed: %v", err)
	}
	got, err := decodeRun(row)
	if err != nil {
		t.Fatalf("decodeRun failed: %v", err)
	}

	if got.Override != nil {
		t.Fatalf("phantom override: %+v", got.Override)
	}
	if got.Err != nil {
		t.Fatalf("phantom error: %v", got.Err)
	}
	if !got.LeaseExpiresAt.IsZero() {
		t.Fatalf("phantom lease: %v", got.LeaseExpiresAt)
	}
	if len(got.CompensationsApplied) != 0 {
		t.Fatalf("phantom compensation log: %v", got.CompensationsApplied)
	}
}
