package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

// rowCodec converts between the SQL column layout shared by the SQLite and
// Postgres stores and the api.Run record. Artifact references, the
// compensation log, and the pending override are stored as JSON; timestamps
// as unix nanoseconds.

type runRow struct {
	ID               string
	BriefID          string
	State            string
	ClaimedBy        string
	LeaseExpiresAt   int64
	Artifacts        []byte
	Compensations    []byte
	FailedStep       string
	CompensationDone bool
	Error            string
	Override         []byte
	CreatedAt        int64
	UpdatedAt        int64
}

func encodeRun(run *api.Run) (*runRow, error) {
	artifacts, err := json.Marshal(run.Artifacts)
	if err != nil {
		return nil, err
	}
	compensations, err := json.Marshal(run.CompensationsApplied)
	if err != nil {
		return nil, err
	}

	var override []byte
	if run.Override != nil {
		override, err = json.Marshal(run.Override)
		if err != nil {
			return nil, err
		}
	}

	errStr := ""
	if run.Err != nil {
		errStr = run.Err.Error()
	}

	var lease int64
	if !run.LeaseExpiresAt.IsZero() {
		lease = run.LeaseExpiresAt.UnixNano()
	}

	return &runRow{
		ID:               run.ID,
		BriefID:          run.BriefID,
		State:            string(run.State),
		ClaimedBy:        run.ClaimedBy,
		LeaseExpiresAt:   lease,
		Artifacts:        artifacts,
		Compensations:    compensations,
		FailedStep:       run.FailedStep,
		CompensationDone: run.CompensationDone,
		Error:            errStr,
		Override:         override,
		CreatedAt:        run.CreatedAt.UnixNano(),
		UpdatedAt:        run.UpdatedAt.UnixNano(),
	}, nil
}

func decodeRun(row *runRow) (*api.Run, error) {
	run := &api.Run{
		ID:               row.ID,
		BriefID:          row.BriefID,
		State:            api.State(row.State),
		ClaimedBy:        row.ClaimedBy,
		FailedStep:       row.FailedStep,
		CompensationDone: row.CompensationDone,
	}

	if row.LeaseExpiresAt > 0 {
		run.LeaseExpiresAt = time.Unix(0, row.LeaseExpiresAt)
	}
	if row.CreatedAt > 0 {
		run.CreatedAt = time.Unix(0, row.CreatedAt)
	}
	if row.UpdatedAt > 0 {
		run.UpdatedAt = time.Unix(0, row.UpdatedAt)
	}

	if len(row.Artifacts) > 0 {
		if err := json.Unmarshal(row.Artifacts, &run.Artifacts); err != nil {
			return nil, err
		}
	}
	if len(row.Compensations) > 0 {
		if err := json.Unmarshal(row.Compensations, &run.CompensationsApplied); err != nil {
			return nil, err
		}
	}
	if len(row.Override) > 0 {
		var ov api.Override
		if err := json.Unmarshal(row.Override, &ov); err != nil {
			return nil, err
		}
		run.Override = &ov
	}
	if row.Error != "" {
		run.Err = errors.New(row.Error)
	}

	return run, nil
}
