package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type PostgresRunStore struct {
	db *sql.DB
}

var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore initializes the required schema in the given database
// and returns a new PostgresRunStore.
func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresRunStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			brief_id TEXT NOT NULL,
			state TEXT NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			artifacts JSONB NOT NULL DEFAULT '{}',
			compensations JSONB NOT NULL DEFAULT '[]',
			failed_step TEXT NOT NULL DEFAULT '',
			compensation_done BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			override JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
		CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(state, claimed_by, lease_expires_at)
			WHERE state != 'DELIVERED';
	`)
	return err
}

const pgRunColumns = `id, brief_id, state, claimed_by, lease_expires_at, artifacts, compensations, failed_step, compensation_done, error, override, created_at, updated_at`

func (p *PostgresRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}

	var override any
	if len(row.Override) > 0 {
		override = row.Override
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (`+pgRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		row.ID,
		row.BriefID,
		row.State,
		row.ClaimedBy,
		row.LeaseExpiresAt,
		row.Artifacts,
		row.Compensations,
		row.FailedStep,
		row.CompensationDone,
		row.Error,
		override,
		row.CreatedAt,
		row.UpdatedAt,
	)
	return err
}

func (p *PostgresRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	run.UpdatedAt = time.Now()

	row, err := encodeRun(run)
	if err != nil {
		return err
	}

	var override any
	if len(row.Override) > 0 {
		override = row.Override
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE runs
		SET brief_id          = $1,
		    state             = $2,
		    claimed_by        = $3,
		    lease_expires_at  = $4,
		    artifacts         = $5,
		    compensations     = $6,
		    failed_step       = $7,
		    compensation_done = $8,
		    error             = $9,
		    override          = $10,
		    updated_at        = $11
		WHERE id = $12`,
		row.BriefID,
		row.State,
		row.ClaimedBy,
		row.LeaseExpiresAt,
		row.Artifacts,
		row.Compensations,
		row.FailedStep,
		row.CompensationDone,
		row.Error,
		override,
		row.UpdatedAt,
		row.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrRunNotFound
	}
	return nil
}

func (p *PostgresRunStore) scanRun(scan func(dest ...any) error) (*api.Run, error) {
	var row runRow
	var override sql.Null[[]byte]

	if err := scan(
		&row.ID, &row.BriefID, &row.State, &row.ClaimedBy, &row.LeaseExpiresAt,
		&row.Artifacts, &row.Compensations, &row.FailedStep, &row.CompensationDone,
		&row.Error, &override, &row.CreatedAt, &row.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if override.Valid {
		row.Override = override.V
	}
	return decodeRun(&row)
}

func (p *PostgresRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+pgRunColumns+`
		FROM runs
		WHERE id = $1`,
		id,
	)

	run, err := p.scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (p *PostgresRunStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	query := `
		SELECT ` + pgRunColumns + `
		FROM runs`
	var args []any
	var clauses []string

	if opts.State != "" {
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)+1))
		args = append(args, string(opts.State))
	}
	if opts.ClaimedBy != "" {
		clauses = append(clauses, fmt.Sprintf("claimed_by = $%d", len(args)+1))
		args = append(args, opts.ClaimedBy)
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		run, err := p.scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (p *PostgresRunStore) Claim(ctx context.Context, runID, workerID string, ttl time.Duration) (*api.Run, error) {
	now := time.Now()

	res, err := p.db.ExecContext(ctx, `
		UPDATE runs
		SET claimed_by = $1, lease_expires_at = $2
		WHERE id = $3
		AND (
			claimed_by = ''
			OR lease_expires_at <= $4
			OR claimed_by = $5
		)`,
		workerID, now.Add(ttl).UnixNano(), runID, now.UnixNano(), workerID,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, api.ErrClaimConflict
	}
	return p.GetRun(ctx, runID)
}

func (p *PostgresRunStore) ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error) {
	now := time.Now()

	// Single round trip: pick the oldest claimable run and claim it. SKIP
	// LOCKED keeps concurrent workers from serializing on the same row.
	row := p.db.QueryRowContext(ctx, `
		UPDATE runs
		SET claimed_by = $1, lease_expires_at = $2
		WHERE id = (
			SELECT id FROM runs
			WHERE state != 'DELIVERED'
			AND NOT (failed_step != '' AND compensation_done)
			AND (claimed_by = '' OR lease_expires_at <= $3)
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND (claimed_by = '' OR lease_expires_at <= $3 OR claimed_by = $1)
		RETURNING id`,
		workerID, now.Add(ttl).UnixNano(), now.UnixNano(),
	)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p.GetRun(ctx, id)
}

func (p *PostgresRunStore) RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs
		SET lease_expires_at = $1
		WHERE id = $2 AND claimed_by = $3`,
		time.Now().Add(ttl).UnixNano(), runID, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrClaimConflict
	}
	return nil
}

func (p *PostgresRunStore) ReleaseLease(ctx context.Context, runID, workerID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE runs
		SET claimed_by = '', lease_expires_at = 0
		WHERE id = $1 AND (claimed_by = '' OR claimed_by = $2)`,
		runID, workerID,
	)
	return err
}
