package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing the driver,
// e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema in the given database
// and returns a new SQLiteRunStore.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			brief_id TEXT NOT NULL,
			state TEXT NOT NULL,
			claimed_by TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0,
			artifacts TEXT NOT NULL DEFAULT '{}',
			compensations TEXT NOT NULL DEFAULT '[]',
			failed_step TEXT NOT NULL DEFAULT '',
			compensation_done INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			override TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
		CREATE INDEX IF NOT EXISTS idx_runs_claim ON runs(state, claimed_by, lease_expires_at);`,
	)
	return err
}

const sqliteRunColumns = `id, brief_id, state, claimed_by, lease_expires_at, artifacts, compensations, failed_step, compensation_done, error, override, created_at, updated_at`

// claimableWhere selects runs that still have work to do: not terminal and
// not already fully compensated after a failure. The lease condition is
// applied separately by the claim statements.
const sqliteClaimableWhere = `state != 'DELIVERED' AND NOT (failed_step != '' AND compensation_done != 0)`

func (s *SQLiteRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (`+sqliteRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID,
		row.BriefID,
		row.State,
		row.ClaimedBy,
		row.LeaseExpiresAt,
		string(row.Artifacts),
		string(row.Compensations),
		row.FailedStep,
		row.CompensationDone,
		row.Error,
		string(row.Override),
		row.CreatedAt,
		row.UpdatedAt,
	)
	return err
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	run.UpdatedAt = time.Now()

	row, err := encodeRun(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET brief_id = ?, state = ?, claimed_by = ?, lease_expires_at = ?,
		    artifacts = ?, compensations = ?, failed_step = ?,
		    compensation_done = ?, error = ?, override = ?, updated_at = ?
		WHERE id = ?`,
		row.BriefID,
		row.State,
		row.ClaimedBy,
		row.LeaseExpiresAt,
		string(row.Artifacts),
		string(row.Compensations),
		row.FailedStep,
		row.CompensationDone,
		row.Error,
		string(row.Override),
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

func (s *SQLiteRunStore) scanRun(scan func(dest ...any) error) (*api.Run, error) {
	var row runRow
	var artifacts, compensations, override string

	if err := scan(
		&row.ID, &row.BriefID, &row.State, &row.ClaimedBy, &row.LeaseExpiresAt,
		&artifacts, &compensations, &row.FailedStep, &row.CompensationDone,
		&row.Error, &override, &row.CreatedAt, &row.UpdatedAt,
	); err != nil {
		return nil, err
	}

	row.Artifacts = []byte(artifacts)
	row.Compensations = []byte(compensations)
	row.Override = []byte(override)
	return decodeRun(&row)
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteRunColumns+`
		FROM runs
		WHERE id = ?`,
		id,
	)

	run, err := s.scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	query := `
		SELECT ` + sqliteRunColumns + `
		FROM runs`
	var args []any
	var clauses []string

	if opts.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(opts.State))
	}
	if opts.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by = ?")
		args = append(args, opts.ClaimedBy)
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		run, err := s.scanRun(rows.Scan)
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

func (s *SQLiteRunStore) Claim(ctx context.Context, runID, workerID string, ttl time.Duration) (*api.Run, error) {
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET claimed_by = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			claimed_by = ''
			OR lease_expires_at <= ?
			OR claimed_by = ?
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
		// Either missing or held by another worker.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return nil, err
		}
		return nil, api.ErrClaimConflict
	}
	return s.GetRun(ctx, runID)
}

func (s *SQLiteRunStore) ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error) {
	now := time.Now()

	// Candidate scan plus conditional claim. The UPDATE re-checks the lease
	// precondition, so losing a race to another worker just moves on to the
	// next candidate.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE `+sqliteClaimableWhere+`
		AND (claimed_by = '' OR lease_expires_at <= ?)
		ORDER BY created_at
		LIMIT 16`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		run, err := s.Claim(ctx, id, workerID, ttl)
		if errors.Is(err, api.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	}
	return nil, nil
}

func (s *SQLiteRunStore) RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET lease_expires_at = ?
		WHERE id = ? AND claimed_by = ?`,
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

func (s *SQLiteRunStore) ReleaseLease(ctx context.Context, runID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET claimed_by = '', lease_expires_at = 0
		WHERE id = ? AND (claimed_by = '' OR claimed_by = ?)`,
		runID, workerID,
	)
	return err
}
