package modules

import (
	"context"
	"database/sql"
	"time"
)

// QCStoreName identifies the QC module's store in artifact refs.
const QCStoreName = "qc_results"

// QCPayload is one quality-control evaluation of a draft.
type QCPayload struct {
	Score   int
	Notes   string
	Passed  bool
	Attempt int
}

// QCResultID derives the stable artifact id for a draft's evaluation.
// One row per draft; re-evaluation replaces it in place.
func QCResultID(draftID string) string {
	return "qc-" + draftID
}

// QCStore owns the qc_results table.
//
// Unlike the other stores, Apply uses replace semantics: the latest
// evaluation wins. The row count for a draft stays at one no matter how
// many times the review runs.
type QCStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewQCStore initializes the qc_results schema and returns the store.
func NewQCStore(db *sql.DB, dialect Dialect) (*QCStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS qc_results (
			id TEXT PRIMARY KEY,
			draft_id TEXT NOT NULL UNIQUE,
			score INTEGER NOT NULL,
			notes TEXT NOT NULL,
			passed BOOLEAN NOT NULL,
			attempt INTEGER NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &QCStore{db: db, dialect: dialect}, nil
}

// Apply records the evaluation for a draft, atomically replacing any
// previous one. created is true only for the first evaluation.
func (s *QCStore) Apply(ctx context.Context, draftID string, p QCPayload) (string, bool, error) {
	id := QCResultID(draftID)
	var created bool

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := lookupByKey(ctx, tx, s.dialect, QCStoreName, "qc_results", "draft_id", draftID)
		if err != nil {
			return err
		}

		if existing == "" {
			created = true
			_, err = tx.ExecContext(ctx, s.dialect.rebind(`
				INSERT INTO qc_results (id, draft_id, score, notes, passed, attempt, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				id, draftID, p.Score, p.Notes, p.Passed, p.Attempt, time.Now().UnixNano(),
			)
			return err
		}

		// Latest evaluation wins.
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE qc_results
			SET score = ?, notes = ?, passed = ?, attempt = ?, created_at = ?
			WHERE draft_id = ?`),
			p.Score, p.Notes, p.Passed, p.Attempt, time.Now().UnixNano(), draftID,
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// Get returns the current evaluation for a draft, or nil when absent.
func (s *QCStore) Get(ctx context.Context, draftID string) (*QCPayload, error) {
	var p QCPayload
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT score, notes, passed, attempt FROM qc_results WHERE draft_id = ?`),
		draftID,
	).Scan(&p.Score, &p.Notes, &p.Passed, &p.Attempt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Delete hard-deletes the evaluation.
func (s *QCStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM qc_results WHERE id = ?`), id)
		return err
	})
}

// CountForKey returns the number of rows stored for the given draft.
func (s *QCStore) CountForKey(ctx context.Context, draftID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM qc_results WHERE draft_id = ?`, draftID)
}
