package modules

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/adflowhq/adflow/pkg/api"
)

// BriefStoreName identifies the brief module's store in artifact refs.
const BriefStoreName = "briefs"

// BriefPayload is the normalized client brief persisted by the intake step.
type BriefPayload struct {
	Client    string
	Objective string
	Body      string
}

// BriefKey derives the brief module's idempotency key: a content hash over
// the originating request id and the normalized payload.
func BriefKey(briefID string, p BriefPayload) string {
	return ContentHash(briefID, p.Client, p.Objective, p.Body)
}

// BriefStore owns the briefs table.
type BriefStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewBriefStore initializes the briefs schema and returns the store.
func NewBriefStore(db *sql.DB, dialect Dialect) (*BriefStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS briefs (
			id TEXT PRIMARY KEY,
			brief_id TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			client TEXT NOT NULL,
			objective TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &BriefStore{db: db, dialect: dialect}, nil
}

// Apply persists the normalized brief under the given content-hash key.
// A second call with the same key returns the existing artifact id with
// created=false and leaves the row count unchanged.
func (s *BriefStore) Apply(ctx context.Context, key, briefID string, p BriefPayload) (string, bool, error) {
	var id string
	var created bool

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := lookupByKey(ctx, tx, s.dialect, BriefStoreName, "briefs", "content_hash", key)
		if err != nil {
			return err
		}
		if existing != "" {
			id = existing
			return nil
		}

		id = uuid.NewString()
		created = true
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO briefs (id, brief_id, content_hash, client, objective, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			id, briefID, key, p.Client, p.Objective, p.Body, time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// Delete hard-deletes the brief artifact. Deleting an absent artifact is
// not an error, so a retried compensation pass stays safe.
func (s *BriefStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM briefs WHERE id = ?`), id)
		return err
	})
}

// CountForKey returns the number of rows stored under the given key.
func (s *BriefStore) CountForKey(ctx context.Context, key string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM briefs WHERE content_hash = ?`, key)
}

// CountForBrief returns the number of brief rows for an originating request.
func (s *BriefStore) CountForBrief(ctx context.Context, briefID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM briefs WHERE brief_id = ?`, briefID)
}

// lookupByKey returns the artifact id stored under a unique key, or ""
// when absent. More than one row for the key is an idempotency violation.
func lookupByKey(ctx context.Context, tx *sql.Tx, d Dialect, store, table, keyCol, key string) (string, error) {
	rows, err := tx.QueryContext(ctx, d.rebind(
		`SELECT id FROM `+table+` WHERE `+keyCol+` = ?`), key)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", nil
	case 1:
		return ids[0], nil
	default:
		return "", &api.IdempotencyViolationError{Store: store, Key: key, Count: len(ids)}
	}
}

func countWhere(ctx context.Context, db *sql.DB, d Dialect, query string, args ...any) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, d.rebind(query), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
