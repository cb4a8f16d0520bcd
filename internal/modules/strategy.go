package modules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StrategyStoreName identifies the strategy module's store in artifact refs.
const StrategyStoreName = "strategies"

// StrategyPayload is the strategy document authored for a brief.
type StrategyPayload struct {
	Title    string
	Audience string
	Body     string
}

// StrategyKey derives the strategy module's idempotency key: the natural
// key (brief_id, version).
func StrategyKey(briefID string, version int) string {
	return fmt.Sprintf("%s:v%d", briefID, version)
}

// StrategyStore owns the strategies table. It also records approval, the
// reversible flag set by the approval step.
type StrategyStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewStrategyStore initializes the strategies schema and returns the store.
func NewStrategyStore(db *sql.DB, dialect Dialect) (*StrategyStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			brief_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			natural_key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			audience TEXT NOT NULL,
			body TEXT NOT NULL,
			approved BOOLEAN NOT NULL DEFAULT FALSE,
			approved_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &StrategyStore{db: db, dialect: dialect}, nil
}

// Apply persists a strategy document under its (brief_id, version) natural
// key. Strict uniqueness: a second call with the same key is a no-op that
// returns the existing artifact id.
func (s *StrategyStore) Apply(ctx context.Context, key, briefID string, version int, p StrategyPayload) (string, bool, error) {
	var id string
	var created bool

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := lookupByKey(ctx, tx, s.dialect, StrategyStoreName, "strategies", "natural_key", key)
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
			INSERT INTO strategies (id, brief_id, version, natural_key, title, audience, body, approved, approved_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, 0, ?)`),
			id, briefID, version, key, p.Title, p.Audience, p.Body, time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// Approve marks the strategy approved. Idempotent: approving an already
// approved strategy keeps the original approval timestamp.
func (s *StrategyStore) Approve(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE strategies SET approved = TRUE, approved_at = ?
			WHERE id = ? AND approved = FALSE`),
			time.Now().UnixNano(), id,
		)
		if err != nil {
			return err
		}
		_, err = res.RowsAffected()
		return err
	})
}

// RevokeApproval fully reverses the approval step. Revoking an absent or
// unapproved strategy is not an error.
func (s *StrategyStore) RevokeApproval(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`
			UPDATE strategies SET approved = FALSE, approved_at = 0 WHERE id = ?`), id)
		return err
	})
}

// Approved reports whether the strategy is currently approved.
func (s *StrategyStore) Approved(ctx context.Context, id string) (bool, error) {
	var approved bool
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT approved FROM strategies WHERE id = ?`), id).Scan(&approved)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return approved, nil
}

// Delete hard-deletes the strategy artifact.
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM strategies WHERE id = ?`), id)
		return err
	})
}

// CountForKey returns the number of rows stored under the given key.
func (s *StrategyStore) CountForKey(ctx context.Context, key string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM strategies WHERE natural_key = ?`, key)
}

// CountForBrief returns the number of strategy rows for a brief.
func (s *StrategyStore) CountForBrief(ctx context.Context, briefID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM strategies WHERE brief_id = ?`, briefID)
}
