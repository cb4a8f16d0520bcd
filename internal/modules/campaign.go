package modules

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CampaignStoreName identifies the campaign module's store in artifact refs.
const CampaignStoreName = "campaigns"

// CampaignPayload is the campaign plan derived from an approved strategy.
type CampaignPayload struct {
	Name     string
	Channels string
	Budget   int64
}

// CampaignKey derives the campaign module's idempotency key: one plan per
// strategy, keyed by the strategy artifact id.
func CampaignKey(strategyID string) string {
	return strategyID
}

// CampaignStore owns the campaigns table.
type CampaignStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewCampaignStore initializes the campaigns schema and returns the store.
func NewCampaignStore(db *sql.DB, dialect Dialect) (*CampaignStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			channels TEXT NOT NULL,
			budget BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &CampaignStore{db: db, dialect: dialect}, nil
}

// Apply persists the campaign plan for a strategy. Strict uniqueness on the
// strategy id.
func (s *CampaignStore) Apply(ctx context.Context, key string, p CampaignPayload) (string, bool, error) {
	var id string
	var created bool

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := lookupByKey(ctx, tx, s.dialect, CampaignStoreName, "campaigns", "strategy_id", key)
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
			INSERT INTO campaigns (id, strategy_id, name, channels, budget, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			id, key, p.Name, p.Channels, p.Budget, time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// Delete hard-deletes the campaign artifact.
func (s *CampaignStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM campaigns WHERE id = ?`), id)
		return err
	})
}

// CountForKey returns the number of rows stored under the given key.
func (s *CampaignStore) CountForKey(ctx context.Context, key string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM campaigns WHERE strategy_id = ?`, key)
}
