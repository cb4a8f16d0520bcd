package modules

import (
	"context"
	"database/sql"
	"time"
)

// CreativeStoreName identifies the creative module's store in artifact refs.
const CreativeStoreName = "creatives"

// CreativePayload is a creative draft produced for a campaign.
type CreativePayload struct {
	Format   string
	Headline string
	Body     string
}

// DraftID derives the explicit business identifier for a campaign's draft.
// It doubles as the idempotency key, so re-running the step after a crash
// resolves to the same row.
func DraftID(campaignID string) string {
	return "draft-" + campaignID
}

// CreativeStore owns the creatives table.
type CreativeStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewCreativeStore initializes the creatives schema and returns the store.
func NewCreativeStore(db *sql.DB, dialect Dialect) (*CreativeStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS creatives (
			id TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL,
			format TEXT NOT NULL,
			headline TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &CreativeStore{db: db, dialect: dialect}, nil
}

// Apply persists the draft under its explicit id. Strict uniqueness: a
// second call with the same id is a no-op.
func (s *CreativeStore) Apply(ctx context.Context, draftID, campaignID string, p CreativePayload) (string, bool, error) {
	var created bool

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := lookupByKey(ctx, tx, s.dialect, CreativeStoreName, "creatives", "id", draftID)
		if err != nil {
			return err
		}
		if existing != "" {
			return nil
		}

		created = true
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO creatives (id, campaign_id, format, headline, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			draftID, campaignID, p.Format, p.Headline, p.Body, time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return draftID, created, nil
}

// Delete hard-deletes the draft.
func (s *CreativeStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM creatives WHERE id = ?`), id)
		return err
	})
}

// CountForKey returns the number of rows stored under the given draft id.
func (s *CreativeStore) CountForKey(ctx context.Context, draftID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM creatives WHERE id = ?`, draftID)
}

// CountForCampaign returns the number of drafts for a campaign.
func (s *CreativeStore) CountForCampaign(ctx context.Context, campaignID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM creatives WHERE campaign_id = ?`, campaignID)
}
