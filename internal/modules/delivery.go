package modules

import (
	"context"
	"database/sql"
	"time"
)

// DeliveryStoreName identifies the delivery module's store in artifact refs.
const DeliveryStoreName = "deliveries"

// DeliveryPayload is the final handoff package assembled for a client.
type DeliveryPayload struct {
	Channel  string
	Manifest string
}

// PackageID derives the explicit business identifier for a brief's delivery
// package. It doubles as the idempotency key.
func PackageID(briefID string) string {
	return "pkg-" + briefID
}

// DeliveryStore owns the deliveries table.
type DeliveryStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewDeliveryStore initializes the deliveries schema and returns the store.
func NewDeliveryStore(db *sql.DB, dialect Dialect) (*DeliveryStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			brief_id TEXT NOT NULL,
			draft_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			manifest TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	)
	if err != nil {
		return nil, err
	}
	return &DeliveryStore{db: db, dialect: dialect}, nil
}

// Apply persists the delivery package under its explicit id. Strict
// uniqueness: a second call with the same id is a no-op.
func (s *DeliveryStore) Apply(ctx context.Context, packageID, briefID, draftID string, p DeliveryPayload) (string, bool, error) {
	var created bool

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, err := lookupByKey(ctx, tx, s.dialect, DeliveryStoreName, "deliveries", "id", packageID)
		if err != nil {
			return err
		}
		if existing != "" {
			return nil
		}

		created = true
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`
			INSERT INTO deliveries (id, brief_id, draft_id, channel, manifest, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			packageID, briefID, draftID, p.Channel, p.Manifest, time.Now().UnixNano(),
		)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return packageID, created, nil
}

// Delete hard-deletes the delivery package.
func (s *DeliveryStore) Delete(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM deliveries WHERE id = ?`), id)
		return err
	})
}

// CountForKey returns the number of rows stored under the given package id.
func (s *DeliveryStore) CountForKey(ctx context.Context, packageID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM deliveries WHERE id = ?`, packageID)
}

// CountForBrief returns the number of delivery rows for a brief.
func (s *DeliveryStore) CountForBrief(ctx context.Context, briefID string) (int, error) {
	return countWhere(ctx, s.db, s.dialect, `SELECT COUNT(*) FROM deliveries WHERE brief_id = ?`, briefID)
}
