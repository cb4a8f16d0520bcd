// Package modules holds the artifact stores owned by each pipeline module:
// briefs, strategy documents, campaign plans, creative drafts, QC results,
// and delivery packages.
//
// Every store exposes the same idempotent contract,
//
//	Apply(ctx, key, payload) -> (artifactID, created, error)
//
// executed inside a single SQL transaction against the store's own tables.
// Re-applying with the same key never adds a row: it either returns the
// existing artifact (created=false) or, for the QC store, atomically
// replaces it (latest evaluation wins). Compensation is a real DELETE (or
// full reversal), tolerant of the artifact already being absent.
//
// The orchestration core never opens a transaction spanning two stores;
// each store method is its own atomic unit of work.
package modules

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
)

// Dialect selects the SQL flavor for a store. Queries are written with '?'
// placeholders and rebound for Postgres.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites '?' placeholders to '$n' for Postgres. SQLite queries
// pass through unchanged.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ContentHash derives a deterministic idempotency key from the parts that
// define a payload's semantic identity.
func ContentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
