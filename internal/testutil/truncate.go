package testutil

import (
	"database/sql"
	"testing"
)

// pipelineTables lists every table the orchestration core and the module
// stores own. Kept explicit so a new store's table is added deliberately.
var pipelineTables = []string{
	"runs",
	"briefs",
	"strategies",
	"campaigns",
	"creatives",
	"qc_results",
	"deliveries",
}

// TruncateAll empties every pipeline table, giving each test a clean slate.
// Missing tables are skipped so tests can truncate before all stores have
// initialized their schemas.
func TruncateAll(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, table := range pipelineTables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			t.Logf("truncate %s skipped: %v", table, err)
		}
	}
}
