package testsupport

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"costops/internal/adapters/postgres"
	pgrepo "costops/internal/repository/postgres"
)

// tables in dependency order for truncation
var tables = []string{"budget_signals", "budgets", "dlq_items", "cost_records", "price_tables", "usage_records"}

// NewTestPostgres connects to the integration database, applies the schema
// and truncates all tables before and after the test.
func NewTestPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	cfg := LoadPostgresConfigFromEnv(t)
	ctx := context.Background()

	client, err := postgres.NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}

	if err := pgrepo.Migrate(ctx, client.DB()); err != nil {
		_ = client.Close()
		t.Fatalf("failed to migrate: %v", err)
	}

	truncate(t, client.DB())
	t.Cleanup(func() {
		truncate(t, client.DB())
		_ = client.Close()
	})

	return client.DB()
}

func truncate(t *testing.T, db *sqlx.DB) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Exec("TRUNCATE TABLE " + table + " CASCADE"); err != nil {
			t.Fatalf("failed to truncate %s: %v", table, err)
		}
	}
}
