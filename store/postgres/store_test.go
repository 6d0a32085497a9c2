package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/storetest"
)

// TestPostgresStore runs the conformance suite against a real server when
// CREDITS_POSTGRES_DSN is set. The tables are emptied before each subtest.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CREDITS_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CREDITS_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := pgdriver.Unwrap(s.DB()).Exec(ctx, `TRUNCATE credit_issuance_validations, credit_issuances,
			credit_entries, credit_accounts, credit_plans`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
