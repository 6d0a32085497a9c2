package mysql_test

import (
	"context"
	"os"
	"testing"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/mysql"
	"github.com/xraph/credits/store/storetest"
)

// TestMySQLStore runs the conformance suite against a real server when
// CREDITS_MYSQL_DSN is set. The tables are truncated before each subtest.
func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("CREDITS_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CREDITS_MYSQL_DSN not set")
	}

	s, err := mysql.Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		for _, table := range []string{
			"credit_issuance_validations",
			"credit_issuances",
			"credit_entries",
			"credit_accounts",
			"credit_plans",
		} {
			if err := s.DB().Exec("DELETE FROM " + table).Error; err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		return s
	})
}
