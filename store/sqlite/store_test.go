package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/sqlite"
	"github.com/xraph/credits/store/storetest"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "credits.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openStore(t) })
}

func TestMigrateTwice(t *testing.T) {
	s := openStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// TestLedgerOnSQLite drives the ledger operations that read plans and
// issuances back from the database.
func TestLedgerOnSQLite(t *testing.T) {
	ctx := context.Background()
	l := credits.New(openStore(t))
	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Stop() })

	const acct = "3f9a0c1d7e2b4a68"
	if err := l.Grant(ctx, credits.GrantRequest{AccountID: acct, Amount: 5, Kind: entry.KindBonus}); err != nil {
		t.Fatal(err)
	}

	first, err := l.Issue(ctx, acct, "12345678000199", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsNew || first.Remaining != 4 {
		t.Fatalf("first Issue() = new %v remaining %d", first.IsNew, first.Remaining)
	}
	again, err := l.Issue(ctx, acct, "12345678000199", nil)
	if err != nil {
		t.Fatalf("same-day Issue(): %v", err)
	}
	if again.IsNew || again.Remaining != 4 || again.Issuance.ID.String() != first.Issuance.ID.String() {
		t.Errorf("same-day Issue() = new %v remaining %d id %s", again.IsNew, again.Remaining, again.Issuance.ID)
	}

	if _, err := l.VerifyIssuance(ctx, first.Issuance.ID.String(), "198.51.100.2", "curl/8"); err != nil {
		t.Fatalf("VerifyIssuance(): %v", err)
	}
	vals, err := l.Validations(ctx, first.Issuance.ID.String())
	if err != nil || len(vals) != 1 {
		t.Errorf("Validations() = %d, %v", len(vals), err)
	}

	if n, err := l.SeedPlans(ctx, plan.DefaultCatalog()); err != nil || n != 6 {
		t.Fatalf("SeedPlans() = %d, %v", n, err)
	}
	p, err := l.GetPlanBySlug(ctx, "package-50")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := l.ResolvePlanPrefix(ctx, p.ID[:8])
	if err != nil || resolved.ID != p.ID {
		t.Errorf("ResolvePlanPrefix() = %v, %v", resolved, err)
	}
}
