// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/types"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"DebitWithoutAccount", testDebitWithoutAccount},
		{"CreditCreatesAccount", testCreditCreatesAccount},
		{"DebitToZero", testDebitToZero},
		{"BalanceReconstruction", testBalanceReconstruction},
		{"ConcurrentDebit", testConcurrentDebit},
		{"ConcurrentCredit", testConcurrentCredit},
		{"ReferenceIsUnique", testReferenceIsUnique},
		{"PurchaseGuard", testPurchaseGuard},
		{"HistoryOrderAndPaging", testHistoryOrderAndPaging},
		{"OpenAccountKeepsBalance", testOpenAccountKeepsBalance},
		{"AccountPrefix", testAccountPrefix},
		{"Plans", testPlans},
		{"PlanPrefix", testPlanPrefix},
		{"Issuances", testIssuances},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func usage(accountID string) *entry.Entry {
	return &entry.Entry{
		ID:          id.NewEntryID(),
		AccountID:   accountID,
		Kind:        entry.KindUsage,
		Amount:      -1,
		Description: "lookup",
		CreatedAt:   time.Now().UTC(),
	}
}

func grant(accountID string, kind entry.Kind, amount int64) *entry.Entry {
	return &entry.Entry{
		ID:          id.NewEntryID(),
		AccountID:   accountID,
		Kind:        kind,
		Amount:      amount,
		Description: fmt.Sprintf("%s of %d", kind, amount),
		CreatedAt:   time.Now().UTC(),
	}
}

func mustCredit(t *testing.T, s store.Store, e *entry.Entry) int64 {
	t.Helper()
	available, err := s.Credit(context.Background(), e, nil)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	return available
}

func testDebitWithoutAccount(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.Debit(ctx, usage("ghost")); !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("Debit on missing account: got %v, want ErrInsufficientCredits", err)
	}
	if _, err := s.GetAccount(ctx, "ghost"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("expected no account to be created, got %v", err)
	}
	if n, _ := s.CountEntries(ctx, "ghost"); n != 0 {
		t.Errorf("expected no entries, got %d", n)
	}
}

func testCreditCreatesAccount(t *testing.T, s store.Store) {
	ctx := context.Background()

	if got := mustCredit(t, s, grant("acct-new", entry.KindBonus, 3)); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}

	a, err := s.GetAccount(ctx, "acct-new")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Available != 3 || a.TotalUsed != 0 {
		t.Errorf("account = %+v, want available 3, used 0", a.Balance())
	}
}

func testDebitToZero(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCredit(t, s, grant("acct-one", entry.KindPurchase, 1))

	remaining, err := s.Debit(ctx, usage("acct-one"))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	if _, err := s.Debit(ctx, usage("acct-one")); !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("second Debit: got %v, want ErrInsufficientCredits", err)
	}

	a, err := s.GetAccount(ctx, "acct-one")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Available != 0 || a.TotalUsed != 1 {
		t.Errorf("balance = %+v, want available 0, used 1", a.Balance())
	}
	if n, _ := s.CountEntries(ctx, "acct-one"); n != 2 {
		t.Errorf("entries = %d, want 2 (grant + one usage)", n)
	}
}

// testBalanceReconstruction applies a random sequence of debits and credits
// and checks after every step that the balance equals the entry sum and
// never goes negative.
func testBalanceReconstruction(t *testing.T, s store.Store) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))
	const accountID = "acct-prop"

	var expectedUsed int64
	for step := range 200 {
		if rng.IntN(3) == 0 {
			mustCredit(t, s, grant(accountID, entry.KindPurchase, int64(rng.IntN(4)+1)))
		} else {
			_, err := s.Debit(ctx, usage(accountID))
			switch {
			case err == nil:
				expectedUsed++
			case errors.Is(err, credits.ErrInsufficientCredits):
			default:
				t.Fatalf("step %d: Debit: %v", step, err)
			}
		}

		a, err := s.GetAccount(ctx, accountID)
		if err != nil {
			t.Fatalf("step %d: GetAccount: %v", step, err)
		}
		sum, err := s.SumEntries(ctx, accountID)
		if err != nil {
			t.Fatalf("step %d: SumEntries: %v", step, err)
		}
		if a.Available < 0 {
			t.Fatalf("step %d: negative balance %d", step, a.Available)
		}
		if a.Available != sum {
			t.Fatalf("step %d: available %d != entry sum %d", step, a.Available, sum)
		}
		if a.TotalUsed != expectedUsed {
			t.Fatalf("step %d: total used %d, want %d", step, a.TotalUsed, expectedUsed)
		}
	}
}

func testConcurrentDebit(t *testing.T, s store.Store) {
	ctx := context.Background()
	const (
		accountID = "acct-race"
		n         = 5
		k         = 7
	)
	mustCredit(t, s, grant(accountID, entry.KindPurchase, n))

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		denied    atomic.Int64
	)
	errs := make(chan error, n+k)
	for range n + k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Debit(ctx, usage(accountID))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, credits.ErrInsufficientCredits):
				denied.Add(1)
			default:
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected Debit error: %v", err)
	}
	if successes.Load() != n || denied.Load() != k {
		t.Fatalf("successes=%d denied=%d, want %d and %d", successes.Load(), denied.Load(), n, k)
	}

	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Available != 0 || a.TotalUsed != n {
		t.Errorf("balance = %+v, want available 0, used %d", a.Balance(), n)
	}
}

func testConcurrentCredit(t *testing.T, s store.Store) {
	ctx := context.Background()
	const accountID = "acct-grants"

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Credit(ctx, grant(accountID, entry.KindBonus, int64(i+1)), nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected Credit error: %v", err)
	}

	a, err := s.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Available != 210 {
		t.Errorf("available = %d, want 210", a.Available)
	}
}

func testReferenceIsUnique(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := grant("acct-ref", entry.KindPurchase, 50)
	first.Reference = "pay-123"
	mustCredit(t, s, first)

	dup := grant("acct-ref", entry.KindPurchase, 50)
	dup.Reference = "pay-123"
	if _, err := s.Credit(ctx, dup, nil); !errors.Is(err, credits.ErrDuplicatePayment) {
		t.Fatalf("duplicate reference: got %v, want ErrDuplicatePayment", err)
	}

	// Entries without a reference never collide.
	mustCredit(t, s, grant("acct-ref", entry.KindBonus, 1))
	mustCredit(t, s, grant("acct-ref", entry.KindBonus, 1))

	a, _ := s.GetAccount(ctx, "acct-ref")
	if a.Available != 52 {
		t.Errorf("available = %d, want 52", a.Available)
	}
}

func testPurchaseGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	since := time.Now().UTC().Add(-5 * time.Minute)

	first := grant("acct-guard", entry.KindPurchase, 50)
	first.PlanID = "plan-a"
	if _, err := s.Credit(ctx, first, &entry.Guard{Since: since}); err != nil {
		t.Fatalf("first guarded Credit: %v", err)
	}

	again := grant("acct-guard", entry.KindPurchase, 50)
	again.PlanID = "plan-a"
	if _, err := s.Credit(ctx, again, &entry.Guard{Since: since}); !errors.Is(err, credits.ErrDuplicatePayment) {
		t.Fatalf("second guarded Credit: got %v, want ErrDuplicatePayment", err)
	}

	other := grant("acct-guard", entry.KindPurchase, 5)
	other.PlanID = "plan-b"
	if _, err := s.Credit(ctx, other, &entry.Guard{Since: since}); err != nil {
		t.Fatalf("different plan should pass the guard: %v", err)
	}

	latest, err := s.LatestPurchase(ctx, "acct-guard", "plan-a", since)
	if err != nil {
		t.Fatalf("LatestPurchase: %v", err)
	}
	if latest.ID.String() != first.ID.String() {
		t.Errorf("LatestPurchase = %s, want %s", latest.ID, first.ID)
	}

	if _, err := s.LatestPurchase(ctx, "acct-guard", "plan-a", time.Now().UTC().Add(time.Minute)); !credits.IsNotFound(err) {
		t.Errorf("LatestPurchase in the future: got %v, want not found", err)
	}
}

func testHistoryOrderAndPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	const accountID = "acct-hist"

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	for i := range 5 {
		e := grant(accountID, entry.KindBonus, int64(i+1))
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		mustCredit(t, s, e)
	}

	page, err := s.ListEntries(ctx, accountID, entry.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(page) != 2 || page[0].Amount != 5 || page[1].Amount != 4 {
		t.Fatalf("first page amounts = %v, want [5 4]", amounts(page))
	}

	page, err = s.ListEntries(ctx, accountID, entry.ListOpts{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(page) != 1 || page[0].Amount != 1 {
		t.Fatalf("last page amounts = %v, want [1]", amounts(page))
	}

	total, err := s.CountEntries(ctx, accountID)
	if err != nil {
		t.Fatalf("CountEntries: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
}

func amounts(entries []*entry.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Amount
	}
	return out
}

func testOpenAccountKeepsBalance(t *testing.T, s store.Store) {
	ctx := context.Background()

	a, err := s.OpenAccount(ctx, "acct-open")
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if a.Available != 0 {
		t.Errorf("new account available = %d, want 0", a.Available)
	}

	mustCredit(t, s, grant("acct-open", entry.KindBonus, 3))
	a, err = s.OpenAccount(ctx, "acct-open")
	if err != nil {
		t.Fatalf("OpenAccount again: %v", err)
	}
	if a.Available != 3 {
		t.Errorf("reopened account available = %d, want 3", a.Available)
	}
}

func testAccountPrefix(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCredit(t, s, grant("a1b2c3d4-aaaa", entry.KindBonus, 1))
	mustCredit(t, s, grant("ffff0000-1111", entry.KindBonus, 1))
	mustCredit(t, s, grant("ffff0000-2222", entry.KindBonus, 1))

	a, err := s.FindAccountByPrefix(ctx, "a1b2c3d4")
	if err != nil {
		t.Fatalf("FindAccountByPrefix: %v", err)
	}
	if a.AccountID != "a1b2c3d4-aaaa" {
		t.Errorf("resolved %q", a.AccountID)
	}

	if _, err := s.FindAccountByPrefix(ctx, "ffff0000"); !errors.Is(err, credits.ErrAmbiguousPrefix) {
		t.Errorf("ambiguous prefix: got %v, want ErrAmbiguousPrefix", err)
	}
	if _, err := s.FindAccountByPrefix(ctx, "00000000"); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("unknown prefix: got %v, want ErrAccountNotFound", err)
	}
}

func testPlans(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, p := range plan.DefaultCatalog() {
		p.ID = plan.NewID()
		p.Entity = types.NewEntity()
		if err := s.CreatePlan(ctx, p); err != nil {
			t.Fatalf("CreatePlan(%s): %v", p.Slug, err)
		}
	}

	p50, err := s.GetPlanBySlug(ctx, "package-50")
	if err != nil {
		t.Fatalf("GetPlanBySlug: %v", err)
	}
	if p50.Credits != 50 || !p50.Price.Equal(types.BRL(3490)) {
		t.Errorf("package-50 = %d credits at %s", p50.Credits, p50.Price)
	}

	got, err := s.GetPlan(ctx, p50.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Slug != "package-50" {
		t.Errorf("GetPlan slug = %q", got.Slug)
	}
	if d := time.Since(got.CreatedAt); got.CreatedAt.IsZero() || d < 0 || d > time.Minute {
		t.Errorf("GetPlan created_at = %v", got.CreatedAt)
	}

	dup := *p50
	dup.ID = plan.NewID()
	if err := s.CreatePlan(ctx, &dup); !errors.Is(err, credits.ErrAlreadyExists) {
		t.Errorf("duplicate slug: got %v, want ErrAlreadyExists", err)
	}

	got.Active = false
	if err := s.UpdatePlan(ctx, got); err != nil {
		t.Fatalf("UpdatePlan: %v", err)
	}
	active, err := s.ListPlans(ctx, plan.ListOpts{ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(active) != 5 {
		t.Errorf("active plans = %d, want 5", len(active))
	}
	all, err := s.ListPlans(ctx, plan.ListOpts{})
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(all) != 6 {
		t.Errorf("all plans = %d, want 6", len(all))
	}

	if _, err := s.GetPlan(ctx, plan.NewID()); !errors.Is(err, credits.ErrPlanNotFound) {
		t.Errorf("missing plan: got %v, want ErrPlanNotFound", err)
	}
}

func testPlanPrefix(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := &plan.Plan{
		Entity:  types.NewEntity(),
		ID:      plan.NewID(),
		Name:    "Package 5",
		Slug:    "package-5",
		Type:    plan.TypePackage,
		Price:   types.BRL(490),
		Credits: 5,
		Active:  true,
	}
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}

	got, err := s.FindPlanByPrefix(ctx, p.ID[:8])
	if err != nil {
		t.Fatalf("FindPlanByPrefix: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("resolved %q, want %q", got.ID, p.ID)
	}
}

func testIssuances(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	iss := &issuance.Issuance{
		ID:         id.NewIssuanceID(),
		AccountID:  "acct-doc",
		SubjectKey: "12345678000190",
		Payload:    json.RawMessage(`{"name":"ACME"}`),
		IssuedAt:   now,
		IssuedDay:  issuance.Day(now, time.UTC),
	}
	if err := s.CreateIssuance(ctx, iss); err != nil {
		t.Fatalf("CreateIssuance: %v", err)
	}

	found, err := s.FindIssuance(ctx, "acct-doc", "12345678000190", iss.IssuedDay)
	if err != nil {
		t.Fatalf("FindIssuance: %v", err)
	}
	if found.ID.String() != iss.ID.String() {
		t.Errorf("found %s, want %s", found.ID, iss.ID)
	}
	if !sameInstant(found.IssuedAt, now) {
		t.Errorf("issued_at = %v, want %v", found.IssuedAt, now)
	}

	clash := *iss
	clash.ID = id.NewIssuanceID()
	if err := s.CreateIssuance(ctx, &clash); !errors.Is(err, credits.ErrAlreadyExists) {
		t.Errorf("same subject/day: got %v, want ErrAlreadyExists", err)
	}

	if _, err := s.FindIssuance(ctx, "acct-doc", "12345678000190", "1999-01-01"); !errors.Is(err, credits.ErrIssuanceNotFound) {
		t.Errorf("other day: got %v, want ErrIssuanceNotFound", err)
	}

	v := &issuance.Validation{
		ID:          id.NewValidationID(),
		IssuanceID:  iss.ID,
		ValidatedAt: now,
		IP:          "203.0.113.9",
		UserAgent:   "curl/8",
	}
	if err := s.RecordValidation(ctx, v); err != nil {
		t.Fatalf("RecordValidation: %v", err)
	}
	vals, err := s.ListValidations(ctx, iss.ID)
	if err != nil {
		t.Fatalf("ListValidations: %v", err)
	}
	if len(vals) != 1 || vals[0].IP != "203.0.113.9" || !sameInstant(vals[0].ValidatedAt, now) {
		t.Errorf("validations = %+v", vals)
	}

	got, err := s.GetIssuance(ctx, iss.ID)
	if err != nil {
		t.Fatalf("GetIssuance: %v", err)
	}
	if string(got.Payload) != `{"name":"ACME"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}

// sameInstant tolerates the column precision of each backend.
func sameInstant(a, b time.Time) bool {
	return a.Sub(b).Abs() < time.Second
}
