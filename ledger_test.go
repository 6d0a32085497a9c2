package credits_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/payment/paymenttest"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/ratelimit"
	"github.com/xraph/credits/store/memory"
)

const acct = "7c1e5b2a90d44e3f"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLedger(t *testing.T, opts ...credits.Option) (*credits.Ledger, *memory.Store) {
	t.Helper()
	s := memory.New()
	l := credits.New(s, opts...)
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return l, s
}

func grant(t *testing.T, l *credits.Ledger, n int64) {
	t.Helper()
	err := l.Grant(context.Background(), credits.GrantRequest{
		AccountID:   acct,
		Amount:      n,
		Kind:        entry.KindBonus,
		Description: "test grant",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConsumeMissingAccount(t *testing.T) {
	l, s := newLedger(t)

	res, err := l.Consume(context.Background(), acct, "lookup")
	if err != nil {
		t.Fatal(err)
	}
	if res.Consumed || res.Remaining != 0 {
		t.Errorf("Consume() = %+v, want not consumed", res)
	}
	if n, _ := s.CountEntries(context.Background(), acct); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestConsumeUntilEmpty(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	grant(t, l, 2)

	want := []credits.ConsumeResult{
		{Consumed: true, Remaining: 1},
		{Consumed: true, Remaining: 0},
		{Consumed: false, Remaining: 0},
	}
	for i, w := range want {
		got, err := l.Consume(ctx, acct, "lookup")
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Errorf("call %d: Consume() = %+v, want %+v", i+1, got, w)
		}
	}

	bal, err := l.Balance(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Available != 0 || bal.TotalUsed != 2 {
		t.Errorf("Balance() = %+v, want 0 available, 2 used", bal)
	}
}

func TestConcurrentConsume(t *testing.T) {
	l, _ := newLedger(t)
	const credit, extra = 10, 15
	grant(t, l, credit)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for range credit + extra {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Consume(context.Background(), acct, "lookup")
			if err != nil {
				t.Error(err)
				return
			}
			if res.Consumed {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != credit {
		t.Errorf("successful consumes = %d, want %d", ok.Load(), credit)
	}
}

func TestGrantValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  credits.GrantRequest
	}{
		{"missing account", credits.GrantRequest{Amount: 1, Kind: entry.KindBonus}},
		{"zero amount", credits.GrantRequest{AccountID: acct, Kind: entry.KindBonus}},
		{"usage kind", credits.GrantRequest{AccountID: acct, Amount: 1, Kind: entry.KindUsage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.Grant(ctx, tt.req); !errors.Is(err, credits.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestInitializeAccountOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	first, err := l.InitializeAccount(ctx, acct)
	if err != nil || !first {
		t.Fatalf("first InitializeAccount() = %v, %v", first, err)
	}
	second, err := l.InitializeAccount(ctx, acct)
	if err != nil || second {
		t.Fatalf("second InitializeAccount() = %v, %v", second, err)
	}

	bal, _ := l.Balance(ctx, acct)
	if bal.Available != credits.SignupBonus {
		t.Errorf("available = %d, want %d", bal.Available, credits.SignupBonus)
	}
}

func TestHistoryPaging(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	for range 60 {
		grant(t, l, 1)
	}

	page, err := l.History(ctx, acct, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Page != 1 || page.PageSize != credits.DefaultPageSize || len(page.Entries) != 50 || page.Total != 60 {
		t.Errorf("first page = page %d size %d len %d total %d", page.Page, page.PageSize, len(page.Entries), page.Total)
	}
	if !page.HasMore() {
		t.Error("first page has no more")
	}

	page, err = l.History(ctx, acct, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 10 || page.HasMore() {
		t.Errorf("second page len %d, more %v", len(page.Entries), page.HasMore())
	}

	page, err = l.History(ctx, acct, 1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if page.PageSize != credits.MaxPageSize {
		t.Errorf("page size = %d, want %d", page.PageSize, credits.MaxPageSize)
	}

	page, err = l.History(ctx, acct, math.MaxInt, credits.MaxPageSize)
	if err != nil {
		t.Fatal(err)
	}
	if page.Page != credits.MaxPage || len(page.Entries) != 0 || page.Total != 60 {
		t.Errorf("huge page = page %d len %d total %d", page.Page, len(page.Entries), page.Total)
	}
}

func TestIssuanceDayDefaultsToUTC(t *testing.T) {
	brt := time.FixedZone("BRT", -3*60*60)
	c := &clock{t: time.Date(2025, 3, 10, 23, 30, 0, 0, brt)}
	l, _ := newLedger(t, credits.WithClock(c.Now))
	grant(t, l, 1)

	res, err := l.Issue(context.Background(), acct, "11222333000181", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Issuance.IssuedDay != "2025-03-11" {
		t.Errorf("issued day = %s, want the UTC day 2025-03-11", res.Issuance.IssuedDay)
	}
}

func TestExhaustedThenDenied(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	grant(t, l, 1)

	res, err := l.RequestBillableAction(ctx, credits.BillableRequest{AccountID: acct, SubjectKey: "11222333000181"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Granted || res.Remaining != 0 || !res.IsNew {
		t.Errorf("first action = %+v, want granted with 0 remaining", res)
	}

	res, err = l.RequestBillableAction(ctx, credits.BillableRequest{AccountID: acct, SubjectKey: "44555666000199"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Granted {
		t.Errorf("second action = %+v, want denied", res)
	}
}

func TestSameDayDedup(t *testing.T) {
	zone := time.FixedZone("BRT", -3*60*60)
	c := &clock{t: time.Date(2025, 3, 10, 23, 30, 0, 0, zone)}
	l, s := newLedger(t, credits.WithClock(c.Now), credits.WithLocation(zone))
	ctx := context.Background()
	grant(t, l, 5)

	first, err := l.Issue(ctx, acct, "11222333000181", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsNew || first.Issuance.IssuedDay != "2025-03-10" {
		t.Fatalf("first Issue() = new %v day %s", first.IsNew, first.Issuance.IssuedDay)
	}

	c.Advance(20 * time.Minute)
	again, err := l.Issue(ctx, acct, "11222333000181", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.IsNew || again.Issuance.ID != first.Issuance.ID {
		t.Errorf("same-day Issue() = new %v id %s", again.IsNew, again.Issuance.ID)
	}
	if again.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", again.Remaining)
	}

	c.Advance(20 * time.Minute)
	next, err := l.Issue(ctx, acct, "11222333000181", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !next.IsNew || next.Issuance.IssuedDay != "2025-03-11" {
		t.Errorf("next-day Issue() = new %v day %s", next.IsNew, next.Issuance.IssuedDay)
	}

	bal, _ := l.Balance(ctx, acct)
	if bal.Available != 3 || bal.TotalUsed != 2 {
		t.Errorf("balance = %+v, want 3 available, 2 used", bal)
	}
	if n, _ := s.CountEntries(ctx, acct); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
}

func TestConcurrentIssueDebitsOnce(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	grant(t, l, 5)

	var fresh atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Issue(ctx, acct, "11222333000181", nil)
			if err != nil {
				t.Error(err)
				return
			}
			if res.IsNew {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	if fresh.Load() != 1 {
		t.Errorf("new issuances = %d, want 1", fresh.Load())
	}
	if bal, _ := l.Balance(ctx, acct); bal.Available != 4 {
		t.Errorf("available = %d, want 4", bal.Available)
	}
}

func TestIssueBuildFailureRefunds(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	grant(t, l, 1)

	boom := errors.New("render failed")
	_, err := l.Issue(ctx, acct, "11222333000181", func(context.Context) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want build error", err)
	}

	if bal, _ := l.Balance(ctx, acct); bal.Available != 1 {
		t.Errorf("available = %d, want 1 after refund", bal.Available)
	}

	res, err := l.Issue(ctx, acct, "11222333000181", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"name":"ACME LTDA"}`), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsNew || string(res.Issuance.Payload) != `{"name":"ACME LTDA"}` {
		t.Errorf("Issue() = %+v", res)
	}
}

func TestBillableActionRateLimited(t *testing.T) {
	c := &clock{t: time.Unix(1741600000, 0)}
	lim := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithMax(2), ratelimit.WithClock(c.Now))
	l, _ := newLedger(t, credits.WithRateLimiter(lim), credits.WithClock(c.Now))
	ctx := context.Background()
	grant(t, l, 10)

	req := credits.BillableRequest{AccountID: acct, Origin: "203.0.113.7", SubjectKey: "11222333000181"}
	for range 2 {
		if _, err := l.RequestBillableAction(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	_, err := l.RequestBillableAction(ctx, req)
	rlErr, ok := ratelimit.AsError(err)
	if !ok || !errors.Is(err, credits.ErrRateLimited) {
		t.Fatalf("err = %v, want rate limit error", err)
	}
	if rlErr.RetryAfterSeconds() != 60 {
		t.Errorf("retry after = %ds, want 60", rlErr.RetryAfterSeconds())
	}

	// Another origin has its own budget.
	req.Origin = "198.51.100.2"
	if _, err := l.RequestBillableAction(ctx, req); err != nil {
		t.Errorf("other origin: %v", err)
	}
}

func TestInitiatePurchaseErrors(t *testing.T) {
	gw := paymenttest.New()
	l, _ := newLedger(t, credits.WithGateway(gw))
	ctx := context.Background()
	if _, err := l.SeedPlans(ctx, plan.DefaultCatalog()); err != nil {
		t.Fatal(err)
	}
	p50, _ := l.GetPlanBySlug(ctx, "package-50")
	payer := payment.Payer{Email: "ana@example.com"}

	_, err := l.InitiatePurchase(ctx, credits.PurchaseRequest{AccountID: acct, PlanID: "0000-missing", Payer: payer})
	if !errors.Is(err, credits.ErrPlanNotFound) {
		t.Errorf("missing plan: err = %v", err)
	}

	_, err = l.InitiatePurchase(ctx, credits.PurchaseRequest{
		AccountID: acct, PlanID: p50.ID, Method: payment.MethodCreditCard, Payer: payer,
	})
	if !errors.Is(err, credits.ErrInvalidInput) {
		t.Errorf("card without token: err = %v", err)
	}

	gw.Err = errors.New("connection reset")
	_, err = l.InitiatePurchase(ctx, credits.PurchaseRequest{AccountID: acct, PlanID: p50.ID, Payer: payer})
	if !errors.Is(err, credits.ErrGatewayUnavailable) {
		t.Errorf("gateway failure: err = %v", err)
	}
	gw.Err = nil

	p50.Active = false
	if err := l.UpdatePlan(ctx, p50); err != nil {
		t.Fatal(err)
	}
	_, err = l.InitiatePurchase(ctx, credits.PurchaseRequest{AccountID: acct, PlanID: p50.ID, Payer: payer})
	if !errors.Is(err, credits.ErrPlanInactive) {
		t.Errorf("inactive plan: err = %v", err)
	}
}

func TestInitiatePurchaseOpensAccount(t *testing.T) {
	gw := paymenttest.New()
	c := &clock{t: time.UnixMilli(1741600000123)}
	l, _ := newLedger(t, credits.WithGateway(gw), credits.WithClock(c.Now))
	ctx := context.Background()
	if _, err := l.SeedPlans(ctx, plan.DefaultCatalog()); err != nil {
		t.Fatal(err)
	}
	p5, _ := l.GetPlanBySlug(ctx, "package-5")

	res, err := l.InitiatePurchase(ctx, credits.PurchaseRequest{
		AccountID: acct,
		PlanID:    p5.ID,
		Payer:     payment.Payer{Email: "ana@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := acct[:8] + "-" + p5.ID[:8] + "-1741600000123"; res.ExternalReference != want {
		t.Errorf("external reference = %q, want %q", res.ExternalReference, want)
	}
	sent, _ := gw.LastCreate()
	if sent.TotalAmount != p5.Price || sent.Method != payment.MethodPix {
		t.Errorf("order request = %+v", sent)
	}
	if pay, ok := res.Order.FirstPayment(); !ok || pay.Method.QRCode == "" {
		t.Error("pix order has no QR code")
	}

	a, err := l.ResolveAccountPrefix(ctx, acct[:8])
	if err != nil || a.Available != 0 {
		t.Errorf("ResolveAccountPrefix() = %+v, %v", a, err)
	}
}

func TestPurchaseStatus(t *testing.T) {
	c := &clock{t: time.Unix(1741600000, 0)}
	l, _ := newLedger(t, credits.WithClock(c.Now))
	ctx := context.Background()
	since := c.Now()

	st, err := l.PurchaseStatus(ctx, acct, "plan-1", since)
	if err != nil {
		t.Fatal(err)
	}
	if st.Settled {
		t.Fatal("settled before any purchase")
	}

	c.Advance(time.Second)
	if _, _, err := l.GrantPurchase(ctx, credits.GrantRequest{
		AccountID: acct, Amount: 5, PlanID: "plan-1", Reference: "PAY1",
	}, 5*time.Minute); err != nil {
		t.Fatal(err)
	}

	st, err = l.PurchaseStatus(ctx, acct, "plan-1", since)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Settled || st.Entry.Amount != 5 || st.Balance.Available != 5 {
		t.Errorf("PurchaseStatus() = %+v", st)
	}
}

func TestVerifyIssuance(t *testing.T) {
	l, s := newLedger(t)
	ctx := context.Background()
	grant(t, l, 1)

	res, err := l.Issue(ctx, acct, "11222333000181", nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := l.VerifyIssuance(ctx, res.Issuance.ID.String(), "198.51.100.2", "curl/8")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != res.Issuance.ID {
		t.Errorf("VerifyIssuance() id = %s", got.ID)
	}
	vals, _ := s.ListValidations(ctx, res.Issuance.ID)
	if len(vals) != 1 || vals[0].IP != "198.51.100.2" {
		t.Errorf("validations = %+v", vals)
	}

	if _, err := l.VerifyIssuance(ctx, "not-an-id", "", ""); !errors.Is(err, credits.ErrIssuanceNotFound) {
		t.Errorf("bad id: err = %v", err)
	}
}

func TestSeedPlansIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	n, err := l.SeedPlans(ctx, plan.DefaultCatalog())
	if err != nil || n != 6 {
		t.Fatalf("first seed = %d, %v", n, err)
	}
	n, err = l.SeedPlans(ctx, plan.DefaultCatalog())
	if err != nil || n != 0 {
		t.Fatalf("second seed = %d, %v", n, err)
	}

	plans, _ := l.ListPlans(ctx, plan.ListOpts{ActiveOnly: true})
	if len(plans) != 6 || plans[0].Slug != "trial" {
		t.Errorf("plans = %d, first %q", len(plans), plans[0].Slug)
	}
}

type recorder struct {
	consumed, denied, granted, issued, limited atomic.Int64
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnCreditsConsumed(context.Context, *entry.Entry, int64) error {
	r.consumed.Add(1)
	return nil
}

func (r *recorder) OnConsumeDenied(context.Context, string, string) error {
	r.denied.Add(1)
	return nil
}

func (r *recorder) OnCreditsGranted(context.Context, *entry.Entry, int64) error {
	r.granted.Add(1)
	return nil
}

func (r *recorder) OnIssuanceCreated(context.Context, *issuance.Issuance) error {
	r.issued.Add(1)
	return nil
}

func (r *recorder) OnRateLimited(context.Context, string, time.Duration) error {
	r.limited.Add(1)
	return nil
}

func TestPluginHooks(t *testing.T) {
	rec := &recorder{}
	lim := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithMax(3))
	l, _ := newLedger(t, credits.WithPlugin(rec), credits.WithRateLimiter(lim))
	ctx := context.Background()
	grant(t, l, 1)

	for _, subject := range []string{"a", "b", "c", "d"} {
		_, _ = l.RequestBillableAction(ctx, credits.BillableRequest{AccountID: acct, SubjectKey: subject})
	}

	checks := []struct {
		name string
		got  int64
		want int64
	}{
		{"granted", rec.granted.Load(), 1},
		{"consumed", rec.consumed.Load(), 1},
		{"issued", rec.issued.Load(), 1},
		{"denied", rec.denied.Load(), 2},
		{"limited", rec.limited.Load(), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
}
