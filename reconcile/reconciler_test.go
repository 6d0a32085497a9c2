package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/payment/paymenttest"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/reconcile"
	"github.com/xraph/credits/store/memory"
)

const accountID = "3f2a9c1d77e84b0aa1b2"

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

type fixture struct {
	ledger  *credits.Ledger
	store   *memory.Store
	gateway *paymenttest.Gateway
	clock   *clock
	plan    *plan.Plan
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:   memory.New(),
		gateway: paymenttest.New(),
		clock:   &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	f.ledger = credits.New(f.store,
		credits.WithGateway(f.gateway),
		credits.WithClock(f.clock.Now),
	)

	if _, err := f.ledger.SeedPlans(ctx, plan.DefaultCatalog()); err != nil {
		t.Fatal(err)
	}
	p, err := f.ledger.GetPlanBySlug(ctx, "package-50")
	if err != nil {
		t.Fatal(err)
	}
	f.plan = p

	if _, err := f.store.OpenAccount(ctx, accountID); err != nil {
		t.Fatal(err)
	}
	return f
}

// settled stores a processed order for the fixture's account and plan and
// returns the notification announcing it.
func (f *fixture) settled(t *testing.T, orderID, paymentID string) payment.Notification {
	t.Helper()
	ref, err := payment.NewReference(accountID, f.plan.ID, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	f.gateway.Put(paymenttest.Processed(orderID, paymentID, ref.String(),
		payment.MethodInfo{ID: "pix", Type: "bank_transfer"}))
	return notification(orderID)
}

func notification(orderID string) payment.Notification {
	return payment.Notification{
		Type:   payment.NotificationTypeOrder,
		Action: "order.processed",
		Data:   payment.NotificationData{ID: orderID},
	}
}

func (f *fixture) purchases(t *testing.T) []*entry.Entry {
	t.Helper()
	all, err := f.store.ListEntries(context.Background(), accountID, entry.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var out []*entry.Entry
	for _, e := range all {
		if e.Kind == entry.KindPurchase {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatal(err)
	}
	return b.Available
}

func TestHappyPurchase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.ledger.InitiatePurchase(ctx, credits.PurchaseRequest{
		AccountID: accountID,
		Origin:    "203.0.113.7",
		PlanID:    f.plan.ID,
		Method:    payment.MethodPix,
		Payer:     payment.Payer{Email: "ana@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("balance before settlement = %d, want 0", got)
	}

	f.gateway.SetStatus(res.Order.ID, payment.StatusProcessed)

	r := reconcile.New(f.ledger, f.gateway)
	outcome, err := r.Handle(ctx, notification(res.Order.ID))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != reconcile.OutcomeCredited {
		t.Fatalf("outcome = %q, want credited", outcome)
	}

	if got := f.balance(t); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
	entries := f.purchases(t)
	if len(entries) != 1 {
		t.Fatalf("purchase entries = %d, want 1", len(entries))
	}
	if e := entries[0]; e.Amount != 50 || e.PlanID != f.plan.ID {
		t.Errorf("entry = %+v", e)
	}
	if want := "Purchase of plan Package 50 via PIX"; entries[0].Description != want {
		t.Errorf("description = %q, want %q", entries[0].Description, want)
	}
}

func TestDuplicateWebhook(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := reconcile.New(f.ledger, f.gateway)
	n := f.settled(t, "ORD1", "PAY1")

	first, err := r.Handle(ctx, n)
	if err != nil || first != reconcile.OutcomeCredited {
		t.Fatalf("first delivery = %q, %v", first, err)
	}
	second, err := r.Handle(ctx, n)
	if err != nil || second != reconcile.OutcomeDuplicate {
		t.Fatalf("second delivery = %q, %v", second, err)
	}
	if !second.Acknowledge() {
		t.Error("duplicate not acknowledged")
	}

	if got := len(f.purchases(t)); got != 1 {
		t.Errorf("purchase entries = %d, want 1", got)
	}
	if got := f.balance(t); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
}

func TestConcurrentDuplicates(t *testing.T) {
	f := setup(t)
	r := reconcile.New(f.ledger, f.gateway)
	n := f.settled(t, "ORD1", "PAY1")

	const deliveries = 20
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := r.Handle(context.Background(), n)
			if err != nil {
				errs <- err
				return
			}
			if outcome != reconcile.OutcomeCredited && outcome != reconcile.OutcomeDuplicate {
				errs <- errors.New("unexpected outcome " + string(outcome))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := len(f.purchases(t)); got != 1 {
		t.Errorf("purchase entries = %d, want 1", got)
	}
	if got := f.balance(t); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
}

func TestDuplicateAfterRestart(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	n := f.settled(t, "ORD1", "PAY1")

	if _, err := reconcile.New(f.ledger, f.gateway).Handle(ctx, n); err != nil {
		t.Fatal(err)
	}

	// A new reconciler starts with an empty seen-cache, and the gateway
	// redelivers after the duplicate window has passed.
	f.clock.Advance(time.Hour)
	outcome, err := reconcile.New(f.ledger, f.gateway).Handle(ctx, n)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != reconcile.OutcomeDuplicate {
		t.Fatalf("outcome = %q, want duplicate", outcome)
	}
	if got := len(f.purchases(t)); got != 1 {
		t.Errorf("purchase entries = %d, want 1", got)
	}
}

func TestDuplicateWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	r := reconcile.New(f.ledger, f.gateway, reconcile.WithDuplicateWindow(5*time.Minute))

	if _, err := r.Handle(ctx, f.settled(t, "ORD1", "PAY1")); err != nil {
		t.Fatal(err)
	}

	// A second payment for the same plan inside the window is treated as
	// the first one redelivered.
	f.clock.Advance(2 * time.Minute)
	outcome, err := r.Handle(ctx, f.settled(t, "ORD2", "PAY2"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != reconcile.OutcomeDuplicate {
		t.Fatalf("outcome inside window = %q, want duplicate", outcome)
	}

	f.clock.Advance(5 * time.Minute)
	outcome, err = r.Handle(ctx, f.settled(t, "ORD3", "PAY3"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != reconcile.OutcomeCredited {
		t.Fatalf("outcome after window = %q, want credited", outcome)
	}
	if got := f.balance(t); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
}

func TestMalformedReference(t *testing.T) {
	f := setup(t)
	f.gateway.Put(paymenttest.Processed("ORD1", "PAY1", "abc", payment.MethodInfo{Type: "bank_transfer"}))

	outcome, err := reconcile.New(f.ledger, f.gateway).Handle(context.Background(), notification("ORD1"))
	if !errors.Is(err, credits.ErrMalformedReference) {
		t.Fatalf("err = %v, want ErrMalformedReference", err)
	}
	if outcome != reconcile.OutcomeRejected || !outcome.Acknowledge() {
		t.Errorf("outcome = %q, want acknowledged rejection", outcome)
	}
	n, err := f.store.CountEntries(context.Background(), accountID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestUnresolvedAccount(t *testing.T) {
	f := setup(t)
	ref, err := payment.NewReference("ffffffff00", f.plan.ID, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	f.gateway.Put(paymenttest.Processed("ORD1", "PAY1", ref.String(), payment.MethodInfo{Type: "bank_transfer"}))

	outcome, err := reconcile.New(f.ledger, f.gateway).Handle(context.Background(), notification("ORD1"))
	if !errors.Is(err, credits.ErrUnresolvedAccountOrPlan) {
		t.Fatalf("err = %v, want ErrUnresolvedAccountOrPlan", err)
	}
	if !outcome.Acknowledge() {
		t.Error("unresolved account not acknowledged")
	}
}

func TestNotSettled(t *testing.T) {
	f := setup(t)
	f.settled(t, "ORD1", "PAY1")
	f.gateway.SetStatus("ORD1", payment.StatusPending)

	outcome, err := reconcile.New(f.ledger, f.gateway).Handle(context.Background(), notification("ORD1"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome != reconcile.OutcomeNotSettled {
		t.Errorf("outcome = %q, want not_settled", outcome)
	}
	if got := f.balance(t); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestGatewayTimeout(t *testing.T) {
	f := setup(t)
	n := f.settled(t, "ORD1", "PAY1")
	f.gateway.Delay = time.Second

	r := reconcile.New(f.ledger, f.gateway, reconcile.WithGatewayTimeout(20*time.Millisecond))
	outcome, err := r.Handle(context.Background(), n)
	if !errors.Is(err, credits.ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if outcome.Acknowledge() {
		t.Error("gateway timeout acknowledged")
	}
	if got := f.balance(t); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestIgnoredAndInvalidNotifications(t *testing.T) {
	f := setup(t)
	r := reconcile.New(f.ledger, f.gateway)
	ctx := context.Background()

	outcome, err := r.Handle(ctx, payment.Notification{Type: "payment", Data: payment.NotificationData{ID: "1"}})
	if err != nil || outcome != reconcile.OutcomeIgnored {
		t.Errorf("non-order notification = %q, %v", outcome, err)
	}

	outcome, err = r.Handle(ctx, payment.Notification{Type: payment.NotificationTypeOrder})
	if !errors.Is(err, credits.ErrInvalidNotification) || !outcome.Acknowledge() {
		t.Errorf("missing id = %q, %v", outcome, err)
	}
	if f.gateway.GetCalls() != 0 {
		t.Errorf("gateway called %d times", f.gateway.GetCalls())
	}
}

func TestMemorySeenCacheExpiry(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	cache := reconcile.NewMemorySeenCache(time.Minute, c.Now)
	ctx := context.Background()

	if seen, _ := cache.Seen(ctx, "PAY1"); seen {
		t.Fatal("empty cache reports seen")
	}
	if err := cache.Mark(ctx, "PAY1"); err != nil {
		t.Fatal(err)
	}
	if seen, _ := cache.Seen(ctx, "PAY1"); !seen {
		t.Fatal("marked id not seen")
	}
	c.Advance(time.Minute)
	if seen, _ := cache.Seen(ctx, "PAY1"); seen {
		t.Error("expired id still seen")
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d after expiry, want 0", cache.Len())
	}
}
