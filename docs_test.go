package credits_test

import (
	"context"
	"log"
	"log/slog"
	"testing"

	"github.com/xraph/credits"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/payment/paymenttest"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/reconcile"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/types"
)

// TestDocumentationExamples verifies that the package documentation
// examples compile and behave as described.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Create store (memory for demo, use PostgreSQL in production)
		store := memory.New()
		gateway := paymenttest.New()

		l := credits.New(store,
			credits.WithLogger(slog.Default()),
			credits.WithGateway(gateway),
		)

		ctx := context.Background()
		if err := l.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer l.Stop()

		if _, err := l.SeedPlans(ctx, plan.DefaultCatalog()); err != nil {
			t.Fatal(err)
		}
		if _, err := l.InitializeAccount(ctx, "user_9f8e7d6c"); err != nil {
			t.Fatal(err)
		}

		res, err := l.RequestBillableAction(ctx, credits.BillableRequest{
			AccountID:  "user_9f8e7d6c",
			Origin:     "203.0.113.7",
			SubjectKey: "12345678000190",
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Granted {
			t.Fatal("signup bonus did not cover the first action")
		}
		log.Printf("issued %s, %d credits left\n", res.Issuance.ID, res.Remaining)

		// Buy more credits
		p, err := l.GetPlanBySlug(ctx, "package-50")
		if err != nil {
			t.Fatal(err)
		}
		purchase, err := l.InitiatePurchase(ctx, credits.PurchaseRequest{
			AccountID: "user_9f8e7d6c",
			PlanID:    p.ID,
			Method:    payment.MethodPix,
			Payer:     payment.Payer{Email: "ana@example.com"},
		})
		if err != nil {
			t.Fatal(err)
		}

		// The gateway settles the order and calls the webhook
		gateway.SetStatus(purchase.Order.ID, payment.StatusProcessed)
		r := reconcile.New(l, gateway)
		outcome, err := r.Handle(ctx, payment.Notification{
			Type: payment.NotificationTypeOrder,
			Data: payment.NotificationData{ID: purchase.Order.ID},
		})
		if err != nil {
			t.Fatal(err)
		}

		bal, _ := l.Balance(ctx, "user_9f8e7d6c")
		if outcome != reconcile.OutcomeCredited || bal.Available != 52 {
			t.Errorf("outcome %q, balance %d", outcome, bal.Available)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		price := types.BRL(3490)
		if price.String() != "R$34.90" || price.FormatMajor() != "34.90" {
			t.Errorf("formatting: %s / %s", price.String(), price.FormatMajor())
		}

		parsed, err := types.ParseMajor("34.90", "brl")
		if err != nil || !parsed.Equal(price) {
			t.Errorf("ParseMajor() = %v, %v", parsed, err)
		}
		_ = types.Zero("brl") // R$0.00
	})
}
