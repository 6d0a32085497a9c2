package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/plugin"
)

func TestMetricsExtensionCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewPrometheusFactory(reg, "")
	m := NewMetricsExtension(f)
	ctx := context.Background()

	_ = m.OnCreditsConsumed(ctx, &entry.Entry{Amount: -1}, 2)
	_ = m.OnCreditsConsumed(ctx, &entry.Entry{Amount: -1}, 1)
	_ = m.OnConsumeDenied(ctx, "acct", "issue")
	_ = m.OnCreditsGranted(ctx, &entry.Entry{Amount: 50}, 51)
	_ = m.OnPaymentReconciled(ctx, plugin.PaymentEvent{Credits: 50})
	_ = m.OnDuplicatePayment(ctx, plugin.PaymentEvent{})
	_ = m.OnRateLimited(ctx, "action:1.2.3.4", 12*time.Second)

	checks := map[string]float64{
		"credits.consumed":           2,
		"credits.consume.denied":     1,
		"credits.granted":            50,
		"credits.payment.reconciled": 1,
		"credits.payment.duplicate":  1,
		"credits.ratelimit.rejected": 1,
		"credits.reconcile.failed":   0,
	}
	for name, want := range checks {
		if got := testutil.ToFloat64(f.counters[name]); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n != 11 {
		t.Errorf("GatherAndCount() = %d, %v; want 11", n, err)
	}
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusFactory(reg, "svc")
	b := NewPrometheusFactory(reg, "svc")

	a.Counter("credits.granted").Add(3)
	b.Counter("credits.granted").Add(2)

	if got := testutil.ToFloat64(a.counters["credits.granted"]); got != 5 {
		t.Errorf("shared counter = %v, want 5", got)
	}
	if a.Counter("credits.granted") != a.Counter("credits.granted") {
		t.Error("factory returned a different counter for the same name")
	}
}
