// Package observability provides a metrics plugin for the credit ledger
// that counts ledger, reconciliation and rate limit events through a
// MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnInit              = (*MetricsExtension)(nil)
	_ plugin.OnCreditsConsumed   = (*MetricsExtension)(nil)
	_ plugin.OnConsumeDenied     = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted    = (*MetricsExtension)(nil)
	_ plugin.OnPaymentReconciled = (*MetricsExtension)(nil)
	_ plugin.OnDuplicatePayment  = (*MetricsExtension)(nil)
	_ plugin.OnReconcileFailed   = (*MetricsExtension)(nil)
	_ plugin.OnIssuanceCreated   = (*MetricsExtension)(nil)
	_ plugin.OnRateLimited       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records credit lifecycle metrics.
// Register it as a Ledger plugin to track them automatically.
type MetricsExtension struct {
	factory MetricFactory

	// Ledger metrics
	CreditsConsumed Counter
	ConsumeDenied   Counter
	CreditsGranted  Counter
	GrantAmount     Histogram

	// Reconciliation metrics
	PaymentsReconciled Counter
	PurchasedCredits   Histogram
	DuplicatePayments  Counter
	ReconcileFailures  Counter

	// Issuance metrics
	IssuancesCreated Counter

	// Rate limit metrics
	RateLimited      Counter
	RetryAfterSecond Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		CreditsConsumed: factory.Counter("credits.consumed"),
		ConsumeDenied:   factory.Counter("credits.consume.denied"),
		CreditsGranted:  factory.Counter("credits.granted"),
		GrantAmount:     factory.Histogram("credits.grant.amount"),

		PaymentsReconciled: factory.Counter("credits.payment.reconciled"),
		PurchasedCredits:   factory.Histogram("credits.payment.credits"),
		DuplicatePayments:  factory.Counter("credits.payment.duplicate"),
		ReconcileFailures:  factory.Counter("credits.reconcile.failed"),

		IssuancesCreated: factory.Counter("credits.issuance.created"),

		RateLimited:      factory.Counter("credits.ratelimit.rejected"),
		RetryAfterSecond: factory.Histogram("credits.ratelimit.retry_after_seconds"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(context.Context, any) error { return nil }

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (m *MetricsExtension) OnCreditsConsumed(_ context.Context, e *entry.Entry, _ int64) error {
	m.CreditsConsumed.Add(float64(-e.Amount))
	return nil
}

// OnConsumeDenied implements plugin.OnConsumeDenied.
func (m *MetricsExtension) OnConsumeDenied(context.Context, string, string) error {
	m.ConsumeDenied.Inc()
	return nil
}

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, e *entry.Entry, _ int64) error {
	m.CreditsGranted.Add(float64(e.Amount))
	m.GrantAmount.Observe(float64(e.Amount))
	return nil
}

// OnPaymentReconciled implements plugin.OnPaymentReconciled.
func (m *MetricsExtension) OnPaymentReconciled(_ context.Context, ev plugin.PaymentEvent) error {
	m.PaymentsReconciled.Inc()
	m.PurchasedCredits.Observe(float64(ev.Credits))
	return nil
}

// OnDuplicatePayment implements plugin.OnDuplicatePayment.
func (m *MetricsExtension) OnDuplicatePayment(context.Context, plugin.PaymentEvent) error {
	m.DuplicatePayments.Inc()
	return nil
}

// OnReconcileFailed implements plugin.OnReconcileFailed.
func (m *MetricsExtension) OnReconcileFailed(context.Context, string, error) error {
	m.ReconcileFailures.Inc()
	return nil
}

// OnIssuanceCreated implements plugin.OnIssuanceCreated.
func (m *MetricsExtension) OnIssuanceCreated(context.Context, *issuance.Issuance) error {
	m.IssuancesCreated.Inc()
	return nil
}

// OnRateLimited implements plugin.OnRateLimited.
func (m *MetricsExtension) OnRateLimited(_ context.Context, _ string, retryAfter time.Duration) error {
	m.RateLimited.Inc()
	m.RetryAfterSecond.Observe(retryAfter.Seconds())
	return nil
}
