// Package reconcile turns payment-gateway notifications into credit
// grants. A settled order is credited exactly once however often, late or
// concurrently its webhook is delivered.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/credits"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/plugin"
)

const (
	// DefaultGatewayTimeout bounds the order lookup.
	DefaultGatewayTimeout = 10 * time.Second
	// DefaultDuplicateWindow is how far back a purchase of the same plan by
	// the same account counts as this payment already credited.
	DefaultDuplicateWindow = 5 * time.Minute
)

// Outcome classifies a handled notification.
type Outcome string

const (
	// OutcomeCredited means the plan's credits were granted.
	OutcomeCredited Outcome = "credited"
	// OutcomeDuplicate means the payment was credited before.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the notification is not about an order.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNotSettled means the order has not been processed yet.
	OutcomeNotSettled Outcome = "not_settled"
	// OutcomeRejected means the notification can never be credited. The
	// accompanying error says why.
	OutcomeRejected Outcome = "rejected"
	// OutcomeRetry means a transient failure. The gateway should redeliver.
	OutcomeRetry Outcome = "retry"
)

// Acknowledge reports whether the webhook should be answered with 2xx.
func (o Outcome) Acknowledge() bool { return o != OutcomeRetry }

// Reconciler handles gateway notifications for one ledger.
type Reconciler struct {
	ledger  *credits.Ledger
	gateway payment.Gateway
	plugins *plugin.Registry
	logger  *slog.Logger
	tracer  trace.Tracer
	seen    SeenCache

	gatewayTimeout  time.Duration
	duplicateWindow time.Duration

	flight singleflight.Group
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithGatewayTimeout bounds each order lookup.
func WithGatewayTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.gatewayTimeout = d
		}
	}
}

// WithDuplicateWindow sets the durable duplicate-purchase window. It
// should cover the gateway's redelivery schedule.
func WithDuplicateWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.duplicateWindow = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithSeenCache replaces the in-memory seen-cache, for example with a
// RedisSeenCache shared by every instance.
func WithSeenCache(c SeenCache) Option {
	return func(r *Reconciler) { r.seen = c }
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Reconciler) { r.tracer = t }
}

// New creates a reconciler. Logger, tracer, plugins and clock default to
// the ledger's.
func New(l *credits.Ledger, g payment.Gateway, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:          l,
		gateway:         g,
		plugins:         l.Plugins(),
		logger:          l.Logger(),
		tracer:          l.Tracer(),
		gatewayTimeout:  DefaultGatewayTimeout,
		duplicateWindow: DefaultDuplicateWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.seen == nil {
		r.seen = NewMemorySeenCache(DefaultSeenTTL, l.Now)
	}
	return r
}

// Handle reconciles one notification. The error explains every outcome
// other than credited, duplicate, ignored and not settled.
func (r *Reconciler) Handle(ctx context.Context, n payment.Notification) (Outcome, error) {
	if n.Type != payment.NotificationTypeOrder {
		r.logger.Debug("ignoring notification", "type", n.Type, "action", n.Action)
		return OutcomeIgnored, nil
	}
	if n.Data.ID == "" {
		return r.reject(ctx, "", fmt.Errorf("%w: missing data.id", credits.ErrInvalidNotification))
	}
	orderID := n.Data.ID

	ctx, span := r.tracer.Start(ctx, "credits.reconcile.Handle",
		trace.WithAttributes(attribute.String("credits.order_id", orderID)))
	defer span.End()

	outcome, err := r.handleOrder(ctx, orderID)
	span.SetAttributes(attribute.String("credits.outcome", string(outcome)))
	if err != nil && !outcome.Acknowledge() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (r *Reconciler) handleOrder(ctx context.Context, orderID string) (Outcome, error) {
	order, err := r.fetch(ctx, orderID)
	if err != nil {
		r.logger.Warn("order lookup failed, awaiting redelivery",
			"order_id", orderID,
			"error", err,
		)
		r.plugins.EmitReconcileFailed(ctx, orderID, err)
		return OutcomeRetry, err
	}

	if order.Status != payment.StatusProcessed {
		r.logger.Info("order not settled",
			"order_id", orderID,
			"status", order.Status,
			"status_detail", order.StatusDetail,
		)
		return OutcomeNotSettled, nil
	}

	pay, ok := order.FirstPayment()
	if !ok || pay.ID == "" {
		return r.reject(ctx, orderID, fmt.Errorf("%w: order %s has no payment", credits.ErrInvalidNotification, orderID))
	}

	ref, err := payment.ParseReference(order.ExternalReference)
	if err != nil {
		return r.reject(ctx, orderID, err)
	}

	// Concurrent deliveries of one order share a single settlement.
	v, err, _ := r.flight.Do(order.ExternalReference, func() (any, error) {
		return r.settle(ctx, order, pay, ref)
	})
	outcome, _ := v.(Outcome)
	if outcome == "" {
		outcome = OutcomeRetry
	}
	return outcome, err
}

func (r *Reconciler) fetch(ctx context.Context, orderID string) (*payment.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
	defer cancel()

	order, err := r.gateway.GetOrder(ctx, orderID)
	if err != nil {
		if !errors.Is(err, credits.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: get order %s: %w", credits.ErrGatewayUnavailable, orderID, err)
		}
		return nil, err
	}
	return order, nil
}

func (r *Reconciler) settle(ctx context.Context, order *payment.Order, pay payment.Payment, ref payment.Reference) (Outcome, error) {
	acct, err := r.ledger.ResolveAccountPrefix(ctx, ref.AccountPrefix)
	if err != nil {
		return r.resolveFailed(ctx, order.ID, err)
	}
	p, err := r.ledger.ResolvePlanPrefix(ctx, ref.PlanPrefix)
	if err != nil {
		return r.resolveFailed(ctx, order.ID, err)
	}

	ev := plugin.PaymentEvent{
		OrderID:           order.ID,
		PaymentID:         pay.ID,
		ExternalReference: order.ExternalReference,
		AccountID:         acct.AccountID,
		PlanID:            p.ID,
		Credits:           p.Credits,
		Method:            pay.Method.Type,
	}

	seen, err := r.seen.Seen(ctx, pay.ID)
	if err != nil {
		r.logger.Warn("seen-cache lookup failed, relying on durable guard",
			"payment_id", pay.ID,
			"error", err,
		)
	}
	if seen {
		return r.duplicate(ctx, ev, "seen-cache")
	}

	_, available, err := r.ledger.GrantPurchase(ctx, credits.GrantRequest{
		AccountID:   acct.AccountID,
		Amount:      p.Credits,
		Kind:        entry.KindPurchase,
		Description: fmt.Sprintf("Purchase of plan %s via %s", p.Name, methodLabel(pay.Method)),
		PlanID:      p.ID,
		Reference:   pay.ID,
	}, r.duplicateWindow)
	if errors.Is(err, credits.ErrDuplicatePayment) {
		r.mark(ctx, pay.ID)
		return r.duplicate(ctx, ev, "ledger")
	}
	if err != nil {
		r.logger.Error("grant purchase failed",
			"order_id", order.ID,
			"payment_id", pay.ID,
			"account_id", acct.AccountID,
			"error", err,
		)
		r.plugins.EmitReconcileFailed(ctx, order.ID, err)
		return OutcomeRetry, err
	}

	r.mark(ctx, pay.ID)
	r.logger.Info("payment reconciled",
		"order_id", order.ID,
		"payment_id", pay.ID,
		"account_id", acct.AccountID,
		"plan_id", p.ID,
		"credits", p.Credits,
		"available", available,
	)
	r.plugins.EmitPaymentReconciled(ctx, ev)

	return OutcomeCredited, nil
}

func (r *Reconciler) mark(ctx context.Context, paymentID string) {
	if err := r.seen.Mark(ctx, paymentID); err != nil {
		r.logger.Warn("seen-cache mark failed", "payment_id", paymentID, "error", err)
	}
}

func (r *Reconciler) duplicate(ctx context.Context, ev plugin.PaymentEvent, layer string) (Outcome, error) {
	r.logger.Info("duplicate payment skipped",
		"order_id", ev.OrderID,
		"payment_id", ev.PaymentID,
		"account_id", ev.AccountID,
		"layer", layer,
	)
	r.plugins.EmitDuplicatePayment(ctx, ev)
	return OutcomeDuplicate, nil
}

// resolveFailed rejects unknown prefixes and retries store failures.
func (r *Reconciler) resolveFailed(ctx context.Context, orderID string, err error) (Outcome, error) {
	if errors.Is(err, credits.ErrUnresolvedAccountOrPlan) {
		return r.reject(ctx, orderID, err)
	}
	r.plugins.EmitReconcileFailed(ctx, orderID, err)
	return OutcomeRetry, err
}

func (r *Reconciler) reject(ctx context.Context, orderID string, err error) (Outcome, error) {
	r.logger.Warn("notification rejected",
		"order_id", orderID,
		"error", err,
	)
	r.plugins.EmitReconcileFailed(ctx, orderID, err)
	return OutcomeRejected, err
}

func methodLabel(m payment.MethodInfo) string {
	switch m.Type {
	case "credit_card", "debit_card":
		return "card"
	case "bank_transfer", "":
		return "PIX"
	default:
		return m.Type
	}
}
