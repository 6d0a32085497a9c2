package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/ratelimit"
)

// ──────────────────────────────────────────────────
// Billable actions
// ──────────────────────────────────────────────────

// BillableRequest asks to perform one chargeable action.
type BillableRequest struct {
	AccountID string
	// Origin distinguishes callers sharing an account, such as a client
	// IP. It only scopes rate limiting.
	Origin     string
	SubjectKey string
	Build      BuildFunc
}

// BillableResult is the outcome of RequestBillableAction. Granted is
// false when the account has no credit left.
type BillableResult struct {
	Granted   bool               `json:"granted"`
	Remaining int64              `json:"remaining"`
	Issuance  *issuance.Issuance `json:"issuance,omitempty"`
	IsNew     bool               `json:"is_new"`
}

// RequestBillableAction rate limits the caller, then returns today's
// issuance of the subject, paying for it if needed. Running out of
// credit is a normal result, not an error. A limited caller gets a
// *ratelimit.Error.
func (l *Ledger) RequestBillableAction(ctx context.Context, req BillableRequest) (*BillableResult, error) {
	if req.AccountID == "" {
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	}
	if req.SubjectKey == "" {
		return nil, ValidationError{Field: "subject_key", Message: "is required"}
	}

	if err := l.allow(ctx, l.actionLimiter, ratelimit.ActionKey(req.AccountID, req.Origin)); err != nil {
		return nil, err
	}

	res, err := l.Issue(ctx, req.AccountID, req.SubjectKey, req.Build)
	if errors.Is(err, ErrInsufficientCredits) {
		return &BillableResult{Granted: false}, nil
	}
	if err != nil {
		return nil, err
	}

	return &BillableResult{
		Granted:   true,
		Remaining: res.Remaining,
		Issuance:  res.Issuance,
		IsNew:     res.IsNew,
	}, nil
}

func (l *Ledger) allow(ctx context.Context, lim *ratelimit.Limiter, key string) error {
	err := lim.Allow(ctx, key)
	if rlErr, ok := ratelimit.AsError(err); ok {
		l.logger.Info("rate limited",
			"key", key,
			"retry_after_seconds", rlErr.RetryAfterSeconds(),
		)
		l.plugins.EmitRateLimited(ctx, key, rlErr.RetryAfter())
	}
	return err
}

// ──────────────────────────────────────────────────
// Purchases
// ──────────────────────────────────────────────────

// PurchaseRequest asks to buy a plan.
type PurchaseRequest struct {
	AccountID    string
	Origin       string
	PlanID       string
	Method       payment.Method
	CardToken    string
	Installments int
	Payer        payment.Payer
}

// PurchaseResult carries what the caller needs to send the payer on: the
// order with its Pix code or card status, and the reference that will
// come back in the settlement webhook.
type PurchaseResult struct {
	Order             *payment.Order `json:"order"`
	Plan              *plan.Plan     `json:"plan"`
	ExternalReference string         `json:"external_reference"`
}

// InitiatePurchase opens a gateway order for a plan. Credits are only
// granted later, when the reconciler sees the order settle.
func (l *Ledger) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if l.gateway == nil {
		return nil, fmt.Errorf("%w: no gateway configured", ErrGatewayUnavailable)
	}
	switch {
	case req.AccountID == "":
		return nil, ValidationError{Field: "account_id", Message: "is required"}
	case req.PlanID == "":
		return nil, ValidationError{Field: "plan_id", Message: "is required"}
	case req.Method == "":
		req.Method = payment.MethodPix
	}
	if req.Method == payment.MethodCreditCard && req.CardToken == "" {
		return nil, ValidationError{Field: "card_token", Message: "is required for card payments"}
	}

	ctx, span := l.tracer.Start(ctx, "credits.InitiatePurchase",
		trace.WithAttributes(
			attribute.String("credits.account_id", req.AccountID),
			attribute.String("credits.plan_id", req.PlanID),
			attribute.String("credits.method", string(req.Method)),
		))
	defer span.End()

	if err := l.allow(ctx, l.purchaseLimiter, ratelimit.PurchaseKey(req.AccountID, req.Origin)); err != nil {
		return nil, err
	}

	p, err := l.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, p.Slug)
	}
	if !p.Price.IsPositive() {
		return nil, ValidationError{Field: "plan_id", Message: "plan is not for sale"}
	}

	// The reconciler resolves the account by prefix, so it must exist
	// before the gateway can call back.
	if _, err := l.store.OpenAccount(ctx, req.AccountID); err != nil {
		recordError(span, err)
		return nil, err
	}

	ref, err := payment.NewReference(req.AccountID, p.ID, l.now())
	if err != nil {
		return nil, err
	}

	orderReq := payment.CreateOrderRequest{
		PlanID:            p.ID,
		TotalAmount:       p.Price,
		ExternalReference: ref.String(),
		Payer:             req.Payer,
		Method:            req.Method,
		CardToken:         req.CardToken,
		Installments:      req.Installments,
	}
	if err := orderReq.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	order, err := l.gateway.CreateOrder(ctx, orderReq)
	if err != nil {
		recordError(span, err)
		l.logger.Error("create order failed",
			"account_id", req.AccountID,
			"plan_id", p.ID,
			"external_reference", ref.String(),
			"error", err,
		)
		if !errors.Is(err, ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("credits.order_id", order.ID),
		attribute.String("credits.order_status", string(order.Status)),
	)
	l.logger.Info("purchase initiated",
		"account_id", req.AccountID,
		"plan_id", p.ID,
		"order_id", order.ID,
		"external_reference", ref.String(),
		"status", order.Status,
	)

	return &PurchaseResult{Order: order, Plan: p, ExternalReference: ref.String()}, nil
}

// PurchaseStatus reports whether a purchase of the plan settled since.
type PurchaseStatus struct {
	Settled bool         `json:"settled"`
	Entry   *entry.Entry `json:"entry,omitempty"`
	Balance Balance      `json:"balance"`
}

// PurchaseStatus is polled by clients waiting on a payment: it looks for a
// purchase entry of the plan created at or after since.
func (l *Ledger) PurchaseStatus(ctx context.Context, accountID, planID string, since time.Time) (*PurchaseStatus, error) {
	bal, err := l.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	e, err := l.store.LatestPurchase(ctx, accountID, planID, since)
	if errors.Is(err, ErrNotFound) {
		return &PurchaseStatus{Balance: bal}, nil
	}
	if err != nil {
		return nil, err
	}
	return &PurchaseStatus{Settled: true, Entry: e, Balance: bal}, nil
}
