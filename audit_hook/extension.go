// Package audithook bridges credit ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any audit store. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
	"github.com/xraph/credits/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Extension)(nil)
	_ plugin.OnCreditsConsumed   = (*Extension)(nil)
	_ plugin.OnConsumeDenied     = (*Extension)(nil)
	_ plugin.OnCreditsGranted    = (*Extension)(nil)
	_ plugin.OnPaymentReconciled = (*Extension)(nil)
	_ plugin.OnDuplicatePayment  = (*Extension)(nil)
	_ plugin.OnReconcileFailed   = (*Extension)(nil)
	_ plugin.OnIssuanceCreated   = (*Extension)(nil)
	_ plugin.OnRateLimited       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audited occurrence.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events as structured log lines.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, ev *AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", ev.Action),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("outcome", ev.Outcome),
			slog.String("severity", ev.Severity),
			slog.Any("metadata", ev.Metadata),
		)
		return nil
	})
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	only     map[string]struct{}
	skip     map[string]struct{}
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed implements plugin.OnCreditsConsumed.
func (e *Extension) OnCreditsConsumed(ctx context.Context, en *entry.Entry, remaining int64) error {
	return e.record(ctx, ActionCreditsConsumed, SeverityInfo, OutcomeSuccess,
		ResourceAccount, en.AccountID, CategoryUsage, nil,
		"entry_id", en.ID.String(),
		"description", en.Description,
		"remaining", remaining,
	)
}

// OnConsumeDenied implements plugin.OnConsumeDenied.
func (e *Extension) OnConsumeDenied(ctx context.Context, accountID, description string) error {
	return e.record(ctx, ActionConsumeDenied, SeverityInfo, OutcomeFailure,
		ResourceAccount, accountID, CategoryUsage, nil,
		"description", description,
	)
}

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (e *Extension) OnCreditsGranted(ctx context.Context, en *entry.Entry, available int64) error {
	return e.record(ctx, ActionCreditsGranted, SeverityInfo, OutcomeSuccess,
		ResourceAccount, en.AccountID, CategoryLedger, nil,
		"entry_id", en.ID.String(),
		"kind", string(en.Kind),
		"amount", en.Amount,
		"plan_id", en.PlanID,
		"reference", en.Reference,
		"available", available,
	)
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentReconciled implements plugin.OnPaymentReconciled.
func (e *Extension) OnPaymentReconciled(ctx context.Context, ev plugin.PaymentEvent) error {
	return e.record(ctx, ActionPaymentReconciled, SeverityInfo, OutcomeSuccess,
		ResourcePayment, ev.PaymentID, CategoryPayment, nil,
		paymentMeta(ev)...,
	)
}

// OnDuplicatePayment implements plugin.OnDuplicatePayment.
func (e *Extension) OnDuplicatePayment(ctx context.Context, ev plugin.PaymentEvent) error {
	return e.record(ctx, ActionPaymentDuplicate, SeverityWarning, OutcomeSuccess,
		ResourcePayment, ev.PaymentID, CategoryPayment, nil,
		paymentMeta(ev)...,
	)
}

// OnReconcileFailed implements plugin.OnReconcileFailed.
func (e *Extension) OnReconcileFailed(ctx context.Context, orderID string, err error) error {
	return e.record(ctx, ActionReconcileFailed, SeverityError, OutcomeFailure,
		ResourcePayment, orderID, CategoryPayment, err,
		"order_id", orderID,
	)
}

func paymentMeta(ev plugin.PaymentEvent) []any {
	return []any{
		"order_id", ev.OrderID,
		"external_reference", ev.ExternalReference,
		"account_id", ev.AccountID,
		"plan_id", ev.PlanID,
		"credits", ev.Credits,
		"method", ev.Method,
	}
}

// ──────────────────────────────────────────────────
// Issuance and access hooks
// ──────────────────────────────────────────────────

// OnIssuanceCreated implements plugin.OnIssuanceCreated.
func (e *Extension) OnIssuanceCreated(ctx context.Context, iss *issuance.Issuance) error {
	return e.record(ctx, ActionIssuanceCreated, SeverityInfo, OutcomeSuccess,
		ResourceIssuance, iss.ID.String(), CategoryUsage, nil,
		"account_id", iss.AccountID,
		"subject_key", iss.SubjectKey,
		"issued_day", iss.IssuedDay,
	)
}

// OnRateLimited implements plugin.OnRateLimited.
func (e *Extension) OnRateLimited(ctx context.Context, key string, retryAfter time.Duration) error {
	return e.record(ctx, ActionRateLimited, SeverityWarning, OutcomeFailure,
		ResourceLimiter, key, CategoryAccess, nil,
		"retry_after_seconds", retryAfter.Seconds(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if !e.audits(action) {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
