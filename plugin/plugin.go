// Package plugin provides an extensible plugin system for the credit ledger.
// Plugins opt into events by implementing the matching hook interface.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/issuance"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// PaymentEvent describes one reconciled (or rejected) gateway payment.
type PaymentEvent struct {
	OrderID           string
	PaymentID         string
	ExternalReference string
	AccountID         string
	PlanID            string
	Credits           int64
	Method            string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCreditsConsumed is called after a usage entry is written.
type OnCreditsConsumed interface {
	Plugin
	OnCreditsConsumed(ctx context.Context, e *entry.Entry, remaining int64) error
}

// OnConsumeDenied is called when an account had no credit to spend.
type OnConsumeDenied interface {
	Plugin
	OnConsumeDenied(ctx context.Context, accountID, description string) error
}

// OnCreditsGranted is called after a purchase, bonus or refund entry is written.
type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, e *entry.Entry, available int64) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnPaymentReconciled is called when a settled payment was credited.
type OnPaymentReconciled interface {
	Plugin
	OnPaymentReconciled(ctx context.Context, ev PaymentEvent) error
}

// OnDuplicatePayment is called when a redelivered payment was skipped.
type OnDuplicatePayment interface {
	Plugin
	OnDuplicatePayment(ctx context.Context, ev PaymentEvent) error
}

// OnReconcileFailed is called when a notification could not be reconciled.
type OnReconcileFailed interface {
	Plugin
	OnReconcileFailed(ctx context.Context, orderID string, err error) error
}

// ──────────────────────────────────────────────────
// Issuance and rate limit hooks
// ──────────────────────────────────────────────────

// OnIssuanceCreated is called when a new issuance was paid for.
type OnIssuanceCreated interface {
	Plugin
	OnIssuanceCreated(ctx context.Context, iss *issuance.Issuance) error
}

// OnRateLimited is called when a caller was turned away by a limiter.
type OnRateLimited interface {
	Plugin
	OnRateLimited(ctx context.Context, key string, retryAfter time.Duration) error
}
