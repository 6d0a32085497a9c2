package audithook

// Action constants for audit events.
const (
	// Ledger actions
	ActionCreditsConsumed = "credits.consumed"
	ActionConsumeDenied   = "credits.consume_denied"
	ActionCreditsGranted  = "credits.granted"

	// Payment actions
	ActionPaymentReconciled = "payment.reconciled"
	ActionPaymentDuplicate  = "payment.duplicate"
	ActionReconcileFailed   = "payment.reconcile_failed"

	// Issuance actions
	ActionIssuanceCreated = "issuance.created"

	// Access actions
	ActionRateLimited = "access.rate_limited"
)

// Resource constants for audit events.
const (
	ResourceAccount  = "account"
	ResourcePayment  = "payment"
	ResourceIssuance = "issuance"
	ResourceLimiter  = "rate_limit"
)

// Category constants for audit events.
const (
	CategoryLedger  = "ledger"
	CategoryPayment = "payment"
	CategoryUsage   = "usage"
	CategoryAccess  = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
