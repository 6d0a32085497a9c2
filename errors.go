package credits

import (
	"errors"
	"fmt"

	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/ratelimit"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("credits: not found")
	ErrAlreadyExists = errors.New("credits: already exists")
	ErrInvalidInput  = errors.New("credits: invalid input")

	// Ledger errors
	ErrAccountNotFound     = errors.New("credits: account not found")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrDuplicatePayment    = errors.New("credits: duplicate payment")

	// Plan errors
	ErrPlanNotFound = errors.New("credits: plan not found")
	ErrPlanInactive = errors.New("credits: plan is not active")

	// Issuance errors
	ErrIssuanceNotFound = errors.New("credits: issuance not found")

	// Reconciliation errors
	ErrUnresolvedAccountOrPlan = errors.New("credits: unresolved account or plan")
	ErrAmbiguousPrefix         = errors.New("credits: identifier prefix matches more than one record")
	ErrInvalidNotification     = errors.New("credits: invalid notification")

	// Errors owned by the payment and ratelimit packages, re-exported so
	// callers need only this package for errors.Is checks.
	ErrMalformedReference = payment.ErrMalformedReference
	ErrGatewayUnavailable = payment.ErrGatewayUnavailable
	ErrInvalidSignature   = payment.ErrInvalidSignature
	ErrRateLimited        = ratelimit.ErrRateLimited
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrIssuanceNotFound)
}

// IsRetryable returns true if the error is transient and the caller (or the
// gateway's redelivery) should try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrRateLimited)
}

// IsAcknowledgeable reports whether a reconciliation error should still be
// acknowledged to the gateway. Redelivering these inputs can never succeed.
func IsAcknowledgeable(err error) bool {
	return errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrMalformedReference) ||
		errors.Is(err, ErrUnresolvedAccountOrPlan) ||
		errors.Is(err, ErrInvalidNotification)
}
