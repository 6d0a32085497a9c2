// Package payment defines the port to an external payment gateway and the
// value types that cross it. Adapters normalize whatever the gateway
// returns into the closed Status enum before it reaches the ledger.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/credits/types"
)

// Errors returned by gateways and reference parsing.
var (
	ErrMalformedReference = errors.New("credits: malformed external reference")
	ErrGatewayUnavailable = errors.New("credits: payment gateway unavailable")
	ErrInvalidSignature   = errors.New("credits: invalid webhook signature")
)

// Status is the normalized order or payment status.
type Status string

const (
	StatusPending        Status = "pending"
	StatusActionRequired Status = "action_required"
	StatusProcessed      Status = "processed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// NormalizeStatus maps a raw gateway status onto Status. "created" and
// anything unrecognized become pending.
func NormalizeStatus(raw string) Status {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActionRequired, StatusProcessed, StatusFailed, StatusCancelled:
		return s
	default:
		return StatusPending
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed || s == StatusCancelled
}

// Method is how the payer pays.
type Method string

const (
	MethodPix        Method = "pix"
	MethodCreditCard Method = "credit_card"
)

// Identification is a payer's tax document.
type Identification struct {
	Type   string `json:"type"   validate:"required"`
	Number string `json:"number" validate:"required"`
}

// Payer identifies who pays for an order.
type Payer struct {
	Email          string          `json:"email"                    validate:"required,email"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	Identification *Identification `json:"identification,omitempty" validate:"omitempty"`
}

// CreateOrderRequest asks the gateway to open an order.
type CreateOrderRequest struct {
	PlanID            string      `json:"plan_id"            validate:"required"`
	TotalAmount       types.Money `json:"total_amount"`
	ExternalReference string      `json:"external_reference" validate:"required"`
	Payer             Payer       `json:"payer"`
	Method            Method      `json:"method"             validate:"required,oneof=pix credit_card"`
	CardToken         string      `json:"card_token,omitempty" validate:"required_if=Method credit_card"`
	Installments      int         `json:"installments,omitempty" validate:"omitempty,min=1,max=12"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request before it is sent.
func (r *CreateOrderRequest) Validate() error {
	if err := Validator().Struct(r); err != nil {
		return err
	}
	if r.TotalAmount.IsNegative() {
		return errors.New("payment: total amount must not be negative")
	}
	return nil
}

// MethodInfo carries the payment instrument and, for Pix, the code the
// payer scans.
type MethodInfo struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	QRCode       string `json:"qr_code,omitempty"`
	QRCodeBase64 string `json:"qr_code_base64,omitempty"`
	TicketURL    string `json:"ticket_url,omitempty"`
}

// Payment is one transaction inside an order.
type Payment struct {
	ID           string      `json:"id"`
	Status       Status      `json:"status"`
	StatusDetail string      `json:"status_detail"`
	Amount       types.Money `json:"amount"`
	Method       MethodInfo  `json:"payment_method"`
}

// Order is the gateway's view of a purchase.
type Order struct {
	ID                string      `json:"id"`
	Status            Status      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	TotalAmount       types.Money `json:"total_amount"`
	ExternalReference string      `json:"external_reference"`
	Payments          []Payment   `json:"payments"`
}

// FirstPayment returns the order's first payment, if any.
func (o *Order) FirstPayment() (Payment, bool) {
	if o == nil || len(o.Payments) == 0 {
		return Payment{}, false
	}
	return o.Payments[0], true
}

// Notification is a webhook body. Only Type "order" is reconciled.
type Notification struct {
	Type   string           `json:"type"`
	Action string           `json:"action,omitempty"`
	Data   NotificationData `json:"data"`
}

// NotificationData identifies the resource that changed.
type NotificationData struct {
	ID string `json:"id"`
}

// UnmarshalJSON accepts data.id as a JSON string or number.
func (d *NotificationData) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.ID) == 0 || string(raw.ID) == "null" {
		d.ID = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.ID, &s); err == nil {
		d.ID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.ID, &n); err != nil {
		return err
	}
	d.ID = n.String()
	return nil
}

// NotificationTypeOrder is the only notification type that moves credits.
const NotificationTypeOrder = "order"

// Gateway is the port to the payment provider. Implementations return
// ErrGatewayUnavailable (wrapped) for transport failures and timeouts.
type Gateway interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

// IsUnavailable reports whether err means the gateway could not be
// reached in time and the call may be retried.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
