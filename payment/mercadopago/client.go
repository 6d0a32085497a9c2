// Package mercadopago is a payment.Gateway over the Mercado Pago Orders
// REST API.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/types"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.mercadopago.com"

// Config configures a Client.
type Config struct {
	// AccessToken is the seller's bearer token (required).
	AccessToken string

	// BaseURL overrides the API root (default: DefaultBaseURL).
	BaseURL string

	// Timeout bounds each HTTP call (default: 10s).
	Timeout time.Duration

	// CardBrand is the payment_method.id sent for card orders
	// (default: "master").
	CardBrand string

	// HTTPClient replaces the default client. Its Timeout is left as is.
	HTTPClient *http.Client

	Logger *slog.Logger

	// Now replaces time.Now when building idempotency keys.
	Now func() time.Time
}

// Client implements payment.Gateway.
type Client struct {
	http      *http.Client
	token     string
	baseURL   string
	cardBrand string
	logger    *slog.Logger
	now       func() time.Time
}

var _ payment.Gateway = (*Client)(nil)

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("mercadopago: access token is required")
	}

	c := &Client{
		http:      cfg.HTTPClient,
		token:     cfg.AccessToken,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		cardBrand: cfg.CardBrand,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if c.http == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.cardBrand == "" {
		c.cardBrand = "master"
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// APIError is a non-2xx reply. Server errors and throttling unwrap to
// payment.ErrGatewayUnavailable.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mercadopago: HTTP %d: %s %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return payment.ErrGatewayUnavailable
	}
	return nil
}

// CreateOrder opens an order with one payment.
func (c *Client) CreateOrder(ctx context.Context, req payment.CreateOrderRequest) (*payment.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("mercadopago: invalid order request: %w", err)
	}

	amount := req.TotalAmount.FormatMajor()
	method := paymentMethodJSON{ID: "pix", Type: "bank_transfer"}
	if req.Method == payment.MethodCreditCard {
		method = paymentMethodJSON{
			ID:           c.cardBrand,
			Type:         "credit_card",
			Token:        req.CardToken,
			Installments: max(req.Installments, 1),
		}
	}

	body := createOrderJSON{
		Type:              "online",
		ProcessingMode:    "automatic",
		TotalAmount:       amount,
		ExternalReference: req.ExternalReference,
		Payer: payerJSON{
			Email:     req.Payer.Email,
			FirstName: req.Payer.FirstName,
			LastName:  req.Payer.LastName,
		},
		Transactions: transactionsJSON{
			Payments: []paymentJSON{{Amount: amount, PaymentMethod: method}},
		},
	}
	if id := req.Payer.Identification; id != nil {
		body.Payer.Identification = &identificationJSON{Type: id.Type, Number: id.Number}
	}

	idempotencyKey := "order-" + req.ExternalReference + "-" + strconv.FormatInt(c.now().UnixMilli(), 10)

	c.logger.Info("creating mercadopago order",
		"external_reference", req.ExternalReference,
		"plan_id", req.PlanID,
		"method", req.Method,
	)

	var resp orderJSON
	if err := c.do(ctx, http.MethodPost, "/v1/orders", idempotencyKey, body, &resp); err != nil {
		c.logger.Error("create mercadopago order failed",
			"external_reference", req.ExternalReference,
			"error", err,
		)
		return nil, err
	}

	order, err := resp.toOrder(req.TotalAmount.Currency)
	if err != nil {
		return nil, err
	}
	c.logger.Info("mercadopago order created",
		"order_id", order.ID,
		"status", order.Status,
	)
	return order, nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*payment.Order, error) {
	var resp orderJSON
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+orderID, "", nil, &resp); err != nil {
		c.logger.Error("get mercadopago order failed", "order_id", orderID, "error", err)
		return nil, err
	}
	order, err := resp.toOrder("brl")
	if err != nil {
		return nil, err
	}
	c.logger.Debug("mercadopago order fetched", "order_id", orderID, "status", order.Status)
	return order, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("mercadopago: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("mercadopago: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", payment.ErrGatewayUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", payment.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e errorJSON
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Code, apiErr.Message = e.Error, e.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mercadopago: decode response: %w", err)
	}
	return nil
}

// ==================== Wire types ====================

type createOrderJSON struct {
	Type              string           `json:"type"`
	ProcessingMode    string           `json:"processing_mode"`
	TotalAmount       string           `json:"total_amount"`
	ExternalReference string           `json:"external_reference"`
	Payer             payerJSON        `json:"payer"`
	Transactions      transactionsJSON `json:"transactions"`
}

type payerJSON struct {
	Email          string              `json:"email"`
	FirstName      string              `json:"first_name,omitempty"`
	LastName       string              `json:"last_name,omitempty"`
	Identification *identificationJSON `json:"identification,omitempty"`
}

type identificationJSON struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type transactionsJSON struct {
	Payments []paymentJSON `json:"payments"`
}

type paymentJSON struct {
	ID            string            `json:"id,omitempty"`
	Status        string            `json:"status,omitempty"`
	StatusDetail  string            `json:"status_detail,omitempty"`
	Amount        string            `json:"amount"`
	PaymentMethod paymentMethodJSON `json:"payment_method"`
}

type paymentMethodJSON struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Token        string `json:"token,omitempty"`
	Installments int    `json:"installments,omitempty"`
	QRCode       string `json:"qr_code,omitempty"`
	QRCodeBase64 string `json:"qr_code_base64,omitempty"`
	TicketURL    string `json:"ticket_url,omitempty"`
}

type orderJSON struct {
	ID                string           `json:"id"`
	Status            string           `json:"status"`
	StatusDetail      string           `json:"status_detail"`
	TotalAmount       string           `json:"total_amount"`
	ExternalReference string           `json:"external_reference"`
	Transactions      transactionsJSON `json:"transactions"`
}

type errorJSON struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (o *orderJSON) toOrder(currency string) (*payment.Order, error) {
	total, err := parseAmount(o.TotalAmount, currency)
	if err != nil {
		return nil, err
	}
	order := &payment.Order{
		ID:                o.ID,
		Status:            payment.NormalizeStatus(o.Status),
		StatusDetail:      o.StatusDetail,
		TotalAmount:       total,
		ExternalReference: o.ExternalReference,
		Payments:          make([]payment.Payment, 0, len(o.Transactions.Payments)),
	}
	for _, p := range o.Transactions.Payments {
		amount, err := parseAmount(p.Amount, currency)
		if err != nil {
			return nil, err
		}
		order.Payments = append(order.Payments, payment.Payment{
			ID:           p.ID,
			Status:       payment.NormalizeStatus(p.Status),
			StatusDetail: p.StatusDetail,
			Amount:       amount,
			Method: payment.MethodInfo{
				ID:           p.PaymentMethod.ID,
				Type:         p.PaymentMethod.Type,
				QRCode:       p.PaymentMethod.QRCode,
				QRCodeBase64: p.PaymentMethod.QRCodeBase64,
				TicketURL:    p.PaymentMethod.TicketURL,
			},
		})
	}
	return order, nil
}

func parseAmount(s, currency string) (types.Money, error) {
	if s == "" {
		return types.Zero(currency), nil
	}
	m, err := types.ParseMajor(s, currency)
	if err != nil {
		return types.Money{}, fmt.Errorf("mercadopago: amount %q: %w", s, err)
	}
	return m, nil
}
