package mercadopago_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/payment/mercadopago"
	"github.com/xraph/credits/types"
)

const orderReply = `{
  "id": "ORD01JQ4S4KY8HWQ6NA5PXB65B3D3",
  "status": "processed",
  "status_detail": "accredited",
  "total_amount": "34.90",
  "external_reference": "3f2a9c1d-9b1c2d3e-1741600000123",
  "transactions": {
    "payments": [{
      "id": "PAY01JQ4S4KY8HWQ6NA5PXB65B3D3",
      "status": "processed",
      "status_detail": "accredited",
      "amount": "34.90",
      "payment_method": {
        "id": "pix",
        "type": "bank_transfer",
        "qr_code": "00020126...",
        "qr_code_base64": "iVBORw0KGgo=",
        "ticket_url": "https://www.mercadopago.com.br/payments/123/ticket"
      }
    }]
  }
}`

func newClient(t *testing.T, h http.HandlerFunc) *mercadopago.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := mercadopago.New(mercadopago.Config{
		AccessToken: "TEST-token",
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		Now:         func() time.Time { return time.UnixMilli(1741600000999) },
	})
	require.NoError(t, err)
	return c
}

func TestNewRequiresToken(t *testing.T) {
	_, err := mercadopago.New(mercadopago.Config{})
	assert.Error(t, err)
}

func TestCreateOrderPix(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		assert.Equal(t, "order-3f2a9c1d-9b1c2d3e-1741600000123-1741600000999", r.Header.Get("X-Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(orderReply))
	})

	order, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{
		PlanID:            "9b1c2d3e-0000-4000-8000-000000000000",
		TotalAmount:       types.BRL(3490),
		ExternalReference: "3f2a9c1d-9b1c2d3e-1741600000123",
		Payer:             payment.Payer{Email: "ana@example.com", FirstName: "Ana"},
		Method:            payment.MethodPix,
	})
	require.NoError(t, err)

	assert.Equal(t, "online", got["type"])
	assert.Equal(t, "automatic", got["processing_mode"])
	assert.Equal(t, "34.90", got["total_amount"])
	payments := got["transactions"].(map[string]any)["payments"].([]any)
	require.Len(t, payments, 1)
	method := payments[0].(map[string]any)["payment_method"].(map[string]any)
	assert.Equal(t, "pix", method["id"])
	assert.Equal(t, "bank_transfer", method["type"])

	assert.Equal(t, "ORD01JQ4S4KY8HWQ6NA5PXB65B3D3", order.ID)
	assert.Equal(t, payment.StatusProcessed, order.Status)
	assert.Equal(t, types.BRL(3490), order.TotalAmount)
	p, ok := order.FirstPayment()
	require.True(t, ok)
	assert.Equal(t, "PAY01JQ4S4KY8HWQ6NA5PXB65B3D3", p.ID)
	assert.Equal(t, "00020126...", p.Method.QRCode)
	assert.NotEmpty(t, p.Method.TicketURL)
}

func TestCreateOrderCard(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(orderReply))
	})

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{
		PlanID:            "9b1c2d3e",
		TotalAmount:       types.BRL(490),
		ExternalReference: "3f2a9c1d-9b1c2d3e-1741600000123",
		Payer:             payment.Payer{Email: "ana@example.com"},
		Method:            payment.MethodCreditCard,
		CardToken:         "card-token-1",
	})
	require.NoError(t, err)

	payments := got["transactions"].(map[string]any)["payments"].([]any)
	method := payments[0].(map[string]any)["payment_method"].(map[string]any)
	assert.Equal(t, "credit_card", method["type"])
	assert.Equal(t, "card-token-1", method["token"])
	assert.EqualValues(t, 1, method["installments"])
	assert.Equal(t, "4.90", got["total_amount"])
}

func TestCreateOrderRejectsInvalidRequest(t *testing.T) {
	called := false
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.CreateOrder(context.Background(), payment.CreateOrderRequest{
		PlanID:            "9b1c2d3e",
		ExternalReference: "3f2a9c1d-9b1c2d3e-1741600000123",
		Payer:             payment.Payer{Email: "ana@example.com"},
		Method:            payment.MethodCreditCard,
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestGetOrderNormalizesStatus(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/orders/ORD1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"ORD1","status":"created","total_amount":"4.90","transactions":{"payments":[]}}`))
	})

	order, err := c.GetOrder(context.Background(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, order.Status)
	assert.Empty(t, order.Payments)
}

func TestGetOrderErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unavailable bool
	}{
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"some_error","message":"details"}`))
			})

			_, err := c.GetOrder(context.Background(), "ORD1")
			require.Error(t, err)

			var apiErr *mercadopago.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "details", apiErr.Message)
			assert.Equal(t, tt.unavailable, payment.IsUnavailable(err))
		})
	}
}

func TestGetOrderTimeout(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetOrder(ctx, "ORD1")
	require.Error(t, err)
	assert.True(t, payment.IsUnavailable(err))
}
