// Package paymenttest provides an in-memory payment.Gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/credits/payment"
)

// Gateway is a scriptable payment.Gateway. Orders created through
// CreateOrder start pending; tests settle them with SetStatus or replace
// them outright with Put.
type Gateway struct {
	mu     sync.Mutex
	orders map[string]*payment.Order
	seq    int

	// Err, when set, is returned by every call.
	Err error
	// Delay is waited (or the context's deadline, whichever is first)
	// before each GetOrder.
	Delay time.Duration

	creates atomic.Int64
	gets    atomic.Int64
	last    atomic.Pointer[payment.CreateOrderRequest]
}

var _ payment.Gateway = (*Gateway)(nil)

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{orders: make(map[string]*payment.Order)}
}

// CreateOrder records the request and returns a pending order.
func (g *Gateway) CreateOrder(_ context.Context, req payment.CreateOrderRequest) (*payment.Order, error) {
	g.creates.Add(1)
	g.last.Store(&req)
	if g.Err != nil {
		return nil, g.Err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	n := strconv.Itoa(g.seq)

	m := payment.MethodInfo{ID: "pix", Type: "bank_transfer"}
	if req.Method == payment.MethodPix {
		m.QRCode = "00020126-fake-" + n
		m.TicketURL = "https://gateway.test/ticket/" + n
	} else {
		m = payment.MethodInfo{ID: "master", Type: "credit_card"}
	}

	o := &payment.Order{
		ID:                "ORD" + n,
		Status:            payment.StatusPending,
		TotalAmount:       req.TotalAmount,
		ExternalReference: req.ExternalReference,
		Payments: []payment.Payment{{
			ID:     "PAY" + n,
			Status: payment.StatusPending,
			Amount: req.TotalAmount,
			Method: m,
		}},
	}
	g.orders[o.ID] = o
	return clone(o), nil
}

// GetOrder returns the stored order.
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (*payment.Order, error) {
	g.gets.Add(1)
	if g.Delay > 0 {
		t := time.NewTimer(g.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, ctx.Err())
		case <-t.C:
		}
	}
	if g.Err != nil {
		return nil, g.Err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paymenttest: order %q not found", orderID)
	}
	return clone(o), nil
}

// Put stores o, replacing any order with the same ID.
func (g *Gateway) Put(o *payment.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[o.ID] = clone(o)
}

// SetStatus moves an order and its payments to status.
func (g *Gateway) SetStatus(orderID string, status payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return
	}
	o.Status = status
	for i := range o.Payments {
		o.Payments[i].Status = status
	}
}

// Processed builds a settled order with one payment.
func Processed(orderID, paymentID, externalReference string, method payment.MethodInfo) *payment.Order {
	return &payment.Order{
		ID:                orderID,
		Status:            payment.StatusProcessed,
		ExternalReference: externalReference,
		Payments: []payment.Payment{{
			ID:     paymentID,
			Status: payment.StatusProcessed,
			Method: method,
		}},
	}
}

// CreateCalls returns how many times CreateOrder was called.
func (g *Gateway) CreateCalls() int { return int(g.creates.Load()) }

// GetCalls returns how many times GetOrder was called.
func (g *Gateway) GetCalls() int { return int(g.gets.Load()) }

// LastCreate returns the most recent CreateOrder request, if any.
func (g *Gateway) LastCreate() (payment.CreateOrderRequest, bool) {
	p := g.last.Load()
	if p == nil {
		return payment.CreateOrderRequest{}, false
	}
	return *p, true
}

func clone(o *payment.Order) *payment.Order {
	c := *o
	c.Payments = append([]payment.Payment(nil), o.Payments...)
	return &c
}
