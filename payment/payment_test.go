package payment_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/types"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want payment.Status
	}{
		{"created", payment.StatusPending},
		{"pending", payment.StatusPending},
		{"action_required", payment.StatusActionRequired},
		{"processed", payment.StatusProcessed},
		{"PROCESSED", payment.StatusProcessed},
		{"failed", payment.StatusFailed},
		{"cancelled", payment.StatusCancelled},
		{"refunded", payment.StatusPending},
		{"", payment.StatusPending},
	}
	for _, tt := range tests {
		if got := payment.NormalizeStatus(tt.raw); got != tt.want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	at := time.UnixMilli(1741600000123).UTC()
	ref, err := payment.NewReference("3f2a9c1d77e84b0aa1b2", "9b1c2d3e-0000-4000-8000-000000000000", at)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ref.String(), "3f2a9c1d-9b1c2d3e-1741600000123"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	parsed, err := payment.ParseReference(ref.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != ref {
		t.Errorf("ParseReference() = %+v, want %+v", parsed, ref)
	}
}

func TestNewReferenceRejectsDashInPrefix(t *testing.T) {
	_, err := payment.NewReference("ab-cdefgh", "9b1c2d3e", time.Now())
	if !errors.Is(err, payment.ErrMalformedReference) {
		t.Fatalf("err = %v, want ErrMalformedReference", err)
	}
}

func TestParseReferenceMalformed(t *testing.T) {
	for _, s := range []string{"abc", "", "a-b", "a-b-c-d", "-b-1", "a--1"} {
		if _, err := payment.ParseReference(s); !errors.Is(err, payment.ErrMalformedReference) {
			t.Errorf("ParseReference(%q) err = %v, want ErrMalformedReference", s, err)
		}
	}
}

func TestSignature(t *testing.T) {
	header := payment.Sign("s3cret", "ORD01JQ", "req-1", "1741600000")

	if err := payment.VerifySignature("s3cret", header, "req-1", "ORD01JQ"); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tests := []struct {
		name      string
		secret    string
		header    string
		requestID string
		dataID    string
	}{
		{"wrong secret", "other", header, "req-1", "ORD01JQ"},
		{"wrong request id", "s3cret", header, "req-2", "ORD01JQ"},
		{"wrong data id", "s3cret", header, "req-1", "ORD01JR"},
		{"missing v1", "s3cret", "ts=1741600000", "req-1", "ORD01JQ"},
		{"bad hex", "s3cret", "ts=1741600000,v1=zz", "req-1", "ORD01JQ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := payment.VerifySignature(tt.secret, tt.header, tt.requestID, tt.dataID)
			if !errors.Is(err, payment.ErrInvalidSignature) {
				t.Fatalf("err = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

func TestNotificationDecodesNumericID(t *testing.T) {
	for _, body := range []string{
		`{"type":"order","data":{"id":"ORD123"}}`,
		`{"type":"order","data":{"id":123}}`,
	} {
		var n payment.Notification
		if err := json.Unmarshal([]byte(body), &n); err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if n.Type != payment.NotificationTypeOrder || (n.Data.ID != "ORD123" && n.Data.ID != "123") {
			t.Errorf("%s decoded as %+v", body, n)
		}
	}

	var empty payment.Notification
	if err := json.Unmarshal([]byte(`{"type":"order","data":{}}`), &empty); err != nil {
		t.Fatal(err)
	}
	if empty.Data.ID != "" {
		t.Errorf("missing id decoded as %q", empty.Data.ID)
	}
}

func TestCreateOrderRequestValidate(t *testing.T) {
	base := payment.CreateOrderRequest{
		PlanID:            "9b1c2d3e",
		TotalAmount:       types.BRL(3490),
		ExternalReference: "3f2a9c1d-9b1c2d3e-1741600000123",
		Payer:             payment.Payer{Email: "ana@example.com"},
		Method:            payment.MethodPix,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("pix request rejected: %v", err)
	}

	card := base
	card.Method = payment.MethodCreditCard
	if err := card.Validate(); err == nil {
		t.Fatal("card request without token accepted")
	}
	card.CardToken = "tok_123"
	card.Installments = 3
	if err := card.Validate(); err != nil {
		t.Fatalf("card request rejected: %v", err)
	}

	badEmail := base
	badEmail.Payer.Email = "not-an-email"
	if err := badEmail.Validate(); err == nil {
		t.Fatal("invalid payer email accepted")
	}

	badMethod := base
	badMethod.Method = "boleto"
	if err := badMethod.Validate(); err == nil {
		t.Fatal("unknown method accepted")
	}
}
