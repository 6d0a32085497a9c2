package types

import (
	"encoding/json"
	"testing"
)

func TestMoneyDisplay(t *testing.T) {
	tests := []struct {
		name    string
		money   Money
		major   string
		display string
	}{
		{"BRL", BRL(3490), "34.90", "R$34.90"},
		{"BRL small", BRL(490), "4.90", "R$4.90"},
		{"BRL zero", Zero("BRL"), "0.00", "R$0.00"},
		{"USD", USD(4900), "49.00", "$49.00"},
		{"negative", BRL(-150), "-1.50", "R$-1.50"},
		{"zero decimal", Money{Amount: 100, Currency: "jpy"}, "100", "JPY 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.money.FormatMajor(); got != tt.major {
				t.Errorf("FormatMajor: got %s, want %s", got, tt.major)
			}
			if got := tt.money.String(); got != tt.display {
				t.Errorf("String: got %s, want %s", got, tt.display)
			}
		})
	}
}

func TestParseMajor(t *testing.T) {
	tests := []struct {
		in      string
		want    Money
		wantErr bool
	}{
		{"34.90", BRL(3490), false},
		{"4.9", BRL(490), false},
		{"399", BRL(39900), false},
		{" 59.90 ", BRL(5990), false},
		{"-1.50", BRL(-150), false},
		{"1.999", Money{}, true},
		{"", Money{}, true},
		{"abc", Money{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMajor(tt.in, "BRL")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMoneyAddCurrencyMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on currency mismatch")
		}
	}()
	_ = BRL(100).Add(USD(100))
}

func TestMoneyMarshalJSON(t *testing.T) {
	data, err := json.Marshal(BRL(3490))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["display"] != "R$34.90" {
		t.Errorf("display = %v, want R$34.90", out["display"])
	}
	if out["currency"] != "brl" {
		t.Errorf("currency = %v, want brl", out["currency"])
	}
}
