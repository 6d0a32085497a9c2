// Package types provides value types shared across the credits module.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Money is a price in the smallest currency unit. Arithmetic is integer-only.
//
//   - BRL(3490) = R$34.90
//   - USD(4900) = $49.00
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"` // ISO 4217 lowercase
}

// BRL creates a Money value in Brazilian reais (centavos).
func BRL(centavos int64) Money { return Money{Amount: centavos, Currency: "brl"} }

// USD creates a Money value in US dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Amount: 0, Currency: strings.ToLower(currency)} }

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal reports whether both values have the same amount and currency.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// FormatMajor returns the decimal string gateways expect, e.g. "34.90".
func (m Money) FormatMajor() string {
	decimals := currencyDecimals(m.Currency)
	if decimals == 0 {
		return strconv.FormatInt(m.Amount, 10)
	}

	divisor := int64(1)
	for range decimals {
		divisor *= 10
	}

	abs := m.Amount
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}

	return fmt.Sprintf("%s%d.%0*d", sign, abs/divisor, decimals, abs%divisor)
}

// ParseMajor parses a decimal string such as "34.90" or "4.9" into Money.
// More fractional digits than the currency allows is an error.
func ParseMajor(s, currency string) (Money, error) {
	currency = strings.ToLower(currency)
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, fmt.Errorf("money: parse %q: empty amount", s)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	decimals := currencyDecimals(currency)
	if len(frac) > decimals {
		return Money{}, fmt.Errorf("money: parse %q: too many decimal places for %s", s, currency)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
	}

	var minor int64
	if frac != "" {
		minor, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return Money{}, fmt.Errorf("money: parse %q: %w", s, err)
		}
	}

	divisor := int64(1)
	for range decimals {
		divisor *= 10
	}

	amount := major*divisor + minor
	if neg {
		amount = -amount
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// String returns a human-readable string with currency symbol, e.g. "R$34.90".
func (m Money) String() string {
	return currencySymbol(m.Currency) + m.FormatMajor()
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

func currencySymbol(currency string) string {
	switch strings.ToLower(currency) {
	case "brl":
		return "R$"
	case "usd":
		return "$"
	case "eur":
		return "€"
	default:
		return strings.ToUpper(currency) + " "
	}
}

func currencyDecimals(currency string) int {
	switch strings.ToLower(currency) {
	case "jpy", "krw", "clp", "pyg":
		return 0
	default:
		return 2
	}
}
