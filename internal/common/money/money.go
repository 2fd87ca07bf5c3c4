package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int32 // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// Money represents an exact decimal monetary amount. All arithmetic is
// fixed-point; no floating-point is involved at any step.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// New creates a new Money value
func New(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// Parse creates Money from a decimal string (e.g. "10.00", "0", "-5")
func Parse(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustParse creates Money from a decimal string, panics on a malformed amount
func MustParse(amount string, currency Currency) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinorUnits creates Money from an integer count of the currency's minor
// units (e.g. 1050 USD cents is $10.50).
func FromMinorUnits(value int64, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("unknown currency %q", currency)
	}
	return Money{Amount: decimal.New(value, -info.MinorUnits), Currency: currency}, nil
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// Neg returns the negated amount
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// MustAdd adds two money values, panics on currency mismatch
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// MustSub subtracts two money values, panics on currency mismatch
func (m Money) MustSub(other Money) Money {
	result, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Cmp returns -1, 0, or 1
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal checks equality of amount and currency
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Cmp(other)
	return err == nil && cmp > 0
}

// LessThan checks if m < other
func (m Money) LessThan(other Money) bool {
	cmp, err := m.Cmp(other)
	return err == nil && cmp < 0
}

// StringFixed returns the amount rendered with the currency's minor units
func (m Money) StringFixed() string {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	return m.Amount.StringFixed(info.MinorUnits)
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
	}
	if info.SymbolFirst {
		return info.Symbol + m.StringFixed()
	}
	return m.StringFixed() + info.Symbol
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.Amount.String(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	d, err := decimal.NewFromString(v.Amount)
	if err != nil {
		return fmt.Errorf("parsing amount %q: %w", v.Amount, err)
	}
	m.Amount = d
	m.Currency = Currency(v.Currency)
	return nil
}
