package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	RUB Currency = "RUB"
	USD Currency = "USD"
	EUR Currency = "EUR"
	KZT Currency = "KZT"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int32 // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	RUB: {Code: RUB, MinorUnits: 2, Symbol: "₽", SymbolFirst: false},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	KZT: {Code: KZT, MinorUnits: 2, Symbol: "₸", SymbolFirst: false},
}

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrPrecision       = errors.New("amount has more precision than the currency allows")
)

// ParseCurrency validates a three-letter code against the supported set.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(code)
	if _, ok := currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Money represents a monetary amount in minor units (kopecks, cents, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Decimal converts to major units without floating point loss.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -m.minorUnits())
}

// DecimalString renders the major-unit amount with the currency's fixed scale ("100.00").
func (m Money) DecimalString() string {
	return m.Decimal().StringFixed(m.minorUnits())
}

// FromDecimal converts a major-unit decimal into minor units. It refuses
// values that would need rounding.
func FromDecimal(d decimal.Decimal, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	shifted := d.Shift(info.MinorUnits)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %s %s", ErrPrecision, d.String(), currency)
	}
	return Money{AmountMinor: shifted.IntPart(), Currency: currency}, nil
}

// ParseDecimal parses a major-unit string such as "150.50".
func ParseDecimal(value string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", value, err)
	}
	return FromDecimal(d, currency)
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	major := m.DecimalString()
	if info.SymbolFirst {
		return info.Symbol + major
	}
	return major + " " + info.Symbol
}

func (m Money) minorUnits() int32 {
	if info, ok := currencies[m.Currency]; ok {
		return info.MinorUnits
	}
	return 2
}
