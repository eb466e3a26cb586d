package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code accepted by deal sheets
type Currency string

const (
	// PEN is the base currency every amount is converted into
	PEN Currency = "PEN"
	USD Currency = "USD"
)

// BaseCurrency is the currency KPI values are expressed in
const BaseCurrency = PEN

// ParseCurrency normalizes a currency code. Empty defaults to the base currency.
func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(s))); c {
	case "":
		return BaseCurrency, nil
	case PEN, USD:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported currency %q", s)
	}
}

// Amount is a currency-tagged value carrying its original figure and the
// converted base-currency figure
type Amount struct {
	Original decimal.Decimal `json:"original"`
	Currency Currency        `json:"currency"`
	Base     decimal.Decimal `json:"base"`
}

// Convert builds an Amount, converting USD into PEN with the deal's exchange rate
func Convert(original decimal.Decimal, currency Currency, exchangeRate decimal.Decimal) (Amount, error) {
	a := Amount{Original: original, Currency: currency}
	switch currency {
	case PEN:
		a.Base = original
	case USD:
		if !exchangeRate.IsPositive() {
			return Amount{}, fmt.Errorf("exchange rate must be positive to convert %s", currency)
		}
		a.Base = original.Mul(exchangeRate)
	default:
		return Amount{}, fmt.Errorf("unsupported currency %q", currency)
	}
	return a, nil
}

// MustParse parses a decimal literal and panics on malformed input. For tests and constants.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Zero reports whether the base amount is zero
func (a Amount) Zero() bool {
	return a.Base.IsZero()
}

// String renders the original figure with its currency
func (a Amount) String() string {
	return a.Original.StringFixed(2) + " " + string(a.Currency)
}
