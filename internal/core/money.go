package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money pairs a fixed-precision amount with its currency. Amounts are
// never represented as floats anywhere in the core.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(currency)}
}

func invalidAmount(m Money) bool {
	if m.Amount.Sign() <= 0 {
		return true
	}
	return m.Currency == ""
}
