// Package fees computes platform and withdrawal fees. Every fee the service
// charges is derived here so order settlement and withdrawals agree on the
// rounding.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Schedule holds the fee parameters. Percentages are in percent (10 = 10%).
type Schedule struct {
	PlatformPercent   decimal.Decimal
	WithdrawalPercent decimal.Decimal
	WithdrawalFlat    int64
}

// Split is the division of an order amount between seller and platform.
type Split struct {
	Gross    int64 `json:"gross"`
	Fee      int64 `json:"fee"`
	ToSeller int64 `json:"to_seller"`
}

// WithdrawalQuote is the fee breakdown of a withdrawal request.
type WithdrawalQuote struct {
	Gross int64 `json:"gross"`
	Fee   int64 `json:"fee"`
	Net   int64 `json:"net"`
}

// Parse builds a Schedule from the textual percentages used in configuration.
func Parse(platformPercent, withdrawalPercent string, withdrawalFlat int64) (Schedule, error) {
	p, err := parsePercent("platform fee", platformPercent)
	if err != nil {
		return Schedule{}, err
	}
	w, err := parsePercent("withdrawal fee", withdrawalPercent)
	if err != nil {
		return Schedule{}, err
	}
	if withdrawalFlat < 0 {
		return Schedule{}, fmt.Errorf("withdrawal flat fee must not be negative")
	}
	return Schedule{PlatformPercent: p, WithdrawalPercent: w, WithdrawalFlat: withdrawalFlat}, nil
}

func parsePercent(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s percent %q: %w", name, s, err)
	}
	if d.IsNegative() || d.GreaterThanOrEqual(hundred) {
		return decimal.Zero, fmt.Errorf("%s percent must be in [0, 100), got %s", name, s)
	}
	return d, nil
}

// Platform splits an order amount. The fee rounds half-up to the minor unit,
// so seller + fee always equals the gross amount.
func (s Schedule) Platform(amount int64) Split {
	fee := percentOf(amount, s.PlatformPercent)
	return Split{Gross: amount, Fee: fee, ToSeller: amount - fee}
}

// Withdrawal prices a withdrawal of gross: flat fee plus a percentage, never
// more than the gross amount.
func (s Schedule) Withdrawal(gross int64) WithdrawalQuote {
	fee := s.WithdrawalFlat + percentOf(gross, s.WithdrawalPercent)
	if fee > gross {
		fee = gross
	}
	return WithdrawalQuote{Gross: gross, Fee: fee, Net: gross - fee}
}

func percentOf(amount int64, pct decimal.Decimal) int64 {
	if amount <= 0 || pct.IsZero() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}
