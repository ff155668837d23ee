// Package money provides fixed-point amounts in minor currency units.
//
// All balances, prices and invoice amounts in the system are carried as
// int64 minor units (e.g. kopecks, cents). Arithmetic never touches
// floating point, so a credit computed from a webhook and a debit computed
// from the plan catalog always agree to the last unit.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Decimals is the number of decimal places in the display form.
const Decimals = 2

var (
	ErrInvalidAmount  = errors.New("money: invalid amount")
	ErrNegativeAmount = errors.New("money: negative amounts not allowed")
)

// Amount is a quantity of money in minor units.
type Amount int64

// Parse converts a decimal string like "12.30" into minor units.
// At most two fractional digits are accepted; "12", "12.3" and "12.30"
// all parse to 1230.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Decimals)
	}
	// ParseInt alone would admit a sign inside either part ("+5.00", "12.+3").
	if !digits(whole) || !digits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount(units*100 + cents), nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParse is Parse for compile-time constants in tests and config defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromUnits converts whole currency units to an Amount.
func FromUnits(units int64) Amount {
	return Amount(units * 100)
}

// String renders the amount in canonical "units.cc" form.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// PercentFloor returns a×percent/100 rounded toward zero.
// Used for referral commissions: the owner never receives more than the
// exact share of the payment (1000 at 10% → 100, 999 at 10% → 99).
func PercentFloor(a Amount, percent int64) Amount {
	if a <= 0 || percent <= 0 {
		return 0
	}
	return Amount(int64(a) * percent / 100)
}
