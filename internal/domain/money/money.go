// Package money provides fixed-point currency amounts for cost accounting.
//
// Amounts are stored as int64 nano-units (10^-9 of the major currency unit),
// so repeated summation over a billing period is exact integer arithmetic.
// Floating point enters only at the presentation boundary.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NanosPerUnit is the number of nano-units in one major currency unit.
const NanosPerUnit = 1_000_000_000

// Amount is a fixed-point currency amount in nano-units.
type Amount int64

// FromNanos constructs an Amount from raw nano-units.
func FromNanos(n int64) Amount { return Amount(n) }

// FromFloat converts a float64 major-unit value to an Amount, rounding to the
// nearest nano. Intended for config and API boundaries only.
func FromFloat(v float64) Amount {
	if v >= 0 {
		return Amount(v*NanosPerUnit + 0.5)
	}
	return Amount(v*NanosPerUnit - 0.5)
}

// Nanos returns the raw nano-unit value.
func (a Amount) Nanos() int64 { return int64(a) }

// Float64 returns the amount in major units. Presentation only.
func (a Amount) Float64() float64 { return float64(a) / NanosPerUnit }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return a + b }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a == 0 }

// MulDiv returns a * mul / div using int64 arithmetic, splitting the
// multiplication to keep intermediates in range for realistic usage
// quantities (rates up to thousands of dollars, quantities up to billions).
func (a Amount) MulDiv(mul, div int64) Amount {
	if div == 0 {
		return 0
	}
	whole := int64(a) * (mul / div)
	frac := int64(a) * (mul % div) / div
	return Amount(whole + frac)
}

// MarshalJSON renders the amount as a quoted decimal string. Clients never
// see nano-units on the wire.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts either a decimal string ("0.03") or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// String formats the amount as a decimal with trailing zeros trimmed,
// always keeping at least two fractional digits (e.g. "0.075", "12.50").
func (a Amount) String() string {
	n := int64(a)
	neg := n < 0
	if neg {
		n = -n
	}
	frac := fmt.Sprintf("%09d", n%NanosPerUnit)
	for len(frac) > 2 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}
	s := fmt.Sprintf("%d.%s", n/NanosPerUnit, frac)
	if neg {
		return "-" + s
	}
	return s
}

// Parse converts a decimal string like "0.03" or "10" to an Amount.
// At most nine fractional digits are accepted.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 9 {
		return 0, fmt.Errorf("amount %q has more than 9 fractional digits", s)
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}

	var nanos int64
	if fracPart != "" {
		nanos, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", s, err)
		}
		for range 9 - len(fracPart) {
			nanos *= 10
		}
	}

	total := units*NanosPerUnit + nanos
	if neg {
		total = -total
	}
	return Amount(total), nil
}
