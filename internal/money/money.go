// Package money provides fixed-point budget amount parsing and formatting.
//
// Contract budgets use 6 decimal places and are held as big.Int in the
// smallest unit (1.00 = 1,000,000 units). The same representation is used
// for on-chain escrow amounts, so off-chain and on-chain figures compare
// without float conversions.
package money

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

// Amount is a non-negative fixed-point monetary amount in smallest units.
type Amount struct {
	units *big.Int
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{units: big.NewInt(0)}
}

// FromUnits wraps a smallest-unit integer. Negative values are clamped to zero.
func FromUnits(units *big.Int) Amount {
	if units == nil || units.Sign() < 0 {
		return Zero()
	}
	return Amount{units: new(big.Int).Set(units)}
}

// Parse converts a decimal string (e.g. "1000", "0.50") to an Amount.
//
// Rules:
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("money: empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return Amount{}, fmt.Errorf("money: negative amount %q", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Amount{}, fmt.Errorf("money: invalid amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return Amount{}, fmt.Errorf("money: invalid amount %q", s)
	}
	return Amount{units: units}, nil
}

// MustParse is Parse that panics on invalid input. For constants in tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Units returns a copy of the smallest-unit integer.
func (a Amount) Units() *big.Int {
	if a.units == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(a.units)
}

// IsZero reports whether the amount is exactly zero. This is the
// authoritative zero-budget check for the contract lifecycle.
func (a Amount) IsZero() bool {
	return a.units == nil || a.units.Sign() == 0
}

// Cmp compares a and b, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	return a.Units().Cmp(b.Units())
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{units: new(big.Int).Add(a.Units(), b.Units())}
}

// Sub returns a-b, clamped to zero to preserve non-negativity.
func (a Amount) Sub(b Amount) Amount {
	return FromUnits(new(big.Int).Sub(a.Units(), b.Units()))
}

// Percent returns pct% of the amount, truncating remainders toward zero.
func (a Amount) Percent(pct int) Amount {
	u := new(big.Int).Mul(a.Units(), big.NewInt(int64(pct)))
	u.Quo(u, big.NewInt(100))
	return Amount{units: u}
}

// String formats the amount with exactly 6 decimal places (e.g. "1000.000000").
func (a Amount) String() string {
	s := a.Units().String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	return s[:decimal] + "." + s[decimal:]
}

// MarshalJSON encodes the amount as its decimal string form.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON decodes a decimal string form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
