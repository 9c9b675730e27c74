// Package money holds the fixed-point primitives used for contract amounts and
// ratio percentages. Amounts are integer minor units. Percentages are basis
// points, so 33.33% is stored as 3333.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a quantity of the single operating currency in minor units.
type Amount int64

// Percent is a share expressed in basis points (1/100 of a percent).
type Percent int64

const (
	// PercentScale is the number of decimal places carried by Percent.
	PercentScale = 2
	// Hundred is 100.00% in basis points.
	Hundred Percent = 10000
)

var (
	ErrPercentFormat    = errors.New("money: malformed percent")
	ErrPercentPrecision = errors.New("money: percent has more than two decimal places")
	ErrPercentRange     = errors.New("money: percent out of range")
)

var bpPerPercent = decimal.NewFromInt(100)

// ParsePercent reads a decimal string such as "33.33" into basis points.
// Values with more than two fractional digits are rejected rather than rounded.
func ParsePercent(s string) (Percent, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrPercentFormat
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrPercentFormat, s)
	}
	bp := d.Mul(bpPerPercent)
	if !bp.Equal(bp.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q", ErrPercentPrecision, s)
	}
	if !bp.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrPercentRange, s)
	}
	return Percent(bp.IntPart()), nil
}

// MustPercent is ParsePercent for literals.
func MustPercent(s string) Percent {
	p, err := ParsePercent(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Decimal returns the percent as a decimal number of percent units.
func (p Percent) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PercentScale)
}

// String renders the percent with exactly two decimals.
func (p Percent) String() string {
	return p.Decimal().StringFixed(PercentScale)
}

// MarshalText encodes the percent as a decimal string.
func (p Percent) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts either a quoted decimal string or a bare JSON number.
func (p *Percent) UnmarshalText(b []byte) error {
	v, err := ParsePercent(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// UnmarshalJSON lets clients send 33.33 as well as "33.33".
func (p *Percent) UnmarshalJSON(b []byte) error {
	return p.UnmarshalText([]byte(strings.Trim(string(b), `"`)))
}

// Share returns floor(total * p / 100%).
func Share(total Amount, p Percent) Amount {
	v := decimal.NewFromInt(int64(total)).
		Mul(decimal.NewFromInt(int64(p))).
		Div(decimal.NewFromInt(int64(Hundred))).
		Floor()
	return Amount(v.IntPart())
}
