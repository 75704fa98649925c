package server

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"PerpVault/internal/errs"
)

// amountDecimals is the number of fractional digits in the core's fixed
// point representation.
const amountDecimals = 8

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// Amount is a 1e8 fixed-point value that travels as a decimal string, so
// "1000.5" on the wire is 100_050_000_000 in the core.
type Amount int64

// ParseAmount converts a decimal string to fixed point. More than eight
// fractional digits is an error rather than a silent truncation.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, errs.ErrInvalidAmount)
	}
	return fromDecimal(d)
}

// FormatAmount renders a fixed-point value without trailing zeros.
func FormatAmount(v int64) string {
	return decimal.New(v, -amountDecimals).String()
}

func fromDecimal(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(amountDecimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimals: %w", d, amountDecimals, errs.ErrInvalidAmount)
	}
	if scaled.GreaterThan(maxAmount) || scaled.LessThan(minAmount) {
		return 0, fmt.Errorf("amount %s out of range: %w", d, errs.ErrInvalidAmount)
	}
	return scaled.IntPart(), nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(FormatAmount(int64(a)))
}

// UnmarshalJSON accepts both "12.5" and 12.5.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("amount %s: %w", b, errs.ErrInvalidAmount)
	}
	v, err := fromDecimal(d)
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}
