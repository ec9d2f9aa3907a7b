// Package decimalkernel implements the fixed-precision arithmetic and
// borrow-rate/fee formulas at the center of the pricing pipeline. Every
// function here is pure and total: it either returns a result or an
// apierr.DomainError, never a panic, and never touches a bare float64
// in a monetary path.
package decimalkernel

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Decimal wraps shopspring/decimal.Decimal so every monetary value in
// this system carries an explicit, configured scale and is rounded
// with a single, consistent policy (banker's rounding) rather than
// each call site picking its own.
type Decimal struct {
	d decimal.Decimal
}

// NewFromString parses a decimal literal (e.g. a provider's
// decimal-string field) into a Decimal.
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{d: d}, nil
}

// NewFromFloat constructs a Decimal from a float64. Reserved for
// boundary code translating external provider payloads (already
// decimal-string in practice); never used for intermediate monetary
// math.
func NewFromFloat(f float64) Decimal {
	return Decimal{d: decimal.NewFromFloat(f)}
}

// NewFromInt constructs a Decimal from an integer.
func NewFromInt(i int64) Decimal {
	return Decimal{d: decimal.NewFromInt(i)}
}

// Zero is the additive identity.
var Zero = Decimal{d: decimal.Zero}

func (d Decimal) Add(o Decimal) Decimal { return Decimal{d: d.d.Add(o.d)} }
func (d Decimal) Sub(o Decimal) Decimal { return Decimal{d: d.d.Sub(o.d)} }
func (d Decimal) Mul(o Decimal) Decimal { return Decimal{d: d.d.Mul(o.d)} }
func (d Decimal) Div(o Decimal) Decimal { return Decimal{d: d.d.Div(o.d)} }

func (d Decimal) GreaterThan(o Decimal) bool      { return d.d.GreaterThan(o.d) }
func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.d.GreaterThanOrEqual(o.d) }
func (d Decimal) LessThan(o Decimal) bool         { return d.d.LessThan(o.d) }
func (d Decimal) Equal(o Decimal) bool            { return d.d.Equal(o.d) }
func (d Decimal) IsNegative() bool                { return d.d.IsNegative() }
func (d Decimal) IsZero() bool                    { return d.d.IsZero() }

func (d Decimal) String() string { return d.d.String() }

// MarshalJSON encodes the decimal as a JSON string (not a bare number)
// so no precision is lost to a float64 round trip through encoding/json.
// Every stored fractional digit is kept, trailing zeros included.
func (d Decimal) MarshalJSON() ([]byte, error) {
	places := -d.d.Exponent()
	if places < 0 {
		places = 0
	}
	return json.Marshal(d.d.StringFixed(places))
}

// UnmarshalJSON decodes a decimal-string, matching MarshalJSON.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	d.d = parsed
	return nil
}

// RoundBank rounds d to scale decimal places using banker's rounding
// (round-half-to-even), the only rounding mode this system uses.
func (d Decimal) RoundBank(scale int32) Decimal {
	return Decimal{d: d.d.RoundBank(scale)}
}

// Max returns the larger of two Decimals, used to compute effective
// floors such as the minimum borrow rate.
func Max(a, b Decimal, rest ...Decimal) Decimal {
	m := a
	if b.GreaterThan(m) {
		m = b
	}
	for _, r := range rest {
		if r.GreaterThan(m) {
			m = r
		}
	}
	return m
}
