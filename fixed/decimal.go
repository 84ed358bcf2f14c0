// Package fixed provides the fixed-point number types shared by the
// computations: a base-10 Decimal carried on the wire as mantissa and scale,
// and a binary Q32 used by the inner kernels. Every operation rounds in a
// defined way and reports overflow instead of wrapping.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// MaxScale is the largest number of decimal places a Decimal keeps.
const MaxScale = 18

// Arithmetic errors.
var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("division by zero")
	ErrNegativeSqrt   = errors.New("square root of negative value")
	ErrInvalidScale   = errors.New("scale exceeds maximum")
)

// Decimal is Num * 10^-Scale.
type Decimal struct {
	Num   int64  `json:"num"`
	Scale uint32 `json:"scale"`
}

// NewDecimal returns num * 10^-scale.
func NewDecimal(num int64, scale uint32) (Decimal, error) {
	if scale > MaxScale {
		return Decimal{}, fmt.Errorf("%w: %d > %d", ErrInvalidScale, scale, MaxScale)
	}
	return Decimal{Num: num, Scale: scale}, nil
}

// DecimalFromInt returns the integer v.
func DecimalFromInt(v int64) Decimal {
	return Decimal{Num: v}
}

// ParseDecimal parses a base-10 string such as "-2.25".
func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return FromShopspring(d)
}

// MustParseDecimal is ParseDecimal for constants.
func MustParseDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Shopspring returns d as an arbitrary-precision decimal.
func (d Decimal) Shopspring() decimal.Decimal {
	return decimal.New(d.Num, -int32(d.Scale))
}

// FromShopspring converts v, rounding half to even to at most MaxScale
// places. When the mantissa does not fit in int64 at that scale, places are
// dropped one at a time; ErrOverflow is returned only when the integer part
// itself does not fit.
func FromShopspring(v decimal.Decimal) (Decimal, error) {
	scale := int32(MaxScale)
	if -v.Exponent() < scale {
		scale = -v.Exponent()
	}
	if scale < 0 {
		scale = 0
	}

	for {
		r := v.RoundBank(scale)
		coef := r.Coefficient()
		exp := r.Exponent()
		if exp > 0 {
			coef.Mul(coef, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
			exp = 0
		}
		// RoundBank may leave fewer places than requested.
		for exp > -scale {
			coef.Mul(coef, big.NewInt(10))
			exp--
		}
		if coef.IsInt64() {
			return Decimal{Num: coef.Int64(), Scale: uint32(-exp)}, nil
		}
		if scale == 0 {
			return Decimal{}, fmt.Errorf("%w: %s", ErrOverflow, v.String())
		}
		scale--
	}
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	return FromShopspring(d.Shopspring().Add(o.Shopspring()))
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	return FromShopspring(d.Shopspring().Sub(o.Shopspring()))
}

// Mul returns d * o.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	return FromShopspring(d.Shopspring().Mul(o.Shopspring()))
}

// MulInt returns d * n.
func (d Decimal) MulInt(n int64) (Decimal, error) {
	return FromShopspring(d.Shopspring().Mul(decimal.NewFromInt(n)))
}

// Div returns d / o rounded half to even at MaxScale places.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.Num == 0 {
		return Decimal{}, ErrDivisionByZero
	}
	a, b := d.Shopspring(), o.Shopspring()
	q, r := a.QuoRem(b, MaxScale)

	unit := decimal.New(1, -MaxScale)
	twiceRem := r.Abs().Mul(decimal.NewFromInt(2))
	cmp := twiceRem.Cmp(b.Abs().Mul(unit))
	odd := q.Shift(MaxScale).BigInt().Bit(0) == 1
	if cmp > 0 || (cmp == 0 && odd) {
		if a.Sign()*b.Sign() < 0 {
			q = q.Sub(unit)
		} else {
			q = q.Add(unit)
		}
	}
	return FromShopspring(q)
}

// DivInt returns d / n rounded half to even at MaxScale places.
func (d Decimal) DivInt(n int64) (Decimal, error) {
	return d.Div(DecimalFromInt(n))
}

// Neg returns -d.
func (d Decimal) Neg() (Decimal, error) {
	return FromShopspring(d.Shopspring().Neg())
}

// Cmp compares d and o numerically.
func (d Decimal) Cmp(o Decimal) int {
	return d.Shopspring().Cmp(o.Shopspring())
}

// IsZero reports whether d is zero.
func (d Decimal) IsZero() bool {
	return d.Num == 0
}

// Float64 returns the nearest float64.
func (d Decimal) Float64() float64 {
	return d.Shopspring().InexactFloat64()
}

// String returns d in plain base-10 notation.
func (d Decimal) String() string {
	return d.Shopspring().StringFixed(int32(d.Scale))
}
