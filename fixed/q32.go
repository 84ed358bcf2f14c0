package fixed

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// FracBits is the number of fractional bits of a Q32.
const FracBits = 32

const (
	one      = int64(1) << FracBits
	fracMask = uint64(1)<<FracBits - 1
	half     = uint64(1) << (FracBits - 1)
)

// Q32 is a signed Q32.32 binary fixed-point number. Multiplication and
// division round half to even; square roots round toward zero.
type Q32 int64

// Common values.
const (
	Q32Zero Q32 = 0
	Q32One  Q32 = Q32(one)
)

// Q32FromRaw reinterprets raw as a Q32 bit pattern.
func Q32FromRaw(raw int64) Q32 {
	return Q32(raw)
}

// Q32FromInt returns v as a Q32.
func Q32FromInt(v int64) (Q32, error) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, fmt.Errorf("%w: integer %d", ErrOverflow, v)
	}
	return Q32(v << FracBits), nil
}

// Q32FromFloat returns the Q32 nearest to f.
func Q32FromFloat(f float64) (Q32, error) {
	scaled := math.RoundToEven(f * float64(one))
	if math.IsNaN(scaled) || scaled >= math.MaxInt64 || scaled < math.MinInt64 {
		return 0, fmt.Errorf("%w: float %g", ErrOverflow, f)
	}
	return Q32(int64(scaled)), nil
}

// Q32FromRatio returns num/den.
func Q32FromRatio(num, den int64) (Q32, error) {
	n, err := Q32FromInt(num)
	if err != nil {
		return 0, err
	}
	d, err := Q32FromInt(den)
	if err != nil {
		return 0, err
	}
	return n.Div(d)
}

// Q32FromDecimal returns the Q32 nearest to d.
func Q32FromDecimal(d Decimal) (Q32, error) {
	scaled := d.Shopspring().Mul(decimal.NewFromInt(one)).RoundBank(0)
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: decimal %s", ErrOverflow, d)
	}
	return Q32(bi.Int64()), nil
}

// Raw returns the underlying bit pattern.
func (q Q32) Raw() int64 {
	return int64(q)
}

// Add returns q + o.
func (q Q32) Add(o Q32) (Q32, error) {
	s := q + o
	if (o > 0 && s < q) || (o < 0 && s > q) {
		return 0, fmt.Errorf("%w: %s + %s", ErrOverflow, q, o)
	}
	return s, nil
}

// Sub returns q - o.
func (q Q32) Sub(o Q32) (Q32, error) {
	s := q - o
	if (o < 0 && s < q) || (o > 0 && s > q) {
		return 0, fmt.Errorf("%w: %s - %s", ErrOverflow, q, o)
	}
	return s, nil
}

// Neg returns -q.
func (q Q32) Neg() (Q32, error) {
	if q == math.MinInt64 {
		return 0, fmt.Errorf("%w: -%s", ErrOverflow, q)
	}
	return -q, nil
}

// Mul returns q * o.
func (q Q32) Mul(o Q32) (Q32, error) {
	ua, negA := abs(int64(q))
	ub, negB := abs(int64(o))

	hi, lo := bits.Mul64(ua, ub)
	if hi>>(FracBits-1) != 0 {
		return 0, fmt.Errorf("%w: %s * %s", ErrOverflow, q, o)
	}
	r := hi<<FracBits | lo>>FracBits
	rem := lo & fracMask
	if rem > half || (rem == half && r&1 == 1) {
		r++
	}
	return signed(r, negA != negB, "mul")
}

// Div returns q / o.
func (q Q32) Div(o Q32) (Q32, error) {
	if o == 0 {
		return 0, ErrDivisionByZero
	}
	ua, negA := abs(int64(q))
	ub, negB := abs(int64(o))

	hi, lo := ua>>(64-FracBits), ua<<FracBits
	if hi >= ub {
		return 0, fmt.Errorf("%w: %s / %s", ErrOverflow, q, o)
	}
	r, rem := bits.Div64(hi, lo, ub)
	// Compare 2*rem with ub without overflowing.
	if rem > ub-rem || (rem == ub-rem && r&1 == 1) {
		r++
	}
	return signed(r, negA != negB, "div")
}

// Sqrt returns the square root of q.
func (q Q32) Sqrt() (Q32, error) {
	if q < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNegativeSqrt, q)
	}
	n := new(big.Int).Lsh(big.NewInt(int64(q)), FracBits)
	return Q32(n.Sqrt(n).Int64()), nil
}

// Max returns the larger of q and o.
func (q Q32) Max(o Q32) Q32 {
	if o > q {
		return o
	}
	return q
}

// Cmp compares q and o.
func (q Q32) Cmp(o Q32) int {
	switch {
	case q < o:
		return -1
	case q > o:
		return 1
	default:
		return 0
	}
}

// Float64 returns q as a float64.
func (q Q32) Float64() float64 {
	return float64(q) / float64(one)
}

// Decimal returns q as a Decimal rounded to MaxScale places.
func (q Q32) Decimal() (Decimal, error) {
	return FromShopspring(q.Shopspring())
}

// Shopspring returns the exact value of q.
func (q Q32) Shopspring() decimal.Decimal {
	// q / 2^32 == q * 5^32 / 10^32
	n := new(big.Int).Mul(big.NewInt(int64(q)), new(big.Int).Exp(big.NewInt(5), big.NewInt(FracBits), nil))
	return decimal.NewFromBigInt(n, -FracBits)
}

// String returns q in base 10.
func (q Q32) String() string {
	return q.Shopspring().String()
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(^v) + 1, true
	}
	return uint64(v), false
}

func signed(u uint64, neg bool, op string) (Q32, error) {
	if neg {
		if u > 1<<63 {
			return 0, fmt.Errorf("%w: %s result", ErrOverflow, op)
		}
		return Q32(-int64(u - 1) - 1), nil
	}
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %s result", ErrOverflow, op)
	}
	return Q32(u), nil
}
