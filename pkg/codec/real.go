package codec

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// RealHint is the magnitude of a Real: a power of ten exponent, a fractional
// denominator, or one of the special values.
type RealHint uint8

const (
	RealExponentNeg14 RealHint = 0
	RealExponentNeg13 RealHint = 1
	RealExponentNeg12 RealHint = 2
	RealExponentNeg11 RealHint = 3
	RealExponentNeg10 RealHint = 4
	RealExponentNeg9  RealHint = 5
	RealExponentNeg8  RealHint = 6
	RealExponentNeg7  RealHint = 7
	RealExponentNeg6  RealHint = 8
	RealExponentNeg5  RealHint = 9
	RealExponentNeg4  RealHint = 10
	RealExponentNeg3  RealHint = 11
	RealExponentNeg2  RealHint = 12
	RealExponentNeg1  RealHint = 13
	RealExponent0     RealHint = 14
	RealExponent1     RealHint = 15
	RealExponent2     RealHint = 16
	RealExponent3     RealHint = 17
	RealExponent4     RealHint = 18
	RealExponent5     RealHint = 19
	RealExponent6     RealHint = 20
	RealExponent7     RealHint = 21
	RealFraction1     RealHint = 22
	RealFraction2     RealHint = 23
	RealFraction4     RealHint = 24
	RealFraction8     RealHint = 25
	RealFraction16    RealHint = 26
	RealFraction32    RealHint = 27
	RealFraction64    RealHint = 28
	RealFraction128   RealHint = 29
	RealFraction256   RealHint = 30
	RealInfinity      RealHint = 33
	RealNegInfinity   RealHint = 34
	RealNaN           RealHint = 35
)

var ErrInvalidReal = errors.New("invalid real")

func (h RealHint) Valid() bool {
	return h <= RealFraction256 || (h >= RealInfinity && h <= RealNaN)
}

func (h RealHint) IsExponent() bool { return h <= RealExponent7 }

func (h RealHint) IsFraction() bool { return h >= RealFraction1 && h <= RealFraction256 }

// Exponent is the power of ten for exponent hints.
func (h RealHint) Exponent() int32 { return int32(h) - int32(RealExponent0) }

// Denominator is the divisor for fraction hints.
func (h RealHint) Denominator() int64 { return 1 << (h - RealFraction1) }

func (h RealHint) String() string {
	switch {
	case h.IsExponent():
		return fmt.Sprintf("E%d", h.Exponent())
	case h.IsFraction():
		return fmt.Sprintf("1/%d", h.Denominator())
	case h == RealInfinity:
		return "Inf"
	case h == RealNegInfinity:
		return "-Inf"
	case h == RealNaN:
		return "NaN"
	}
	return fmt.Sprintf("RealHint(%d)", uint8(h))
}

// Real is mantissa x 10^exponent, or mantissa / denominator for fraction
// hints.
type Real struct {
	Mantissa int64
	Hint     RealHint
}

func (r Real) Float64() float64 {
	switch {
	case r.Hint.IsExponent():
		return float64(r.Mantissa) * math.Pow10(int(r.Hint.Exponent()))
	case r.Hint.IsFraction():
		return float64(r.Mantissa) / float64(r.Hint.Denominator())
	case r.Hint == RealInfinity:
		return math.Inf(1)
	case r.Hint == RealNegInfinity:
		return math.Inf(-1)
	}
	return math.NaN()
}

// Decimal returns the exact value. Special values are an error.
func (r Real) Decimal() (decimal.Decimal, error) {
	switch {
	case r.Hint.IsExponent():
		return decimal.New(r.Mantissa, r.Hint.Exponent()), nil
	case r.Hint.IsFraction():
		return decimal.NewFromInt(r.Mantissa).Div(decimal.NewFromInt(r.Hint.Denominator())), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %v has no decimal form", ErrInvalidReal, r.Hint)
}

func (r Real) String() string {
	if d, err := r.Decimal(); err == nil {
		return d.String()
	}
	return r.Hint.String()
}

// RealFromDecimal returns an exponent Real equal to d, with trailing zeros
// folded into the exponent.
func RealFromDecimal(d decimal.Decimal) (Real, error) {
	coef := d.Coefficient()
	exp := d.Exponent()
	ten := big.NewInt(10)
	// Fold trailing zeros into the exponent so large round numbers still fit
	for coef.Sign() != 0 && exp < RealExponent7.Exponent() {
		q, m := new(big.Int).QuoRem(coef, ten, new(big.Int))
		if m.Sign() != 0 {
			break
		}
		coef, exp = q, exp+1
	}
	for exp > RealExponent7.Exponent() {
		coef, exp = new(big.Int).Mul(coef, ten), exp-1
	}
	if exp < RealExponentNeg14.Exponent() {
		return Real{}, fmt.Errorf("%w: exponent %d out of range", ErrInvalidReal, exp)
	} else if !coef.IsInt64() {
		return Real{}, fmt.Errorf("%w: mantissa out of range", ErrInvalidReal)
	}
	return Real{Mantissa: coef.Int64(), Hint: RealHint(exp + int32(RealExponent0))}, nil
}
