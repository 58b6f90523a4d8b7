// internal/math/decimal.go
package math

import (
	"encoding/binary"
	"errors"
	"fmt"
	stdmath "math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// MaxScale is the largest number of fractional digits a Decimal carries.
const MaxScale = 28

// SerializedSize is the length of the fixed wire/persisted representation.
const SerializedSize = 16

var (
	ErrOverflow         = errors.New("decimal: overflow")
	ErrDivisionByZero   = errors.New("decimal: division by zero")
	ErrNotRepresentable = errors.New("decimal: value not representable")
)

// Decimal is a signed fixed-point value: a 96-bit unsigned mantissa scaled by
// 10^-scale, scale in [0, MaxScale]. It is a plain value and safe to copy.
//
// Every arithmetic operation is checked. A result is rounded half-even to the
// largest scale whose mantissa still fits 96 bits; if even scale 0 does not
// fit, the operation fails with ErrOverflow instead of wrapping.
type Decimal struct {
	lo, mid, hi uint32
	scale       uint8
	neg         bool
}

var (
	Zero       = Decimal{}
	One        = Decimal{lo: 1}
	OneHundred = Decimal{lo: 100}
)

var (
	maxMantissa = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))
	mask64      = new(big.Int).SetUint64(stdmath.MaxUint64)
	bigOne      = big.NewInt(1)
	bigTen      = big.NewInt(10)

	// powers of ten up to 10^(2*MaxScale); entries are shared and never mutated
	pow10Table = func() []*big.Int {
		t := make([]*big.Int, 2*MaxScale+1)
		t[0] = big.NewInt(1)
		for i := 1; i < len(t); i++ {
			t[i] = new(big.Int).Mul(t[i-1], bigTen)
		}
		return t
	}()
)

// Scratch big.Ints for intermediate calculations
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

func pow10(n int) *big.Int {
	if n < len(pow10Table) {
		return pow10Table[n]
	}
	return new(big.Int).Exp(bigTen, big.NewInt(int64(n)), nil)
}

// NewFromUint64 returns u as an integral Decimal.
func NewFromUint64(u uint64) Decimal {
	return Decimal{lo: uint32(u), mid: uint32(u >> 32)}
}

// NewFromInt64 returns i as an integral Decimal.
func NewFromInt64(i int64) Decimal {
	if i >= 0 {
		return NewFromUint64(uint64(i))
	}
	d := NewFromUint64(uint64(-(i + 1)) + 1)
	d.neg = true
	return d
}

// coefficient writes the signed mantissa into dst and returns it.
func (d Decimal) coefficient(dst *big.Int) *big.Int {
	dst.SetUint64(uint64(d.hi))
	dst.Lsh(dst, 64)
	tmp := getBig()
	tmp.SetUint64(uint64(d.mid)<<32 | uint64(d.lo))
	dst.Or(dst, tmp)
	putBig(tmp)
	if d.neg {
		dst.Neg(dst)
	}
	return dst
}

// pack builds a Decimal from a signed mantissa that already fits 96 bits.
func pack(mant *big.Int, scale int) Decimal {
	abs := new(big.Int).Abs(mant)
	low := new(big.Int).And(abs, mask64).Uint64()
	high := new(big.Int).Rsh(abs, 64).Uint64()
	return Decimal{
		lo:    uint32(low),
		mid:   uint32(low >> 32),
		hi:    uint32(high),
		scale: uint8(scale),
		neg:   mant.Sign() < 0,
	}
}

// quantize converts the rational num/den (den > 0) into a Decimal.
func quantize(num, den *big.Int) (Decimal, error) {
	absNum := new(big.Int).Abs(num)
	q := new(big.Int)
	r := new(big.Int)
	twice := new(big.Int)

	for s := MaxScale; s >= 0; s-- {
		q.Mul(absNum, pow10(s))
		q.QuoRem(q, den, r)

		// Round half-even
		twice.Lsh(r, 1)
		if c := twice.Cmp(den); c > 0 || (c == 0 && q.Bit(0) == 1) {
			q.Add(q, bigOne)
		}

		if q.Cmp(maxMantissa) > 0 {
			continue
		}

		scale := s
		rem := new(big.Int)
		for scale > 0 {
			quo, m := new(big.Int).QuoRem(q, bigTen, rem)
			if m.Sign() != 0 {
				break
			}
			q = quo
			scale--
		}

		if num.Sign() < 0 {
			q.Neg(q)
		}
		return pack(q, scale), nil
	}

	return Zero, ErrOverflow
}

// Scale returns the number of fractional digits.
func (d Decimal) Scale() int {
	return int(d.scale)
}

// IsZero reports whether d == 0.
func (d Decimal) IsZero() bool {
	return d.lo == 0 && d.mid == 0 && d.hi == 0
}

// IsNegative reports whether d < 0. Negative zero is not negative.
func (d Decimal) IsNegative() bool {
	return d.neg && !d.IsZero()
}

// IsPositive reports whether d > 0.
func (d Decimal) IsPositive() bool {
	return !d.neg && !d.IsZero()
}

// Neg returns -d.
func (d Decimal) Neg() Decimal {
	if d.IsZero() {
		return Zero
	}
	d.neg = !d.neg
	return d
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	scale := int(d.scale)
	if int(o.scale) > scale {
		scale = int(o.scale)
	}

	a := d.coefficient(new(big.Int))
	a.Mul(a, pow10(scale-int(d.scale)))
	b := o.coefficient(getBig())
	b.Mul(b, pow10(scale-int(o.scale)))
	a.Add(a, b)
	putBig(b)

	return quantize(a, pow10(scale))
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	return d.Add(o.Neg())
}

// Mul returns d * o.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	a := d.coefficient(new(big.Int))
	b := o.coefficient(getBig())
	a.Mul(a, b)
	putBig(b)

	return quantize(a, pow10(int(d.scale)+int(o.scale)))
}

// Div returns d / o. Dividing by zero fails with ErrDivisionByZero.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.IsZero() {
		return Zero, ErrDivisionByZero
	}

	// d/o = (cd * 10^so) / (co * 10^sd)
	num := d.coefficient(new(big.Int))
	num.Mul(num, pow10(int(o.scale)))
	den := o.coefficient(new(big.Int))
	den.Mul(den, pow10(int(d.scale)))
	if den.Sign() < 0 {
		num.Neg(num)
		den.Neg(den)
	}

	return quantize(num, den)
}

// Inv returns d^-1. The reciprocal of zero fails with ErrDivisionByZero.
func (d Decimal) Inv() (Decimal, error) {
	return One.Div(d)
}

// Floor returns the greatest integer not greater than d.
func (d Decimal) Floor() Decimal {
	if d.scale == 0 {
		return d
	}
	c := d.coefficient(new(big.Int))
	// Euclidean division by a positive divisor rounds toward -inf
	c.Div(c, pow10(int(d.scale)))
	if c.Sign() == 0 {
		return Zero
	}
	return pack(c, 0)
}

// Cmp returns -1, 0 or +1 as d is less than, equal to, or greater than o.
func (d Decimal) Cmp(o Decimal) int {
	scale := int(d.scale)
	if int(o.scale) > scale {
		scale = int(o.scale)
	}

	a := d.coefficient(getBig())
	a.Mul(a, pow10(scale-int(d.scale)))
	b := o.coefficient(getBig())
	b.Mul(b, pow10(scale-int(o.scale)))
	c := a.Cmp(b)
	putBig(a)
	putBig(b)
	return c
}

// Equal reports whether d and o denote the same value, regardless of scale.
func (d Decimal) Equal(o Decimal) bool {
	return d.Cmp(o) == 0
}

// Min returns the smaller of d and o.
func (d Decimal) Min(o Decimal) Decimal {
	if o.Cmp(d) < 0 {
		return o
	}
	return d
}

// Max returns the larger of d and o.
func (d Decimal) Max(o Decimal) Decimal {
	if o.Cmp(d) > 0 {
		return o
	}
	return d
}

// Uint64 truncates d toward zero and returns it as a uint64. Negative values
// and values above MaxUint64 fail with ErrNotRepresentable.
func (d Decimal) Uint64() (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", ErrNotRepresentable, d)
	}
	c := d.coefficient(new(big.Int))
	c.Quo(c, pow10(int(d.scale)))
	if !c.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds uint64", ErrNotRepresentable, d)
	}
	return c.Uint64(), nil
}

// Serialize returns the 16-byte representation: a little-endian flags word
// (scale in bits 16..23, sign in bit 31) followed by the mantissa as three
// little-endian 32-bit words, low first.
func (d Decimal) Serialize() [SerializedSize]byte {
	var b [SerializedSize]byte
	flags := uint32(d.scale) << 16
	if d.IsNegative() {
		flags |= 1 << 31
	}
	binary.LittleEndian.PutUint32(b[0:4], flags)
	binary.LittleEndian.PutUint32(b[4:8], d.lo)
	binary.LittleEndian.PutUint32(b[8:12], d.mid)
	binary.LittleEndian.PutUint32(b[12:16], d.hi)
	return b
}

// Deserialize decodes the representation produced by Serialize. A scale above
// MaxScale is rounded down to MaxScale.
func Deserialize(b [SerializedSize]byte) Decimal {
	flags := binary.LittleEndian.Uint32(b[0:4])
	d := Decimal{
		lo:    binary.LittleEndian.Uint32(b[4:8]),
		mid:   binary.LittleEndian.Uint32(b[8:12]),
		hi:    binary.LittleEndian.Uint32(b[12:16]),
		scale: uint8(flags >> 16),
		neg:   flags>>31 == 1,
	}
	if d.IsZero() {
		return Zero
	}
	if d.scale > MaxScale {
		// Rescaling down only ever shrinks the mantissa, so this cannot overflow
		r, err := quantize(d.coefficient(new(big.Int)), pow10(int(d.scale)))
		if err != nil {
			return Zero
		}
		return r
	}
	return d
}

// --- Text and float interop ---

// FromShopspring converts a shopspring decimal, rounding to MaxScale digits.
func FromShopspring(sd decimal.Decimal) (Decimal, error) {
	coef := sd.Coefficient()
	exp := int(sd.Exponent())
	if exp >= 0 {
		coef.Mul(coef, pow10(exp))
		return quantize(coef, bigOne)
	}
	return quantize(coef, pow10(-exp))
}

// Shopspring returns d as a shopspring decimal.
func (d Decimal) Shopspring() decimal.Decimal {
	return decimal.NewFromBigInt(d.coefficient(new(big.Int)), -int32(d.scale))
}

// FromFloat64 converts f to the nearest Decimal. NaN, infinities, and
// magnitudes beyond the 96-bit range fail with ErrNotRepresentable.
func FromFloat64(f float64) (Decimal, error) {
	if stdmath.IsNaN(f) || stdmath.IsInf(f, 0) {
		return Zero, fmt.Errorf("%w: %v", ErrNotRepresentable, f)
	}
	d, err := FromShopspring(decimal.NewFromFloat(f))
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrNotRepresentable, f)
	}
	return d, nil
}

// NewFromString parses a decimal literal such as "120", "-0.5" or "1e-3".
func NewFromString(s string) (Decimal, error) {
	sd, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	d, err := FromShopspring(sd)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustFromString is NewFromString for constants and tests.
func MustFromString(s string) Decimal {
	d, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Decimal) String() string {
	return d.Shopspring().String()
}

// MarshalText encodes d as its decimal literal.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a decimal literal.
func (d *Decimal) UnmarshalText(text []byte) error {
	v, err := NewFromString(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
