// Package price implements the integer-exact ratio arithmetic of §4.1:
// amounts are 64-bit signed share counts, prices are ratios of two
// (amount, symbol) pairs, and every multiplication documents its rounding
// direction. No floating point is used anywhere in this package.
package price

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is a quantity of a single asset, always expressed in the
// asset's smallest indivisible unit (a "share").
type Amount struct {
	Value  int64
	Symbol string
}

func NewAmount(value int64, symbol string) Amount {
	return Amount{Value: value, Symbol: symbol}
}

func (a Amount) IsZero() bool { return a.Value == 0 }

func (a Amount) Add(b Amount) (Amount, error) {
	if a.Symbol != b.Symbol {
		return Amount{}, fmt.Errorf("price: symbol mismatch %s vs %s", a.Symbol, b.Symbol)
	}
	return Amount{Value: a.Value + b.Value, Symbol: a.Symbol}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Symbol != b.Symbol {
		return Amount{}, fmt.Errorf("price: symbol mismatch %s vs %s", a.Symbol, b.Symbol)
	}
	return Amount{Value: a.Value - b.Value, Symbol: a.Symbol}, nil
}

// Price is the ratio base.Value:base.Symbol / quote.Value:quote.Symbol —
// "how much quote buys how much base". Comparisons and multiplications
// never convert to a decimal; they cross-multiply the raw numerator and
// denominator so the result is independent of whether the ratio is
// reduced to lowest terms.
type Price struct {
	Base  Amount
	Quote Amount
}

func NewPrice(baseAmount int64, baseSymbol string, quoteAmount int64, quoteSymbol string) Price {
	return Price{
		Base:  NewAmount(baseAmount, baseSymbol),
		Quote: NewAmount(quoteAmount, quoteSymbol),
	}
}

// Reciprocal flips base and quote, e.g. turning "1 COIN / 2 USD" into
// "2 USD / 1 COIN".
func (p Price) Reciprocal() Price {
	return Price{Base: p.Quote, Quote: p.Base}
}

func (p Price) Valid() bool {
	return p.Base.Value > 0 && p.Quote.Value > 0 && p.Base.Symbol != "" && p.Quote.Symbol != ""
}

// crossMul compares a.Base*b.Quote against b.Base*a.Quote using 128-bit
// intermediates (via uint256) so large share counts never overflow
// int64 during comparison.
func crossMul(aNum, aDen, bNum, bDen int64) int {
	left := mul128(aNum, aDen)
	right := mul128(bNum, bDen)
	return left.Cmp(right)
}

func mul128(a, b int64) *uint256.Int {
	x := new(uint256.Int).SetUint64(absU64(a))
	y := new(uint256.Int).SetUint64(absU64(b))
	r := new(uint256.Int).Mul(x, y)
	if (a < 0) != (b < 0) {
		// prices and amounts that reach here are always non-negative in
		// practice (validated at construction); guard anyway so a
		// negative sign never silently flips a comparison.
		return new(uint256.Int).Neg(r)
	}
	return r
}

func absU64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// Compare orders two prices of the same base/quote symbol pair by
// cross-multiplying base.Value*other.Quote.Value against
// other.Base.Value*Quote.Value. Returns -1, 0, or 1.
func (p Price) Compare(o Price) (int, error) {
	if p.Base.Symbol != o.Base.Symbol || p.Quote.Symbol != o.Quote.Symbol {
		return 0, fmt.Errorf("price: incomparable symbol pairs (%s/%s vs %s/%s)",
			p.Base.Symbol, p.Quote.Symbol, o.Base.Symbol, o.Quote.Symbol)
	}
	// p = Base/Quote, o = oBase/oQuote; p > o iff Base*oQuote > oBase*Quote
	return crossMul(p.Base.Value, o.Quote.Value, o.Base.Value, p.Quote.Value), nil
}

// Equal reports whether two prices represent the same ratio regardless
// of whether either is reduced to lowest terms.
func (p Price) Equal(o Price) bool {
	c, err := p.Compare(o)
	return err == nil && c == 0
}

// Multiply converts an amount denominated in the price's base symbol
// into the equivalent amount in the quote symbol:
//
//	result = floor(amount * quote.Value / base.Value)
//
// Fails if amount.Symbol does not match the price's base symbol.
func (p Price) Multiply(amount Amount) (Amount, error) {
	if amount.Symbol != p.Base.Symbol {
		return Amount{}, fmt.Errorf("price: amount symbol %s does not match price base %s", amount.Symbol, p.Base.Symbol)
	}
	num := new(uint256.Int).Mul(
		new(uint256.Int).SetUint64(absU64(amount.Value)),
		new(uint256.Int).SetUint64(absU64(p.Quote.Value)),
	)
	den := new(uint256.Int).SetUint64(absU64(p.Base.Value))
	q := new(uint256.Int).Div(num, den)
	v, overflow := int64FromU256(q)
	if overflow {
		return Amount{}, fmt.Errorf("price: multiply overflow")
	}
	if amount.Value < 0 {
		v = -v
	}
	return Amount{Value: v, Symbol: p.Quote.Symbol}, nil
}

// MultiplyAndRoundUp converts an amount denominated in the price's quote
// symbol into the equivalent amount in the base symbol, rounding the
// result up (ceiling) rather than down:
//
//	result = ceil(amount * base.Value / quote.Value)
func (p Price) MultiplyAndRoundUp(amount Amount) (Amount, error) {
	if amount.Symbol != p.Quote.Symbol {
		return Amount{}, fmt.Errorf("price: amount symbol %s does not match price quote %s", amount.Symbol, p.Quote.Symbol)
	}
	num := new(uint256.Int).Mul(
		new(uint256.Int).SetUint64(absU64(amount.Value)),
		new(uint256.Int).SetUint64(absU64(p.Base.Value)),
	)
	den := new(uint256.Int).SetUint64(absU64(p.Quote.Value))
	q, rem := new(uint256.Int).DivMod(num, den, new(uint256.Int))
	if !rem.IsZero() {
		q = new(uint256.Int).Add(q, uint256.NewInt(1))
	}
	v, overflow := int64FromU256(q)
	if overflow {
		return Amount{}, fmt.Errorf("price: multiply-round-up overflow")
	}
	if amount.Value < 0 {
		v = -v
	}
	return Amount{Value: v, Symbol: p.Base.Symbol}, nil
}

func int64FromU256(v *uint256.Int) (int64, bool) {
	if !v.IsUint64() {
		return 0, true
	}
	u := v.Uint64()
	if u > uint64(1)<<63-1 {
		return 0, true
	}
	return int64(u), false
}
