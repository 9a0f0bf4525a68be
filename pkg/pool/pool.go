// Package pool is the liquidity pool of §2: constant-product pair
// pools used as the price-of-last-resort when orderbook matching
// cannot fill, notably as the third auxiliary source in the call-book
// margin-call cascade (§4.3 step 2).
//
// Grounded on the teacher's integer tick/lot fixed-point convention in
// pkg/app/core/market.go (no floats anywhere in a price computation);
// the constant-product formula itself is new since the teacher has no
// AMM concept, but its 256-bit-safe multiplication mirrors pkg/price.
package pool

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Pair identifies a pool by its two asset symbols in canonical
// (lexicographically sorted) order, matching §4.2's "market M = sorted
// pair of symbols" convention.
func Pair(a, b string) string {
	if a < b {
		return a + "/" + b
	}
	return b + "/" + a
}

// Pool is a constant-product reserve pair: ReserveA * ReserveB is held
// constant by every swap net of the pool fee.
type Pool struct {
	Market   string // Pair(symbolA, symbolB)
	SymbolA  string
	SymbolB  string
	ReserveA int64
	ReserveB int64
	FeeBps   int64 // charged on the input side of every swap
}

func (p *Pool) PrimaryKey() store.Key                     { return store.Key(p.Market) }
func (p *Pool) IndexKeys() map[store.Index]store.Key { return map[store.Index]store.Key{} }

// Pools wraps the store collection of liquidity pairs.
type Pools struct {
	col *store.Collection[*Pool]
}

func New(s *store.Store) *Pools { return &Pools{col: store.NewCollection[*Pool](s, "pool:")} }

func (p *Pools) Get(symbolA, symbolB string) (*Pool, error) {
	market := Pair(symbolA, symbolB)
	pl := &Pool{}
	found, err := p.col.Get(store.Key(market), pl)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("pool: no pool for %s: %w", market, errs.ErrNotFound)
	}
	return pl, nil
}

// EnsurePool returns the existing pool or creates an empty one.
func (p *Pools) EnsurePool(symbolA, symbolB string, feeBps int64) (*Pool, error) {
	pl, err := p.Get(symbolA, symbolB)
	if err == nil {
		return pl, nil
	}
	a, b := symbolA, symbolB
	if b < a {
		a, b = b, a
	}
	pl = &Pool{Market: Pair(symbolA, symbolB), SymbolA: a, SymbolB: b, FeeBps: feeBps}
	return pl, p.col.Create(pl)
}

func (p *Pools) Save(pl *Pool) error { return p.col.Upsert(pl) }

// AddLiquidity deposits amounts of both reserves (direct pool seeding;
// no LP-share accounting is modeled since §3 does not name an LP-share
// entity beyond the generic "liquidity" asset type).
func (pl *Pool) AddLiquidity(amountA, amountB int64) error {
	if amountA <= 0 || amountB <= 0 {
		return fmt.Errorf("pool: liquidity amounts must be positive: %w", errs.ErrValidation)
	}
	pl.ReserveA += amountA
	pl.ReserveB += amountB
	return nil
}

// SwapExactIn computes the constant-product output amount for
// swapping exactly amountIn of symbolIn, net of FeeBps, and applies the
// reserve update. amountIn's asset must be one of the pool's two
// symbols.
func (pl *Pool) SwapExactIn(symbolIn string, amountIn int64) (int64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("pool: swap amount must be positive: %w", errs.ErrValidation)
	}
	var reserveIn, reserveOut *int64
	switch symbolIn {
	case pl.SymbolA:
		reserveIn, reserveOut = &pl.ReserveA, &pl.ReserveB
	case pl.SymbolB:
		reserveIn, reserveOut = &pl.ReserveB, &pl.ReserveA
	default:
		return 0, fmt.Errorf("pool: symbol %s not in pool %s: %w", symbolIn, pl.Market, errs.ErrValidation)
	}
	if *reserveIn == 0 || *reserveOut == 0 {
		return 0, fmt.Errorf("pool: empty reserves in %s: %w", pl.Market, errs.ErrInsufficientFunds)
	}
	amountInAfterFee := new(uint256.Int).Mul(
		uint256.NewInt(uint64(amountIn)),
		uint256.NewInt(uint64(10_000-pl.FeeBps)),
	)
	numerator := new(uint256.Int).Mul(amountInAfterFee, uint256.NewInt(uint64(*reserveOut)))
	denominator := new(uint256.Int).Mul(uint256.NewInt(uint64(*reserveIn)), uint256.NewInt(10_000))
	denominator = new(uint256.Int).Add(denominator, amountInAfterFee)
	out := new(uint256.Int).Div(numerator, denominator)
	if !out.IsUint64() || out.Uint64() > uint64(1)<<62 {
		return 0, fmt.Errorf("pool: swap output overflow: %w", errs.ErrConstraintViolation)
	}
	outAmount := int64(out.Uint64())
	if outAmount <= 0 || outAmount >= *reserveOut {
		return 0, fmt.Errorf("pool: insufficient liquidity for swap in %s: %w", pl.Market, errs.ErrInsufficientFunds)
	}
	*reserveIn += amountIn
	*reserveOut -= outAmount
	return outAmount, nil
}

// SpotPrice returns the pool's current marginal price of symbolA in
// terms of symbolB, reduced-fraction-free per §4.1 (no decimal
// conversion): ReserveB shares per ReserveA share.
func (pl *Pool) SpotPrice() price.Price {
	return price.NewPrice(pl.ReserveA, pl.SymbolA, pl.ReserveB, pl.SymbolB)
}
