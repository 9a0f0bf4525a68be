// Package call is the call-order book of §2/§4.3: collateralized debt
// positions (a long-collateral/short-debt position, like a MakerDAO
// vault), margin-called by an ascending-collateralization scan when
// undercollateralized, with global settlement on an uncoverable
// deficit.
//
// Grounded on the teacher's ascending-risk liquidation scan idiom in
// pkg/app/core/account/manager.go's CheckLiquidation/Liquidate (scan
// accounts, close at mark, push any deficit to an insurance fund),
// generalized from a single mark price to a per-asset feed price and
// from "close everything" to §4.3's partial max_debt_to_cover formula.
// The 256-bit closed-form + binary-search reconciliation is new logic,
// required by spec §4.3/§9, using github.com/holiman/uint256.
package call

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Order is the CallOrder entity of §3.
type Order struct {
	Borrower         common.Address
	CollateralSymbol string
	CollateralAmount int64
	DebtSymbol       string
	DebtAmount       int64
	TargetCR         int64 // out of chainprops.RatioDenom; 0 means unset (use maintenance)
}

func callKey(borrower common.Address, debtSymbol string) store.Key {
	return store.Key(borrower.Hex() + "|" + debtSymbol)
}

func (o *Order) PrimaryKey() store.Key { return callKey(o.Borrower, o.DebtSymbol) }
func (o *Order) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByDebt: store.Key(o.DebtSymbol)}
}

const IndexByDebt store.Index = "by_debt"

// Book holds every CallOrder, grouped for scanning by debt symbol.
type Book struct {
	ledger *ledger.Ledger
	calls  *store.Collection[*Order]
}

func NewBook(s *store.Store, l *ledger.Ledger) *Book {
	return &Book{ledger: l, calls: store.NewCollection[*Order](s, "callorder:")}
}

// Collateralization returns collateral/debt as a price (§4.3).
func (o *Order) Collateralization() price.Price {
	return price.NewPrice(o.CollateralAmount, o.CollateralSymbol, o.DebtAmount, o.DebtSymbol)
}

// MaintenanceCollateralization derives maintenance_collateralization
// from feed (collateral per debt) × MCR, MCR expressed out of
// RatioDenom.
func MaintenanceCollateralization(feed price.Price, mcr int64) price.Price {
	return price.NewPrice(feed.Base.Value*mcr, feed.Base.Symbol, feed.Quote.Value*chainprops.RatioDenom, feed.Quote.Symbol)
}

// IsUndercollateralized reports collateralization() ≤
// maintenance_collateralization.
func (o *Order) IsUndercollateralized(feed price.Price, mcr int64) (bool, error) {
	maint := MaintenanceCollateralization(feed, mcr)
	c, err := o.Collateralization().Compare(maint)
	if err != nil {
		return false, err
	}
	return c <= 0, nil
}

// OpenOrAdjust creates or updates a call order (§6 `call_order`: zero
// debt means close). Positive debtDelta/collateralDelta borrow/post
// more; negative repay/withdraw.
func (b *Book) OpenOrAdjust(borrower common.Address, collateralSymbol string, collateralDelta int64,
	debtSymbol string, debtDelta int64, targetCR int64) (*Order, error) {
	o := &Order{}
	found, err := b.calls.Get(callKey(borrower, debtSymbol), o)
	if err != nil {
		return nil, err
	}
	if !found {
		o = &Order{Borrower: borrower, CollateralSymbol: collateralSymbol, DebtSymbol: debtSymbol}
	}
	newCollateral := o.CollateralAmount + collateralDelta
	newDebt := o.DebtAmount + debtDelta
	if newCollateral < 0 || newDebt < 0 {
		return nil, fmt.Errorf("call: negative collateral/debt: %w", errs.ErrValidation)
	}
	if collateralDelta > 0 {
		if err := b.ledger.Debit(borrower, collateralSymbol, ledger.Liquid, collateralDelta); err != nil {
			return nil, err
		}
	} else if collateralDelta < 0 {
		if err := b.ledger.Credit(borrower, collateralSymbol, ledger.Liquid, -collateralDelta); err != nil {
			return nil, err
		}
	}
	if debtDelta > 0 {
		if err := b.ledger.Credit(borrower, debtSymbol, ledger.Liquid, debtDelta); err != nil {
			return nil, err
		}
	} else if debtDelta < 0 {
		if err := b.ledger.Debit(borrower, debtSymbol, ledger.Liquid, -debtDelta); err != nil {
			return nil, err
		}
	}
	o.CollateralAmount = newCollateral
	o.DebtAmount = newDebt
	o.TargetCR = targetCR

	if newDebt == 0 {
		if newCollateral > 0 {
			if err := b.ledger.Credit(borrower, collateralSymbol, ledger.Liquid, newCollateral); err != nil {
				return nil, err
			}
		}
		_ = b.calls.Remove(callKey(borrower, debtSymbol), o)
		return o, nil
	}
	return o, b.calls.Upsert(o)
}

func (b *Book) ListByDebt(debtSymbol string) ([]*Order, error) {
	keys, err := b.calls.FindByIndex(IndexByDebt, store.Key(debtSymbol))
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(keys))
	for _, k := range keys {
		o := &Order{}
		found, err := b.calls.Get(k, o)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, o)
		}
	}
	return out, nil
}

func (b *Book) Save(o *Order) error { return b.calls.Upsert(o) }

func (b *Book) Remove(o *Order) error { return b.calls.Remove(callKey(o.Borrower, o.DebtSymbol), o) }

// MatchSource names where a margin-called covering fill is settled
// from, in the precedence order §9 fixes: limit-book → force-
// settlement → liquidity-pool.
type MatchSource int

const (
	SourceLimitBook MatchSource = iota
	SourceForceSettlement
	SourceLiquidityPool
	SourceNone
)

// MaxDebtToCover implements §4.3's closed-form derivation using
// 256-bit intermediates, followed by a binary-search reconciliation
// step to correct for the closed form's floor rounding: the smallest
// integer cover ≥ the closed-form result whose resulting
// collateralization is still ≥ target is the answer the spec requires
// ("smallest cover whose resulting collateralization ≥ target").
//
// feed = Pf (collateral/debt), match = Pm (collateral/debt), targetCR
// is out of chainprops.RatioDenom, collateral C and debt D are the
// call's current amounts.
func MaxDebtToCover(feed, match price.Price, targetCR, debt, collateral int64) (int64, error) {
	if feed.Base.Symbol != match.Base.Symbol || feed.Quote.Symbol != match.Quote.Symbol {
		return 0, fmt.Errorf("call: feed/match price symbol mismatch")
	}
	pfColl := u(feed.Base.Value)
	pfDebt := u(feed.Quote.Value)
	pmColl := u(match.Base.Value)
	pmDebt := u(match.Quote.Value)
	tCR := u(targetCR)
	denom := u(chainprops.RatioDenom)
	d := u(debt)
	c := u(collateral)

	// numerator = Pf.coll*Pm.debt*D*tCR - Pf.debt*Pm.debt*C*DENOM
	term1 := mul4(pfColl, pmDebt, d, tCR)
	term2 := mul4(pfDebt, pmDebt, c, denom)
	var numerator *uint256.Int
	negative := false
	if term1.Cmp(term2) >= 0 {
		numerator = new(uint256.Int).Sub(term1, term2)
	} else {
		numerator = new(uint256.Int).Sub(term2, term1)
		negative = true
	}

	// denominator = Pf.coll*Pm.debt*tCR - Pf.debt*Pm.coll*DENOM
	dterm1 := mul3(pfColl, pmDebt, tCR)
	dterm2 := mul3(pfDebt, pmColl, denom)
	var denominator *uint256.Int
	denNegative := false
	if dterm1.Cmp(dterm2) >= 0 {
		denominator = new(uint256.Int).Sub(dterm1, dterm2)
	} else {
		denominator = new(uint256.Int).Sub(dterm2, dterm1)
		denNegative = true
	}
	if denominator.IsZero() {
		return 0, fmt.Errorf("call: degenerate max_debt_to_cover denominator: %w", errs.ErrConstraintViolation)
	}

	if negative != denNegative {
		// cover would be negative: nothing to cover under this target.
		return 0, nil
	}
	coverU := new(uint256.Int).Div(numerator, denominator)
	cover, overflow := int64FromU256(coverU)
	if overflow {
		cover = debt
	}
	if cover < 0 {
		cover = 0
	}
	if cover > debt {
		cover = debt
	}

	// Binary-search reconciliation: find smallest integer cover in
	// [closed-form result, debt] whose post-cover collateralization ≥
	// target, since the floor division above can under-cover by one
	// unit.
	ok := func(x int64) bool {
		remD := debt - x
		if remD <= 0 {
			return true
		}
		// collateral paid for x debt at match = x*Pm.coll/Pm.debt
		paid, err := match.Reciprocal().Multiply(price.NewAmount(x, match.Quote.Symbol))
		if err != nil {
			return false
		}
		remC := collateral - paid.Value
		if remC < 0 {
			return false
		}
		// collateralization = (remC valued at feed)/remD ≥ target/DENOM
		//   <=>  remC*Pf.debt*DENOM ≥ remD*Pf.coll*target
		left := mul3(u(remC), pfDebt, denom)
		right := mul3(u(remD), pfColl, tCR)
		return left.Cmp(right) >= 0
	}
	lo, hi := cover, debt
	if !ok(hi) {
		return hi, nil // even covering everything can't reach target; caller handles as uncoverable
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		if ok(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func u(v int64) *uint256.Int {
	if v < 0 {
		v = 0
	}
	return uint256.NewInt(uint64(v))
}

func mul2(a, b *uint256.Int) *uint256.Int { return new(uint256.Int).Mul(a, b) }
func mul3(a, b, c *uint256.Int) *uint256.Int {
	return new(uint256.Int).Mul(new(uint256.Int).Mul(a, b), c)
}
func mul4(a, b, c, d *uint256.Int) *uint256.Int {
	return new(uint256.Int).Mul(mul3(a, b, c), d)
}

func int64FromU256(v *uint256.Int) (int64, bool) {
	if !v.IsUint64() {
		return 0, true
	}
	n := v.Uint64()
	if n > uint64(1)<<62 {
		return 0, true
	}
	return int64(n), false
}
