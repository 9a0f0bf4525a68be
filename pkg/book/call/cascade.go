package call

import (
	"fmt"

	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/price"
)

// LimitSource is the subset of the limit-order book the cascade needs:
// the best opposing price, and a way to consume it at a caller-supplied
// match price (§4.3 step 2: match_price is fixed once per call before
// settlement, not re-derived per resting order).
type LimitSource interface {
	BestPrice(market, baseSymbol, quoteSymbol string) (price.Price, bool, error)
	FillAgainstBest(debtSymbol, collateralSymbol string, debtWanted int64, matchPrice price.Price) (filledDebt int64, err error)
}

// ForceSettlementSource is the auxiliary auction-of-last-resort source
// named in §4.3 step 2: matching force-settlements at feed×(1-offset).
type ForceSettlementSource interface {
	MatchPending(debtSymbol string, atPrice price.Price, maxAmount int64) (filled int64, err error)
}

// PoolSource is the liquidity-pool auxiliary source.
type PoolSource interface {
	SwapExactIn(symbolIn string, amountIn int64) (amountOut int64, err error)
}

// GlobalSettlement is the Asset.GloballySettled bookkeeping result of
// §4.3 step 3: every holder of the debt asset is entitled to a
// pro-rata share of the pooled call collateral at the settlement
// price.
type GlobalSettlement struct {
	DebtSymbol      string
	SettlementPrice price.Price
	PooledCollateral int64
}

// Cascade runs §4.3's margin-call scan for one debt symbol: gather
// calls in ascending collateralization, cover each undercollateralized
// one via max_debt_to_cover against limit-book → force-settlement →
// pool (in that order, per the §9 precedence decision), and flag
// global settlement if a call cannot be fully covered with no
// counterparty left.
func (b *Book) Cascade(debtSymbol string, feed price.Price, mcr, mssr int64,
	props chainprops.Properties, limitSrc LimitSource, fsSrc ForceSettlementSource, pool PoolSource,
	quota int) (*GlobalSettlement, int, error) {
	calls, err := b.ListByDebt(debtSymbol)
	if err != nil {
		return nil, 0, err
	}
	sortAscendingCR(calls)

	matched := 0
	for _, o := range calls {
		if matched >= quota {
			return nil, matched, fmt.Errorf("call: %w", errs.ErrBlockQuotaExhausted)
		}
		under, err := o.IsUndercollateralized(feed, mcr)
		if err != nil {
			return nil, matched, err
		}
		if !under {
			continue
		}

		target := o.TargetCR
		if target == 0 {
			target = mcr
		}
		marginCallPrice := price.NewPrice(feed.Base.Value*mssr, feed.Base.Symbol, feed.Quote.Value*mcr, feed.Quote.Symbol)

		cover, err := MaxDebtToCover(feed, marginCallPrice, target, o.DebtAmount, o.CollateralAmount)
		if err != nil {
			return nil, matched, err
		}
		if cover <= 0 {
			continue
		}

		matchPrice := marginCallPrice
		if limitSrc != nil {
			if bp, ok, err := limitSrc.BestPrice(priceMarket(feed), o.CollateralSymbol, o.DebtSymbol); err == nil && ok {
				if c, _ := bp.Compare(marginCallPrice); c > 0 {
					matchPrice = bp
				}
			}
		}

		remaining := cover
		filled := int64(0)

		if limitSrc != nil && remaining > 0 {
			f, err := limitSrc.FillAgainstBest(o.DebtSymbol, o.CollateralSymbol, remaining, matchPrice)
			if err == nil {
				filled += f
				remaining -= f
			}
		}
		if fsSrc != nil && remaining > 0 {
			offsetPrice := price.NewPrice(
				feed.Base.Value*(chainprops.BpsDenom-props.ForceSettlementOffsetBps), feed.Base.Symbol,
				feed.Quote.Value*chainprops.BpsDenom, feed.Quote.Symbol)
			f, err := fsSrc.MatchPending(debtSymbol, offsetPrice, remaining)
			if err == nil {
				filled += f
				remaining -= f
			}
		}
		if pool != nil && remaining > 0 {
			paidAmt, err := matchPrice.Multiply(price.NewAmount(remaining, o.CollateralSymbol))
			if err == nil {
				if out, err := pool.SwapExactIn(o.CollateralSymbol, paidAmt.Value); err == nil {
					filled += out
					remaining = 0
				}
			}
		}

		if filled <= 0 {
			// nothing could absorb the cover: check if it's a genuine
			// black-swan (collateral can't even cover debt at feed).
			valueAtFeed, _ := feed.Multiply(price.NewAmount(o.CollateralAmount, o.CollateralSymbol))
			if valueAtFeed.Value < o.DebtAmount {
				return &GlobalSettlement{DebtSymbol: debtSymbol, SettlementPrice: feed, PooledCollateral: o.CollateralAmount}, matched, nil
			}
			continue
		}

		paid, err := matchPrice.Multiply(price.NewAmount(filled, o.CollateralSymbol))
		if err != nil {
			return nil, matched, err
		}
		o.DebtAmount -= filled
		o.CollateralAmount -= paid.Value
		if o.DebtAmount <= 0 {
			if err := b.Remove(o); err != nil {
				return nil, matched, err
			}
		} else if err := b.Save(o); err != nil {
			return nil, matched, err
		}
		matched++
	}
	return nil, matched, nil
}

func priceMarket(feed price.Price) string {
	a, b := feed.Base.Symbol, feed.Quote.Symbol
	if a < b {
		return a + "/" + b
	}
	return b + "/" + a
}

func sortAscendingCR(calls []*Order) {
	for i := 1; i < len(calls); i++ {
		for j := i; j > 0; j-- {
			ci, _ := calls[j-1].Collateralization().Compare(calls[j].Collateralization())
			if ci <= 0 {
				break
			}
			calls[j-1], calls[j] = calls[j], calls[j-1]
		}
	}
}
