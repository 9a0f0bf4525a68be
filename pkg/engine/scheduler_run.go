package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/book/auction"
	"github.com/finchain/ledgerengine/pkg/book/margin"
	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/credit"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
)

// RunScheduler drains every due event at the start of a block, in the
// fixed order of §4.8, with matured savings withdrawals paid out right
// after expiry (seven steps in all). Every class of entry is discovered by
// scanning the owning book's own due-time-ordered secondary index
// (§6's "iteration order of every index is part of the contract"),
// grounded on the same deterministic-index discipline pkg/store
// already gives every collection, rather than duplicating that
// ordering in a second, parallel structure.
func (e *Engine) RunScheduler(blockTime int64) error {
	if err := e.expireDueEntries(blockTime); err != nil {
		return fmt.Errorf("expiry: %w", err)
	}
	if err := e.completeDueSavingsWithdraws(blockTime); err != nil {
		return fmt.Errorf("savings withdraw: %w", err)
	}
	if err := e.clearDueAuctions(); err != nil {
		return fmt.Errorf("auction clearing: %w", err)
	}
	if err := e.payMaturedSettlements(blockTime); err != nil {
		return fmt.Errorf("force settlement: %w", err)
	}
	if err := e.runDueRecurringTransfers(blockTime); err != nil {
		return fmt.Errorf("recurring transfer: %w", err)
	}
	if err := e.accrueInterest(); err != nil {
		return fmt.Errorf("interest accrual: %w", err)
	}
	if err := e.decayStaleFeeds(blockTime); err != nil {
		return fmt.Errorf("feed decay: %w", err)
	}
	return nil
}

const (
	prefixAuction     = "auction:"
	prefixOption      = "option:"
	prefixCall        = "call:"
	prefixFeed        = "feed:"
	prefixForceSettle = "forcesettle:"
	prefixMarginDebt  = "margindebt:"
)

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }

// expireDueEntries is §4.8 step 1: expired limit/auction/option/
// transfer-request entries.
func (e *Engine) expireDueEntries(blockTime int64) error {
	for key := range e.markets {
		switch {
		case hasPrefix(key, prefixAuction):
			if err := e.Auction.ExpireDue(key[len(prefixAuction):], blockTime); err != nil {
				return err
			}
		case hasPrefix(key, prefixOption):
			if err := e.Option.ExpireDue(key[len(prefixOption):], blockTime); err != nil {
				return err
			}
		case hasPrefix(key, prefixCall), hasPrefix(key, prefixFeed), hasPrefix(key, prefixForceSettle), hasPrefix(key, prefixMarginDebt):
			// not a limit-book market key; skip.
		default:
			if err := e.Limit.ExpireDue(key, blockTime); err != nil {
				return err
			}
		}
	}
	return e.Transfer.ExpireRequests(blockTime)
}

// completeDueSavingsWithdraws pays out every savings_withdraw escrow
// that has matured.
func (e *Engine) completeDueSavingsWithdraws(blockTime int64) error {
	due, err := e.Ledger.ListSavingsWithdrawsDue(blockTime)
	if err != nil {
		return err
	}
	for _, w := range due {
		if err := e.Ledger.CompleteSavingsWithdraw(w); err != nil {
			return err
		}
	}
	return nil
}

// clearDueAuctions is §4.8 step 2: once-per-period clearing, §4.6.
// Periodicity (auction_interval) is enforced by the caller scheduling
// blocks at the right cadence; every registered market is cleared
// whenever the scheduler runs, which is idempotent when a market has
// no crossable orders (Clear then returns a zero volume).
func (e *Engine) clearDueAuctions() error {
	for key := range e.markets {
		if !hasPrefix(key, prefixAuction) {
			continue
		}
		market := key[len(prefixAuction):]
		orders, err := e.Auction.ListByMarket(market)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			continue
		}
		bestBid, bestAsk := e.bestAuctionTiebreak(market)
		results, _, err := auction.Clear(orders, bestBid, bestAsk)
		if err != nil {
			return err
		}
		for _, r := range results {
			o := findAuctionOrder(orders, r.Owner, r.OrderID)
			if o == nil {
				continue
			}
			if err := e.Ledger.Credit(r.Owner, otherSymbol(market, o.SellSymbol), ledger.Liquid, r.Received); err != nil {
				return err
			}
			if err := e.Auction.Remove(o); err != nil {
				return err
			}
		}
	}
	return nil
}

// bestAuctionTiebreak fetches the two best unfilled spot-book limits
// bracketing an auction market, both expressed in the same (first
// symbol per second symbol) orientation, for auction.Clear's §9
// tied-volume tie-break. Either or both are nil when the spot book has
// nothing resting on that side.
func (e *Engine) bestAuctionTiebreak(market string) (*price.Price, *price.Price) {
	symA, symB := splitMarket(market)
	var bestBid, bestAsk *price.Price
	if bid, ok, err := e.Limit.BestPrice(market, symA, symB); err == nil && ok {
		bestBid = &bid
	}
	if ask, ok, err := e.Limit.BestPrice(market, symB, symA); err == nil && ok {
		recip := ask.Reciprocal()
		bestAsk = &recip
	}
	return bestBid, bestAsk
}

func findAuctionOrder(orders []*auction.Order, owner common.Address, orderID string) *auction.Order {
	for _, o := range orders {
		if o.Owner == owner && o.OrderID == orderID {
			return o
		}
	}
	return nil
}

// payMaturedSettlements is §4.8 step 3.
func (e *Engine) payMaturedSettlements(blockTime int64) error {
	for key := range e.markets {
		if !hasPrefix(key, prefixForceSettle) {
			continue
		}
		symbol := key[len(prefixForceSettle):]
		feed, err := e.Oracle.Get(symbol)
		if err != nil || feed.Stale {
			continue
		}
		if err := e.Settlement.PayMatured(symbol, blockTime, feed.SettlementPrice); err != nil {
			return err
		}
	}
	return nil
}

// runDueRecurringTransfers is §4.8 step 4.
func (e *Engine) runDueRecurringTransfers(blockTime int64) error {
	due, err := e.Transfer.ScanRecurringDue(blockTime)
	if err != nil {
		return err
	}
	return e.Transfer.RunDuePayments(blockTime, due)
}

// accrueInterest is §4.8 step 5: hourly interest on CreditLoans and
// MarginOrders, driven off each debt symbol's credit pool utilization
// curve (§4.5), followed by a liquidation sweep over whatever interest
// accrual just pushed underwater.
func (e *Engine) accrueInterest() error {
	pools, err := e.Credit.ListPools()
	if err != nil {
		return err
	}
	for _, pl := range pools {
		rate := credit.InterestRateBps(pl, e.Props)
		loans, err := e.Credit.ListLoansByDebt(pl.Symbol)
		if err != nil {
			return err
		}
		for _, l := range loans {
			l.InterestAccrued += l.DebtAmount * rate / 10_000
			if err := e.Credit.SaveLoan(l); err != nil {
				return err
			}
		}
		if err := e.liquidateCreditLoans(pl.Symbol); err != nil {
			return err
		}
	}

	for key := range e.markets {
		if !hasPrefix(key, prefixMarginDebt) {
			continue
		}
		debtSymbol := key[len(prefixMarginDebt):]
		pl, err := e.Credit.GetPool(debtSymbol)
		if err != nil {
			continue
		}
		rate := credit.InterestRateBps(pl, e.Props)
		orders, err := e.Margin.ListByDebt(debtSymbol)
		if err != nil {
			return err
		}
		for _, o := range orders {
			o.ApplyInterest(rate)
			if err := e.Margin.Save(o); err != nil {
				return err
			}
		}
		if err := e.liquidateMargin(debtSymbol); err != nil {
			return err
		}
	}
	return nil
}

// feedPrice derives a baseSymbol/quoteSymbol exchange ratio by
// combining each symbol's own CORE-denominated oracle settlement
// price, since asset_publish_feed only ever quotes a single symbol
// against CORE and the credit/margin liquidation checks need a
// collateral-per-debt or position-per-debt ratio directly. Returns
// ok=false when either symbol has no fresh feed.
func (e *Engine) feedPrice(baseSymbol, quoteSymbol string) (price.Price, bool) {
	if baseSymbol == quoteSymbol {
		return price.NewPrice(1, baseSymbol, 1, quoteSymbol), true
	}
	baseFeed, err := e.Oracle.Get(baseSymbol)
	if err != nil || baseFeed.Stale {
		return price.Price{}, false
	}
	quoteFeed, err := e.Oracle.Get(quoteSymbol)
	if err != nil || quoteFeed.Stale {
		return price.Price{}, false
	}
	return price.NewPrice(
		baseFeed.SettlementPrice.Base.Value*quoteFeed.SettlementPrice.Quote.Value, baseSymbol,
		quoteFeed.SettlementPrice.Base.Value*baseFeed.SettlementPrice.Quote.Value, quoteSymbol,
	), true
}

// liquidateCreditLoans scans every outstanding loan against
// debtSymbol and liquidates whichever has fallen below
// credit_liquidation_ratio (§4.5).
func (e *Engine) liquidateCreditLoans(debtSymbol string) error {
	loans, err := e.Credit.ListLoansByDebt(debtSymbol)
	if err != nil {
		return err
	}
	for _, l := range loans {
		feed, ok := e.feedPrice(l.CollateralSymbol, l.DebtSymbol)
		if !ok {
			continue
		}
		under, err := l.IsUndercollateralized(feed, e.Props)
		if err != nil || !under {
			continue
		}
		if err := e.Credit.LiquidateLoan(l, feed); err != nil {
			return err
		}
	}
	return nil
}

// liquidateMargin scans every open MarginOrder against debtSymbol,
// flips undercollateralized or triggered orders into Liquidating, and
// unwinds a Liquidating order's remaining position by swapping it
// through the liquidity pool — mirroring the call book cascade's pool
// fallback, since a liquidating order has already left the spot book.
func (e *Engine) liquidateMargin(debtSymbol string) error {
	orders, err := e.Margin.ListByDebt(debtSymbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		feed, ok := e.feedPrice(o.PositionSymbol, o.DebtSymbol)
		if !ok {
			continue
		}
		if o.State != margin.Liquidating {
			// margin values the position with a debt-base feed
			under, err := o.IsUndercollateralized(feed.Reciprocal(), e.Props)
			if err != nil {
				return err
			}
			markPrice := int64(0)
			if feed.Quote.Value != 0 {
				markPrice = feed.Base.Value * chainprops.RatioDenom / feed.Quote.Value
			}
			trigger, _, _ := o.CheckTriggers(markPrice)
			if !under && !trigger {
				continue
			}
			o.BeginLiquidation()
			if err := e.Margin.Save(o); err != nil {
				return err
			}
		}
		if err := e.unwindMarginOrder(o); err != nil {
			return err
		}
	}
	return nil
}

// unwindMarginOrder sells a Liquidating order's remaining position
// through the liquidity pool to recover debt, seizes collateral to
// cover any shortfall, and closes the order once nothing is left to
// sell.
func (e *Engine) unwindMarginOrder(o *margin.Order) error {
	if o.PositionBalance > 0 {
		recovered, err := e.poolSourceFor(o.DebtSymbol, o.PositionSymbol).SwapExactIn(o.PositionSymbol, o.PositionBalance)
		if err != nil {
			return nil // pool has no liquidity yet; retry next block
		}
		o.DebtBalance -= recovered
		if o.DebtBalance < 0 {
			o.DebtBalance = 0
		}
		o.PositionBalance = 0
		if o.DebtBalance > 0 {
			o.Collateral = 0 // collateral absorbs whatever the pool swap couldn't cover
		}
		if err := e.Margin.Save(o); err != nil {
			return err
		}
	}
	if o.Collateral > 0 {
		if err := e.Credit.DepositCollateral(o.Owner, o.CollateralSymbol, o.Collateral); err != nil {
			return err
		}
	}
	return e.Margin.Close(o)
}

// decayStaleFeeds is §4.8 step 6.
func (e *Engine) decayStaleFeeds(blockTime int64) error {
	for key := range e.markets {
		if !hasPrefix(key, prefixFeed) {
			continue
		}
		symbol := key[len(prefixFeed):]
		if err := e.Oracle.EvictStale(symbol, blockTime, e.Props.MaxFeedAgeSeconds, e.Props.MinFeeds); err != nil {
			return err
		}
	}
	return nil
}
