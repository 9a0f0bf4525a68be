// Package engine is the block orchestrator of §4.9: it snapshots chain
// properties, drains the scheduler, then applies each transaction's
// operations inside a nested store snapshot, rolling back the whole
// transaction on any operation's failure.
//
// Grounded on the teacher's MockApp.FinalizeBlock (pkg/abci/bridge.go):
// same per-block apply-then-commit shape, generalized from a
// tx-count-only stub into a real dispatch table over every §6
// operation, each wrapped in pkg/store's nested snapshot instead of
// the teacher's no-op state.
package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/app/core/transaction"
	"github.com/finchain/ledgerengine/pkg/book/auction"
	"github.com/finchain/ledgerengine/pkg/book/call"
	"github.com/finchain/ledgerengine/pkg/book/limit"
	"github.com/finchain/ledgerengine/pkg/book/margin"
	"github.com/finchain/ledgerengine/pkg/book/option"
	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/credit"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/oracle"
	"github.com/finchain/ledgerengine/pkg/pool"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/scheduler"
	"github.com/finchain/ledgerengine/pkg/settlement"
	"github.com/finchain/ledgerengine/pkg/store"
	"github.com/finchain/ledgerengine/pkg/transfer"
)

// Engine wires every book/ledger/oracle into the single transactional
// state store and applies operations against them in the fixed order
// of §4.9.
type Engine struct {
	Store  *store.Store
	Ledger *ledger.Ledger
	Trades *ledger.TradeLog
	Oracle *oracle.Oracle
	Pools  *pool.Pools
	Credit *credit.Credit
	Limit  *limit.Book
	Calls  *call.Book
	Margin *margin.Book
	Auction *auction.Book
	Option *option.Book
	Transfer *transfer.Book
	Settlement *settlement.Book
	Scheduler  *scheduler.Scheduler

	Props chainprops.Properties
	Quota int // per-block matched-object work budget (§5)

	markets map[string]bool // known markets/strikes/symbols, for scheduler sweeps
	verifier *transaction.Verifier
}

// forceSettlementMaturitySeconds is the fixed delay between a
// force_settle request and its payout (§3 ForceSettlement.settlement_date).
const forceSettlementMaturitySeconds = 24 * 60 * 60

// savingsWithdrawMaturitySeconds is the fixed delay between a
// savings_withdraw request and its payout, grounded on
// savings_withdraw_object's three-day completion window.
const savingsWithdrawMaturitySeconds = 3 * 24 * 60 * 60

func New(s *store.Store, chainID string, quota int) *Engine {
	l := ledger.New(s)
	trades := ledger.NewTradeLog(s)
	return &Engine{
		Store:      s,
		Ledger:     l,
		Trades:     trades,
		Oracle:     oracle.New(s),
		Pools:      pool.New(s),
		Credit:     credit.New(s),
		Limit:      limit.NewBook(s, l, trades),
		Calls:      call.NewBook(s, l),
		Margin:     margin.NewBook(s, l),
		Auction:    auction.NewBook(s, l),
		Option:     option.NewBook(s, l),
		Transfer:   transfer.NewBook(s, l),
		Settlement: settlement.NewBook(s, l),
		Scheduler:  scheduler.New(),
		Quota:      quota,
		markets:    make(map[string]bool),
		verifier:   transaction.NewVerifier(chainID),
	}
}

// SnapshotProperties sets the block's chain-property snapshot as the
// median across active producers' submissions (§4.9 step 1).
func (e *Engine) SnapshotProperties(all []chainprops.Properties) {
	e.Props = chainprops.Median(all)
}

// Block is a block's worth of transactions, each a list of operations
// sharing one expiration/authority envelope (§6).
type Block struct {
	Height    int64
	BlockTime int64
	Txs       [][]*transaction.SignedTransaction
}

// TxFailure records one rolled-back transaction for the block trace (§7).
type TxFailure struct {
	Index int
	Err   error
}

// BlockResult is the trace emitted at block end (§4.9 step 5).
type BlockResult struct {
	Failures []TxFailure
	Matched  int
}

// ApplyBlock runs the scheduler then every transaction of the block in
// order, each inside its own nested snapshot (§4.9).
func (e *Engine) ApplyBlock(b Block) (*BlockResult, error) {
	if err := e.RunScheduler(b.BlockTime); err != nil {
		return nil, fmt.Errorf("engine: scheduler: %w", err)
	}
	result := &BlockResult{}
	for i, tx := range b.Txs {
		if err := e.Store.BeginSnapshot(); err != nil {
			return nil, err
		}
		if err := e.applyTransaction(tx, b.BlockTime); err != nil {
			e.Store.Rollback()
			result.Failures = append(result.Failures, TxFailure{Index: i, Err: err})
			continue
		}
		if err := e.Store.Commit(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) applyTransaction(ops []*transaction.SignedTransaction, blockTime int64) error {
	for _, op := range ops {
		owner, err := e.verifier.RecoverSigner(op)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrAuthorityMissing, err)
		}
		if err := e.Dispatch(op, owner, blockTime); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch applies one signed operation, §6's full operation set.
func (e *Engine) Dispatch(tx *transaction.SignedTransaction, owner common.Address, blockTime int64) error {
	switch tx.Type {
	case transaction.OpTransfer:
		var p transaction.TransferPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Transfer.Transfer(owner, common.HexToAddress(p.To), p.Symbol, p.Amount)

	case transaction.OpTransferRequest:
		var p transaction.TransferPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Transfer.RequestTransfer(&transfer.Request{
			From: owner, To: common.HexToAddress(p.To), RequestID: p.RequestID,
			Symbol: p.Symbol, Amount: p.Amount, Memo: p.Memo, Expiration: p.Expiration,
		}, blockTime)

	case transaction.OpTransferAccept:
		var p transaction.TransferPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Transfer.AcceptTransfer(common.HexToAddress(p.From), p.RequestID)

	case transaction.OpTransferRecurring:
		var p transaction.RecurringTransferPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Transfer.ScheduleRecurring(&transfer.Recurring{
			From: owner, To: common.HexToAddress(p.To), RecurringID: p.RecurringID,
			Symbol: p.Symbol, Amount: p.Amount, IntervalSeconds: p.IntervalSeconds,
			NextTransfer: p.NextTransfer, End: p.End, PaymentsRemaining: p.PaymentsRemaining,
			FillOrKill: p.FillOrKill, Extensible: p.Extensible,
		})

	case transaction.OpTransferRecurringRequest:
		var p transaction.RecurringTransferRequestPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Transfer.RequestRecurring(&transfer.RecurringRequest{
			From: owner, To: common.HexToAddress(p.To), RequestID: p.RequestID,
			Symbol: p.Symbol, Amount: p.Amount, IntervalSeconds: p.IntervalSeconds,
			StartTime: p.StartTime, End: p.End, PaymentsRemaining: p.PaymentsRemaining,
			FillOrKill: p.FillOrKill, Extensible: p.Extensible,
		})

	case transaction.OpTransferRecurringAccept:
		var p transaction.RecurringTransferAcceptPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Transfer.AcceptRecurring(common.HexToAddress(p.From), p.RequestID)

	case transaction.OpSavingsWithdraw:
		var p transaction.SavingsWithdrawPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Ledger.RequestSavingsWithdraw(&ledger.SavingsWithdraw{
			From: owner, To: common.HexToAddress(p.To), RequestID: p.RequestID, Symbol: p.Symbol,
			Amount: p.Amount, Memo: p.Memo, Complete: blockTime + savingsWithdrawMaturitySeconds,
		})

	case transaction.OpCreditLoanOpen:
		var p transaction.CreditLoanPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		feed := price.NewPrice(p.FeedCollateralAmount, p.CollateralSymbol, p.FeedDebtAmount, p.DebtSymbol)
		if _, err := e.Credit.OpenLoan(owner, p.LoanID, p.DebtSymbol, p.DebtAmount,
			p.CollateralSymbol, p.CollateralAmount, feed, e.Props); err != nil {
			return err
		}
		return e.Ledger.Credit(owner, p.DebtSymbol, ledger.Liquid, p.DebtAmount)

	case transaction.OpCreditLoanRepay:
		var p transaction.CreditLoanRepayPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		loan, err := e.Credit.GetLoan(owner, p.LoanID)
		if err != nil {
			return err
		}
		if err := e.Ledger.Debit(owner, loan.DebtSymbol, ledger.Liquid, p.Amount); err != nil {
			return err
		}
		return e.Credit.Repay(loan, p.Amount)

	case transaction.OpLimitOrder:
		var p transaction.LimitOrderPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		o := &limit.Order{
			Seller: owner, OrderID: p.OrderID, ForSale: p.AmountToSell,
			Price: price.NewPrice(p.PriceBaseAmount, p.PriceBaseSymbol, p.PriceQuoteAmount, p.PriceQuoteSymbol),
			Expiration: p.Expiration, Interface: p.Interface, FillOrKill: p.FillOrKill, Opened: p.Opened,
		}
		e.registerMarket(limit.Market(p.PriceBaseSymbol, p.PriceQuoteSymbol))
		_, err := e.Limit.PlaceLimit(o, blockTime, e.Props, e.callBookHook(blockTime))
		return err

	case transaction.OpCancelLimit:
		var p transaction.LimitOrderPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Limit.CancelLimit(owner, p.OrderID)

	case transaction.OpMarginOrder:
		return e.dispatchMarginOrder(owner, tx, blockTime)

	case transaction.OpAuctionOrder:
		var p transaction.AuctionOrderPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		market := auction.Market(p.SellSymbol, p.LimitCloseQuoteSymbol)
		e.registerMarket("auction:" + market)
		return e.Auction.Place(&auction.Order{
			Owner: owner, OrderID: p.OrderID, Market: market, SellSymbol: p.SellSymbol,
			AmountToSell: p.AmountToSell,
			MinExchangeRate: price.NewPrice(p.LimitCloseBaseAmount, p.SellSymbol, p.LimitCloseQuoteAmount, p.LimitCloseQuoteSymbol),
			Expiration: p.Expiration,
		}, blockTime)

	case transaction.OpCallOrder:
		var p transaction.CallOrderPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		e.registerMarket("call:" + p.DebtSymbol)
		existing, _ := e.Calls.ListByDebt(p.DebtSymbol)
		var prevCollateral, prevDebt int64
		for _, o := range existing {
			if o.Borrower == owner {
				prevCollateral, prevDebt = o.CollateralAmount, o.DebtAmount
			}
		}
		_, err := e.Calls.OpenOrAdjust(owner, p.CollateralSymbol, p.Collateral-prevCollateral,
			p.DebtSymbol, p.Debt-prevDebt, p.TargetCollateralRatio)
		return err

	case transaction.OpOptionOrder:
		var p transaction.OptionOrderPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		strike := option.Strike{
			UnderlyingSymbol: p.UnderlyingSymbol, StrikeSymbol: p.StrikeSymbol,
			StrikePrice: price.NewPrice(p.StrikeBaseAmount, p.UnderlyingSymbol, p.StrikeQuoteAmount, p.StrikeSymbol),
			Expiration: p.Expiration,
		}
		e.registerMarket("option:" + strike.Symbol())
		if p.OptionsIssued == 0 {
			existing, err := e.Option.Get(owner, p.OrderID)
			if err != nil {
				return err
			}
			return e.Option.Close(owner, p.OrderID, existing.OptionPosition)
		}
		_, err := e.Option.Issue(owner, p.OrderID, strike, p.OptionsIssued)
		return err

	case transaction.OpCollateralBid:
		var p transaction.CollateralBidPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		asset, err := e.Ledger.GetAsset(p.DebtSymbol)
		if err != nil {
			return err
		}
		if !asset.GloballySettled {
			return fmt.Errorf("engine: %s is not globally settled: %w", p.DebtSymbol, errs.ErrValidation)
		}
		bid := &settlement.Bid{
			Bidder: owner, CollateralSymbol: p.CollateralSymbol, Collateral: p.Collateral,
			DebtSymbol: p.DebtSymbol, Debt: p.Debt,
		}
		if err := e.Settlement.PlaceBid(bid); err != nil {
			return err
		}
		return e.tryReopenBid(bid, asset)

	case transaction.OpForceSettle:
		var p transaction.ForceSettlePayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		e.registerMarket("forcesettle:" + p.Symbol)
		return e.Settlement.ForceSettle(owner, p.Symbol, p.Amount, blockTime, forceSettlementMaturitySeconds)

	case transaction.OpCreditPoolLend:
		var p transaction.CreditPoolPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		if err := e.Ledger.Debit(owner, p.Symbol, ledger.Liquid, p.Amount); err != nil {
			return err
		}
		return e.Credit.Lend(p.Symbol, p.Amount)

	case transaction.OpCreditPoolWithdraw:
		var p transaction.CreditPoolPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		if err := e.Credit.Withdraw(p.Symbol, p.Amount); err != nil {
			return err
		}
		return e.Ledger.Credit(owner, p.Symbol, ledger.Liquid, p.Amount)

	case transaction.OpCreditPoolCollateral:
		var p transaction.CreditPoolPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		if err := e.Ledger.Debit(owner, p.Symbol, ledger.Liquid, p.Amount); err != nil {
			return err
		}
		return e.Credit.DepositCollateral(owner, p.Symbol, p.Amount)

	case transaction.OpAssetPublishFeed:
		var p transaction.PublishFeedPayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		e.registerMarket("feed:" + p.Symbol)
		q := oracle.Quote{
			SettlementPrice:  price.NewPrice(p.SettlementBaseAmount, p.Symbol, p.SettlementQuoteAmount, "CORE"),
			MaintenanceCR:    p.MaintenanceCRBps,
			MaxShortSqueezeRatio: p.MaxShortSqueezeBps,
			CoreExchangeRate: price.NewPrice(p.CoreExchangeRateBase, p.Symbol, p.CoreExchangeRateQuote, "CORE"),
			PublishedAt:      blockTime,
		}
		return e.Oracle.Publish(p.Symbol, p.Publisher, q, blockTime, int(e.Props.MaximumAssetFeedPublishers))

	case transaction.OpAssetOptionExercise:
		var p transaction.OptionExercisePayload
		if err := tx.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
		return e.Option.Exercise(owner, p.StrikeSymbol, p.Amount)

	default:
		return fmt.Errorf("engine: unknown operation %q: %w", tx.Type, errs.ErrValidation)
	}
}

func (e *Engine) dispatchMarginOrder(owner common.Address, tx *transaction.SignedTransaction, blockTime int64) error {
	var p transaction.MarginOrderPayload
	if err := tx.DecodePayload(&p); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if err := e.Credit.WithdrawCollateral(owner, p.CollateralSymbol, p.Collateral); err != nil {
		return err
	}
	o := &margin.Order{
		Owner: owner, OrderID: p.OrderID, CollateralSymbol: p.CollateralSymbol, Collateral: p.Collateral,
		DebtSymbol: p.DebtSymbol, Debt: p.AmountToBorrow, PositionSymbol: p.PositionSymbol,
		SellPrice: price.NewPrice(p.PriceDebtAmount, p.DebtSymbol, p.PricePosAmount, p.PositionSymbol),
		StopLoss: p.StopLoss, TakeProfit: p.TakeProfit, LimitStop: p.LimitStop, LimitTake: p.LimitTake,
	}
	if err := e.Margin.Open(o); err != nil {
		return err
	}
	if err := e.Ledger.Credit(owner, p.DebtSymbol, ledger.Liquid, p.AmountToBorrow); err != nil {
		return err
	}
	e.registerMarket(limit.Market(p.DebtSymbol, p.PositionSymbol))
	e.registerMarket("margindebt:" + p.DebtSymbol)
	lo := &limit.Order{
		Seller: owner, OrderID: "margin:" + p.OrderID, ForSale: p.AmountToBorrow, Price: o.SellPrice,
		Expiration: p.Expiration, Interface: p.Interface, FillOrKill: p.FillOrKill, Opened: p.Opened,
	}
	_, err := e.Limit.PlaceLimit(lo, blockTime, e.Props, e.callBookHook(blockTime))
	return err
}

// callBookHook runs §4.3's margin-call cascade for a traded market
// after every limit-book insertion, as required by §4.2's closing
// line ("After any limit-book insertion, run call_book_margin_check").
func (e *Engine) callBookHook(blockTime int64) limit.CallBookHook {
	return func(market string) error {
		a, b := splitMarket(market)
		for _, debtSymbol := range []string{a, b} {
			feed, err := e.Oracle.Get(debtSymbol)
			if err != nil || feed.Stale {
				continue
			}
			poolSrc := e.poolSourceFor(debtSymbol, otherSymbol(market, debtSymbol))
			gs, matched, err := e.Calls.Cascade(debtSymbol, feed.SettlementPrice, feed.MaintenanceCR, feed.MaxShortSqueezeRatio,
				e.Props, e.Limit, e.Settlement, poolSrc, e.Quota)
			if err != nil && matched >= e.Quota {
				return fmt.Errorf("engine: %w", errs.ErrBlockQuotaExhausted)
			}
			if gs != nil {
				if err := e.markGloballySettled(gs); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// markGloballySettled flags an Asset as black-swan settled, recording
// the settlement price collateral bids will be resolved against (§4.3
// step 3).
func (e *Engine) markGloballySettled(s *call.GlobalSettlement) error {
	asset, err := e.Ledger.GetAsset(s.DebtSymbol)
	if err != nil {
		return err
	}
	asset.GloballySettled = true
	asset.SettlementPrice = s.SettlementPrice.Base.Value
	return e.Ledger.SaveAsset(asset)
}

// tryReopenBid resolves a CollateralBid immediately once its own
// escrowed collateral, valued at the asset's settlement price, fully
// backs the debt it requests (§4.3 step 3: "collateral bids can then
// re-open positions"); otherwise it rests until a future bid or feed
// update covers it, or the owner withdraws via RefundBid.
func (e *Engine) tryReopenBid(bid *settlement.Bid, asset *ledger.Asset) error {
	if asset.SettlementPrice <= 0 {
		return nil
	}
	settlementPrice := price.NewPrice(asset.SettlementPrice, bid.CollateralSymbol, 1, bid.DebtSymbol)
	valueInDebt, err := settlementPrice.Multiply(price.NewAmount(bid.Collateral, bid.CollateralSymbol))
	if err != nil {
		return err
	}
	if valueInDebt.Value < bid.Debt {
		return nil
	}
	return e.Settlement.ResolveBid(bid)
}

func (e *Engine) poolSourceFor(debtSymbol, collateralSymbol string) *poolAdapter {
	return &poolAdapter{pools: e.Pools, ledger: e.Ledger, debtSymbol: debtSymbol, collateralSymbol: collateralSymbol}
}

// poolAdapter implements call.PoolSource by routing a collateral→debt
// swap through the liquidity pool. It only updates the pool's own
// reserves: no ledger balance is debited or credited, since the call
// itself has no liquid balance (its collateral lives in the CallOrder
// struct, which §3 models as owned by the book, not an account).
type poolAdapter struct {
	pools                       *pool.Pools
	ledger                      *ledger.Ledger
	debtSymbol, collateralSymbol string
}

func (a *poolAdapter) SwapExactIn(symbolIn string, amountIn int64) (int64, error) {
	pl, err := a.pools.EnsurePool(a.debtSymbol, a.collateralSymbol, 30)
	if err != nil {
		return 0, err
	}
	out, err := pl.SwapExactIn(symbolIn, amountIn)
	if err != nil {
		return 0, err
	}
	return out, a.pools.Save(pl)
}

func splitMarket(market string) (string, string) {
	for i := 0; i < len(market); i++ {
		if market[i] == '/' {
			return market[:i], market[i+1:]
		}
	}
	return market, ""
}

func otherSymbol(market, one string) string {
	a, b := splitMarket(market)
	if a == one {
		return b
	}
	return a
}

func (e *Engine) registerMarket(key string) { e.markets[key] = true }

// Markets returns every bare (non-prefixed) limit-book market key
// registered so far, for the API layer's market listing and broadcast
// hooks.
func (e *Engine) Markets() []string {
	out := make([]string, 0, len(e.markets))
	for key := range e.markets {
		if hasPrefix(key, prefixAuction) || hasPrefix(key, prefixOption) || hasPrefix(key, prefixCall) ||
			hasPrefix(key, prefixFeed) || hasPrefix(key, prefixForceSettle) || hasPrefix(key, prefixMarginDebt) {
			continue
		}
		out = append(out, key)
	}
	return out
}
