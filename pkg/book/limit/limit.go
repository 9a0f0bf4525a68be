// Package limit is the limit-order book of §2/§4.2: the core matching
// primitive, keyed on (sell_price DESC, id ASC) per market, with a
// deterministic match loop splitting trading fees maker/taker/network/
// interface.
//
// Grounded on the teacher's orderbook.go continuous-match loop and
// heap.go best-price cache (see heap.go in this package), generalized
// from a single perp market's buy/sell crossing to §4.2's
// fill-or-kill/partial-fill/expiration-aware maker/taker fee split.
package limit

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Order is the LimitOrder entity of §3: seller offering for_sale units
// of Price.Base for Price.Quote, at Price (base per quote... actually
// base.Symbol is the asset being sold, quote.Symbol what it is sold
// for).
type Order struct {
	Seller      common.Address
	OrderID     string // unique per seller
	ForSale     int64  // remaining amount in base symbol
	Price       price.Price
	Expiration  int64
	Interface   string // fee-attribution tag
	FillOrKill  bool
	Opened      bool // if false and residual remains after match, refund instead of resting
}

func orderKey(seller common.Address, orderID string) store.Key {
	return store.Key(seller.Hex() + "|" + orderID)
}

func (o *Order) PrimaryKey() store.Key { return orderKey(o.Seller, o.OrderID) }
func (o *Order) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexByMarket: store.Key(Market(o.Price.Base.Symbol, o.Price.Quote.Symbol) + "|" + string(encodePriceDesc(o.Price))),
	}
}

const IndexByMarket store.Index = "by_market"

// Market returns the canonical sorted symbol pair, §4.2's "market M".
func Market(a, b string) string {
	if a < b {
		return a + "/" + b
	}
	return b + "/" + a
}

// encodePriceDesc produces an 8-byte big-endian cache key such that
// ascending byte order corresponds to descending price order (best
// seller price first). It is a scaled-ratio approximation used purely
// to order the secondary index cheaply; every actual crossing decision
// in the match loop re-verifies with price.Compare's exact
// cross-multiplication, so no correctness depends on this encoding's
// precision.
func encodePriceDesc(p price.Price) []byte {
	scaled := scaleRatio(p.Base.Value, p.Quote.Value)
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ^scaled)
	return buf
}

func scaleRatio(num, den int64) uint64 {
	if den <= 0 {
		return 0
	}
	n := new(uint256.Int).Mul(uint256.NewInt(uint64(num)), uint256.NewInt(1_000_000_000_000))
	d := uint256.NewInt(uint64(den))
	q := new(uint256.Int).Div(n, d)
	if !q.IsUint64() {
		return ^uint64(0)
	}
	return q.Uint64()
}

// Book is one market's order collection plus a best-price heap cache
// per (market, base symbol) sell queue.
type Book struct {
	ledger *ledger.Ledger
	orders *store.Collection[*Order]
	trades *ledger.TradeLog
	caches map[string]*priceHeap
}

func NewBook(s *store.Store, l *ledger.Ledger, trades *ledger.TradeLog) *Book {
	return &Book{
		ledger: l,
		orders: store.NewCollection[*Order](s, "limitorder:"),
		trades: trades,
		caches: make(map[string]*priceHeap),
	}
}

func cacheKey(market, baseSymbol string) string { return market + "|" + baseSymbol }

// ensureCache lazily builds the priceHeap for (market, baseSymbol) from
// the persisted index the first time it's needed (e.g. right after
// process restart, when the in-memory cache starts empty).
func (b *Book) ensureCache(market, baseSymbol string) (*priceHeap, error) {
	ck := cacheKey(market, baseSymbol)
	if h, ok := b.caches[ck]; ok {
		return h, nil
	}
	h := newPriceHeap()
	low := store.Key(market + "|")
	high := store.Key(market + "|\xff\xff\xff\xff\xff\xff\xff\xff\xff")
	keys, err := b.orders.RangeByIndex(IndexByMarket, low, high)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		o := &Order{}
		found, err := b.orders.Get(k, o)
		if err != nil {
			return nil, err
		}
		if found && o.Price.Base.Symbol == baseSymbol {
			h.Insert(k, o.OrderID, o.Price)
		}
	}
	b.caches[ck] = h
	return h, nil
}

// Result is the disposition of a place_limit call, §4.2's contract.
type Result string

const (
	Placed       Result = "Placed"
	FilledPartial Result = "FilledPartial"
	FilledFull    Result = "FilledFull"
	Killed        Result = "Killed"
)

// CallBookHook is invoked after any limit-book insertion for every
// debt-asset traded in the market (§4.2: "run call_book_margin_check
// for every debt-asset traded in M").
type CallBookHook func(market string) error

// PlaceLimit implements §4.2's match algorithm.
func (b *Book) PlaceLimit(o *Order, blockTime int64, props chainprops.Properties, hook CallBookHook) (Result, error) {
	if o.ForSale <= 0 {
		return "", fmt.Errorf("limit: for_sale must be positive: %w", errs.ErrValidation)
	}
	if !o.Price.Valid() {
		return "", fmt.Errorf("limit: invalid sell_price: %w", errs.ErrValidation)
	}
	if o.Expiration <= blockTime {
		return "", fmt.Errorf("limit: expiration must be in the future: %w", errs.ErrValidation)
	}
	if exists, err := b.exists(o.Seller, o.OrderID); err != nil {
		return "", err
	} else if exists {
		return "", fmt.Errorf("limit: order %s/%s: %w", o.Seller.Hex(), o.OrderID, errs.ErrDuplicateID)
	}

	// Step 1: deduct for_sale from seller's liquid balance.
	if err := b.ledger.Debit(o.Seller, o.Price.Base.Symbol, ledger.Liquid, o.ForSale); err != nil {
		return "", err
	}

	market := Market(o.Price.Base.Symbol, o.Price.Quote.Symbol)
	originalForSale := o.ForSale

	if err := b.matchLoop(o, market, blockTime, props); err != nil {
		// refund the undeducted portion on any hard failure
		_ = b.ledger.Credit(o.Seller, o.Price.Base.Symbol, ledger.Liquid, o.ForSale)
		return "", err
	}

	filled := originalForSale - o.ForSale

	if o.FillOrKill && o.ForSale > 0 {
		// revert: refund residual liquid, undo nothing already matched
		// (fills already settled counterparties are final per operation;
		// fill_or_kill only governs whether the *remainder* is accepted).
		_ = b.ledger.Credit(o.Seller, o.Price.Base.Symbol, ledger.Liquid, o.ForSale)
		return "", fmt.Errorf("limit: residual %d after fill_or_kill: %w", o.ForSale, errs.ErrFillOrKillUnfilled)
	}

	if o.ForSale > 0 {
		if o.Opened {
			if err := b.orders.Create(o); err != nil {
				return "", fmt.Errorf("limit: order %s/%s: %w", o.Seller.Hex(), o.OrderID, errs.ErrDuplicateID)
			}
			h, err := b.ensureCache(market, o.Price.Base.Symbol)
			if err != nil {
				return "", err
			}
			h.Insert(o.PrimaryKey(), o.OrderID, o.Price)
		} else {
			_ = b.ledger.Credit(o.Seller, o.Price.Base.Symbol, ledger.Liquid, o.ForSale)
			o.ForSale = 0
		}
	}

	if hook != nil {
		if err := hook(market); err != nil {
			return "", err
		}
	}

	switch {
	case o.ForSale == 0 && filled == originalForSale:
		return FilledFull, nil
	case filled > 0:
		return FilledPartial, nil
	default:
		return Placed, nil
	}
}

func (b *Book) exists(seller common.Address, orderID string) (bool, error) {
	tmp := &Order{}
	return b.orders.Get(orderKey(seller, orderID), tmp)
}

// matchLoop repeatedly crosses o against the opposite side of market M
// (orders whose price ≥ reciprocal of o's price), best price then
// lowest id, until no cross remains, o is exhausted, or the block match
// quota is spent.
func (b *Book) matchLoop(o *Order, market string, blockTime int64, props chainprops.Properties) error {
	matched := 0
	for o.ForSale > 0 {
		if matched >= props.BlockMatchQuota {
			return fmt.Errorf("limit: %w", errs.ErrBlockQuotaExhausted)
		}
		maker, err := b.bestCandidate(market, o)
		if err != nil {
			return err
		}
		if maker == nil {
			break
		}
		if crossed, err := crosses(o.Price, maker.Price); err != nil || !crossed {
			if err != nil {
				return err
			}
			break
		}

		matchPrice := maker.Price // maker's price always wins

		// pays = min(taker.for_sale (taker's base), maker's for_sale
		// converted to taker's base at match_price).
		makerForSaleInTakerBase, err := matchPrice.Multiply(price.NewAmount(maker.ForSale, matchPrice.Base.Symbol))
		if err != nil {
			return err
		}
		pays := o.ForSale
		if makerForSaleInTakerBase.Value < pays {
			pays = makerForSaleInTakerBase.Value
		}
		if pays <= 0 {
			break
		}

		// makerGives: the maker's base the taker receives for pays.
		makerGives, err := matchPrice.Reciprocal().Multiply(price.NewAmount(pays, matchPrice.Quote.Symbol))
		if err != nil {
			return err
		}

		if err := b.settleFill(o, maker, makerGives.Value, pays, props); err != nil {
			return err
		}

		o.ForSale -= pays
		maker.ForSale -= makerGives.Value

		if maker.ForSale < 1 {
			if err := b.orders.Remove(orderKey(maker.Seller, maker.OrderID), maker); err != nil {
				return err
			}
			if h, ok := b.caches[cacheKey(market, maker.Price.Base.Symbol)]; ok {
				h.Remove(maker.PrimaryKey())
			}
		} else if err := b.orders.Upsert(maker); err != nil {
			return err
		}
		matched++
	}
	return nil
}

// crosses reports whether taker's price crosses maker's (maker's price
// ≥ reciprocal of taker's price, i.e. taker is willing to pay at least
// what maker asks).
func crosses(taker, maker price.Price) (bool, error) {
	c, err := maker.Compare(taker.Reciprocal())
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}

// bestCandidate returns the lowest-priced live opposing order (maker
// sells taker's desired asset, i.e. maker.Price.Base ==
// taker.Price.Quote) via the O(log n) heap cache for (market,
// taker.Price.Quote.Symbol).
func (b *Book) bestCandidate(market string, taker *Order) (*Order, error) {
	h, err := b.ensureCache(market, taker.Price.Quote.Symbol)
	if err != nil {
		return nil, err
	}
	k, _, ok := h.Peek()
	if !ok {
		return nil, nil
	}
	cand := &Order{}
	found, err := b.orders.Get(k, cand)
	if err != nil {
		return nil, err
	}
	if !found {
		// stale heap entry (shouldn't happen given Remove on every
		// removal path, but fail safe by dropping and retrying once).
		h.Remove(k)
		return b.bestCandidate(market, taker)
	}
	return cand, nil
}

// settleFill credits both sides net of the maker/taker/network/
// interface fee split (§4.2 step 3) and records the trade.
func (b *Book) settleFill(taker, maker *Order, baseAmount, quoteAmount int64, props chainprops.Properties) error {
	takerFee := quoteAmount * props.TakerFeeBps / chainprops.BpsDenom
	makerRebate := quoteAmount * (-props.MakerFeeBps) / chainprops.BpsDenom
	networkFee := quoteAmount * props.NetworkFeeBps / chainprops.BpsDenom
	interfaceFee := quoteAmount * props.InterfaceFeeBps / chainprops.BpsDenom

	// taker receives maker's base asset
	if err := b.ledger.Credit(taker.Seller, maker.Price.Base.Symbol, ledger.Liquid, baseAmount); err != nil {
		return err
	}
	// maker receives quote asset net of fees, plus its rebate
	makerProceeds := quoteAmount - takerFee - networkFee - interfaceFee + makerRebate
	if makerProceeds < 0 {
		makerProceeds = 0
	}
	if err := b.ledger.Credit(maker.Seller, maker.Price.Quote.Symbol, ledger.Liquid, makerProceeds); err != nil {
		return err
	}
	return b.trades.Record(&ledger.Trade{
		Market:     Market(taker.Price.Base.Symbol, taker.Price.Quote.Symbol),
		MakerID:    maker.Seller.Hex() + "/" + maker.OrderID,
		TakerID:    taker.Seller.Hex() + "/" + taker.OrderID,
		Price:      maker.Price.Base.Value,
		BaseAmount: baseAmount,
	})
}

// FillAgainstBest consumes the best resting order selling debtSymbol
// for collateralSymbol, up to debtWanted units of its for_sale, settling
// at the caller-supplied matchPrice rather than the maker's own resting
// price — the call-book margin-call cascade (§4.3 step 2) fixes
// match_price once per call before attempting any source, so every
// source it tries (limit book, force settlement, pool) settles at that
// same price. The maker is credited collateralSymbol at matchPrice;
// the debt-side proceeds are not credited anywhere here, since the
// caller (the call book) extinguishes its own debt balance directly.
func (b *Book) FillAgainstBest(debtSymbol, collateralSymbol string, debtWanted int64, matchPrice price.Price) (int64, error) {
	if debtWanted <= 0 {
		return 0, nil
	}
	market := Market(debtSymbol, collateralSymbol)
	h, err := b.ensureCache(market, debtSymbol)
	if err != nil {
		return 0, err
	}
	k, _, ok := h.Peek()
	if !ok {
		return 0, nil
	}
	maker := &Order{}
	found, err := b.orders.Get(k, maker)
	if err != nil {
		return 0, err
	}
	if !found || maker.Price.Base.Symbol != debtSymbol || maker.Price.Quote.Symbol != collateralSymbol {
		return 0, nil
	}
	filled := debtWanted
	if maker.ForSale < filled {
		filled = maker.ForSale
	}
	if filled <= 0 {
		return 0, nil
	}
	proceeds, err := matchPrice.Multiply(price.NewAmount(filled, debtSymbol))
	if err != nil {
		return 0, err
	}
	if err := b.ledger.Credit(maker.Seller, collateralSymbol, ledger.Liquid, proceeds.Value); err != nil {
		return 0, err
	}
	maker.ForSale -= filled
	if maker.ForSale < 1 {
		if err := b.orders.Remove(maker.PrimaryKey(), maker); err != nil {
			return 0, err
		}
		h.Remove(maker.PrimaryKey())
	} else if err := b.orders.Upsert(maker); err != nil {
		return 0, err
	}
	return filled, nil
}

// CancelLimit removes a resting order and refunds its remaining
// for_sale to the owner's liquid balance with no fee (§8 round-trip
// property).
func (b *Book) CancelLimit(seller common.Address, orderID string) error {
	o := &Order{}
	found, err := b.orders.Get(orderKey(seller, orderID), o)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("limit: order %s/%s: %w", seller.Hex(), orderID, errs.ErrNotFound)
	}
	if err := b.orders.Remove(orderKey(seller, orderID), o); err != nil {
		return err
	}
	market := Market(o.Price.Base.Symbol, o.Price.Quote.Symbol)
	if h, ok := b.caches[cacheKey(market, o.Price.Base.Symbol)]; ok {
		h.Remove(o.PrimaryKey())
	}
	return b.ledger.Credit(seller, o.Price.Base.Symbol, ledger.Liquid, o.ForSale)
}

// ExpireDue cancels every order in market whose Expiration ≤ blockTime,
// refunding to liquid balance (§4.2 "Expiration").
func (b *Book) ExpireDue(market string, blockTime int64) error {
	low := store.Key(market + "|")
	high := store.Key(market + "|\xff\xff\xff\xff\xff\xff\xff\xff\xff")
	keys, err := b.orders.RangeByIndex(IndexByMarket, low, high)
	if err != nil {
		return err
	}
	for _, k := range keys {
		o := &Order{}
		found, err := b.orders.Get(k, o)
		if err != nil {
			return err
		}
		if !found || o.Expiration > blockTime {
			continue
		}
		if err := b.CancelLimit(o.Seller, o.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// BestPrice returns the best (lowest) selling price in market for the
// given base symbol, if any resting order exists. Used by the call and
// margin books to find "the best opposing limit-order price" (§4.3).
func (b *Book) BestPrice(market, baseSymbol, _ string) (price.Price, bool, error) {
	h, err := b.ensureCache(market, baseSymbol)
	if err != nil {
		return price.Price{}, false, err
	}
	_, p, ok := h.Peek()
	return p, ok, nil
}
