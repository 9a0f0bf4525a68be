// Package auction is the auction-order book of §2/§4.6: a once-per-
// period single-price clearing pool per market.
//
// New logic — the teacher has no batch-auction concept — grounded on
// the deterministic, single-threaded match-loop discipline of
// pkg/app/core/orderbook/orderbook.go (process candidates in a fixed,
// id-ordered sequence; never depend on map iteration order) applied
// here to a batch crossing instead of continuous matching.
package auction

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Order is the AuctionOrder entity of §3.
type Order struct {
	Owner          common.Address
	OrderID        string
	Market         string // sorted symbol pair
	SellSymbol     string
	AmountToSell   int64
	MinExchangeRate price.Price // minimum acceptable SellSymbol-per-other rate
	Expiration     int64
}

func orderKey(owner common.Address, orderID string) store.Key {
	return store.Key(owner.Hex() + "|" + orderID)
}

func (o *Order) PrimaryKey() store.Key { return orderKey(o.Owner, o.OrderID) }
func (o *Order) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByMarket: store.Key(o.Market)}
}

const IndexByMarket store.Index = "by_market"

// Book holds resting auction orders for every market.
type Book struct {
	ledger *ledger.Ledger
	orders *store.Collection[*Order]
}

func NewBook(s *store.Store, l *ledger.Ledger) *Book {
	return &Book{ledger: l, orders: store.NewCollection[*Order](s, "auctionorder:")}
}

func Market(a, b string) string {
	if a < b {
		return a + "/" + b
	}
	return b + "/" + a
}

// Place deducts amount_to_sell and rests the order (§6 `auction_order`).
func (b *Book) Place(o *Order, blockTime int64) error {
	if o.AmountToSell <= 0 {
		return fmt.Errorf("auction: amount_to_sell must be positive: %w", errs.ErrValidation)
	}
	if o.Expiration <= blockTime {
		return fmt.Errorf("auction: expiration must be in the future: %w", errs.ErrValidation)
	}
	if err := b.ledger.Debit(o.Owner, o.SellSymbol, ledger.Liquid, o.AmountToSell); err != nil {
		return err
	}
	if err := b.orders.Create(o); err != nil {
		_ = b.ledger.Credit(o.Owner, o.SellSymbol, ledger.Liquid, o.AmountToSell)
		return fmt.Errorf("auction: order %s/%s: %w", o.Owner.Hex(), o.OrderID, errs.ErrDuplicateID)
	}
	return nil
}

func (b *Book) ExpireDue(market string, blockTime int64) error {
	keys, err := b.orders.FindByIndex(IndexByMarket, store.Key(market))
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
		if err := b.orders.Remove(k, o); err != nil {
			return err
		}
		if err := b.ledger.Credit(o.Owner, o.SellSymbol, ledger.Liquid, o.AmountToSell); err != nil {
			return err
		}
	}
	return nil
}

// ClearingResult is one participant's settlement at the single
// clearing price.
type ClearingResult struct {
	Owner      common.Address
	OrderID    string
	Sold       int64
	Received   int64
}

// Clear runs §4.6's once-per-period clearing for market: compute the
// volume-maximizing crossing price subject to every filled order's
// min_exchange_rate, tie-breaking toward the mid of the two best
// unfilled limits (§9 decision), and settle pro-rata in order-id order.
// Clear does not remove orders; its caller (the engine's
// clearDueAuctions) removes the settled ones.
func Clear(orders []*Order, bestBid, bestAsk *price.Price) ([]ClearingResult, price.Price, error) {
	if len(orders) == 0 {
		return nil, price.Price{}, nil
	}
	var sideA, sideB []*Order
	symA, symB := marketSymbols(orders[0].Market)
	for _, o := range orders {
		if o.SellSymbol == symA {
			sideA = append(sideA, o)
		} else {
			sideB = append(sideB, o)
		}
	}
	if len(sideA) == 0 || len(sideB) == 0 {
		return nil, price.Price{}, nil
	}

	candidates := candidatePrices(sideA, sideB)
	if len(candidates) == 0 {
		return nil, price.Price{}, nil
	}

	var best price.Price
	bestVolume := int64(-1)
	for _, cand := range candidates {
		vol, err := volumeAt(sideA, sideB, cand)
		if err != nil {
			continue
		}
		if vol > bestVolume {
			bestVolume = vol
			best = cand
		}
	}
	if bestVolume <= 0 {
		return nil, price.Price{}, nil
	}

	if bestBid != nil && bestAsk != nil {
		tiedCount := 0
		for _, cand := range candidates {
			vol, err := volumeAt(sideA, sideB, cand)
			if err == nil && vol == bestVolume {
				tiedCount++
			}
		}
		if tiedCount > 1 {
			mid := midOf(*bestBid, *bestAsk)
			best = mid
		}
	}

	return settleAt(sideA, sideB, best), best, nil
}

func marketSymbols(market string) (string, string) {
	for i := 0; i < len(market); i++ {
		if market[i] == '/' {
			return market[:i], market[i+1:]
		}
	}
	return market, ""
}

// candidatePrices returns every order's min_exchange_rate as a
// candidate clearing price — the maximizing price is always achieved
// at one participant's limit (standard batch-auction result).
func candidatePrices(sideA, sideB []*Order) []price.Price {
	var out []price.Price
	for _, o := range sideA {
		out = append(out, o.MinExchangeRate)
	}
	for _, o := range sideB {
		out = append(out, o.MinExchangeRate.Reciprocal())
	}
	return out
}

func volumeAt(sideA, sideB []*Order, clearing price.Price) (int64, error) {
	var supplyA, supplyB int64
	for _, o := range sideA {
		c, err := clearing.Compare(o.MinExchangeRate)
		if err != nil {
			return 0, err
		}
		if c >= 0 {
			supplyA += o.AmountToSell
		}
	}
	for _, o := range sideB {
		c, err := clearing.Reciprocal().Compare(o.MinExchangeRate)
		if err != nil {
			return 0, err
		}
		if c >= 0 {
			supplyB += o.AmountToSell
		}
	}
	converted, err := clearing.Multiply(price.NewAmount(supplyA, clearing.Base.Symbol))
	if err != nil {
		return 0, err
	}
	if converted.Value < supplyB {
		return converted.Value, nil
	}
	return supplyB, nil
}

func midOf(a, b price.Price) price.Price {
	base := a.Base.Value*b.Quote.Value + b.Base.Value*a.Quote.Value
	quote := 2 * a.Quote.Value * b.Quote.Value
	return price.NewPrice(base, a.Base.Symbol, quote, a.Quote.Symbol)
}

// settleAt pro-rata settles both sides at clearing, processing orders
// in ascending OrderID for determinism (§4.6 step 3).
func settleAt(sideA, sideB []*Order, clearing price.Price) []ClearingResult {
	sort.Slice(sideA, func(i, j int) bool { return sideA[i].OrderID < sideA[j].OrderID })
	sort.Slice(sideB, func(i, j int) bool { return sideB[i].OrderID < sideB[j].OrderID })

	var results []ClearingResult
	for _, o := range sideA {
		if c, err := clearing.Compare(o.MinExchangeRate); err != nil || c < 0 {
			continue
		}
		received, err := clearing.Multiply(price.NewAmount(o.AmountToSell, clearing.Base.Symbol))
		if err != nil {
			continue
		}
		results = append(results, ClearingResult{Owner: o.Owner, OrderID: o.OrderID, Sold: o.AmountToSell, Received: received.Value})
	}
	for _, o := range sideB {
		if c, err := clearing.Reciprocal().Compare(o.MinExchangeRate); err != nil || c < 0 {
			continue
		}
		received, err := clearing.Reciprocal().Multiply(price.NewAmount(o.AmountToSell, clearing.Quote.Symbol))
		if err != nil {
			continue
		}
		results = append(results, ClearingResult{Owner: o.Owner, OrderID: o.OrderID, Sold: o.AmountToSell, Received: received.Value})
	}
	return results
}

// Remove deletes a settled order from the book.
func (b *Book) Remove(o *Order) error { return b.orders.Remove(orderKey(o.Owner, o.OrderID), o) }

func (b *Book) ListByMarket(market string) ([]*Order, error) {
	keys, err := b.orders.FindByIndex(IndexByMarket, store.Key(market))
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(keys))
	for _, k := range keys {
		o := &Order{}
		found, err := b.orders.Get(k, o)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, o)
		}
	}
	return out, nil
}
