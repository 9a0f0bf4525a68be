// Package settlement holds the ForceSettlement and CollateralBid
// entities of §3: an owner-initiated exit from a stable asset at a
// scheduled future price, and a bid to re-collateralize a position
// once its debt asset has entered global settlement (§4.3 step 3).
//
// Grounded on the teacher's AccountManager escrow pattern, applied here
// to holding a ForceSettlement's balance out of circulation until its
// settlement_date matures (pkg/scheduler drains it per §4.8 step 3).
package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Pending is a ForceSettlement: an owner has asked to exit amount of a
// stable debt asset into its backing collateral, maturing at
// settlement_date.
type Pending struct {
	Owner          common.Address
	Symbol         string // the stable asset being settled
	Balance        int64
	SettlementDate int64
}

func pendingKey(owner common.Address, symbol string) store.Key {
	return store.Key(owner.Hex() + "|" + symbol)
}

func (p *Pending) PrimaryKey() store.Key { return pendingKey(p.Owner, p.Symbol) }
func (p *Pending) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexBySymbol: store.Key(fmt.Sprintf("%s|%020d|%s", p.Symbol, p.SettlementDate, p.Owner.Hex())),
	}
}

const IndexBySymbol store.Index = "by_symbol"

// Bid is a CollateralBid: only meaningful while its debt symbol is
// globally settled; resolved (accepted or refunded) when the asset
// re-opens for borrowing.
type Bid struct {
	Bidder           common.Address
	CollateralSymbol string
	Collateral       int64
	DebtSymbol       string
	Debt             int64
}

func bidKey(bidder common.Address, debtSymbol string) store.Key {
	return store.Key(bidder.Hex() + "|" + debtSymbol)
}

func (bd *Bid) PrimaryKey() store.Key { return bidKey(bd.Bidder, bd.DebtSymbol) }
func (bd *Bid) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByDebt: store.Key(bd.DebtSymbol + "|" + bd.Bidder.Hex())}
}

const IndexByDebt store.Index = "by_debt"

// Book tracks pending force-settlements and collateral bids.
type Book struct {
	ledger  *ledger.Ledger
	pending *store.Collection[*Pending]
	bids    *store.Collection[*Bid]
}

func NewBook(s *store.Store, l *ledger.Ledger) *Book {
	return &Book{
		ledger:  l,
		pending: store.NewCollection[*Pending](s, "forcesettle:"),
		bids:    store.NewCollection[*Bid](s, "collbid:"),
	}
}

// ForceSettle escrows amount of symbol, maturing maturitySeconds from
// now (§6 `force_settle`).
func (b *Book) ForceSettle(owner common.Address, symbol string, amount, blockTime, maturitySeconds int64) error {
	if amount <= 0 {
		return fmt.Errorf("settlement: amount must be positive: %w", errs.ErrValidation)
	}
	if err := b.ledger.Debit(owner, symbol, ledger.Liquid, amount); err != nil {
		return err
	}
	p := &Pending{Owner: owner, Symbol: symbol, Balance: amount, SettlementDate: blockTime + maturitySeconds}
	if err := b.pending.Upsert(p); err != nil {
		_ = b.ledger.Credit(owner, symbol, ledger.Liquid, amount)
		return err
	}
	return nil
}

func (b *Book) ListBySymbol(symbol string) ([]*Pending, error) {
	low := store.Key(symbol + "|")
	high := store.Key(symbol + "|\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff")
	keys, err := b.pending.RangeByIndex(IndexBySymbol, low, high)
	if err != nil {
		return nil, err
	}
	out := make([]*Pending, 0, len(keys))
	for _, k := range keys {
		p := &Pending{}
		found, err := b.pending.Get(k, p)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, p)
		}
	}
	return out, nil
}

// MatchPending implements call.ForceSettlementSource: it pays out up to
// maxAmount of matured force-settlements at atPrice, oldest
// settlement_date first, consuming the call's collateral (§4.3 step 2
// auxiliary source).
func (b *Book) MatchPending(debtSymbol string, atPrice price.Price, maxAmount int64) (int64, error) {
	pendings, err := b.ListBySymbol(debtSymbol)
	if err != nil {
		return 0, err
	}
	var filled int64
	for _, p := range pendings {
		if filled >= maxAmount {
			break
		}
		take := p.Balance
		if filled+take > maxAmount {
			take = maxAmount - filled
		}
		paid, err := atPrice.Multiply(price.NewAmount(take, atPrice.Base.Symbol))
		if err != nil {
			return filled, err
		}
		if err := b.ledger.Credit(p.Owner, paid.Symbol, ledger.Liquid, paid.Value); err != nil {
			return filled, err
		}
		p.Balance -= take
		filled += take
		if p.Balance <= 0 {
			if err := b.pending.Remove(p.PrimaryKey(), p); err != nil {
				return filled, err
			}
		} else if err := b.pending.Upsert(p); err != nil {
			return filled, err
		}
	}
	return filled, nil
}

// PayMatured settles every force-settlement whose settlement_date ≤
// blockTime at settlementPrice, paying collateral out of the pooled
// call collateral (§4.8 step 3).
func (b *Book) PayMatured(debtSymbol string, blockTime int64, settlementPrice price.Price) error {
	pendings, err := b.ListBySymbol(debtSymbol)
	if err != nil {
		return err
	}
	for _, p := range pendings {
		if p.SettlementDate > blockTime {
			continue
		}
		paid, err := settlementPrice.Multiply(price.NewAmount(p.Balance, settlementPrice.Base.Symbol))
		if err != nil {
			return err
		}
		if err := b.ledger.Credit(p.Owner, paid.Symbol, ledger.Liquid, paid.Value); err != nil {
			return err
		}
		if err := b.pending.Remove(p.PrimaryKey(), p); err != nil {
			return err
		}
	}
	return nil
}

// PlaceBid records a CollateralBid, valid only while debtSymbol is
// globally settled (§6 `collateral_bid`); the caller (pkg/engine)
// checks global-settlement status before calling.
func (b *Book) PlaceBid(bid *Bid) error {
	if bid.Collateral <= 0 || bid.Debt <= 0 {
		return fmt.Errorf("settlement: bid amounts must be positive: %w", errs.ErrValidation)
	}
	if err := b.ledger.Debit(bid.Bidder, bid.CollateralSymbol, ledger.Liquid, bid.Collateral); err != nil {
		return err
	}
	if err := b.bids.Upsert(bid); err != nil {
		_ = b.ledger.Credit(bid.Bidder, bid.CollateralSymbol, ledger.Liquid, bid.Collateral)
		return err
	}
	return nil
}

func (b *Book) ListBidsByDebt(debtSymbol string) ([]*Bid, error) {
	keys, err := b.bids.FindByIndex(IndexByDebt, store.Key(debtSymbol))
	if err != nil {
		return nil, err
	}
	out := make([]*Bid, 0, len(keys))
	for _, k := range keys {
		bd := &Bid{}
		found, err := b.bids.Get(k, bd)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, bd)
		}
	}
	return out, nil
}

// ResolveBid accepts a bid once the debt asset has re-opened: issues
// the bidder a new debt balance backed by their escrowed collateral,
// and removes the bid.
func (b *Book) ResolveBid(bid *Bid) error {
	if err := b.ledger.Credit(bid.Bidder, bid.DebtSymbol, ledger.Liquid, bid.Debt); err != nil {
		return err
	}
	return b.bids.Remove(bid.PrimaryKey(), bid)
}

// RefundBid returns an unresolved bid's collateral to the bidder.
func (b *Book) RefundBid(bid *Bid) error {
	if err := b.ledger.Credit(bid.Bidder, bid.CollateralSymbol, ledger.Liquid, bid.Collateral); err != nil {
		return err
	}
	return b.bids.Remove(bid.PrimaryKey(), bid)
}
