// Package option is the option order book of §2/§4.7: covered-option
// writers whose underlying is escrowed until exercise or expiry, plus
// the synthetic option asset those writes issue.
//
// New logic — the teacher has no options concept — grounded on
// AccountManager.LockCollateral/UnlockCollateral's locked-balance
// pattern (pkg/app/core/account/manager.go), here applied to escrowing
// underlying against issued option_position units instead of locking
// margin against an open perp order.
package option

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Strike identifies one option series: underlying, strike symbol, strike
// price and expiration, which together derive the synthetic option asset
// symbol (§4.7). There is no separate side field.
type Strike struct {
	UnderlyingSymbol string
	StrikeSymbol     string
	StrikePrice      price.Price // underlying per strike unit
	Expiration       int64
}

// Symbol derives the option asset's ledger symbol deterministically
// from the strike's fields.
func (s Strike) Symbol() string {
	return fmt.Sprintf("OPT-%s-%s-%d-%d", s.UnderlyingSymbol, s.StrikeSymbol, s.StrikePrice.Base.Value, s.Expiration)
}

// Order is the OptionOrder entity of §3: a writer's escrowed
// underlying plus the option_position units they have issued.
type Order struct {
	Owner          common.Address
	OrderID        string
	Strike         Strike
	AmountToIssue  int64 // underlying escrowed, multiple of 100
	OptionPosition int64 // amount_to_issue / 100
}

func orderKey(owner common.Address, orderID string) store.Key {
	return store.Key(owner.Hex() + "|" + orderID)
}

func (o *Order) PrimaryKey() store.Key { return orderKey(o.Owner, o.OrderID) }
func (o *Order) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexByStrike: store.Key(o.Strike.Symbol() + "|" + o.PrimaryKeyString()),
	}
}

func (o *Order) PrimaryKeyString() string { return o.Owner.Hex() + "|" + o.OrderID }

const IndexByStrike store.Index = "by_strike"

const unitsPerOption = 100

// Book tracks option writers.
type Book struct {
	ledger *ledger.Ledger
	orders *store.Collection[*Order]
}

func NewBook(s *store.Store, l *ledger.Ledger) *Book {
	return &Book{ledger: l, orders: store.NewCollection[*Order](s, "optionorder:")}
}

// Issue escrows amountToIssue underlying and issues
// amountToIssue/unitsPerOption option-asset units to the writer (§6
// `option_order`, zero issued means close — handled by Close).
func (b *Book) Issue(owner common.Address, orderID string, strike Strike, amountToIssue int64) (*Order, error) {
	if amountToIssue <= 0 || amountToIssue%unitsPerOption != 0 {
		return nil, fmt.Errorf("option: amount_to_issue must be a positive multiple of %d: %w", unitsPerOption, errs.ErrValidation)
	}
	if err := b.ledger.Debit(owner, strike.UnderlyingSymbol, ledger.Liquid, amountToIssue); err != nil {
		return nil, err
	}
	position := amountToIssue / unitsPerOption
	if err := b.ledger.Credit(owner, strike.Symbol(), ledger.Liquid, position); err != nil {
		return nil, err
	}
	o := &Order{Owner: owner, OrderID: orderID, Strike: strike, AmountToIssue: amountToIssue, OptionPosition: position}
	if err := b.orders.Create(o); err != nil {
		return nil, fmt.Errorf("option: order %s/%s: %w", owner.Hex(), orderID, errs.ErrDuplicateID)
	}
	return o, nil
}

func (b *Book) Get(owner common.Address, orderID string) (*Order, error) {
	o := &Order{}
	found, err := b.orders.Get(orderKey(owner, orderID), o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("option: order %s/%s: %w", owner.Hex(), orderID, errs.ErrNotFound)
	}
	return o, nil
}

func (b *Book) Save(o *Order) error { return b.orders.Upsert(o) }

func (b *Book) ListByStrike(strikeSymbol string) ([]*Order, error) {
	low := store.Key(strikeSymbol + "|")
	high := store.Key(strikeSymbol + "|\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff\xff")
	keys, err := b.orders.RangeByIndex(IndexByStrike, low, high)
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

// Exercise converts n option units into n×100 underlying at strike,
// paying the counter (strike) asset. Writers are taken in ascending
// order-id order, each up to its whole outstanding position before the
// next is touched; the amount is not spread across writers in
// proportion to their shares (§4.7 "Exercise").
func (b *Book) Exercise(holder common.Address, strikeSymbol string, n int64) error {
	if n <= 0 {
		return fmt.Errorf("option: exercise amount must be positive: %w", errs.ErrValidation)
	}
	writers, err := b.ListByStrike(strikeSymbol)
	if err != nil {
		return err
	}
	if len(writers) == 0 {
		return fmt.Errorf("option: no writers for strike %s: %w", strikeSymbol, errs.ErrNotFound)
	}
	sort.Slice(writers, func(i, j int) bool { return writers[i].OrderID < writers[j].OrderID })

	if err := b.ledger.Debit(holder, strikeSymbol, ledger.Liquid, n); err != nil {
		return err
	}
	strike := writers[0].Strike
	payment, err := strike.StrikePrice.Multiply(price.NewAmount(n, strike.StrikePrice.Base.Symbol))
	if err != nil {
		return err
	}
	if err := b.ledger.Debit(holder, payment.Symbol, ledger.Liquid, payment.Value); err != nil {
		return err
	}

	remaining := n
	for _, w := range writers {
		if remaining <= 0 {
			break
		}
		take := remaining
		if take > w.OptionPosition {
			take = w.OptionPosition
		}
		if take <= 0 {
			continue
		}
		underlying := take * unitsPerOption
		w.OptionPosition -= take
		w.AmountToIssue -= underlying
		if err := b.ledger.Credit(holder, strike.UnderlyingSymbol, ledger.Liquid, underlying); err != nil {
			return err
		}
		share := payment.Value * take / n
		if err := b.ledger.Credit(w.Owner, payment.Symbol, ledger.Liquid, share); err != nil {
			return err
		}
		if w.OptionPosition <= 0 {
			if err := b.orders.Remove(orderKey(w.Owner, w.OrderID), w); err != nil {
				return err
			}
		} else if err := b.Save(w); err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

// ExpireDue releases escrow back to writers for every order past
// strike.expiration, leaving holders' option-asset units worthless
// (§4.7 "Expiration").
func (b *Book) ExpireDue(strikeSymbol string, blockTime int64) error {
	writers, err := b.ListByStrike(strikeSymbol)
	if err != nil {
		return err
	}
	for _, w := range writers {
		if w.Strike.Expiration > blockTime {
			continue
		}
		if err := b.ledger.Credit(w.Owner, w.Strike.UnderlyingSymbol, ledger.Liquid, w.AmountToIssue); err != nil {
			return err
		}
		if err := b.orders.Remove(orderKey(w.Owner, w.OrderID), w); err != nil {
			return err
		}
	}
	return nil
}

// Close lets a writer repay n option units from their own holdings,
// releasing n×100 underlying escrow (§4.7 "Closing a position").
func (b *Book) Close(owner common.Address, orderID string, n int64) error {
	o, err := b.Get(owner, orderID)
	if err != nil {
		return err
	}
	if n <= 0 || n > o.OptionPosition {
		return fmt.Errorf("option: invalid close amount: %w", errs.ErrValidation)
	}
	if err := b.ledger.Debit(owner, o.Strike.Symbol(), ledger.Liquid, n); err != nil {
		return err
	}
	underlying := n * unitsPerOption
	if err := b.ledger.Credit(owner, o.Strike.UnderlyingSymbol, ledger.Liquid, underlying); err != nil {
		return err
	}
	o.OptionPosition -= n
	o.AmountToIssue -= underlying
	if o.OptionPosition <= 0 {
		return b.orders.Remove(orderKey(owner, orderID), o)
	}
	return b.Save(o)
}
