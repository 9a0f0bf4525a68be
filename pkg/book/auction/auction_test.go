package auction

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

var alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
var bob = common.HexToAddress("0x2222222222222222222222222222222222222222")

func newTestBook(t *testing.T) (*Book, *ledger.Ledger) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s)
	return NewBook(s, l), l
}

func TestPlaceDebitsAndExpireRefunds(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "COIN", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	market := Market("COIN", "USD")
	o := &Order{Owner: alice, OrderID: "a1", Market: market, SellSymbol: "COIN", AmountToSell: 10,
		MinExchangeRate: price.NewPrice(1, "COIN", 2, "USD"), Expiration: 500}
	if err := b.Place(o, 0); err != nil {
		t.Fatalf("place: %v", err)
	}
	bal, _ := l.GetBalance(alice, "COIN")
	if bal.Liquid != 90 {
		t.Fatalf("expected escrow debit, got %d", bal.Liquid)
	}
	if err := b.ExpireDue(market, 500); err != nil {
		t.Fatalf("expire: %v", err)
	}
	bal, _ = l.GetBalance(alice, "COIN")
	if bal.Liquid != 100 {
		t.Fatalf("expected refund on expiry, got %d", bal.Liquid)
	}
}

func TestPlaceRejectsPastExpiration(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "COIN", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	o := &Order{Owner: alice, OrderID: "a1", Market: Market("COIN", "USD"), SellSymbol: "COIN", AmountToSell: 10,
		MinExchangeRate: price.NewPrice(1, "COIN", 2, "USD"), Expiration: 10}
	if err := b.Place(o, 100); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestClearCrossesBothSides(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "COIN", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit alice: %v", err)
	}
	if err := l.Credit(bob, "USD", ledger.Liquid, 1000); err != nil {
		t.Fatalf("credit bob: %v", err)
	}
	market := Market("COIN", "USD")
	sellCoin := &Order{Owner: alice, OrderID: "a1", Market: market, SellSymbol: "COIN", AmountToSell: 10,
		MinExchangeRate: price.NewPrice(1, "COIN", 2, "USD"), Expiration: 1000}
	if err := b.Place(sellCoin, 0); err != nil {
		t.Fatalf("place sell coin: %v", err)
	}
	sellUSD := &Order{Owner: bob, OrderID: "b1", Market: market, SellSymbol: "USD", AmountToSell: 20,
		MinExchangeRate: price.NewPrice(2, "USD", 1, "COIN"), Expiration: 1000}
	if err := b.Place(sellUSD, 0); err != nil {
		t.Fatalf("place sell usd: %v", err)
	}

	results, clearing, err := Clear([]*Order{sellCoin, sellUSD}, nil, nil)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both sides to settle, got %d results", len(results))
	}
	if !clearing.Valid() {
		t.Fatalf("expected a valid clearing price, got %+v", clearing)
	}
	var totalSoldCoin, totalSoldUSD int64
	for _, r := range results {
		if r.Owner == alice {
			totalSoldCoin += r.Sold
		} else {
			totalSoldUSD += r.Sold
		}
	}
	if totalSoldCoin != 10 || totalSoldUSD != 20 {
		t.Fatalf("expected both orders fully sold, got coin=%d usd=%d", totalSoldCoin, totalSoldUSD)
	}
}

func TestClearReturnsNothingWithOneSidedBook(t *testing.T) {
	o := &Order{Owner: alice, OrderID: "a1", Market: Market("COIN", "USD"), SellSymbol: "COIN", AmountToSell: 10,
		MinExchangeRate: price.NewPrice(1, "COIN", 2, "USD"), Expiration: 1000}
	results, _, err := Clear([]*Order{o}, nil, nil)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if results != nil {
		t.Fatalf("expected no results with only one side present, got %v", results)
	}
}

func TestClearEmptyOrders(t *testing.T) {
	results, clearing, err := Clear(nil, nil, nil)
	if err != nil || results != nil || clearing.Valid() {
		t.Fatalf("expected no-op on empty orders, got results=%v clearing=%+v err=%v", results, clearing, err)
	}
}
