package margin

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

var owner = common.HexToAddress("0x1111111111111111111111111111111111111111")

func newTestBook(t *testing.T) *Book {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewBook(s, ledger.New(s))
}

func TestOpenSetsDebtBalanceAndState(t *testing.T) {
	b := newTestBook(t)
	o := &Order{Owner: owner, OrderID: "m1", CollateralSymbol: "COLL", Collateral: 100,
		DebtSymbol: "DEBT", Debt: 50, PositionSymbol: "POS",
		SellPrice: price.NewPrice(1, "DEBT", 1, "POS")}
	if err := b.Open(o); err != nil {
		t.Fatalf("open: %v", err)
	}
	if o.DebtBalance != 50 || o.State != Opened {
		t.Fatalf("unexpected order state after open: %+v", o)
	}
	if err := b.Open(o); !errors.Is(err, errs.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID on double-open, got %v", err)
	}
}

func TestOnFillTransitionsFillingThenFilled(t *testing.T) {
	b := newTestBook(t)
	o := &Order{Owner: owner, OrderID: "m1", CollateralSymbol: "COLL", Collateral: 100,
		DebtSymbol: "DEBT", Debt: 50, PositionSymbol: "POS"}
	if err := b.Open(o); err != nil {
		t.Fatalf("open: %v", err)
	}
	o.OnFill(20, 20)
	if o.State != Filling || o.DebtBalance != 30 || o.PositionBalance != 20 {
		t.Fatalf("unexpected state after partial fill: %+v", o)
	}
	o.OnFill(30, 30)
	if o.State != Filled || o.DebtBalance != 0 || o.PositionBalance != 50 {
		t.Fatalf("unexpected state after full fill: %+v", o)
	}
}

func TestCollateralizationAndUndercollateralized(t *testing.T) {
	props := chainprops.Default()
	o := &Order{Owner: owner, CollateralSymbol: "COLL", Collateral: 200, DebtSymbol: "DEBT",
		Debt: 100, DebtBalance: 0, PositionSymbol: "POS", PositionBalance: 100}
	feed := price.NewPrice(1, "DEBT", 1, "POS") // 1 DEBT = 1 POS
	cr, err := o.Collateralization(feed, props)
	if err != nil {
		t.Fatalf("collateralization: %v", err)
	}
	// (200 + 100 + 0 - 100 - 0) / 100 = 2.0 => 2*RatioDenom
	if cr != 2*chainprops.RatioDenom {
		t.Fatalf("expected 200%% collateralization, got %d", cr)
	}
	under, err := o.IsUndercollateralized(feed, props)
	if err != nil || under {
		t.Fatalf("should not be undercollateralized well above margin_liquidation_ratio, under=%v err=%v", under, err)
	}
	// crash position value to 1/20th, well below the 110% threshold
	crashed := price.NewPrice(1, "DEBT", 20, "POS")
	under, err = o.IsUndercollateralized(crashed, props)
	if err != nil || !under {
		t.Fatalf("expected undercollateralized after crash, under=%v err=%v", under, err)
	}
}

func TestCheckTriggers(t *testing.T) {
	o := &Order{StopLoss: 100, TakeProfit: 200}
	if trigger, useLimit, _ := o.CheckTriggers(100); !trigger || useLimit {
		t.Fatalf("expected stop-loss trigger without limit price")
	}
	if trigger, _, _ := o.CheckTriggers(150); trigger {
		t.Fatalf("should not trigger between thresholds")
	}
	if trigger, useLimit, _ := o.CheckTriggers(200); !trigger || useLimit {
		t.Fatalf("expected take-profit trigger without limit price")
	}
	o2 := &Order{LimitStop: 50}
	if trigger, useLimit, lp := o2.CheckTriggers(50); !trigger || !useLimit || lp != 50 {
		t.Fatalf("expected limit-stop trigger with limit price 50, got trigger=%v useLimit=%v lp=%d", trigger, useLimit, lp)
	}
}

func TestBeginLiquidationAndClose(t *testing.T) {
	b := newTestBook(t)
	o := &Order{Owner: owner, OrderID: "m1", CollateralSymbol: "COLL", Collateral: 100,
		DebtSymbol: "DEBT", Debt: 50, PositionSymbol: "POS"}
	if err := b.Open(o); err != nil {
		t.Fatalf("open: %v", err)
	}
	o.BeginLiquidation()
	if o.State != Liquidating {
		t.Fatalf("expected Liquidating state, got %s", o.State)
	}
	if err := b.Close(o); err != nil {
		t.Fatalf("close: %v", err)
	}
	if o.State != Closed {
		t.Fatalf("expected Closed state, got %s", o.State)
	}
	if _, err := b.Get(owner, "m1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected order removed after close, got %v", err)
	}
}

func TestListByOwnerAndDebt(t *testing.T) {
	b := newTestBook(t)
	o1 := &Order{Owner: owner, OrderID: "m1", CollateralSymbol: "COLL", Collateral: 100, DebtSymbol: "DEBT", Debt: 50, PositionSymbol: "POS"}
	o2 := &Order{Owner: owner, OrderID: "m2", CollateralSymbol: "COLL", Collateral: 100, DebtSymbol: "DEBT", Debt: 50, PositionSymbol: "POS"}
	if err := b.Open(o1); err != nil {
		t.Fatalf("open o1: %v", err)
	}
	if err := b.Open(o2); err != nil {
		t.Fatalf("open o2: %v", err)
	}
	byOwner, err := b.ListByOwner(owner)
	if err != nil || len(byOwner) != 2 {
		t.Fatalf("expected 2 orders by owner, got %d err=%v", len(byOwner), err)
	}
	byDebt, err := b.ListByDebt("DEBT")
	if err != nil || len(byDebt) != 2 {
		t.Fatalf("expected 2 orders by debt symbol, got %d err=%v", len(byDebt), err)
	}
}

func TestApplyInterest(t *testing.T) {
	o := &Order{DebtBalance: 1000}
	o.ApplyInterest(100) // 1% of 1000 = 10
	if o.AccruedInterest != 10 {
		t.Fatalf("expected 10 accrued interest, got %d", o.AccruedInterest)
	}
}
