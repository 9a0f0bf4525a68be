package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

var alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
var bob = common.HexToAddress("0x2222222222222222222222222222222222222222")

func TestCreditDebitBalance(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Credit(alice, "USD", Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	b, err := l.GetBalance(alice, "USD")
	if err != nil || b.Liquid != 100 {
		t.Fatalf("balance=%+v err=%v", b, err)
	}
	if err := l.Debit(alice, "USD", Liquid, 40); err != nil {
		t.Fatalf("debit: %v", err)
	}
	b, _ = l.GetBalance(alice, "USD")
	if b.Liquid != 60 {
		t.Fatalf("expected 60 liquid, got %d", b.Liquid)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Debit(alice, "USD", Liquid, 1); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Credit(alice, "USD", Liquid, 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestMoveBetweenPartitions(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Credit(alice, "USD", Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Move(alice, "USD", Liquid, Savings, 30); err != nil {
		t.Fatalf("move: %v", err)
	}
	b, _ := l.GetBalance(alice, "USD")
	if b.Liquid != 70 || b.Savings != 30 {
		t.Fatalf("unexpected balance after move: %+v", b)
	}
	if b.Total() != 100 {
		t.Fatalf("total should be conserved, got %d", b.Total())
	}
}

func TestTransferBetweenAccounts(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Credit(alice, "USD", Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Transfer(alice, bob, "USD", 25); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	ab, _ := l.GetBalance(alice, "USD")
	bb, _ := l.GetBalance(bob, "USD")
	if ab.Liquid != 75 || bb.Liquid != 25 {
		t.Fatalf("unexpected balances alice=%+v bob=%+v", ab, bb)
	}
}

func TestIssueAssetDuplicate(t *testing.T) {
	l := newTestLedger(t)
	a := &Asset{Symbol: "USD", Precision: 2, Type: AssetStable}
	if err := l.IssueAsset(a); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := l.IssueAsset(a); !errors.Is(err, errs.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	got, err := l.GetAsset("USD")
	if err != nil || got.Precision != 2 {
		t.Fatalf("get asset: %+v err=%v", got, err)
	}
	assets, err := l.ListAssets()
	if err != nil || len(assets) != 1 {
		t.Fatalf("list assets: %v err=%v", assets, err)
	}
}

func TestListBalancesByAccount(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Credit(alice, "USD", Liquid, 10); err != nil {
		t.Fatalf("credit USD: %v", err)
	}
	if err := l.Credit(alice, "EUR", Liquid, 20); err != nil {
		t.Fatalf("credit EUR: %v", err)
	}
	if err := l.Credit(bob, "USD", Liquid, 5); err != nil {
		t.Fatalf("credit bob: %v", err)
	}
	bals, err := l.ListBalancesByAccount(alice)
	if err != nil || len(bals) != 2 {
		t.Fatalf("expected 2 balances for alice, got %d err=%v", len(bals), err)
	}
}

func TestSavingsWithdrawLifecycle(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Credit(alice, "USD", Savings, 100); err != nil {
		t.Fatalf("credit savings: %v", err)
	}
	w := &SavingsWithdraw{From: alice, To: alice, RequestID: "r1", Symbol: "USD", Amount: 40, Complete: 1000}
	if err := l.RequestSavingsWithdraw(w); err != nil {
		t.Fatalf("request: %v", err)
	}
	b, _ := l.GetBalance(alice, "USD")
	if b.Savings != 60 {
		t.Fatalf("expected savings debited to 60, got %d", b.Savings)
	}

	due, err := l.ListSavingsWithdrawsDue(500)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected no due withdrawals yet, got %d err=%v", len(due), err)
	}
	due, err = l.ListSavingsWithdrawsDue(1000)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due withdrawal, got %d err=%v", len(due), err)
	}
	if err := l.CompleteSavingsWithdraw(due[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	b, _ = l.GetBalance(alice, "USD")
	if b.Liquid != 40 {
		t.Fatalf("expected 40 liquid after payout, got %d", b.Liquid)
	}
	due, err = l.ListSavingsWithdrawsDue(1000)
	if err != nil || len(due) != 0 {
		t.Fatalf("expected withdrawal removed after completion, got %d err=%v", len(due), err)
	}
}

func TestSavingsWithdrawInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	w := &SavingsWithdraw{From: alice, To: alice, RequestID: "r1", Symbol: "USD", Amount: 10, Complete: 100}
	if err := l.RequestSavingsWithdraw(w); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTradeLogOrderingAndLimit(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	tl := NewTradeLog(s)

	for i := 0; i < 5; i++ {
		if err := tl.Record(&Trade{Market: "A/B", MakerID: "m", TakerID: "t", Price: 1, BaseAmount: int64(i), BlockTime: int64(i)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	all, err := tl.ListRecentByMarket("A/B", 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("expected 5 trades, got %d err=%v", len(all), err)
	}
	for i, tr := range all {
		if tr.Seq != uint64(i) {
			t.Fatalf("expected ascending seq, got %+v at index %d", tr, i)
		}
	}
	recent, err := tl.ListRecentByMarket("A/B", 2)
	if err != nil || len(recent) != 2 {
		t.Fatalf("expected 2 recent trades, got %d err=%v", len(recent), err)
	}
	if recent[len(recent)-1].Seq != 4 {
		t.Fatalf("expected newest trade last, got %+v", recent)
	}
}
