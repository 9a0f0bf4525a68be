package settlement

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

func TestForceSettleEscrowsBalance(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "STABLE", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := b.ForceSettle(alice, "STABLE", 40, 1000, 500); err != nil {
		t.Fatalf("force settle: %v", err)
	}
	bal, _ := l.GetBalance(alice, "STABLE")
	if bal.Liquid != 60 {
		t.Fatalf("expected escrow debit, got %d", bal.Liquid)
	}
	pendings, err := b.ListBySymbol("STABLE")
	if err != nil || len(pendings) != 1 {
		t.Fatalf("expected 1 pending, got %d err=%v", len(pendings), err)
	}
	if pendings[0].SettlementDate != 1500 {
		t.Fatalf("expected settlement date 1500, got %d", pendings[0].SettlementDate)
	}
}

func TestForceSettleRejectsNonPositive(t *testing.T) {
	b, _ := newTestBook(t)
	if err := b.ForceSettle(alice, "STABLE", 0, 1000, 500); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPayMaturedOnlyPaysWhenDue(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "STABLE", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := b.ForceSettle(alice, "STABLE", 40, 1000, 500); err != nil {
		t.Fatalf("force settle: %v", err)
	}
	settlePrice := price.NewPrice(1, "STABLE", 3, "COLL")
	if err := b.PayMatured("STABLE", 1499, settlePrice); err != nil {
		t.Fatalf("pay matured (not due): %v", err)
	}
	pendings, _ := b.ListBySymbol("STABLE")
	if len(pendings) != 1 {
		t.Fatalf("expected pending still outstanding, got %d", len(pendings))
	}
	if err := b.PayMatured("STABLE", 1500, settlePrice); err != nil {
		t.Fatalf("pay matured: %v", err)
	}
	collBal, _ := l.GetBalance(alice, "COLL")
	if collBal.Liquid != 120 {
		t.Fatalf("expected 40*3=120 collateral paid out, got %d", collBal.Liquid)
	}
	pendings, _ = b.ListBySymbol("STABLE")
	if len(pendings) != 0 {
		t.Fatalf("expected pending cleared after payout, got %d", len(pendings))
	}
}

func TestMatchPendingFillsOldestFirstUpToMax(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "STABLE", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit alice: %v", err)
	}
	if err := l.Credit(bob, "STABLE", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit bob: %v", err)
	}
	if err := b.ForceSettle(alice, "STABLE", 30, 1000, 0); err != nil {
		t.Fatalf("force settle alice: %v", err)
	}
	if err := b.ForceSettle(bob, "STABLE", 30, 2000, 0); err != nil {
		t.Fatalf("force settle bob: %v", err)
	}
	atPrice := price.NewPrice(1, "STABLE", 2, "COLL")
	filled, err := b.MatchPending("STABLE", atPrice, 40)
	if err != nil {
		t.Fatalf("match pending: %v", err)
	}
	if filled != 40 {
		t.Fatalf("expected 40 filled, got %d", filled)
	}
	aliceColl, _ := l.GetBalance(alice, "COLL")
	if aliceColl.Liquid != 60 {
		t.Fatalf("expected alice's pending (oldest) filled entirely: 30*2=60, got %d", aliceColl.Liquid)
	}
	bobColl, _ := l.GetBalance(bob, "COLL")
	if bobColl.Liquid != 20 {
		t.Fatalf("expected bob partially filled for remaining 10*2=20, got %d", bobColl.Liquid)
	}
	pendings, _ := b.ListBySymbol("STABLE")
	if len(pendings) != 1 || pendings[0].Balance != 20 {
		t.Fatalf("expected bob's pending reduced to 20, got %+v", pendings)
	}
}

func TestPlaceBidEscrowsCollateral(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "COLL", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bid := &Bid{Bidder: alice, CollateralSymbol: "COLL", Collateral: 50, DebtSymbol: "DEBT", Debt: 25}
	if err := b.PlaceBid(bid); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	bal, _ := l.GetBalance(alice, "COLL")
	if bal.Liquid != 50 {
		t.Fatalf("expected collateral escrowed, got %d", bal.Liquid)
	}
	bids, err := b.ListBidsByDebt("DEBT")
	if err != nil || len(bids) != 1 {
		t.Fatalf("expected 1 bid, got %d err=%v", len(bids), err)
	}
}

func TestPlaceBidRejectsNonPositive(t *testing.T) {
	b, _ := newTestBook(t)
	bid := &Bid{Bidder: alice, CollateralSymbol: "COLL", Collateral: 0, DebtSymbol: "DEBT", Debt: 25}
	if err := b.PlaceBid(bid); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestResolveBidIssuesDebtAndRemovesBid(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "COLL", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bid := &Bid{Bidder: alice, CollateralSymbol: "COLL", Collateral: 50, DebtSymbol: "DEBT", Debt: 25}
	if err := b.PlaceBid(bid); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if err := b.ResolveBid(bid); err != nil {
		t.Fatalf("resolve bid: %v", err)
	}
	debtBal, _ := l.GetBalance(alice, "DEBT")
	if debtBal.Liquid != 25 {
		t.Fatalf("expected 25 debt issued, got %d", debtBal.Liquid)
	}
	bids, _ := b.ListBidsByDebt("DEBT")
	if len(bids) != 0 {
		t.Fatalf("expected bid removed after resolve, got %d", len(bids))
	}
}

func TestRefundBidReturnsCollateral(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "COLL", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bid := &Bid{Bidder: alice, CollateralSymbol: "COLL", Collateral: 50, DebtSymbol: "DEBT", Debt: 25}
	if err := b.PlaceBid(bid); err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if err := b.RefundBid(bid); err != nil {
		t.Fatalf("refund bid: %v", err)
	}
	bal, _ := l.GetBalance(alice, "COLL")
	if bal.Liquid != 100 {
		t.Fatalf("expected collateral refunded, got %d", bal.Liquid)
	}
}
