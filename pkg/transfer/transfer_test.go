package transfer

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
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

func TestDirectTransfer(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "USD", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := b.Transfer(alice, bob, "USD", 40); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	ab, _ := l.GetBalance(alice, "USD")
	bb, _ := l.GetBalance(bob, "USD")
	if ab.Liquid != 60 || bb.Liquid != 40 {
		t.Fatalf("unexpected balances alice=%+v bob=%+v", ab, bb)
	}
}

func TestRequestAcceptEscrow(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "USD", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	req := &Request{From: alice, To: bob, RequestID: "r1", Symbol: "USD", Amount: 30, Expiration: 1000}
	if err := b.RequestTransfer(req, 10); err != nil {
		t.Fatalf("request: %v", err)
	}
	ab, _ := l.GetBalance(alice, "USD")
	if ab.Liquid != 70 {
		t.Fatalf("expected escrow to debit sender, got %d", ab.Liquid)
	}
	if err := b.AcceptTransfer(alice, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	bb, _ := l.GetBalance(bob, "USD")
	if bb.Liquid != 30 {
		t.Fatalf("expected recipient credited, got %d", bb.Liquid)
	}
	if err := b.AcceptTransfer(alice, "r1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double accept, got %v", err)
	}
}

func TestExpireRequestsRefunds(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "USD", ledger.Liquid, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	req := &Request{From: alice, To: bob, RequestID: "r1", Symbol: "USD", Amount: 30, Expiration: 500}
	if err := b.RequestTransfer(req, 10); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := b.ExpireRequests(400); err != nil {
		t.Fatalf("expire (not yet due): %v", err)
	}
	ab, _ := l.GetBalance(alice, "USD")
	if ab.Liquid != 70 {
		t.Fatalf("expected still escrowed before expiry, got %d", ab.Liquid)
	}
	if err := b.ExpireRequests(500); err != nil {
		t.Fatalf("expire: %v", err)
	}
	ab, _ = l.GetBalance(alice, "USD")
	if ab.Liquid != 100 {
		t.Fatalf("expected refund on expiry, got %d", ab.Liquid)
	}
}

func TestRunDuePaymentsFillOrKill(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "USD", ledger.Liquid, 10); err != nil {
		t.Fatalf("credit: %v", err)
	}
	rec := &Recurring{
		From: alice, To: bob, RecurringID: "rc1", Symbol: "USD", Amount: 100,
		IntervalSeconds: 60, NextTransfer: 100, End: 10000, PaymentsRemaining: 5, FillOrKill: true,
	}
	if err := b.ScheduleRecurring(rec); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	due, err := b.ScanRecurringDue(100)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due payment, got %d err=%v", len(due), err)
	}
	if err := b.RunDuePayments(100, due); err != nil {
		t.Fatalf("run due: %v", err)
	}
	if _, err := b.GetRecurring(alice, "rc1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected fill_or_kill recurring removed on insufficient funds, got %v", err)
	}
}

func TestRunDuePaymentsAdvancesSchedule(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "USD", ledger.Liquid, 1000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	rec := &Recurring{
		From: alice, To: bob, RecurringID: "rc1", Symbol: "USD", Amount: 50,
		IntervalSeconds: 60, NextTransfer: 100, End: 10000, PaymentsRemaining: 2,
	}
	if err := b.ScheduleRecurring(rec); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	due, err := b.ScanRecurringDue(100)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due, got %d err=%v", len(due), err)
	}
	if err := b.RunDuePayments(100, due); err != nil {
		t.Fatalf("run due: %v", err)
	}
	got, err := b.GetRecurring(alice, "rc1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PaymentsRemaining != 1 || got.NextTransfer != 160 {
		t.Fatalf("expected schedule advanced, got %+v", got)
	}
	bb, _ := l.GetBalance(bob, "USD")
	if bb.Liquid != 50 {
		t.Fatalf("expected 50 paid, got %d", bb.Liquid)
	}

	due, err = b.ScanRecurringDue(160)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected 1 due on second round, got %d err=%v", len(due), err)
	}
	if err := b.RunDuePayments(160, due); err != nil {
		t.Fatalf("run due 2: %v", err)
	}
	if _, err := b.GetRecurring(alice, "rc1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected recurring removed after last payment, got %v", err)
	}
}

func TestRecurringRequestAcceptActivatesSchedule(t *testing.T) {
	b, l := newTestBook(t)
	if err := l.Credit(alice, "USD", ledger.Liquid, 1000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	req := &RecurringRequest{
		From: alice, To: bob, RequestID: "rr1", Symbol: "USD", Amount: 10,
		IntervalSeconds: 60, StartTime: 100, End: 10000, PaymentsRemaining: 3,
	}
	if err := b.RequestRecurring(req); err != nil {
		t.Fatalf("request recurring: %v", err)
	}
	ab, _ := l.GetBalance(alice, "USD")
	if ab.Liquid != 1000 {
		t.Fatalf("expected no upfront escrow, got %d", ab.Liquid)
	}
	if err := b.AcceptRecurring(alice, "rr1"); err != nil {
		t.Fatalf("accept recurring: %v", err)
	}
	got, err := b.GetRecurring(alice, "rr1")
	if err != nil {
		t.Fatalf("get activated recurring: %v", err)
	}
	if got.NextTransfer != 100 || got.PaymentsRemaining != 3 {
		t.Fatalf("unexpected activated schedule: %+v", got)
	}
	if err := b.AcceptRecurring(alice, "rr1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double accept, got %v", err)
	}
}

func TestRequestRecurringRejectsInvalidSchedule(t *testing.T) {
	b, _ := newTestBook(t)
	req := &RecurringRequest{From: alice, To: bob, RequestID: "rr1", Symbol: "USD", Amount: 10, IntervalSeconds: 0, PaymentsRemaining: 1}
	if err := b.RequestRecurring(req); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
