// Package transfer covers §6's transfer family: direct transfers,
// request/accept escrow transfers, and recurring transfers with
// fill_or_kill/extensible semantics (§4.8 step 4, §8 scenario 6).
//
// Grounded on the teacher's AccountManager.LockCollateral/UnlockCollateral
// escrow pattern (pkg/app/core/account/manager.go), here used to hold a
// transfer_request's amount out of the sender's liquid balance until
// accept or expiry instead of holding margin against an open order.
package transfer

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Request is a TransferRequest entity: an escrowed transfer awaiting
// the recipient's accept, or expiry back to the sender.
type Request struct {
	From       common.Address
	To         common.Address
	RequestID  string
	Symbol     string
	Amount     int64
	Memo       string
	Expiration int64
}

func requestKey(from common.Address, id string) store.Key {
	return store.Key(from.Hex() + "|" + id)
}

func (r *Request) PrimaryKey() store.Key { return requestKey(r.From, r.RequestID) }
func (r *Request) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByRecipient: store.Key(r.To.Hex() + "|" + r.From.Hex() + "|" + r.RequestID)}
}

const IndexByRecipient store.Index = "by_recipient"

// Recurring is a scheduled series of payments drawn from the sender's
// liquid balance at each due interval (§4.8 step 4).
type Recurring struct {
	From              common.Address
	To                common.Address
	RecurringID       string
	Symbol            string
	Amount            int64 // 0 means "entire liquid balance" (§8 scenario 6)
	IntervalSeconds   int64
	NextTransfer      int64
	End               int64
	PaymentsRemaining int64
	FillOrKill        bool
	Extensible        bool
}

func recurringKey(from common.Address, id string) store.Key {
	return store.Key(from.Hex() + "|" + id)
}

func (r *Recurring) PrimaryKey() store.Key { return recurringKey(r.From, r.RecurringID) }
func (r *Recurring) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByNextTransfer: store.Key(fmt.Sprintf("%020d|%s|%s", r.NextTransfer, r.From.Hex(), r.RecurringID))}
}

const IndexByNextTransfer store.Index = "by_next_transfer"

// RecurringRequest is a proposed recurring schedule awaiting the
// recipient's accept before it starts paying out — the same
// escrow-then-accept shape as Request/AcceptTransfer, applied to a
// repeating schedule instead of a one-shot amount (§6
// `transfer_recurring_request`/`transfer_recurring_accept`, distinct
// from the sender-scheduled `transfer_recurring`).
type RecurringRequest struct {
	From              common.Address
	To                common.Address
	RequestID         string
	Symbol            string
	Amount            int64
	IntervalSeconds   int64
	StartTime         int64
	End               int64
	PaymentsRemaining int64
	FillOrKill        bool
	Extensible        bool
}

func recurringRequestKey(from common.Address, id string) store.Key {
	return store.Key(from.Hex() + "|" + id)
}

func (r *RecurringRequest) PrimaryKey() store.Key { return recurringRequestKey(r.From, r.RequestID) }
func (r *RecurringRequest) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexRecurReqByRecipient: store.Key(r.To.Hex() + "|" + r.From.Hex() + "|" + r.RequestID)}
}

const IndexRecurReqByRecipient store.Index = "by_recipient"

// Book persists TransferRequests, Recurring transfers, and
// RecurringRequests.
type Book struct {
	ledger           *ledger.Ledger
	requests         *store.Collection[*Request]
	recurrings       *store.Collection[*Recurring]
	recurringRequests *store.Collection[*RecurringRequest]
}

func NewBook(s *store.Store, l *ledger.Ledger) *Book {
	return &Book{
		ledger:            l,
		requests:          store.NewCollection[*Request](s, "xferreq:"),
		recurrings:        store.NewCollection[*Recurring](s, "xferrecur:"),
		recurringRequests: store.NewCollection[*RecurringRequest](s, "xferrecurreq:"),
	}
}

// Transfer moves amount of symbol directly between liquid balances (§6 `transfer`).
func (b *Book) Transfer(from, to common.Address, symbol string, amount int64) error {
	return b.ledger.Transfer(from, to, symbol, amount)
}

// RequestTransfer escrows amount out of from's liquid balance pending accept or expiry.
func (b *Book) RequestTransfer(r *Request, blockTime int64) error {
	if r.Amount <= 0 {
		return fmt.Errorf("transfer: amount must be positive: %w", errs.ErrValidation)
	}
	if r.Expiration <= blockTime {
		return fmt.Errorf("transfer: expiration must be in the future: %w", errs.ErrValidation)
	}
	if err := b.ledger.Debit(r.From, r.Symbol, ledger.Liquid, r.Amount); err != nil {
		return err
	}
	if err := b.requests.Create(r); err != nil {
		_ = b.ledger.Credit(r.From, r.Symbol, ledger.Liquid, r.Amount)
		return fmt.Errorf("transfer: request %s/%s: %w", r.From.Hex(), r.RequestID, errs.ErrDuplicateID)
	}
	return nil
}

// AcceptTransfer releases an escrowed request to its recipient (§6 `transfer_accept`).
func (b *Book) AcceptTransfer(from common.Address, requestID string) error {
	r := &Request{}
	found, err := b.requests.Get(requestKey(from, requestID), r)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transfer: request %s/%s: %w", from.Hex(), requestID, errs.ErrNotFound)
	}
	if err := b.ledger.Credit(r.To, r.Symbol, ledger.Liquid, r.Amount); err != nil {
		return err
	}
	return b.requests.Remove(r.PrimaryKey(), r)
}

// ExpireRequests refunds and removes every transfer request past
// expiration (§4.8 step 1). Requests are scanned in full since they
// have no natural due-time secondary index (unlike Recurring, whose
// schedule is the whole point of its IndexByNextTransfer).
func (b *Book) ExpireRequests(blockTime int64) error {
	var due []*Request
	err := b.requests.Scan(nil, nil, func() *Request { return &Request{} }, func(r *Request) error {
		if r.Expiration <= blockTime {
			due = append(due, r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range due {
		if err := b.ledger.Credit(r.From, r.Symbol, ledger.Liquid, r.Amount); err != nil {
			return err
		}
		if err := b.requests.Remove(r.PrimaryKey(), r); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleRecurring creates a new recurring transfer (§6 `transfer_recurring`).
func (b *Book) ScheduleRecurring(r *Recurring) error {
	if r.PaymentsRemaining <= 0 || r.IntervalSeconds <= 0 {
		return fmt.Errorf("transfer: invalid recurring schedule: %w", errs.ErrValidation)
	}
	if err := b.recurrings.Create(r); err != nil {
		return fmt.Errorf("transfer: recurring %s/%s: %w", r.From.Hex(), r.RecurringID, errs.ErrDuplicateID)
	}
	return nil
}

func (b *Book) GetRecurring(from common.Address, id string) (*Recurring, error) {
	r := &Recurring{}
	found, err := b.recurrings.Get(recurringKey(from, id), r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("transfer: recurring %s/%s: %w", from.Hex(), id, errs.ErrNotFound)
	}
	return r, nil
}

// RunDuePayments executes every recurring payment whose NextTransfer ≤
// blockTime, applying §4.8 step 4's fill_or_kill/extensible/skip
// semantics on insufficient funds.
func (b *Book) RunDuePayments(blockTime int64, due []*Recurring) error {
	for _, r := range due {
		amount := r.Amount
		if amount == 0 {
			bal, err := b.ledger.GetBalance(r.From, r.Symbol)
			if err != nil {
				return err
			}
			amount = bal.Liquid
		}
		var err error
		if amount <= 0 {
			err = fmt.Errorf("transfer: %w", errs.ErrInsufficientFunds)
		} else {
			err = b.ledger.Transfer(r.From, r.To, r.Symbol, amount)
		}
		switch {
		case err == nil:
			r.PaymentsRemaining--
			r.NextTransfer += r.IntervalSeconds
		case r.FillOrKill:
			if err := b.recurrings.Remove(r.PrimaryKey(), r); err != nil {
				return err
			}
			continue
		case r.Extensible:
			r.End += r.IntervalSeconds
			r.NextTransfer += r.IntervalSeconds
		default:
			r.PaymentsRemaining--
			r.NextTransfer += r.IntervalSeconds
		}
		if r.PaymentsRemaining <= 0 || r.NextTransfer > r.End {
			if err := b.recurrings.Remove(r.PrimaryKey(), r); err != nil {
				return err
			}
			continue
		}
		if err := b.recurrings.Upsert(r); err != nil {
			return err
		}
	}
	return nil
}

// RequestRecurring proposes a recurring schedule for the recipient to
// accept (§6 `transfer_recurring_request`); unlike RequestTransfer it
// escrows nothing up front, since a Recurring pays out of the
// sender's liquid balance at each due interval rather than from a
// locked amount.
func (b *Book) RequestRecurring(r *RecurringRequest) error {
	if r.PaymentsRemaining <= 0 || r.IntervalSeconds <= 0 {
		return fmt.Errorf("transfer: invalid recurring request schedule: %w", errs.ErrValidation)
	}
	if err := b.recurringRequests.Create(r); err != nil {
		return fmt.Errorf("transfer: recurring request %s/%s: %w", r.From.Hex(), r.RequestID, errs.ErrDuplicateID)
	}
	return nil
}

// AcceptRecurring activates a pending RecurringRequest into a live
// Recurring schedule (§6 `transfer_recurring_accept`).
func (b *Book) AcceptRecurring(from common.Address, requestID string) error {
	r := &RecurringRequest{}
	found, err := b.recurringRequests.Get(recurringRequestKey(from, requestID), r)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("transfer: recurring request %s/%s: %w", from.Hex(), requestID, errs.ErrNotFound)
	}
	rec := &Recurring{
		From: r.From, To: r.To, RecurringID: r.RequestID, Symbol: r.Symbol, Amount: r.Amount,
		IntervalSeconds: r.IntervalSeconds, NextTransfer: r.StartTime, End: r.End,
		PaymentsRemaining: r.PaymentsRemaining, FillOrKill: r.FillOrKill, Extensible: r.Extensible,
	}
	if err := b.ScheduleRecurring(rec); err != nil {
		return err
	}
	return b.recurringRequests.Remove(r.PrimaryKey(), r)
}

func (b *Book) ScanRecurringDue(blockTime int64) ([]*Recurring, error) {
	low := store.Key(fmt.Sprintf("%020d", 0))
	high := store.Key(fmt.Sprintf("%020d", blockTime+1))
	keys, err := b.recurrings.RangeByIndex(IndexByNextTransfer, low, high)
	if err != nil {
		return nil, err
	}
	out := make([]*Recurring, 0, len(keys))
	for _, k := range keys {
		r := &Recurring{}
		found, err := b.recurrings.Get(k, r)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, r)
		}
	}
	return out, nil
}
