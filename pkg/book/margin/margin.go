// Package margin is the margin-order book of §2/§4.4: leveraged
// positions that borrow from the credit pool, post collateral from
// CreditCollateral, and enter the spot book to acquire a position
// asset, tracked through the Opened → Filling → Filled → Liquidating →
// Closed state machine.
//
// Grounded on the teacher's account.Position VWAP entry-price update
// (UpdatePosition) and CheckMarginRequirement/CheckLiquidation bps
// formulas, retargeted from "mark price × size" notional to §4.4's
// collateral+position+debt collateralization formula.
package margin

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// State is the MarginOrder lifecycle of §4.4.
type State string

const (
	Opened      State = "Opened"
	Filling     State = "Filling"
	Filled      State = "Filled"
	Liquidating State = "Liquidating"
	Closed      State = "Closed"
)

// Order is the MarginOrder entity of §3.
type Order struct {
	Owner            common.Address
	OrderID          string
	CollateralSymbol string
	Collateral       int64
	DebtSymbol       string
	Debt             int64 // original borrowed amount
	DebtBalance      int64 // remaining unfilled debt to sell
	PositionSymbol   string
	Position         int64 // acquired position asset
	PositionBalance  int64
	SellPrice        price.Price // debt per position, entering price
	State            State
	AccruedInterest  int64

	StopLoss      int64 // 0 = unset; feed price (position per debt) threshold
	TakeProfit    int64
	LimitStop     int64
	LimitTake     int64
}

func orderKey(owner common.Address, orderID string) store.Key {
	return store.Key(owner.Hex() + "|" + orderID)
}

func (o *Order) PrimaryKey() store.Key { return orderKey(o.Owner, o.OrderID) }
func (o *Order) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexByOwner: store.Key(o.Owner.Hex()),
		IndexByDebt:  store.Key(o.DebtSymbol),
	}
}

const (
	IndexByOwner store.Index = "by_owner"
	IndexByDebt  store.Index = "by_debt"
)

// Book persists MarginOrders.
type Book struct {
	ledger *ledger.Ledger
	orders *store.Collection[*Order]
}

func NewBook(s *store.Store, l *ledger.Ledger) *Book {
	return &Book{ledger: l, orders: store.NewCollection[*Order](s, "marginorder:")}
}

// Open creates a new margin order in the Opened state. Collateral is
// drawn from the owner's CreditCollateral by the caller (pkg/engine,
// via pkg/credit) before calling Open; this package only tracks the
// order's own bookkeeping fields.
func (b *Book) Open(o *Order) error {
	if o.Collateral <= 0 || o.Debt <= 0 {
		return fmt.Errorf("margin: collateral and debt must be positive: %w", errs.ErrValidation)
	}
	o.DebtBalance = o.Debt
	o.PositionBalance = 0
	o.State = Opened
	if err := b.orders.Create(o); err != nil {
		return fmt.Errorf("margin: order %s/%s: %w", o.Owner.Hex(), o.OrderID, errs.ErrDuplicateID)
	}
	return nil
}

func (b *Book) Get(owner common.Address, orderID string) (*Order, error) {
	o := &Order{}
	found, err := b.orders.Get(orderKey(owner, orderID), o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("margin: order %s/%s: %w", owner.Hex(), orderID, errs.ErrNotFound)
	}
	return o, nil
}

func (b *Book) Save(o *Order) error { return b.orders.Upsert(o) }

func (b *Book) ListByOwner(owner common.Address) ([]*Order, error) {
	keys, err := b.orders.FindByIndex(IndexByOwner, store.Key(owner.Hex()))
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

func (b *Book) ListByDebt(debtSymbol string) ([]*Order, error) {
	keys, err := b.orders.FindByIndex(IndexByDebt, store.Key(debtSymbol))
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

// OnFill moves filled debt_balance into position_balance at matchPrice
// on a partial/full fill while the order sits on the sell side of the
// spot book (§4.4 Filling/Filled). positionGain is the position-asset
// amount the fill purchased.
func (o *Order) OnFill(debtFilled, positionGain int64) {
	o.DebtBalance -= debtFilled
	o.Position += positionGain
	o.PositionBalance += positionGain
	if o.DebtBalance <= 0 {
		o.State = Filled
	} else {
		o.State = Filling
	}
}

// Collateralization implements §4.4:
//
//	(collateral + position_balance×feed + debt_balance − debt − accrued_interest) / debt
//
// expressed as a ratio out of chainprops.RatioDenom.
func (o *Order) Collateralization(feedPositionPerDebt price.Price, props chainprops.Properties) (int64, error) {
	positionValueInDebt, err := feedPositionPerDebt.Reciprocal().Multiply(price.NewAmount(o.PositionBalance, o.PositionSymbol))
	if err != nil {
		return 0, err
	}
	numerator := o.Collateral + positionValueInDebt.Value + o.DebtBalance - o.Debt - o.AccruedInterest
	if o.Debt == 0 {
		return props.MarginOpenRatio, nil
	}
	return numerator * chainprops.RatioDenom / o.Debt, nil
}

// IsUndercollateralized reports collateralization < margin_liquidation_ratio.
func (o *Order) IsUndercollateralized(feedPositionPerDebt price.Price, props chainprops.Properties) (bool, error) {
	cr, err := o.Collateralization(feedPositionPerDebt, props)
	if err != nil {
		return false, err
	}
	return cr < props.MarginLiquidationRatio, nil
}

// CheckTriggers evaluates stop/take/limit-stop/limit-take against the
// current mark price (position per debt) and transitions to
// Liquidating if any is crossed; the plain stop/take variants close at
// the best available book price (signalled by returning useLimitPrice
// = false), the limit- variants close at the stored price.
func (o *Order) CheckTriggers(markPrice int64) (trigger bool, useLimitPrice bool, limitPrice int64) {
	switch {
	case o.StopLoss != 0 && markPrice <= o.StopLoss:
		return true, false, 0
	case o.TakeProfit != 0 && markPrice >= o.TakeProfit:
		return true, false, 0
	case o.LimitStop != 0 && markPrice <= o.LimitStop:
		return true, true, o.LimitStop
	case o.LimitTake != 0 && markPrice >= o.LimitTake:
		return true, true, o.LimitTake
	default:
		return false, false, 0
	}
}

// BeginLiquidation flips the order to sell position_balance to recover
// debt — owner-requested close, a triggered stop/take, or
// undercollateralization all funnel through here (§4.4).
func (o *Order) BeginLiquidation() {
	o.State = Liquidating
}

// ApplyInterest accrues hourly interest (§4.4/§4.5) onto
// accrued_interest.
func (o *Order) ApplyInterest(rateBps int64) {
	o.AccruedInterest += o.DebtBalance * rateBps / chainprops.BpsDenom
}

// Close settles a fully-unwound Liquidating order: debt repaid in
// full, residual collateral plus realized P&L returned to the owner's
// CreditCollateral liquid holding (handled by the caller via
// pkg/credit), and the order removed (§4.4 Closed).
func (b *Book) Close(o *Order) error {
	o.State = Closed
	return b.orders.Remove(orderKey(o.Owner, o.OrderID), o)
}
