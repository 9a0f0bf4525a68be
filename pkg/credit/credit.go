// Package credit is the credit pool of §2/§4.5: a per-asset lending
// pool lent into by suppliers, borrowed against CreditCollateral
// deposits, with an interest rate derived from utilization.
//
// Grounded on the teacher's Position.Leverage/MarginRatio bps formulas
// (account.go) for the collateralization-ratio math, and on
// CheckMarginRequirement's utilization-style cap idiom for
// market_max_credit_ratio.
package credit

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Pool is the per-asset lending pool state of §4.5.
type Pool struct {
	Symbol          string
	BaseBalance     int64 // lent funds available to borrow
	BorrowedBalance int64
	CreditBalance   int64 // supply of the corresponding credit-receipt asset
}

func (p *Pool) PrimaryKey() store.Key                     { return store.Key(p.Symbol) }
func (p *Pool) IndexKeys() map[store.Index]store.Key { return map[store.Index]store.Key{} }

// Collateral is the CreditCollateral entity of §3: per (owner, symbol)
// deposit backing CreditLoans.
type Collateral struct {
	Owner      common.Address
	Symbol     string
	Collateral int64
}

func collateralKey(owner common.Address, symbol string) store.Key {
	return store.Key(owner.Hex() + "|" + symbol)
}

func (c *Collateral) PrimaryKey() store.Key { return collateralKey(c.Owner, c.Symbol) }
func (c *Collateral) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexCollByOwner: store.Key(c.Owner.Hex())}
}

const IndexCollByOwner store.Index = "by_owner"

// Loan is the CreditLoan entity of §3.
type Loan struct {
	Owner            common.Address
	LoanID           string
	DebtSymbol       string
	DebtAmount       int64
	CollateralSymbol string
	CollateralAmount int64
	InterestAccrued  int64
	LoanPrice        int64 // collateral per debt at origination
	LiquidationPrice int64 // collateral per debt threshold
}

func loanKey(owner common.Address, loanID string) store.Key {
	return store.Key(owner.Hex() + "|" + loanID)
}

func (l *Loan) PrimaryKey() store.Key { return loanKey(l.Owner, l.LoanID) }
func (l *Loan) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexLoanByOwner:  store.Key(l.Owner.Hex()),
		IndexLoanByDebt:   store.Key(l.DebtSymbol),
	}
}

const (
	IndexLoanByOwner store.Index = "by_owner"
	IndexLoanByDebt  store.Index = "by_debt"
)

// Credit wraps every collection credit pools/collateral/loans need.
type Credit struct {
	pools       *store.Collection[*Pool]
	collaterals *store.Collection[*Collateral]
	loans       *store.Collection[*Loan]
}

func New(s *store.Store) *Credit {
	return &Credit{
		pools:       store.NewCollection[*Pool](s, "creditpool:"),
		collaterals: store.NewCollection[*Collateral](s, "creditcoll:"),
		loans:       store.NewCollection[*Loan](s, "creditloan:"),
	}
}

func (c *Credit) GetPool(symbol string) (*Pool, error) {
	p := &Pool{}
	found, err := c.pools.Get(store.Key(symbol), p)
	if err != nil {
		return nil, err
	}
	if !found {
		p = &Pool{Symbol: symbol}
	}
	return p, nil
}

func (c *Credit) SavePool(p *Pool) error { return c.pools.Upsert(p) }

// ListPools returns every credit pool that has ever been lent into,
// for the scheduler's per-block interest sweep (§4.8 step 5).
func (c *Credit) ListPools() ([]*Pool, error) {
	var out []*Pool
	err := c.pools.Scan(nil, nil, func() *Pool { return &Pool{} }, func(p *Pool) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// ListLoansByDebt returns every outstanding loan against debtSymbol.
func (c *Credit) ListLoansByDebt(debtSymbol string) ([]*Loan, error) {
	keys, err := c.loans.FindByIndex(IndexLoanByDebt, store.Key(debtSymbol))
	if err != nil {
		return nil, err
	}
	out := make([]*Loan, 0, len(keys))
	for _, k := range keys {
		l := &Loan{}
		found, err := c.loans.Get(k, l)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, l)
		}
	}
	return out, nil
}

// Lend deposits amount into the pool's base_balance on behalf of a
// supplier, crediting credit_balance 1:1 at par (the credit-receipt
// asset's own price discovery, if any, is out of this package's scope).
func (c *Credit) Lend(symbol string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit: lend amount must be positive: %w", errs.ErrValidation)
	}
	p, err := c.GetPool(symbol)
	if err != nil {
		return err
	}
	p.BaseBalance += amount
	p.CreditBalance += amount
	return c.SavePool(p)
}

// Withdraw removes amount of supplied liquidity; fails if it would
// leave BaseBalance below BorrowedBalance (pool must stay solvent for
// outstanding loans).
func (c *Credit) Withdraw(symbol string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit: withdraw amount must be positive: %w", errs.ErrValidation)
	}
	p, err := c.GetPool(symbol)
	if err != nil {
		return err
	}
	if p.BaseBalance-amount < p.BorrowedBalance {
		return fmt.Errorf("credit: withdrawal would undercollateralize pool %s: %w", symbol, errs.ErrInsufficientFunds)
	}
	p.BaseBalance -= amount
	p.CreditBalance -= amount
	return c.SavePool(p)
}

// InterestRateBps computes the hourly interest rate of §4.5:
// r = min_interest + variable_interest × borrowed/base, capped at
// min_interest + variable_interest at 100% utilization.
func InterestRateBps(p *Pool, props chainprops.Properties) int64 {
	if p.BaseBalance <= 0 {
		return props.CreditMinInterestBps + props.CreditVariableInterestBps
	}
	utilization := p.BorrowedBalance * chainprops.BpsDenom / p.BaseBalance
	if utilization > chainprops.BpsDenom {
		utilization = chainprops.BpsDenom
	}
	return props.CreditMinInterestBps + props.CreditVariableInterestBps*utilization/chainprops.BpsDenom
}

// GetCollateral returns the CreditCollateral record, implicit-zero if
// absent.
func (c *Credit) GetCollateral(owner common.Address, symbol string) (*Collateral, error) {
	cc := &Collateral{}
	found, err := c.collaterals.Get(collateralKey(owner, symbol), cc)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Collateral{Owner: owner, Symbol: symbol}, nil
	}
	return cc, nil
}

func (c *Credit) SaveCollateral(cc *Collateral) error { return c.collaterals.Upsert(cc) }

// DepositCollateral increases a CreditCollateral balance.
func (c *Credit) DepositCollateral(owner common.Address, symbol string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit: collateral deposit must be positive: %w", errs.ErrValidation)
	}
	cc, err := c.GetCollateral(owner, symbol)
	if err != nil {
		return err
	}
	cc.Collateral += amount
	return c.SaveCollateral(cc)
}

// WithdrawCollateral decreases a CreditCollateral balance; fails below
// zero.
func (c *Credit) WithdrawCollateral(owner common.Address, symbol string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit: collateral withdrawal must be positive: %w", errs.ErrValidation)
	}
	cc, err := c.GetCollateral(owner, symbol)
	if err != nil {
		return err
	}
	if cc.Collateral < amount {
		return fmt.Errorf("credit: insufficient collateral %s/%s: %w", owner.Hex(), symbol, errs.ErrInsufficientFunds)
	}
	cc.Collateral -= amount
	return c.SaveCollateral(cc)
}

// OpenLoan requires collateral×feed ≥ credit_open_ratio×debt (§4.5),
// draws debtAmount out of the pool's BaseBalance, deducts collateral
// from the caller's CreditCollateral, and records the new Loan.
// feedCollateralPerDebt is the feed price expressed as collateral per
// debt (price.Base = collateral symbol, price.Quote = debt symbol).
func (c *Credit) OpenLoan(owner common.Address, loanID, debtSymbol string, debtAmount int64,
	collateralSymbol string, collateralAmount int64, feedCollateralPerDebt price.Price,
	props chainprops.Properties) (*Loan, error) {
	if debtAmount <= 0 || collateralAmount <= 0 {
		return nil, fmt.Errorf("credit: loan amounts must be positive: %w", errs.ErrValidation)
	}
	if debtSymbol == collateralSymbol {
		return nil, fmt.Errorf("credit: debt and collateral symbols must differ: %w", errs.ErrValidation)
	}
	pool, err := c.GetPool(debtSymbol)
	if err != nil {
		return nil, err
	}
	if pool.BaseBalance-pool.BorrowedBalance < debtAmount {
		return nil, fmt.Errorf("credit: pool %s has insufficient liquidity: %w", debtSymbol, errs.ErrInsufficientFunds)
	}
	// collateralValueInDebt = collateral / feed (feed is collateral per debt)
	collateralValueInDebt, err := feedCollateralPerDebt.Multiply(price.NewAmount(collateralAmount, collateralSymbol))
	if err != nil {
		return nil, fmt.Errorf("credit: valuing collateral: %w", err)
	}
	required := debtAmount * props.CreditOpenRatio / chainprops.RatioDenom
	if collateralValueInDebt.Value < required {
		return nil, fmt.Errorf("credit: collateral ratio below credit_open_ratio: %w", errs.ErrConstraintViolation)
	}
	if err := c.WithdrawCollateral(owner, collateralSymbol, collateralAmount); err != nil {
		return nil, err
	}
	pool.BorrowedBalance += debtAmount
	if err := c.SavePool(pool); err != nil {
		return nil, err
	}
	loan := &Loan{
		Owner:            owner,
		LoanID:           loanID,
		DebtSymbol:       debtSymbol,
		DebtAmount:       debtAmount,
		CollateralSymbol: collateralSymbol,
		CollateralAmount: collateralAmount,
		LoanPrice:        feedCollateralPerDebt.Base.Value,
		LiquidationPrice: feedCollateralPerDebt.Base.Value * props.CreditLiquidationRatio / chainprops.RatioDenom,
	}
	if err := c.loans.Create(loan); err != nil {
		return nil, fmt.Errorf("credit: loan id %s: %w", loanID, errs.ErrDuplicateID)
	}
	return loan, nil
}

// GetLoan fetches a loan by (owner, loanID).
func (c *Credit) GetLoan(owner common.Address, loanID string) (*Loan, error) {
	l := &Loan{}
	found, err := c.loans.Get(loanKey(owner, loanID), l)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("credit: loan %s/%s: %w", owner.Hex(), loanID, errs.ErrNotFound)
	}
	return l, nil
}

func (c *Credit) SaveLoan(l *Loan) error { return c.loans.Upsert(l) }

// IsUndercollateralized reports whether the loan's collateral/debt
// ratio (valued at feedCollateralPerDebt) is below
// credit_liquidation_ratio, triggering liquidation (§4.5).
func (l *Loan) IsUndercollateralized(feedCollateralPerDebt price.Price, props chainprops.Properties) (bool, error) {
	collateralValueInDebt, err := feedCollateralPerDebt.Multiply(price.NewAmount(l.CollateralAmount, l.CollateralSymbol))
	if err != nil {
		return false, err
	}
	threshold := (l.DebtAmount + l.InterestAccrued) * props.CreditLiquidationRatio / chainprops.RatioDenom
	return collateralValueInDebt.Value < threshold, nil
}

// LiquidateLoan seizes an undercollateralized loan's collateral to
// cover its outstanding debt, valued at feedCollateralPerDebt, and
// destroys the loan regardless of remainder (§3 CreditLoan lifecycle:
// "destroyed at repayment or liquidation"). Collateral recovered above
// what's owed is returned to the owner; a shortfall is absorbed by
// the pool's borrowed-balance write-down, mirroring Repay's
// bookkeeping rather than a separate insurance fund.
func (c *Credit) LiquidateLoan(l *Loan, feedCollateralPerDebt price.Price) error {
	owed := l.DebtAmount + l.InterestAccrued
	collateralValueInDebt, err := feedCollateralPerDebt.Multiply(price.NewAmount(l.CollateralAmount, l.CollateralSymbol))
	if err != nil {
		return err
	}
	pool, err := c.GetPool(l.DebtSymbol)
	if err != nil {
		return err
	}
	pool.BorrowedBalance -= owed
	if pool.BorrowedBalance < 0 {
		pool.BorrowedBalance = 0
	}
	if err := c.SavePool(pool); err != nil {
		return err
	}
	if collateralValueInDebt.Value > owed {
		surplus, err := feedCollateralPerDebt.MultiplyAndRoundUp(price.NewAmount(collateralValueInDebt.Value-owed, l.DebtSymbol))
		if err == nil && surplus.Value > 0 {
			if err := c.DepositCollateral(l.Owner, l.CollateralSymbol, surplus.Value); err != nil {
				return err
			}
		}
	}
	return c.loans.Remove(loanKey(l.Owner, l.LoanID), l)
}

// Repay reduces the loan's debt and pool borrowed balance; if debt
// reaches zero, releases remaining collateral back to the owner's
// CreditCollateral and removes the loan (§3 CreditLoan lifecycle:
// "destroyed at repayment or liquidation").
func (c *Credit) Repay(l *Loan, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit: repay amount must be positive: %w", errs.ErrValidation)
	}
	if amount > l.DebtAmount+l.InterestAccrued {
		amount = l.DebtAmount + l.InterestAccrued
	}
	fromInterest := amount
	if fromInterest > l.InterestAccrued {
		fromInterest = l.InterestAccrued
	}
	l.InterestAccrued -= fromInterest
	l.DebtAmount -= amount - fromInterest

	pool, err := c.GetPool(l.DebtSymbol)
	if err != nil {
		return err
	}
	principalPortion := amount - fromInterest
	if principalPortion > pool.BorrowedBalance {
		principalPortion = pool.BorrowedBalance
	}
	pool.BorrowedBalance -= principalPortion
	if err := c.SavePool(pool); err != nil {
		return err
	}

	if l.DebtAmount <= 0 && l.InterestAccrued <= 0 {
		if err := c.DepositCollateral(l.Owner, l.CollateralSymbol, l.CollateralAmount); err != nil {
			return err
		}
		return c.loans.Remove(loanKey(l.Owner, l.LoanID), l)
	}
	return c.SaveLoan(l)
}
