// Package ledger is the asset registry and per-account balance store of
// §2 "Asset ledger" / §3 Asset and Balance entities: per-(account,
// symbol) balances split into liquid/staked/savings/reward partitions,
// with credit/debit primitives enforcing overflow and non-negativity.
//
// Grounded on the teacher's pkg/app/core/account/account.go balance and
// cumulative-statistics fields (USDCBalance/LockedCollateral/
// TotalVolume/TradeCount), generalized from a single USDC balance to
// arbitrary per-symbol partitioned balances addressed through pkg/store.
package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/store"
)

// AssetType enumerates the asset kinds of §3.
type AssetType string

const (
	AssetCore      AssetType = "core"
	AssetStable    AssetType = "stable"
	AssetEquity    AssetType = "equity"
	AssetCredit    AssetType = "credit"
	AssetLiquidity AssetType = "liquidity"
	AssetOption    AssetType = "option"
	AssetStandard  AssetType = "standard"
)

// Asset is the registry entry for one traded symbol.
type Asset struct {
	Symbol    string
	Precision int // [0,12]
	Type      AssetType
	Issuer    common.Address

	Supply         int64 // total issued shares
	Burned         int64
	GloballySettled bool // black-swan flag (§4.3 step 3)
	SettlementPrice int64 // collateral-per-debt price.Value snapshot at settlement, if GloballySettled
}

func (a *Asset) PrimaryKey() store.Key { return store.Key(a.Symbol) }
func (a *Asset) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByType: store.Key(string(a.Type) + ":" + a.Symbol)}
}

const IndexByType store.Index = "by_type"

// Balance is the per-(account,symbol) partitioned balance of §3. Every
// partition is individually non-negative; "liquid" is the only
// partition ordinary operations (transfers, order placement) draw from.
type Balance struct {
	Account common.Address
	Symbol  string

	Liquid  int64
	Staked  int64
	Savings int64
	Reward  int64
}

func balanceKey(acct common.Address, symbol string) store.Key {
	return store.Key(acct.Hex() + "|" + symbol)
}

func (b *Balance) PrimaryKey() store.Key { return balanceKey(b.Account, b.Symbol) }
func (b *Balance) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexBySymbol:  store.Key(b.Symbol + "|" + b.Account.Hex()),
		IndexByAccount: store.Key(b.Account.Hex() + "|" + b.Symbol),
	}
}

const (
	IndexBySymbol  store.Index = "by_symbol"
	IndexByAccount store.Index = "by_account"
)

// Total returns the sum of all four partitions.
func (b *Balance) Total() int64 { return b.Liquid + b.Staked + b.Savings + b.Reward }

// Ledger wraps the store collections for assets and balances and
// exposes the credit/debit primitives every book/pool package builds
// on.
type Ledger struct {
	assets           *store.Collection[*Asset]
	balances         *store.Collection[*Balance]
	savingsWithdraws *store.Collection[*SavingsWithdraw]
}

func New(s *store.Store) *Ledger {
	return &Ledger{
		assets:           store.NewCollection[*Asset](s, "asset:"),
		balances:         store.NewCollection[*Balance](s, "bal:"),
		savingsWithdraws: store.NewCollection[*SavingsWithdraw](s, "savingswd:"),
	}
}

// IssueAsset registers a new asset symbol. Fails with ErrDuplicateID if
// the symbol is already registered.
func (l *Ledger) IssueAsset(a *Asset) error {
	if a.Symbol == "" {
		return fmt.Errorf("ledger: empty symbol: %w", errs.ErrValidation)
	}
	if a.Precision < 0 || a.Precision > 12 {
		return fmt.Errorf("ledger: precision %d out of [0,12]: %w", a.Precision, errs.ErrValidation)
	}
	if err := l.assets.Create(a); err != nil {
		return fmt.Errorf("ledger: asset %s: %w", a.Symbol, errs.ErrDuplicateID)
	}
	return nil
}

func (l *Ledger) GetAsset(symbol string) (*Asset, error) {
	a := &Asset{}
	found, err := l.assets.Get(store.Key(symbol), a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("ledger: asset %s: %w", symbol, errs.ErrNotFound)
	}
	return a, nil
}

func (l *Ledger) SaveAsset(a *Asset) error { return l.assets.Upsert(a) }

// ListAssets returns every registered asset, for the API's market
// listing and the scheduler's feed-decay sweep.
func (l *Ledger) ListAssets() ([]*Asset, error) {
	var out []*Asset
	err := l.assets.Scan(nil, nil, func() *Asset { return &Asset{} }, func(a *Asset) error {
		out = append(out, a)
		return nil
	})
	return out, err
}

// ListBalancesByAccount returns every non-implicit balance record held
// by acct, for the API's account overview.
func (l *Ledger) ListBalancesByAccount(acct common.Address) ([]*Balance, error) {
	keys, err := l.balances.FindByIndex(IndexByAccount, store.Key(acct.Hex()))
	if err != nil {
		return nil, err
	}
	out := make([]*Balance, 0, len(keys))
	for _, k := range keys {
		b := &Balance{}
		found, err := l.balances.Get(k, b)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetBalance returns the balance record for (account, symbol), creating
// a zeroed one implicitly if none exists yet (§3 Balance lifecycle:
// "implicit on first credit").
func (l *Ledger) GetBalance(acct common.Address, symbol string) (*Balance, error) {
	b := &Balance{}
	found, err := l.balances.Get(balanceKey(acct, symbol), b)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Balance{Account: acct, Symbol: symbol}, nil
	}
	return b, nil
}

func (l *Ledger) saveBalance(b *Balance) error { return l.balances.Upsert(b) }

// Partition identifies one of the four balance subdivisions.
type Partition int

const (
	Liquid Partition = iota
	Staked
	Savings
	Reward
)

func partitionPtr(b *Balance, p Partition) *int64 {
	switch p {
	case Staked:
		return &b.Staked
	case Savings:
		return &b.Savings
	case Reward:
		return &b.Reward
	default:
		return &b.Liquid
	}
}

// Credit increases partition p of (acct, symbol) by amount; it does not
// change the asset's recorded supply (Transfer uses it for the receiving
// side). amount must be > 0.
func (l *Ledger) Credit(acct common.Address, symbol string, p Partition, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive: %w", errs.ErrValidation)
	}
	b, err := l.GetBalance(acct, symbol)
	if err != nil {
		return err
	}
	ptr := partitionPtr(b, p)
	next := *ptr + amount
	if next < *ptr {
		return fmt.Errorf("ledger: credit overflow on %s/%s: %w", acct.Hex(), symbol, errs.ErrConstraintViolation)
	}
	*ptr = next
	return l.saveBalance(b)
}

// Debit decreases partition p of (acct, symbol) by amount. Fails with
// ErrInsufficientFunds if the partition would go negative.
func (l *Ledger) Debit(acct common.Address, symbol string, p Partition, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: debit amount must be positive: %w", errs.ErrValidation)
	}
	b, err := l.GetBalance(acct, symbol)
	if err != nil {
		return err
	}
	ptr := partitionPtr(b, p)
	if *ptr < amount {
		return fmt.Errorf("ledger: %s/%s has %d, needs %d: %w", acct.Hex(), symbol, *ptr, amount, errs.ErrInsufficientFunds)
	}
	*ptr -= amount
	return l.saveBalance(b)
}

// Move transfers amount from one partition to another within the same
// (account, symbol) balance record, e.g. liquid → staked on a stake
// request. It never touches asset supply.
func (l *Ledger) Move(acct common.Address, symbol string, from, to Partition, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: move amount must be positive: %w", errs.ErrValidation)
	}
	b, err := l.GetBalance(acct, symbol)
	if err != nil {
		return err
	}
	fromPtr := partitionPtr(b, from)
	if *fromPtr < amount {
		return fmt.Errorf("ledger: %s/%s has %d in source partition, needs %d: %w", acct.Hex(), symbol, *fromPtr, amount, errs.ErrInsufficientFunds)
	}
	*fromPtr -= amount
	toPtr := partitionPtr(b, to)
	*toPtr += amount
	return l.saveBalance(b)
}

// Transfer moves amount of a liquid balance from one account to
// another — the primitive behind the `transfer` operation of §6.
func (l *Ledger) Transfer(from, to common.Address, symbol string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer amount must be positive: %w", errs.ErrValidation)
	}
	if err := l.Debit(from, symbol, Liquid, amount); err != nil {
		return err
	}
	return l.Credit(to, symbol, Liquid, amount)
}

// SavingsWithdraw is a request to move funds out of the savings
// partition back to liquid, maturing after a fixed delay instead of
// completing immediately — grounded on savings_withdraw_object's
// from/to/memo/request_id/amount/complete fields.
type SavingsWithdraw struct {
	From      common.Address
	To        common.Address
	RequestID string
	Symbol    string
	Amount    int64
	Memo      string
	Complete  int64 // block_time the withdrawal matures and pays out
}

func savingsWithdrawKey(from common.Address, id string) store.Key {
	return store.Key(from.Hex() + "|" + id)
}

func (w *SavingsWithdraw) PrimaryKey() store.Key { return savingsWithdrawKey(w.From, w.RequestID) }
func (w *SavingsWithdraw) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{
		IndexByComplete: store.Key(fmt.Sprintf("%020d|%s|%s", w.Complete, w.From.Hex(), w.RequestID)),
	}
}

const IndexByComplete store.Index = "by_complete"

// RequestSavingsWithdraw escrows amount out of from's savings
// partition pending maturity at w.Complete (§6 `savings_withdraw`).
func (l *Ledger) RequestSavingsWithdraw(w *SavingsWithdraw) error {
	if w.Amount <= 0 {
		return fmt.Errorf("ledger: savings withdraw amount must be positive: %w", errs.ErrValidation)
	}
	if err := l.Debit(w.From, w.Symbol, Savings, w.Amount); err != nil {
		return err
	}
	if err := l.savingsWithdraws.Create(w); err != nil {
		_ = l.Credit(w.From, w.Symbol, Savings, w.Amount)
		return fmt.Errorf("ledger: savings withdraw %s/%s: %w", w.From.Hex(), w.RequestID, errs.ErrDuplicateID)
	}
	return nil
}

// ListSavingsWithdrawsDue returns every escrowed savings withdrawal
// whose Complete time has arrived, in maturity order.
func (l *Ledger) ListSavingsWithdrawsDue(blockTime int64) ([]*SavingsWithdraw, error) {
	low := store.Key(fmt.Sprintf("%020d", 0))
	high := store.Key(fmt.Sprintf("%020d", blockTime+1))
	keys, err := l.savingsWithdraws.RangeByIndex(IndexByComplete, low, high)
	if err != nil {
		return nil, err
	}
	out := make([]*SavingsWithdraw, 0, len(keys))
	for _, k := range keys {
		w := &SavingsWithdraw{}
		found, err := l.savingsWithdraws.Get(k, w)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, w)
		}
	}
	return out, nil
}

// CompleteSavingsWithdraw pays a matured withdrawal out to its
// recipient's liquid balance and removes the escrow record.
func (l *Ledger) CompleteSavingsWithdraw(w *SavingsWithdraw) error {
	if err := l.Credit(w.To, w.Symbol, Liquid, w.Amount); err != nil {
		return err
	}
	return l.savingsWithdraws.Remove(w.PrimaryKey(), w)
}

// Trade records one matched fill in the trade history log (§2 "Asset
// ledger" cumulative stats, generalized from the teacher's
// Account.TotalVolume/TradeCount/TotalFeesPaid fields into a standalone
// append-only log keyed by (symbol-pair, sequence)).
type Trade struct {
	Seq        uint64
	Market     string // sorted "SYM1/SYM2" pair
	MakerID    string
	TakerID    string
	Price      int64 // base.Value at the reduced match price
	BaseAmount int64
	BlockTime  int64
}

func (t *Trade) PrimaryKey() store.Key {
	return store.Key(fmt.Sprintf("%s|%020d", t.Market, t.Seq))
}
func (t *Trade) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexByMarket: store.Key(t.Market)}
}

const IndexByMarket store.Index = "by_market"

// TradeLog append-only records fills for query/history purposes; it is
// not consulted by the matching algorithms themselves.
type TradeLog struct {
	trades *store.Collection[*Trade]
	next   map[string]uint64
}

func NewTradeLog(s *store.Store) *TradeLog {
	return &TradeLog{trades: store.NewCollection[*Trade](s, "trade:"), next: make(map[string]uint64)}
}

func (tl *TradeLog) Record(t *Trade) error {
	t.Seq = tl.next[t.Market]
	tl.next[t.Market]++
	return tl.trades.Create(t)
}

func (tl *TradeLog) RecentByMarket(market string) ([]store.Key, error) {
	return tl.trades.FindByIndex(IndexByMarket, store.Key(market))
}

// ListRecentByMarket returns up to limit of the most recently recorded
// trades for market, newest last (ascending sequence order).
func (tl *TradeLog) ListRecentByMarket(market string, limit int) ([]*Trade, error) {
	keys, err := tl.RecentByMarket(market)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]*Trade, 0, len(keys))
	for _, k := range keys {
		t := &Trade{}
		found, err := tl.trades.Get(k, t)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, t)
		}
	}
	return out, nil
}
