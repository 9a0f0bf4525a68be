// Package transaction is the signed-operation envelope of §6: a
// length-prefixed tagged union whose canonical bytes (chain-id
// prefixed) are what EIP-712 signatures commit to.
//
// Generalized from the teacher's SignedTransaction{Order, Cancel}
// two-variant envelope into one envelope carrying a payload pointer
// per §6 operation kind; the signing/verification plumbing
// (pkg/crypto's EIP-712 domain signer) is unchanged.
package transaction

import (
	"encoding/json"
	"fmt"
)

// OpType is the operation-kind discriminant of the tagged union.
type OpType string

const (
	OpTransfer               OpType = "transfer"
	OpTransferRequest        OpType = "transfer_request"
	OpTransferAccept         OpType = "transfer_accept"
	OpTransferRecurring      OpType = "transfer_recurring"
	OpTransferRecurringRequest OpType = "transfer_recurring_request"
	OpTransferRecurringAccept  OpType = "transfer_recurring_accept"
	OpSavingsWithdraw        OpType = "savings_withdraw"
	OpCreditLoanOpen         OpType = "credit_loan_open"
	OpCreditLoanRepay        OpType = "credit_loan_repay"
	OpLimitOrder             OpType = "limit_order"
	OpCancelLimit            OpType = "cancel_limit"
	OpMarginOrder            OpType = "margin_order"
	OpAuctionOrder           OpType = "auction_order"
	OpCallOrder              OpType = "call_order"
	OpOptionOrder            OpType = "option_order"
	OpCollateralBid          OpType = "collateral_bid"
	OpForceSettle            OpType = "force_settle"
	OpCreditPoolLend         OpType = "credit_pool_lend"
	OpCreditPoolWithdraw     OpType = "credit_pool_withdraw"
	OpCreditPoolCollateral   OpType = "credit_pool_collateral"
	OpAssetPublishFeed       OpType = "asset_publish_feed"
	OpAssetOptionExercise    OpType = "asset_option_exercise"
	OpLegacy                 OpType = "legacy"
)

// SignedTransaction is one signed operation plus its authority proof.
// A block transaction (§4.9) is a list of these sharing one
// chain-id/reference-block/expiration envelope (pkg/engine.Transaction).
type SignedTransaction struct {
	Type      OpType `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string `json:"signature"`

	AgentMode    bool   `json:"agent_mode,omitempty"`
	DelegationID string `json:"delegation_id,omitempty"`
}

// TransferPayload covers `transfer`/`transfer_request`/`transfer_accept`.
type TransferPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	RequestID  string `json:"request_id,omitempty"`
	Symbol     string `json:"symbol"`
	Amount     int64  `json:"amount"`
	Memo       string `json:"memo,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
}

// RecurringTransferPayload covers `transfer_recurring`.
type RecurringTransferPayload struct {
	From              string `json:"from"`
	To                string `json:"to"`
	RecurringID       string `json:"recurring_id"`
	Symbol            string `json:"symbol"`
	Amount            int64  `json:"amount"`
	IntervalSeconds   int64  `json:"interval_seconds"`
	NextTransfer      int64  `json:"next_transfer"`
	End               int64  `json:"end"`
	PaymentsRemaining int64  `json:"payments_remaining"`
	FillOrKill        bool   `json:"fill_or_kill"`
	Extensible        bool   `json:"extensible"`
}

// RecurringTransferRequestPayload covers `transfer_recurring_request`:
// a proposed recurring schedule awaiting the recipient's accept,
// distinct from `transfer_recurring`'s directly-scheduled variant.
type RecurringTransferRequestPayload struct {
	To                string `json:"to"`
	RequestID         string `json:"request_id"`
	Symbol            string `json:"symbol"`
	Amount            int64  `json:"amount"`
	IntervalSeconds   int64  `json:"interval_seconds"`
	StartTime         int64  `json:"start_time"`
	End               int64  `json:"end"`
	PaymentsRemaining int64  `json:"payments_remaining"`
	FillOrKill        bool   `json:"fill_or_kill"`
	Extensible        bool   `json:"extensible"`
}

// RecurringTransferAcceptPayload covers `transfer_recurring_accept`.
type RecurringTransferAcceptPayload struct {
	From      string `json:"from"`
	RequestID string `json:"request_id"`
}

// SavingsWithdrawPayload covers `savings_withdraw`, grounded on
// savings_withdraw_object's from/to/memo/request_id/amount fields; the
// maturity delay is a chain-wide constant the engine applies, not a
// client-supplied field.
type SavingsWithdrawPayload struct {
	To        string `json:"to"`
	RequestID string `json:"request_id"`
	Symbol    string `json:"symbol"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo,omitempty"`
}

// CreditLoanPayload covers `credit_loan_open`. FeedCollateralAmount/
// FeedDebtAmount is the caller-submitted collateral-per-debt feed
// price the loan opens against (checked against credit_open_ratio).
type CreditLoanPayload struct {
	LoanID               string `json:"loan_id"`
	DebtSymbol           string `json:"debt_symbol"`
	DebtAmount           int64  `json:"debt_amount"`
	CollateralSymbol     string `json:"collateral_symbol"`
	CollateralAmount     int64  `json:"collateral_amount"`
	FeedCollateralAmount int64  `json:"feed_collateral_amount"`
	FeedDebtAmount       int64  `json:"feed_debt_amount"`
}

// CreditLoanRepayPayload covers `credit_loan_repay`.
type CreditLoanRepayPayload struct {
	LoanID string `json:"loan_id"`
	Amount int64  `json:"amount"`
}

// LimitOrderPayload covers `limit_order` and `cancel_limit`.
type LimitOrderPayload struct {
	Owner           string `json:"owner"`
	OrderID         string `json:"order_id"`
	AmountToSell    int64  `json:"amount_to_sell"`
	PriceBaseSymbol string `json:"price_base_symbol"`
	PriceBaseAmount int64  `json:"price_base_amount"`
	PriceQuoteSymbol string `json:"price_quote_symbol"`
	PriceQuoteAmount int64  `json:"price_quote_amount"`
	Expiration      int64  `json:"expiration"`
	Interface       string `json:"interface,omitempty"`
	FillOrKill      bool   `json:"fill_or_kill"`
	Opened          bool   `json:"opened"`
}

// MarginOrderPayload covers `margin_order`.
type MarginOrderPayload struct {
	Owner             string `json:"owner"`
	OrderID           string `json:"order_id"`
	CollateralSymbol  string `json:"collateral_symbol"`
	Collateral        int64  `json:"collateral"`
	DebtSymbol        string `json:"debt_symbol"`
	AmountToBorrow    int64  `json:"amount_to_borrow"`
	PositionSymbol    string `json:"position_symbol"`
	PriceDebtAmount   int64  `json:"price_debt_amount"`
	PricePosAmount    int64  `json:"price_position_amount"`
	Expiration        int64  `json:"expiration"`
	Interface         string `json:"interface,omitempty"`
	FillOrKill        bool   `json:"fill_or_kill"`
	Opened            bool   `json:"opened"`
	ForceClose        bool   `json:"force_close"`
	StopLoss          int64  `json:"stop_loss,omitempty"`
	TakeProfit        int64  `json:"take_profit,omitempty"`
	LimitStop         int64  `json:"limit_stop,omitempty"`
	LimitTake         int64  `json:"limit_take,omitempty"`
}

// AuctionOrderPayload covers `auction_order`.
type AuctionOrderPayload struct {
	Owner               string `json:"owner"`
	OrderID             string `json:"order_id"`
	SellSymbol          string `json:"sell_symbol"`
	AmountToSell        int64  `json:"amount_to_sell"`
	LimitCloseBaseAmount  int64  `json:"limit_close_base_amount"`
	LimitCloseQuoteSymbol string `json:"limit_close_quote_symbol"`
	LimitCloseQuoteAmount int64  `json:"limit_close_quote_amount"`
	Expiration          int64  `json:"expiration"`
	Interface           string `json:"interface,omitempty"`
	Opened              bool   `json:"opened"`
}

// CallOrderPayload covers `call_order` (zero debt closes).
type CallOrderPayload struct {
	Borrower           string `json:"borrower"`
	CollateralSymbol   string `json:"collateral_symbol"`
	Collateral         int64  `json:"collateral"`
	DebtSymbol         string `json:"debt_symbol"`
	Debt               int64  `json:"debt"`
	TargetCollateralRatio int64 `json:"target_collateral_ratio,omitempty"`
	Interface          string `json:"interface,omitempty"`
}

// OptionOrderPayload covers `option_order` (zero issued closes).
type OptionOrderPayload struct {
	Owner             string `json:"owner"`
	OrderID           string `json:"order_id"`
	UnderlyingSymbol  string `json:"underlying_symbol"`
	StrikeSymbol      string `json:"strike_symbol"`
	StrikeBaseAmount  int64  `json:"strike_base_amount"`
	StrikeQuoteAmount int64  `json:"strike_quote_amount"`
	Expiration        int64  `json:"expiration"`
	OptionsIssued     int64  `json:"options_issued"`
	Interface         string `json:"interface,omitempty"`
}

// CollateralBidPayload covers `collateral_bid`.
type CollateralBidPayload struct {
	Bidder           string `json:"bidder"`
	CollateralSymbol string `json:"collateral_symbol"`
	Collateral       int64  `json:"collateral"`
	DebtSymbol       string `json:"debt_symbol"`
	Debt             int64  `json:"debt"`
}

// ForceSettlePayload covers `force_settle`.
type ForceSettlePayload struct {
	Owner  string `json:"owner"`
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"`
}

// CreditPoolPayload covers `credit_pool_lend`/`_withdraw`/`_collateral`.
type CreditPoolPayload struct {
	Account string `json:"account"`
	Symbol  string `json:"symbol"`
	Amount  int64  `json:"amount"`
}

// PublishFeedPayload covers `asset_publish_feed`.
type PublishFeedPayload struct {
	Publisher            string `json:"publisher"`
	Symbol               string `json:"symbol"`
	SettlementBaseAmount int64  `json:"settlement_base_amount"`
	SettlementQuoteAmount int64 `json:"settlement_quote_amount"`
	MaintenanceCRBps     int64  `json:"maintenance_cr_bps"`
	MaxShortSqueezeBps   int64  `json:"max_short_squeeze_bps"`
	CoreExchangeRateBase int64  `json:"core_exchange_rate_base"`
	CoreExchangeRateQuote int64 `json:"core_exchange_rate_quote"`
}

// OptionExercisePayload covers `asset_option_exercise`.
type OptionExercisePayload struct {
	Account      string `json:"account"`
	StrikeSymbol string `json:"strike_symbol"`
	Amount       int64  `json:"amount"`
}

// Serialize converts SignedTransaction to JSON bytes.
func (tx *SignedTransaction) Serialize() ([]byte, error) { return json.Marshal(tx) }

// Deserialize parses JSON bytes into SignedTransaction.
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate performs structural validation before signature verification.
func (tx *SignedTransaction) Validate() error {
	if tx.Type == "" {
		return fmt.Errorf("missing operation type")
	}
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if len(tx.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return nil
}

// DecodePayload unmarshals the tagged payload into dst, which must
// match the concrete payload type for tx.Type.
func (tx *SignedTransaction) DecodePayload(dst any) error {
	return json.Unmarshal(tx.Payload, dst)
}

// IsLegacy checks if transaction is in the old string format, kept for
// backward-compatible mempool classification.
func IsLegacy(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return (data[0] == 'O' || data[0] == 'C' || data[0] == 'N') && data[1] == ':'
}

// ParseTransaction parses either legacy string format or the new JSON envelope.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	if IsLegacy(data) {
		return &SignedTransaction{Type: OpLegacy}, nil
	}
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}
