package api

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a registered limit-book market's two symbols.
type MarketInfo struct {
	Market string `json:"market"` // canonical sorted "SYM1/SYM2" pair
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// PriceLevel is a (base_amount, base_symbol) priced in (quote_amount,
// quote_symbol), the same ratio pkg/price.Price carries.
type PriceLevel struct {
	BaseAmount   int64  `json:"baseAmount"`
	BaseSymbol   string `json:"baseSymbol"`
	QuoteAmount  int64  `json:"quoteAmount"`
	QuoteSymbol  string `json:"quoteSymbol"`
}

// OrderbookSnapshot is the best resting price on each side of a market.
// The limit book's priceHeap holds every live order, but the engine
// exposes only the top of each side (Limit.BestPrice), not full depth,
// so that is all this reports.
type OrderbookSnapshot struct {
	Market    string      `json:"market"`
	BestBid   *PriceLevel `json:"bestBid,omitempty"`
	BestAsk   *PriceLevel `json:"bestAsk,omitempty"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}

// TradeInfo represents one recorded fill.
type TradeInfo struct {
	Seq        uint64 `json:"seq"`
	Market     string `json:"market"`
	MakerID    string `json:"makerId"`
	TakerID    string `json:"takerId"`
	Price      int64  `json:"price"`
	BaseAmount int64  `json:"baseAmount"`
	BlockTime  int64  `json:"blockTime"`
}

// BalanceInfo is one asset's partitioned balance.
type BalanceInfo struct {
	Symbol  string `json:"symbol"`
	Liquid  int64  `json:"liquid"`
	Staked  int64  `json:"staked"`
	Savings int64  `json:"savings"`
	Reward  int64  `json:"reward"`
	Total   int64  `json:"total"`
}

// AccountInfo represents an account's balances across every asset it
// holds.
type AccountInfo struct {
	Address  string        `json:"address"`
	Balances []BalanceInfo `json:"balances"`
}

// ChainStatus represents consensus layer status.
type ChainStatus struct {
	Height       int64   `json:"height"`       // Current block height
	View         int64   `json:"view"`         // Current consensus view
	AvgBlockTime float64 `json:"avgBlockTime"` // Average block time (ms)
	MempoolSize  int     `json:"mempoolSize"`  // Pending transactions
	Validators   int     `json:"validators"`   // Active validator count
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string      `json:"type"` // "orderbook", "trade", "account"
	Data interface{} `json:"data"` // Type-specific payload
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:BTC/USDT", "trades:BTC/USDT"]
}

// OrderbookUpdate is broadcast on every block
type OrderbookUpdate struct {
	Type      string      `json:"type"` // "orderbook"
	Market    string      `json:"market"`
	BestBid   *PriceLevel `json:"bestBid,omitempty"`
	BestAsk   *PriceLevel `json:"bestAsk,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Height    int64       `json:"height"`
}

// TradeUpdate is broadcast when a trade executes
type TradeUpdate struct {
	Type      string `json:"type"` // "trade"
	Market    string `json:"market"`
	Price     int64  `json:"price"`
	BaseAmount int64 `json:"baseAmount"`
	Height    int64  `json:"height"`
}

// ==============================
// REST Request Types
// ==============================

// NOTE: operations are submitted as signed JSON transactions
// (pkg/app/core/transaction.SignedTransaction). See that package for
// the tagged-union wire format.

// CancelOrderRequest is a convenience HTTP shape for a cancel. No route
// decodes it: a cancel reaches the engine as a signed transaction through
// the transaction-submission endpoint, and the authority check happens
// inside pkg/engine's Dispatch once that envelope reaches FinalizeBlock.
type CancelOrderRequest struct {
	Owner   string `json:"owner"`
	OrderID string `json:"orderId"`
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status  string `json:"status"`  // "submitted", "rejected"
	Message string `json:"message,omitempty"` // Error message if rejected
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
