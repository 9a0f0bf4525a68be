package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/finchain/ledgerengine/pkg/engine"
)

// TxSubmitter is the write path into the node: enqueue a raw signed
// transaction envelope for the next block this node proposes. Satisfied
// by *abci.EngineApp; kept as an interface here so pkg/api never
// imports pkg/abci.
type TxSubmitter interface {
	PushTx(raw []byte)
	MempoolSize() int
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *engine.Engine
	mempool TxSubmitter
	router  *mux.Router
	hub     *Hub     // WebSocket hub
	txLog   *os.File // Transaction log file
}

// NewServer creates a new API server over a running engine's read
// accessors, submitting writes through mempool.
func NewServer(eng *engine.Engine, mempool TxSubmitter) *Server {
	// Open transaction log file
	txLogPath := os.Getenv("TX_LOG_FILE")
	if txLogPath == "" {
		txLogPath = "data/transactions.log"
	}

	// Create data directory if it doesn't exist
	os.MkdirAll("data", 0755)

	txLog, err := os.OpenFile(txLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[api] WARNING: failed to open tx log file %s: %v", txLogPath, err)
		txLog = nil // Continue without tx logging
	} else {
		log.Printf("[api] transaction log: %s", txLogPath)
	}

	s := &Server{
		engine:  eng,
		mempool: mempool,
		router:  mux.NewRouter(),
		hub:     NewHub(),
		txLog:   txLog,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{market}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{market}/trades", s.handleGetTrades).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	// Operation submission (any §6 operation, as a signed JSON envelope)
	api.HandleFunc("/transactions", s.handleSubmitTx).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	// Start WebSocket hub
	go s.hub.Run()

	// CORS configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	handler := c.Handler(s.router)

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.engine.Markets()
	response := make([]MarketInfo, 0, len(markets))
	for _, m := range markets {
		base, quote := splitMarket(m)
		response = append(response, MarketInfo{Market: m, Base: base, Quote: quote})
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	market := vars["market"]
	base, quote := splitMarket(market)
	if base == "" || quote == "" {
		respondError(w, http.StatusBadRequest, "invalid market", "expected BASE/QUOTE")
		return
	}

	snapshot := s.orderbookSnapshot(market, base, quote)
	respondJSON(w, snapshot)
}

func (s *Server) orderbookSnapshot(market, base, quote string) OrderbookSnapshot {
	snapshot := OrderbookSnapshot{Market: market, Timestamp: time.Now().UnixMilli()}
	if p, ok, err := s.engine.Limit.BestPrice(market, base, quote); err == nil && ok {
		snapshot.BestBid = &PriceLevel{BaseAmount: p.Base.Value, BaseSymbol: p.Base.Symbol, QuoteAmount: p.Quote.Value, QuoteSymbol: p.Quote.Symbol}
	}
	if p, ok, err := s.engine.Limit.BestPrice(market, quote, base); err == nil && ok {
		p = p.Reciprocal()
		snapshot.BestAsk = &PriceLevel{BaseAmount: p.Base.Value, BaseSymbol: p.Base.Symbol, QuoteAmount: p.Quote.Value, QuoteSymbol: p.Quote.Symbol}
	}
	return snapshot
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	market := vars["market"]

	trades, err := s.engine.Trades.ListRecentByMarket(market, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load trades", err.Error())
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = TradeInfo{
			Seq: t.Seq, Market: t.Market, MakerID: t.MakerID, TakerID: t.TakerID,
			Price: t.Price, BaseAmount: t.BaseAmount, BlockTime: t.BlockTime,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addressStr := vars["address"]

	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	addr := common.HexToAddress(addressStr)
	balances, err := s.engine.Ledger.ListBalancesByAccount(addr)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load balances", err.Error())
		return
	}

	response := AccountInfo{Address: addr.Hex(), Balances: make([]BalanceInfo, len(balances))}
	for i, b := range balances {
		response.Balances[i] = BalanceInfo{
			Symbol: b.Symbol, Liquid: b.Liquid, Staked: b.Staked, Savings: b.Savings, Reward: b.Reward,
			Total: b.Total(),
		}
	}

	respondJSON(w, response)
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	response := ChainStatus{
		MempoolSize: s.mempool.MempoolSize(),
	}
	respondJSON(w, response)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	// Structural pre-validation, mirroring transaction.SignedTransaction.
	var signedTx map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &signedTx); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON transaction", err.Error())
		return
	}
	if _, ok := signedTx["type"].(string); !ok {
		respondError(w, http.StatusBadRequest, "missing transaction type", "")
		return
	}
	sig, ok := signedTx["signature"].(string)
	if !ok || sig == "" {
		respondError(w, http.StatusBadRequest, "missing signature", "")
		return
	}

	s.mempool.PushTx(bodyBytes)

	log.Printf("[api] transaction submitted: type=%v bytes=%d", signedTx["type"], len(bodyBytes))
	s.logTransaction("TX_SUBMIT", map[string]interface{}{
		"type":      signedTx["type"],
		"signature": sig,
		"tx_bytes":  len(bodyBytes),
	})

	respondJSON(w, SubmitOrderResponse{Status: "submitted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods (called from consensus)
// ==============================

// BroadcastOrderbook broadcasts orderbook update to WebSocket clients
func (s *Server) BroadcastOrderbook(market string, height int64) {
	base, quote := splitMarket(market)
	if base == "" || quote == "" {
		return
	}
	snapshot := s.orderbookSnapshot(market, base, quote)
	update := OrderbookUpdate{
		Type: "orderbook", Market: market, BestBid: snapshot.BestBid, BestAsk: snapshot.BestAsk,
		Timestamp: snapshot.Timestamp, Height: height,
	}
	s.hub.BroadcastToChannel("orderbook:"+market, update)
}

// ==============================
// Helper Functions
// ==============================

func splitMarket(market string) (string, string) {
	parts := strings.SplitN(market, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// logTransaction writes a transaction event to the log file
func (s *Server) logTransaction(eventType string, data map[string]interface{}) {
	if s.txLog == nil {
		return // Logging disabled
	}

	entry := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"event":     eventType,
		"data":      data,
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[api] failed to marshal tx log entry: %v", err)
		return
	}

	s.txLog.Write(jsonData)
	s.txLog.Write([]byte("\n"))
}
