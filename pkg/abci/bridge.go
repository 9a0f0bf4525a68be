package abci

import (
	"fmt"
	"log"
	"sync"

	"github.com/finchain/ledgerengine/pkg/app/core/transaction"
	"github.com/finchain/ledgerengine/pkg/consensus"
	"github.com/finchain/ledgerengine/pkg/engine"
)

type RequestPrepareProposal struct{ Height, MaxTxBytes int64 }
type ResponsePrepareProposal struct{ Txs [][]byte }
type RequestProcessProposal struct {
	Height int64
	Txs    [][]byte
}
type ResponseProcessProposal struct{ Accept bool }
type RequestFinalizeBlock struct {
	Height    int64
	Timestamp int64 // Unix timestamp in seconds
	Txs       [][]byte
}
type ResponseFinalizeBlock struct {
	Events  []string
	AppHash consensus.Hash // Hash of application state after execution
}

type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	ProcessProposal(RequestProcessProposal) ResponseProcessProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}

type Bridge struct{ App Application }

func (b *Bridge) PreparePayload(_ consensus.Block, next consensus.Height) []byte {
	resp := b.App.PrepareProposal(RequestPrepareProposal{Height: int64(next), MaxTxBytes: 1 << 24})
	// naive payload: concat with 0x00 delimiter

	var payload []byte

	for _, tx := range resp.Txs {
		payload = append(payload, tx...)
		payload = append(payload, 0x00)
	}
	return payload
}

func (b *Bridge) OnCommit(committed consensus.Block) consensus.Hash {
	txs := splitPayload(committed.Payload)
	resp := b.App.FinalizeBlock(RequestFinalizeBlock{
		Height:    int64(committed.Height),
		Timestamp: committed.Time.Unix(),
		Txs:       txs,
	})
	return resp.AppHash
}

func splitPayload(p []byte) [][]byte {
	var out [][]byte
	cur := make([]byte, 0, len(p))
	for _, b := range p {
		if b == 0x00 {
			if len(cur) > 0 {
				out = append(out, append([]byte(nil), cur...))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		out = append(out, append([]byte(nil), cur...))
	}
	return out
}

// EngineApp is the Application driving a pkg/engine.Engine off a FIFO
// mempool of raw signed-transaction bytes, replacing the teacher's
// perp-specific MockApp/core.Mempool pairing: the mempool ordering is
// the same naive FIFO-with-byte-budget selection, generalized to
// operate on transaction.SignedTransaction envelopes instead of a
// fixed order/cancel wire format.
type EngineApp struct {
	mu      sync.Mutex
	engine  *engine.Engine
	pending [][]byte
	commits int

	// OnTrade, when set, is invoked once per FinalizeBlock after the
	// block's transactions are applied, with the height and the numbers
	// of failed and applied transactions, letting the API layer
	// broadcast per-block activity without the engine depending on it.
	OnTrade func(height int64, failed int, applied int)
}

func NewEngineApp(e *engine.Engine) *EngineApp { return &EngineApp{engine: e} }

// PushTx enqueues one raw signed-transaction envelope for the next
// proposal this node prepares.
func (a *EngineApp) PushTx(raw []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, append([]byte(nil), raw...))
}

// MempoolSize reports the number of envelopes not yet included in a
// finalized block.
func (a *EngineApp) MempoolSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Engine exposes the underlying engine for read-only query paths
// (pkg/api's account/market/orderbook accessors).
func (a *EngineApp) Engine() *engine.Engine { return a.engine }

func (a *EngineApp) PrepareProposal(req RequestPrepareProposal) ResponsePrepareProposal {
	a.mu.Lock()
	defer a.mu.Unlock()
	var txs [][]byte
	var size int64
	for _, tx := range a.pending {
		if size+int64(len(tx)) > req.MaxTxBytes {
			break
		}
		txs = append(txs, tx)
		size += int64(len(tx))
	}
	return ResponsePrepareProposal{Txs: txs}
}

func (a *EngineApp) ProcessProposal(_ RequestProcessProposal) ResponseProcessProposal {
	return ResponseProcessProposal{Accept: true}
}

// FinalizeBlock parses every proposed envelope, applies them through
// the engine (each its own single-op transaction group, per §4.9), and
// drops the applied raw bytes from the pending queue regardless of
// whether the engine accepted or rolled each one back.
func (a *EngineApp) FinalizeBlock(req RequestFinalizeBlock) ResponseFinalizeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits++

	grouped := make([][]*transaction.SignedTransaction, 0, len(req.Txs))
	for _, raw := range req.Txs {
		tx, err := transaction.ParseTransaction(raw)
		if err != nil || tx.Type == transaction.OpLegacy {
			continue
		}
		grouped = append(grouped, []*transaction.SignedTransaction{tx})
	}

	result, err := a.engine.ApplyBlock(engine.Block{
		Height:    req.Height,
		BlockTime: req.Timestamp,
		Txs:       grouped,
	})
	failed := 0
	if err != nil {
		log.Printf("[app] apply_block_failed height=%d err=%v", req.Height, err)
	} else {
		failed = len(result.Failures)
	}

	applied := make(map[string]bool, len(req.Txs))
	for _, raw := range req.Txs {
		applied[string(raw)] = true
	}
	remaining := a.pending[:0]
	for _, tx := range a.pending {
		if !applied[string(tx)] {
			remaining = append(remaining, tx)
		}
	}
	a.pending = remaining

	hashInput := fmt.Sprintf("%d:%d:%d", req.Height, len(req.Txs), failed)
	appHash := consensus.Hash{}
	copy(appHash[:], hashInput)

	if len(req.Txs) > 0 {
		log.Printf("[app] finalize_block height=%d txs=%d failed=%d", req.Height, len(req.Txs), failed)
	}
	if a.OnTrade != nil {
		a.OnTrade(req.Height, failed, len(grouped)-failed)
	}
	return ResponseFinalizeBlock{
		Events:  []string{"commit"},
		AppHash: appHash,
	}
}

func (a *EngineApp) CommitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commits
}
