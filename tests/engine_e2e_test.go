// file: tests/engine_e2e_test.go
package tests

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/finchain/ledgerengine/pkg/abci"
	"github.com/finchain/ledgerengine/pkg/app/core/transaction"
	"github.com/finchain/ledgerengine/pkg/chainprops"
	"github.com/finchain/ledgerengine/pkg/engine"
	"github.com/finchain/ledgerengine/pkg/ledger"
	"github.com/finchain/ledgerengine/pkg/store"
)

const e2eChainID = "e2e-chain"

func addressFor(t *testing.T, privHex string) common.Address {
	t.Helper()
	privBytes, err := hex.DecodeString(privHex)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	key, err := ethcrypto.ToECDSA(privBytes)
	if err != nil {
		t.Fatalf("to ecdsa: %v", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}

func signEnvelope(t *testing.T, privHex string, op transaction.OpType, payload any) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	privBytes, err := hex.DecodeString(privHex)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	key, err := ethcrypto.ToECDSA(privBytes)
	if err != nil {
		t.Fatalf("to ecdsa: %v", err)
	}
	msg := e2eChainID + "|" + string(op) + "|" + string(b)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256([]byte(msg)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tx := &transaction.SignedTransaction{Type: op, Payload: b, Signature: "0x" + hex.EncodeToString(sig)}
	raw, err := tx.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return raw
}

// TestEngineAppFinalizeBlockAppliesDomainOperationsAndRollsBackFailures
// drives pkg/engine end to end through the same abci.EngineApp the node
// binary runs in production: transactions are genuinely signed,
// enqueued via PushTx, proposed via PrepareProposal and committed via
// FinalizeBlock, never calling engine.Dispatch directly. This exercises
// signature recovery, the per-tx snapshot/rollback loop and market
// registration in the same call sequence a live validator uses.
func TestEngineAppFinalizeBlockAppliesDomainOperationsAndRollsBackFailures(t *testing.T) {
	const aliceKey = "92dcb2fb122bb77b4f4cbc8d9f499595446020f7f7d9a0d3e471ac2d61e3d2fb"
	const bobKey = "1a546925faabd38e0993d198c248c7f35c0363089251ddb01c6a25539e2e7bf0"
	alice := addressFor(t, aliceKey)
	bob := addressFor(t, bobKey)

	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := engine.New(s, e2eChainID, 10_000)
	e.SnapshotProperties([]chainprops.Properties{chainprops.Default()})

	// Seed balances the way a genesis allocation would; there is no
	// signed operation for minting from nothing.
	if err := e.Ledger.Credit(alice, "COIN", ledger.Liquid, 100); err != nil {
		t.Fatalf("seed alice coin: %v", err)
	}
	if err := e.Ledger.Credit(bob, "USD", ledger.Liquid, 1000); err != nil {
		t.Fatalf("seed bob usd: %v", err)
	}

	app := abci.NewEngineApp(e)

	maker := signEnvelope(t, aliceKey, transaction.OpLimitOrder, transaction.LimitOrderPayload{
		OrderID: "m1", AmountToSell: 10, PriceBaseSymbol: "COIN", PriceBaseAmount: 1,
		PriceQuoteSymbol: "USD", PriceQuoteAmount: 2, Expiration: 10_000, Opened: true,
	})
	taker := signEnvelope(t, bobKey, transaction.OpLimitOrder, transaction.LimitOrderPayload{
		OrderID: "t1", AmountToSell: 20, PriceBaseSymbol: "USD", PriceBaseAmount: 2,
		PriceQuoteSymbol: "COIN", PriceQuoteAmount: 1, Expiration: 10_000, Opened: true,
	})
	overdrawn := signEnvelope(t, aliceKey, transaction.OpTransfer, transaction.TransferPayload{
		To: bob.Hex(), Symbol: "COIN", Amount: 1_000_000,
	})

	for _, raw := range [][]byte{maker, taker, overdrawn} {
		app.PushTx(raw)
	}
	if got := app.MempoolSize(); got != 3 {
		t.Fatalf("expected 3 pending envelopes, got %d", got)
	}

	prep := app.PrepareProposal(abci.RequestPrepareProposal{Height: 1, MaxTxBytes: 1 << 20})
	if len(prep.Txs) != 3 {
		t.Fatalf("expected all 3 envelopes proposed, got %d", len(prep.Txs))
	}

	resp := app.FinalizeBlock(abci.RequestFinalizeBlock{Height: 1, Timestamp: 0, Txs: prep.Txs})
	if len(resp.Events) == 0 {
		t.Fatalf("expected a commit event")
	}
	if app.MempoolSize() != 0 {
		t.Fatalf("expected mempool drained after finalize, got %d", app.MempoolSize())
	}

	bobCoin, _ := e.Ledger.GetBalance(bob, "COIN")
	if bobCoin.Liquid != 10 {
		t.Fatalf("expected the limit order cross to deliver 10 coin to bob, got %d", bobCoin.Liquid)
	}
	aliceUSD, _ := e.Ledger.GetBalance(alice, "USD")
	if aliceUSD.Liquid != 20 {
		t.Fatalf("expected alice to receive 20 usd from the cross, got %d", aliceUSD.Liquid)
	}
	// The overdrawn transfer must have rolled back without touching
	// alice's remaining coin balance.
	aliceCoin, _ := e.Ledger.GetBalance(alice, "COIN")
	if aliceCoin.Liquid != 90 {
		t.Fatalf("expected alice's remaining 90 coin untouched by the rolled-back transfer, got %d", aliceCoin.Liquid)
	}

	found := false
	for _, m := range e.Markets() {
		if m == "COIN/USD" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected COIN/USD registered as a market after the cross, got %v", e.Markets())
	}
}

// TestEngineAppCreditLoanLifecycleAcrossTwoBlocks exercises a loan
// opened in one finalized block and repaid in the next, confirming
// state persists across FinalizeBlock calls the way it would across
// real consensus heights.
func TestEngineAppCreditLoanLifecycleAcrossTwoBlocks(t *testing.T) {
	const aliceKey = "92dcb2fb122bb77b4f4cbc8d9f499595446020f7f7d9a0d3e471ac2d61e3d2fb"
	alice := addressFor(t, aliceKey)

	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := engine.New(s, e2eChainID, 10_000)
	e.SnapshotProperties([]chainprops.Properties{chainprops.Default()})
	if err := e.Ledger.Credit(alice, "COLL", ledger.Liquid, 1000); err != nil {
		t.Fatalf("seed collateral: %v", err)
	}
	if err := e.Ledger.Debit(alice, "COLL", ledger.Liquid, 300); err != nil {
		t.Fatalf("move collateral to escrow: %v", err)
	}
	if err := e.Credit.DepositCollateral(alice, "COLL", 300); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := e.Credit.Lend("DEBT", 1000); err != nil {
		t.Fatalf("seed pool liquidity: %v", err)
	}

	app := abci.NewEngineApp(e)

	open := signEnvelope(t, aliceKey, transaction.OpCreditLoanOpen, transaction.CreditLoanPayload{
		LoanID: "l1", DebtSymbol: "DEBT", DebtAmount: 100, CollateralSymbol: "COLL", CollateralAmount: 300,
		FeedCollateralAmount: 1, FeedDebtAmount: 1,
	})
	app.PushTx(open)
	prep1 := app.PrepareProposal(abci.RequestPrepareProposal{Height: 1, MaxTxBytes: 1 << 20})
	app.FinalizeBlock(abci.RequestFinalizeBlock{Height: 1, Timestamp: 0, Txs: prep1.Txs})

	debtBal, _ := e.Ledger.GetBalance(alice, "DEBT")
	if debtBal.Liquid != 100 {
		t.Fatalf("expected 100 debt issued after block 1, got %d", debtBal.Liquid)
	}

	repay := signEnvelope(t, aliceKey, transaction.OpCreditLoanRepay, transaction.CreditLoanRepayPayload{
		LoanID: "l1", Amount: 100,
	})
	app.PushTx(repay)
	prep2 := app.PrepareProposal(abci.RequestPrepareProposal{Height: 2, MaxTxBytes: 1 << 20})
	app.FinalizeBlock(abci.RequestFinalizeBlock{Height: 2, Timestamp: 1, Txs: prep2.Txs})

	debtBal, _ = e.Ledger.GetBalance(alice, "DEBT")
	if debtBal.Liquid != 0 {
		t.Fatalf("expected debt fully repaid after block 2, got %d", debtBal.Liquid)
	}
	if app.CommitCount() != 2 {
		t.Fatalf("expected 2 commits recorded, got %d", app.CommitCount())
	}
}
