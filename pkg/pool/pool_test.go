package pool

import (
	"errors"
	"testing"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

func newTestPools(t *testing.T) *Pools {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestPairIsCanonicallySorted(t *testing.T) {
	if Pair("USD", "COIN") != Pair("COIN", "USD") {
		t.Fatalf("expected Pair to be order-independent")
	}
	if Pair("COIN", "USD") != "COIN/USD" {
		t.Fatalf("unexpected pair string: %s", Pair("COIN", "USD"))
	}
}

func TestEnsurePoolCreatesThenReturnsExisting(t *testing.T) {
	p := newTestPools(t)
	pl, err := p.EnsurePool("COIN", "USD", 30)
	if err != nil {
		t.Fatalf("ensure pool: %v", err)
	}
	if pl.SymbolA != "COIN" || pl.SymbolB != "USD" {
		t.Fatalf("unexpected pool symbols: %+v", pl)
	}
	pl.ReserveA = 1000
	if err := p.Save(pl); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := p.EnsurePool("COIN", "USD", 99)
	if err != nil {
		t.Fatalf("ensure pool again: %v", err)
	}
	if again.ReserveA != 1000 {
		t.Fatalf("expected existing pool returned, got reserve %d", again.ReserveA)
	}
}

func TestGetMissingPoolReturnsNotFound(t *testing.T) {
	p := newTestPools(t)
	if _, err := p.Get("COIN", "USD"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddLiquidityRequiresPositiveAmounts(t *testing.T) {
	pl := &Pool{Market: Pair("COIN", "USD"), SymbolA: "COIN", SymbolB: "USD"}
	if err := pl.AddLiquidity(0, 100); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := pl.AddLiquidity(100, 200); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if pl.ReserveA != 100 || pl.ReserveB != 200 {
		t.Fatalf("unexpected reserves: %+v", pl)
	}
}

func TestSwapExactInConservesConstantProductDirectionally(t *testing.T) {
	pl := &Pool{Market: Pair("COIN", "USD"), SymbolA: "COIN", SymbolB: "USD", FeeBps: 30}
	if err := pl.AddLiquidity(1000, 1000); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	out, err := pl.SwapExactIn("COIN", 100)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out <= 0 || out >= 1000 {
		t.Fatalf("unexpected swap output: %d", out)
	}
	if pl.ReserveA != 1100 {
		t.Fatalf("expected reserve A increased by amount in, got %d", pl.ReserveA)
	}
	if pl.ReserveB != 1000-out {
		t.Fatalf("expected reserve B decreased by output, got %d want %d", pl.ReserveB, 1000-out)
	}
}

func TestSwapExactInRejectsUnknownSymbol(t *testing.T) {
	pl := &Pool{Market: Pair("COIN", "USD"), SymbolA: "COIN", SymbolB: "USD", FeeBps: 30}
	if err := pl.AddLiquidity(1000, 1000); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if _, err := pl.SwapExactIn("GOLD", 10); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSwapExactInRejectsEmptyReserves(t *testing.T) {
	pl := &Pool{Market: Pair("COIN", "USD"), SymbolA: "COIN", SymbolB: "USD", FeeBps: 30}
	if _, err := pl.SwapExactIn("COIN", 10); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSpotPriceReflectsReserveRatio(t *testing.T) {
	pl := &Pool{Market: Pair("COIN", "USD"), SymbolA: "COIN", SymbolB: "USD"}
	if err := pl.AddLiquidity(100, 300); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	sp := pl.SpotPrice()
	if sp.Base.Symbol != "COIN" || sp.Quote.Symbol != "USD" {
		t.Fatalf("unexpected spot price orientation: %+v", sp)
	}
	// 1 COIN should price out to 3 USD given 100/300 reserves.
	out, err := sp.Multiply(price.NewAmount(1, "COIN"))
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	if out.Value != 3 {
		t.Fatalf("expected spot price of 3 usd per coin, got %d", out.Value)
	}
}
