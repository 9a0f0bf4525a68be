package price

import "testing"

func TestReciprocal(t *testing.T) {
	p := NewPrice(1, "COIN", 2, "USD")
	r := p.Reciprocal()
	if r.Base.Value != 2 || r.Base.Symbol != "USD" || r.Quote.Value != 1 || r.Quote.Symbol != "COIN" {
		t.Fatalf("unexpected reciprocal: %+v", r)
	}
}

func TestCompareUnreduced(t *testing.T) {
	a := NewPrice(1, "COIN", 2, "USD")
	b := NewPrice(2, "COIN", 4, "USD")
	if !a.Equal(b) {
		t.Fatalf("1/2 and 2/4 should be equal ratios")
	}
	c := NewPrice(1, "COIN", 3, "USD")
	cmp, err := a.Compare(c)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if cmp <= 0 {
		t.Fatalf("1/2 COIN/USD should be greater than 1/3 COIN/USD, got cmp=%d", cmp)
	}
}

func TestCompareSymbolMismatch(t *testing.T) {
	a := NewPrice(1, "COIN", 2, "USD")
	b := NewPrice(1, "COIN", 2, "EUR")
	if _, err := a.Compare(b); err == nil {
		t.Fatalf("expected error comparing mismatched quote symbols")
	}
}

func TestMultiplyFloors(t *testing.T) {
	p := NewPrice(3, "COIN", 10, "USD") // 3 COIN = 10 USD
	got, err := p.Multiply(NewAmount(1, "COIN"))
	if err != nil {
		t.Fatalf("multiply: %v", err)
	}
	// floor(1*10/3) = 3
	if got.Value != 3 || got.Symbol != "USD" {
		t.Fatalf("want 3 USD, got %+v", got)
	}
}

func TestMultiplyWrongSymbol(t *testing.T) {
	p := NewPrice(3, "COIN", 10, "USD")
	if _, err := p.Multiply(NewAmount(1, "USD")); err == nil {
		t.Fatalf("expected symbol mismatch error")
	}
}

func TestMultiplyAndRoundUpCeils(t *testing.T) {
	p := NewPrice(3, "COIN", 10, "USD") // base=COIN quote=USD
	got, err := p.MultiplyAndRoundUp(NewAmount(1, "USD"))
	if err != nil {
		t.Fatalf("multiply-round-up: %v", err)
	}
	// ceil(1*3/10) = 1
	if got.Value != 1 || got.Symbol != "COIN" {
		t.Fatalf("want 1 COIN, got %+v", got)
	}
}

func TestMultiplyAndRoundUpExact(t *testing.T) {
	p := NewPrice(3, "COIN", 9, "USD")
	got, err := p.MultiplyAndRoundUp(NewAmount(9, "USD"))
	if err != nil {
		t.Fatalf("multiply-round-up: %v", err)
	}
	if got.Value != 3 {
		t.Fatalf("want exact 3 COIN, got %+v", got)
	}
}

func TestAmountAddSubMismatch(t *testing.T) {
	a := NewAmount(5, "COIN")
	b := NewAmount(2, "USD")
	if _, err := a.Add(b); err == nil {
		t.Fatalf("expected symbol mismatch on Add")
	}
	if _, err := a.Sub(b); err == nil {
		t.Fatalf("expected symbol mismatch on Sub")
	}
	sum, err := a.Add(NewAmount(2, "COIN"))
	if err != nil || sum.Value != 7 {
		t.Fatalf("want 7 COIN, got %+v err=%v", sum, err)
	}
}

func TestValid(t *testing.T) {
	if (Price{}).Valid() {
		t.Fatalf("zero price should not be valid")
	}
	if !NewPrice(1, "A", 1, "B").Valid() {
		t.Fatalf("1/1 A/B should be valid")
	}
}
