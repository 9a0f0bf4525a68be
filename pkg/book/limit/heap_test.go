package limit

import (
	"testing"

	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

func TestPriceHeapOrdersAscendingWithIDTiebreak(t *testing.T) {
	h := newPriceHeap()
	h.Insert(store.Key("k-b"), "b", price.NewPrice(1, "COIN", 2, "USD"))
	h.Insert(store.Key("k-a"), "a", price.NewPrice(1, "COIN", 2, "USD")) // same price, smaller id
	h.Insert(store.Key("k-c"), "c", price.NewPrice(1, "COIN", 3, "USD")) // worse price for seller

	_, _, ok := h.Peek()
	if !ok {
		t.Fatalf("expected non-empty heap")
	}
	k, p, _ := h.Peek()
	if string(k) != "k-a" {
		t.Fatalf("expected tie-break to favor lower id (a), got key %q price %+v", k, p)
	}
}

func TestPriceHeapRemoveAndReinsert(t *testing.T) {
	h := newPriceHeap()
	h.Insert(store.Key("k1"), "1", price.NewPrice(1, "COIN", 2, "USD"))
	h.Insert(store.Key("k2"), "2", price.NewPrice(1, "COIN", 3, "USD"))
	h.Remove(store.Key("k1"))
	k, _, ok := h.Peek()
	if !ok || string(k) != "k2" {
		t.Fatalf("expected k2 as new best after removing k1, got %q ok=%v", k, ok)
	}
	h.Insert(store.Key("k2"), "2", price.NewPrice(1, "COIN", 5, "USD")) // update existing to worse price
	h.Insert(store.Key("k3"), "3", price.NewPrice(1, "COIN", 1, "USD"))
	k, _, ok = h.Peek()
	if !ok || string(k) != "k3" {
		t.Fatalf("expected k3 as best after update+insert, got %q ok=%v", k, ok)
	}
}

func TestPriceHeapEmptyPeek(t *testing.T) {
	h := newPriceHeap()
	if _, _, ok := h.Peek(); ok {
		t.Fatalf("expected empty heap to report not-ok")
	}
}
