package limit

import (
	"container/heap"

	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// priceHeap gives O(log n) best-price tracking per (market, base
// symbol) queue of resting sell offers, adapted from the teacher's
// MaxPriceHeap/MinPriceHeap (orderbook/heap.go): same container/heap
// shape, generalized from a flat int64 tick price to an arbitrary
// price.Price ratio compared by cross-multiplication, and carrying the
// order's store key so an arbitrary live order can be removed in
// O(log n) rather than just the top.
//
// Every order here is a sell offer (for_sale of Base priced in Quote);
// the lowest asking price (least quote per unit of base, which
// price.Compare ranks highest since a Price is base/quote) is always the
// most favorable to whichever taker wants that base symbol, so a single
// heap ordered that way covers both "sides" of a market — there is no
// separate bid/ask duality to model.
type priceItem struct {
	key   store.Key
	id    string
	price price.Price
	index int
}

type priceHeap struct {
	items   []*priceItem
	byOrder map[string]*priceItem
}

func newPriceHeap() *priceHeap {
	return &priceHeap{byOrder: make(map[string]*priceItem)}
}

func (h *priceHeap) Len() int { return len(h.items) }

// Less orders by (sell_price DESC under price.Compare, id ASC): the
// offer giving the most base per unit of quote — the lowest asking
// price — sits at the root, and spec.md §4.2's keyed-index contract
// additionally requires ties broken by ascending id rather than left to
// map/slice iteration order.
func (h *priceHeap) Less(i, j int) bool {
	c, _ := h.items[i].price.Compare(h.items[j].price)
	if c != 0 {
		return c > 0
	}
	return h.items[i].id < h.items[j].id
}
func (h *priceHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}
func (h *priceHeap) Push(x any) {
	it := x.(*priceItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
}
func (h *priceHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// Insert adds or updates a resting order's price in the heap. id is
// the order's own OrderID (not the composite primary key), used as the
// ascending tie-break among equal prices.
func (h *priceHeap) Insert(key store.Key, id string, p price.Price) {
	k := string(key)
	if existing, ok := h.byOrder[k]; ok {
		existing.price = p
		existing.id = id
		heap.Fix(h, existing.index)
		return
	}
	it := &priceItem{key: key, id: id, price: p}
	h.byOrder[k] = it
	heap.Push(h, it)
}

// Remove drops a resting order from the heap in O(log n).
func (h *priceHeap) Remove(key store.Key) {
	k := string(key)
	it, ok := h.byOrder[k]
	if !ok {
		return
	}
	delete(h.byOrder, k)
	heap.Remove(h, it.index)
}

// Peek returns the best (lowest) live price and its order key, if any.
func (h *priceHeap) Peek() (store.Key, price.Price, bool) {
	if len(h.items) == 0 {
		return nil, price.Price{}, false
	}
	top := h.items[0]
	return top.key, top.price, true
}
