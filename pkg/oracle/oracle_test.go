package oracle

import (
	"errors"
	"testing"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

func newTestOracle(t *testing.T) *Oracle {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func quote(settlePrice price.Price, mcr, squeeze, publishedAt int64) Quote {
	return Quote{
		SettlementPrice:      settlePrice,
		MaintenanceCR:        mcr,
		MaxShortSqueezeRatio: squeeze,
		CoreExchangeRate:     price.NewPrice(1, "CORE", 1, "DEBT"),
		PublishedAt:          publishedAt,
	}
}

func TestPublishSingleFeedProducesFreshAggregate(t *testing.T) {
	o := newTestOracle(t)
	q := quote(price.NewPrice(1, "DEBT", 2, "COLL"), 1_300_000, 2_000_000, 100)
	if err := o.Publish("DEBT", "p1", q, 100, 11); err != nil {
		t.Fatalf("publish: %v", err)
	}
	agg, err := o.RequireFresh("DEBT")
	if err != nil {
		t.Fatalf("require fresh: %v", err)
	}
	if !agg.SettlementPrice.Equal(q.SettlementPrice) {
		t.Fatalf("unexpected settlement price: %+v", agg.SettlementPrice)
	}
	if agg.MaintenanceCR != 1_300_000 || agg.MaxShortSqueezeRatio != 2_000_000 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
}

func TestPublishMultipleFeedsTakesMedian(t *testing.T) {
	o := newTestOracle(t)
	low := quote(price.NewPrice(1, "DEBT", 1, "COLL"), 1_100_000, 1_500_000, 100)
	mid := quote(price.NewPrice(1, "DEBT", 2, "COLL"), 1_200_000, 2_000_000, 101)
	high := quote(price.NewPrice(1, "DEBT", 3, "COLL"), 1_300_000, 2_500_000, 102)
	if err := o.Publish("DEBT", "low", low, 100, 11); err != nil {
		t.Fatalf("publish low: %v", err)
	}
	if err := o.Publish("DEBT", "mid", mid, 101, 11); err != nil {
		t.Fatalf("publish mid: %v", err)
	}
	if err := o.Publish("DEBT", "high", high, 102, 11); err != nil {
		t.Fatalf("publish high: %v", err)
	}
	agg, err := o.Get("DEBT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !agg.SettlementPrice.Equal(mid.SettlementPrice) {
		t.Fatalf("expected median price (mid), got %+v", agg.SettlementPrice)
	}
	if agg.MaintenanceCR != 1_200_000 {
		t.Fatalf("expected median maintenance cr, got %d", agg.MaintenanceCR)
	}
}

func TestPublishRejectsInvalidInputs(t *testing.T) {
	o := newTestOracle(t)
	q := quote(price.NewPrice(1, "DEBT", 2, "COLL"), 1_000_000, 2_000_000, 100)
	if err := o.Publish("", "p1", q, 100, 11); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty symbol, got %v", err)
	}
	bad := q
	bad.SettlementPrice = price.Price{}
	if err := o.Publish("DEBT", "p1", bad, 100, 11); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected ErrValidation for invalid price, got %v", err)
	}
}

func TestRequireFreshFailsBeforeAnyPublish(t *testing.T) {
	o := newTestOracle(t)
	if _, err := o.Get("DEBT"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvictStaleMarksAggregateStaleBelowMinFeeds(t *testing.T) {
	o := newTestOracle(t)
	q := quote(price.NewPrice(1, "DEBT", 2, "COLL"), 1_000_000, 2_000_000, 100)
	if err := o.Publish("DEBT", "p1", q, 100, 11); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := o.EvictStale("DEBT", 3800, 3600, 1); err != nil {
		t.Fatalf("evict stale: %v", err)
	}
	if _, err := o.RequireFresh("DEBT"); !errors.Is(err, errs.ErrFeedStale) {
		t.Fatalf("expected ErrFeedStale after evicting the only publisher, got %v", err)
	}
}

func TestEvictStaleKeepsFreshFeeds(t *testing.T) {
	o := newTestOracle(t)
	q := quote(price.NewPrice(1, "DEBT", 2, "COLL"), 1_000_000, 2_000_000, 3000)
	if err := o.Publish("DEBT", "p1", q, 3000, 11); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := o.EvictStale("DEBT", 3800, 3600, 1); err != nil {
		t.Fatalf("evict stale: %v", err)
	}
	if _, err := o.RequireFresh("DEBT"); err != nil {
		t.Fatalf("expected still fresh, got %v", err)
	}
}

func TestPublishCapsAtMaxPublishersByRecency(t *testing.T) {
	o := newTestOracle(t)
	for i, pub := range []string{"p1", "p2", "p3"} {
		q := quote(price.NewPrice(1, "DEBT", int64(i+1), "COLL"), int64(1_000_000+i*100_000), 2_000_000, int64(100+i))
		if err := o.Publish("DEBT", pub, q, int64(100+i), 2); err != nil {
			t.Fatalf("publish %s: %v", pub, err)
		}
	}
	agg, err := o.Get("DEBT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// only the 2 most recent (p2, p3) should count; median of those two by
	// the tie-break in medianInt/medianPrice is the lower-sorted index.
	if agg.MaintenanceCR == 1_000_000 {
		t.Fatalf("expected oldest publisher p1 excluded from aggregate, got %d", agg.MaintenanceCR)
	}
}
