// Package oracle is the price & feed oracle of §2: the current median
// settlement price per market-issued asset, derived from publisher
// feeds, exposing feed_price / maintenance_collateralization /
// maximum_short_squeeze_ratio per §6's Feed source interface.
//
// Grounded on the teacher's MaintenanceMarginBps constant and
// orderbook.GetMidPrice fallback idiom in market.go, generalized from a
// single hardcoded margin parameter to a publisher-quorum aggregate.
package oracle

import (
	"fmt"
	"sort"

	"github.com/finchain/ledgerengine/pkg/engine/errs"
	"github.com/finchain/ledgerengine/pkg/price"
	"github.com/finchain/ledgerengine/pkg/store"
)

// Quote is one publisher's submission for an asset's feed.
type Quote struct {
	SettlementPrice      price.Price // collateral per debt
	MaintenanceCR        int64       // out of chainprops.RatioDenom
	MaxShortSqueezeRatio int64       // out of chainprops.RatioDenom, multiple of MCR
	CoreExchangeRate     price.Price // debt-asset per core-asset, for fee conversion
	PublishedAt          int64       // block_time the quote was submitted
}

// Feed is one publisher's live quote for one asset, persisted so the
// aggregate can be recomputed on every publish and decayed by the
// scheduler's freshness pass (§4.8 step 6).
type Feed struct {
	Symbol    string
	Publisher string
	Quote     Quote
}

func feedKey(symbol, publisher string) store.Key { return store.Key(symbol + "|" + publisher) }

func (f *Feed) PrimaryKey() store.Key { return feedKey(f.Symbol, f.Publisher) }
func (f *Feed) IndexKeys() map[store.Index]store.Key {
	return map[store.Index]store.Key{IndexBySymbol: store.Key(f.Symbol)}
}

const IndexBySymbol store.Index = "by_symbol"

// Aggregate is the per-asset derived feed, §6's current_feed() shape.
type Aggregate struct {
	Symbol               string
	SettlementPrice      price.Price
	MaintenanceCR        int64
	MaxShortSqueezeRatio int64
	CoreExchangeRate     price.Price
	StalenessTime        int64 // block_time of the most recent contributing publisher
	Stale                bool
}

func (a *Aggregate) PrimaryKey() store.Key              { return store.Key(a.Symbol) }
func (a *Aggregate) IndexKeys() map[store.Index]store.Key { return map[store.Index]store.Key{} }

// Oracle holds publisher feeds and the derived aggregates.
type Oracle struct {
	feeds      *store.Collection[*Feed]
	aggregates *store.Collection[*Aggregate]
}

func New(s *store.Store) *Oracle {
	return &Oracle{
		feeds:      store.NewCollection[*Feed](s, "feed:"),
		aggregates: store.NewCollection[*Aggregate](s, "feedagg:"),
	}
}

// Publish records (or overwrites) one publisher's quote and recomputes
// the asset's aggregate. Idempotent: publishing an identical quote
// content again produces the same aggregate (§8 round-trip property).
func (o *Oracle) Publish(symbol, publisher string, q Quote, blockTime int64, maxPublishers int) error {
	if symbol == "" || publisher == "" {
		return fmt.Errorf("oracle: empty symbol/publisher: %w", errs.ErrValidation)
	}
	if !q.SettlementPrice.Valid() {
		return fmt.Errorf("oracle: invalid settlement price: %w", errs.ErrValidation)
	}
	f := &Feed{Symbol: symbol, Publisher: publisher, Quote: q}
	if err := o.feeds.Upsert(f); err != nil {
		return err
	}
	return o.recompute(symbol, blockTime, maxPublishers)
}

// EvictStale drops publisher feeds older than maxAge and recomputes the
// aggregate; used by the scheduler's freshness-decay pass (§4.8 step
// 6). If fewer than minFeeds remain, the aggregate is marked Stale.
func (o *Oracle) EvictStale(symbol string, blockTime, maxAge int64, minFeeds int) error {
	keys, err := o.feeds.FindByIndex(IndexBySymbol, store.Key(symbol))
	if err != nil {
		return err
	}
	for _, k := range keys {
		f := &Feed{}
		found, err := o.feeds.Get(k, f)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if blockTime-f.Quote.PublishedAt > maxAge {
			if err := o.feeds.Remove(k, f); err != nil {
				return err
			}
		}
	}
	return o.recomputeWithMin(symbol, blockTime, minFeeds, minFeeds)
}

func (o *Oracle) recompute(symbol string, blockTime int64, maxPublishers int) error {
	return o.recomputeWithMin(symbol, blockTime, 1, maxPublishers)
}

// recomputeWithMin folds every live publisher quote for symbol into a
// median aggregate. If more than maxPublishers quotes exist, only the
// maxPublishers most-recently-published are considered (the
// maximum_asset_feed_publishers chain property caps aggregation cost).
func (o *Oracle) recomputeWithMin(symbol string, blockTime int64, minFeeds int, maxPublishers int) error {
	keys, err := o.feeds.FindByIndex(IndexBySymbol, store.Key(symbol))
	if err != nil {
		return err
	}
	quotes := make([]Quote, 0, len(keys))
	for _, k := range keys {
		f := &Feed{}
		found, err := o.feeds.Get(k, f)
		if err != nil {
			return err
		}
		if found {
			quotes = append(quotes, f.Quote)
		}
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].PublishedAt > quotes[j].PublishedAt })
	if maxPublishers > 0 && len(quotes) > maxPublishers {
		quotes = quotes[:maxPublishers]
	}
	agg := &Aggregate{Symbol: symbol}
	if len(quotes) == 0 {
		agg.Stale = true
		return o.aggregates.Upsert(agg)
	}
	agg.SettlementPrice = medianPrice(quotes)
	agg.MaintenanceCR = medianInt(quotes, func(q Quote) int64 { return q.MaintenanceCR })
	agg.MaxShortSqueezeRatio = medianInt(quotes, func(q Quote) int64 { return q.MaxShortSqueezeRatio })
	agg.CoreExchangeRate = quotes[0].CoreExchangeRate
	latest := quotes[0].PublishedAt
	for _, q := range quotes {
		if q.PublishedAt > latest {
			latest = q.PublishedAt
		}
	}
	agg.StalenessTime = latest
	agg.Stale = len(quotes) < minFeeds
	return o.aggregates.Upsert(agg)
}

func medianInt(qs []Quote, get func(Quote) int64) int64 {
	vals := make([]int64, len(qs))
	for i, q := range qs {
		vals[i] = get(q)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals[(len(vals)-1)/2]
}

// medianPrice picks the median settlement price by cross-multiplication
// ordering (never decimal conversion, per §4.1) rather than averaging
// numerator/denominator pairs, which would not commute with reduction.
func medianPrice(qs []Quote) price.Price {
	sorted := append([]Quote(nil), qs...)
	sort.Slice(sorted, func(i, j int) bool {
		c, _ := sorted[i].SettlementPrice.Compare(sorted[j].SettlementPrice)
		return c < 0
	})
	return sorted[(len(sorted)-1)/2].SettlementPrice
}

// Get returns the current aggregate for symbol, §6's current_feed().
func (o *Oracle) Get(symbol string) (*Aggregate, error) {
	agg := &Aggregate{}
	found, err := o.aggregates.Get(store.Key(symbol), agg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("oracle: no feed for %s: %w", symbol, errs.ErrNotFound)
	}
	return agg, nil
}

// RequireFresh returns the aggregate or ErrFeedStale if it is stale.
func (o *Oracle) RequireFresh(symbol string) (*Aggregate, error) {
	agg, err := o.Get(symbol)
	if err != nil {
		return nil, err
	}
	if agg.Stale {
		return nil, fmt.Errorf("oracle: feed for %s is stale: %w", symbol, errs.ErrFeedStale)
	}
	return agg, nil
}
