// Package chainprops holds the median-across-producers chain properties
// that parameterize the engine (§3). They are snapshotted once at block
// start (§4.9 step 1) and held constant for the whole block.
package chainprops

// Properties is the set of chain-wide parameters every book/pool/credit
// computation reads. All ratios are expressed as fixed-point integers
// (out of RatioDenom, or out of BpsDenom for the *Bps fields) so the
// engine never touches a float.
type Properties struct {
	// EscrowBondPercent is the percentage (out of RatioDenom) of
	// underlying an option writer must additionally bond, if the chain
	// requires over-collateralized option escrow.
	EscrowBondPercent int64

	// CreditMinInterest / CreditVariableInterest are the hourly interest
	// curve parameters of §4.5, in basis points (out of 10000).
	CreditMinInterestBps      int64
	CreditVariableInterestBps int64

	// CreditOpenRatio / CreditLiquidationRatio gate credit-pool loan
	// opening and liquidation, expressed out of RatioDenom (§4.5).
	CreditOpenRatio        int64
	CreditLiquidationRatio int64

	// MarginOpenRatio / MarginLiquidationRatio are the equivalent
	// thresholds for margin orders (§4.4), out of RatioDenom.
	MarginOpenRatio        int64
	MarginLiquidationRatio int64

	// MarketMaxCreditRatio caps total credit-pool borrowing as a
	// fraction (out of RatioDenom) of the core asset's pooled liquidity
	// (§4.5).
	MarketMaxCreditRatio int64

	// MaximumAssetFeedPublishers bounds how many publisher quotes the
	// oracle aggregates per asset.
	MaximumAssetFeedPublishers int

	// MaxStakeIntervals / MaxUnstakeIntervals bound how many staking
	// epochs a stake/unstake request may span.
	MaxStakeIntervals   int64
	MaxUnstakeIntervals int64

	// ForceSettlementOffsetBps is the discount applied to the feed price
	// when a call order is matched against a pending force-settlement
	// (§4.3 step 2, auxiliary source #2).
	ForceSettlementOffsetBps int64

	// MakerFeeBps / TakerFeeBps / NetworkFeeBps / InterfaceFeeBps split
	// the trading fee on every limit-book fill (§4.2 step 3). All four
	// are expressed in basis points of the traded quote notional and
	// must sum to TakerFeeBps + NetworkFeeBps + InterfaceFeeBps (the
	// maker side is a rebate subtracted from, not added to, the taker
	// side's gross fee).
	MakerFeeBps     int64
	TakerFeeBps     int64
	NetworkFeeBps   int64
	InterfaceFeeBps int64

	// AuctionInterval is the block-time duration (seconds) between
	// auction clearings (§4.6), typically 86400 (24h).
	AuctionIntervalSeconds int64

	// MaxFeedAgeSeconds / MinFeeds gate oracle freshness decay (§4.8
	// step 6).
	MaxFeedAgeSeconds int64
	MinFeeds          int

	// BlockMatchQuota bounds the number of matched objects a single
	// operation's match loop may process before deferring remaining
	// work to the scheduler (§5, BlockQuotaExhausted).
	BlockMatchQuota int
}

// RatioDenom is the fixed-point denominator every *Ratio field above is
// expressed over (a collateralization ratio of 150% is stored as
// 1_500_000).
const RatioDenom = 1_000_000

// BpsDenom is the denominator for every *Bps field.
const BpsDenom = 10_000

// Default returns a conservative production-shaped parameter set,
// mirroring the teacher's params.Default() shape: concrete numbers
// chosen so every downstream formula has sane defaults rather than
// zero values that would make every operation degenerate.
func Default() Properties {
	return Properties{
		EscrowBondPercent:          0,
		CreditMinInterestBps:       500,                   // 5% floor APR-equivalent hourly curve base
		CreditVariableInterestBps: 1500,                   // up to +15% at 100% utilization
		CreditOpenRatio:            2 * RatioDenom,         // 200%
		CreditLiquidationRatio:     3 * RatioDenom / 2,     // 150%
		MarginOpenRatio:            3 * RatioDenom / 2,     // 150%
		MarginLiquidationRatio:     11 * RatioDenom / 10,   // 110%
		MarketMaxCreditRatio:       RatioDenom / 2,         // 50%
		MaximumAssetFeedPublishers: 11,
		MaxStakeIntervals:          4,
		MaxUnstakeIntervals:        4,
		ForceSettlementOffsetBps:   200, // 2%
		MakerFeeBps:                -2,
		TakerFeeBps:                5,
		NetworkFeeBps:              2,
		InterfaceFeeBps:            1,
		AuctionIntervalSeconds:     86400,
		MaxFeedAgeSeconds:          3600,
		MinFeeds:                   1,
		BlockMatchQuota:            10000,
	}
}

// Median computes the field-wise median of several producer-submitted
// property sets, the way chain properties are derived from active
// producers in a real deployment. Odd counts take the middle element
// after sorting; even counts take the lower-middle (floor), keeping
// every field an exact integer with no averaging-induced rounding.
func Median(all []Properties) Properties {
	if len(all) == 0 {
		return Default()
	}
	if len(all) == 1 {
		return all[0]
	}
	pick := func(get func(Properties) int64) int64 {
		vals := make([]int64, len(all))
		for i, p := range all {
			vals[i] = get(p)
		}
		return medianInt64(vals)
	}
	pickInt := func(get func(Properties) int) int {
		vals := make([]int64, len(all))
		for i, p := range all {
			vals[i] = int64(get(p))
		}
		return int(medianInt64(vals))
	}
	return Properties{
		EscrowBondPercent:          pick(func(p Properties) int64 { return p.EscrowBondPercent }),
		CreditMinInterestBps:       pick(func(p Properties) int64 { return p.CreditMinInterestBps }),
		CreditVariableInterestBps:  pick(func(p Properties) int64 { return p.CreditVariableInterestBps }),
		CreditOpenRatio:            pick(func(p Properties) int64 { return p.CreditOpenRatio }),
		CreditLiquidationRatio:     pick(func(p Properties) int64 { return p.CreditLiquidationRatio }),
		MarginOpenRatio:            pick(func(p Properties) int64 { return p.MarginOpenRatio }),
		MarginLiquidationRatio:     pick(func(p Properties) int64 { return p.MarginLiquidationRatio }),
		MarketMaxCreditRatio:       pick(func(p Properties) int64 { return p.MarketMaxCreditRatio }),
		MaximumAssetFeedPublishers: pickInt(func(p Properties) int { return p.MaximumAssetFeedPublishers }),
		MaxStakeIntervals:          pick(func(p Properties) int64 { return p.MaxStakeIntervals }),
		MaxUnstakeIntervals:        pick(func(p Properties) int64 { return p.MaxUnstakeIntervals }),
		ForceSettlementOffsetBps:   pick(func(p Properties) int64 { return p.ForceSettlementOffsetBps }),
		MakerFeeBps:                pick(func(p Properties) int64 { return p.MakerFeeBps }),
		TakerFeeBps:                pick(func(p Properties) int64 { return p.TakerFeeBps }),
		NetworkFeeBps:              pick(func(p Properties) int64 { return p.NetworkFeeBps }),
		InterfaceFeeBps:            pick(func(p Properties) int64 { return p.InterfaceFeeBps }),
		AuctionIntervalSeconds:     pick(func(p Properties) int64 { return p.AuctionIntervalSeconds }),
		MaxFeedAgeSeconds:          pick(func(p Properties) int64 { return p.MaxFeedAgeSeconds }),
		MinFeeds:                   pickInt(func(p Properties) int { return p.MinFeeds }),
		BlockMatchQuota:            pickInt(func(p Properties) int { return p.BlockMatchQuota }),
	}
}

func medianInt64(vals []int64) int64 {
	sorted := append([]int64(nil), vals...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[(len(sorted)-1)/2]
}
