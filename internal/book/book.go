// Package book provides pure order-book computations: level aggregation,
// mark price, and expected average fill price for a target notional. All
// arithmetic is decimal; results are return-value-encoded and never panic,
// since they run inside render-time derivations.
package book

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrInsufficientLiquidity reports that the book could not satisfy the
// requested notional. The accompanying estimate still carries the partial
// average over the liquidity that existed.
var ErrInsufficientLiquidity = errors.New("insufficient liquidity in book")

// Side identifies the taker direction of an estimated order.
type Side int

const (
	// Buy takes from asks; notional is denominated in quote currency.
	Buy Side = iota
	// Sell takes from bids; notional is denominated in base currency.
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Level is one aggregated (price, size) pair at a matching-priority position.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook holds both sides in matching-priority order: bids descending by
// price, asks ascending.
type Orderbook struct {
	Bids []Level
	Asks []Level
}

// MarkPricePolicy decides how a recent trade participates in the mark price.
// Whether a sharply diverging last trade should outvote the book midpoint is
// unresolved upstream, so it is a policy, not a fixed rule.
type MarkPricePolicy int

const (
	// MedianWithLastTrade returns the median of best bid, best ask and the
	// last trade when one is known, falling back to the midpoint.
	MedianWithLastTrade MarkPricePolicy = iota
	// MidpointOnly ignores trade history entirely.
	MidpointOnly
)

// MarkPrice derives a representative price from the book and optional last
// trade. Returns ok=false when either side of the book is empty.
func MarkPrice(ob Orderbook, lastTrade *decimal.Decimal, policy MarkPricePolicy) (decimal.Decimal, bool) {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return decimal.Decimal{}, false
	}

	bestBid := ob.Bids[0].Price
	bestAsk := ob.Asks[0].Price

	if policy == MedianWithLastTrade && lastTrade != nil {
		return median3(bestBid, bestAsk, *lastTrade), true
	}
	return bestBid.Add(bestAsk).Div(decimal.NewFromInt(2)), true
}

// median3 returns the middle value of three after sorting.
func median3(a, b, c decimal.Decimal) decimal.Decimal {
	vals := []decimal.Decimal{a, b, c}
	sort.Slice(vals, func(i, j int) bool { return vals[i].LessThan(vals[j]) })
	return vals[1]
}

// AggregateLevels merges raw entries sharing an identical price into one
// level, orders the result by matching priority for the given book side
// (asks ascending, bids descending), and truncates to depth levels. A depth
// of zero or less means no truncation.
func AggregateLevels(raw []Level, depth int, side Side) []Level {
	if len(raw) == 0 {
		return nil
	}

	merged := make(map[string]Level, len(raw))
	for _, lvl := range raw {
		k := lvl.Price.String()
		if prev, ok := merged[k]; ok {
			prev.Size = prev.Size.Add(lvl.Size)
			merged[k] = prev
		} else {
			merged[k] = lvl
		}
	}

	out := make([]Level, 0, len(merged))
	for _, lvl := range merged {
		out = append(out, lvl)
	}

	if side == Sell {
		// Bids: best (highest) price first.
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	}

	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// FillEstimate is the result of walking the book for a target notional.
type FillEstimate struct {
	// AvgPrice is the cost-weighted average price over the filled portion.
	AvgPrice decimal.Decimal
	// FilledNotional is how much of the target the book could absorb, in
	// the notional's own unit.
	FilledNotional decimal.Decimal
	// Exhausted reports that the book ran out before the target was met.
	Exhausted bool
}

// ExpectedFillPrice walks the opposing side's levels in matching-priority
// order and computes the average price paid to move targetNotional through
// the book. Buying accumulates cost in quote units (price*size per level);
// selling accumulates in base units (size per level) — the unit always
// matches targetNotional's. On the crossing level only the partial fraction
// is counted. When tickDecimals is non-nil the average is floored to that
// many decimals: an estimate must never price better than what the book can
// actually fill at tick granularity.
//
// If depth runs out first, the partial average over existing liquidity is
// returned together with ErrInsufficientLiquidity, so callers can distinguish
// a best-effort partial from a full fill.
func ExpectedFillPrice(ob Orderbook, side Side, targetNotional decimal.Decimal, tickDecimals *int32) (FillEstimate, error) {
	levels := ob.Asks
	if side == Sell {
		levels = ob.Bids
	}

	if targetNotional.Sign() <= 0 || len(levels) == 0 {
		return FillEstimate{Exhausted: true}, ErrInsufficientLiquidity
	}

	spent := decimal.Zero
	weighted := decimal.Zero

	for _, lvl := range levels {
		cost := lvl.Size
		if side == Buy {
			cost = lvl.Price.Mul(lvl.Size)
		}

		if spent.Add(cost).GreaterThan(targetNotional) {
			remaining := targetNotional.Sub(spent)
			weighted = weighted.Add(remaining.Mul(lvl.Price))
			spent = targetNotional
			break
		}

		weighted = weighted.Add(cost.Mul(lvl.Price))
		spent = spent.Add(cost)
		if spent.Equal(targetNotional) {
			break
		}
	}

	if spent.Sign() == 0 {
		return FillEstimate{Exhausted: true}, ErrInsufficientLiquidity
	}

	avg := weighted.Div(decimal.Min(targetNotional, spent))
	if tickDecimals != nil {
		avg = avg.RoundFloor(*tickDecimals)
	}

	est := FillEstimate{
		AvgPrice:       avg,
		FilledNotional: spent,
		Exhausted:      spent.LessThan(targetNotional),
	}
	if est.Exhausted {
		return est, ErrInsufficientLiquidity
	}
	return est, nil
}
