package engine

import (
	"sort"

	"github.com/username/tradefolio/backend/src/models"
)

// patternMatch is the outcome of one shape detector over a leg group.
type patternMatch struct {
	Type      models.StrategyType
	Direction models.StrategyDirection
}

// pattern pairs a strategy type with a pure predicate over a strike-sorted
// leg group. Patterns are evaluated in priority order and the first match
// wins; there is no scoring across ambiguous candidates.
type pattern struct {
	Type  models.StrategyType
	Match func(legs []models.Position) (patternMatch, bool)
}

// strategyPatterns is the fixed evaluation order. Iron condor runs before
// vertical spread because a condor is two verticals and would otherwise
// never be seen whole.
var strategyPatterns = []pattern{
	{models.StrategyIronCondor, matchIronCondor},
	{models.StrategyVerticalSpread, matchVerticalSpread},
	{models.StrategyStraddle, matchStraddle},
	{models.StrategyStrangle, matchStrangle},
	{models.StrategyButterfly, matchButterfly},
}

// sortLegsByStrike orders a group ascending by strike. All shape detectors
// assume this ordering.
func sortLegsByStrike(legs []models.Position) {
	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].Option.Strike < legs[j].Option.Strike
	})
}

// matchIronCondor recognizes exactly four legs that read, strikes
// ascending: long put, short put, short call, long call.
func matchIronCondor(legs []models.Position) (patternMatch, bool) {
	if len(legs) != 4 {
		return patternMatch{}, false
	}
	ok := legIs(legs[0], models.OptionPut, models.SideLong) &&
		legIs(legs[1], models.OptionPut, models.SideShort) &&
		legIs(legs[2], models.OptionCall, models.SideShort) &&
		legIs(legs[3], models.OptionCall, models.SideLong)
	if !ok {
		return patternMatch{}, false
	}
	return patternMatch{models.StrategyIronCondor, models.DirectionNeutral}, true
}

// matchVerticalSpread recognizes two legs of the same option type on
// opposite sides at different strikes. Direction falls out of the
// call/put axis crossed with whether the pair opened for a debit or a
// credit.
func matchVerticalSpread(legs []models.Position) (patternMatch, bool) {
	if len(legs) != 2 {
		return patternMatch{}, false
	}
	a, b := legs[0], legs[1]
	if a.Option.Type != b.Option.Type || a.Side == b.Side || a.Option.Strike == b.Option.Strike {
		return patternMatch{}, false
	}
	debit := a.TotalCostBasis+b.TotalCostBasis < 0
	var dir models.StrategyDirection
	if a.Option.Type == models.OptionCall {
		if debit {
			dir = models.DirectionBullish
		} else {
			dir = models.DirectionBearish
		}
	} else {
		if debit {
			dir = models.DirectionBearish
		} else {
			dir = models.DirectionBullish
		}
	}
	return patternMatch{models.StrategyVerticalSpread, dir}, true
}

// matchStraddle recognizes a call and a put on the same side at the same
// strike.
func matchStraddle(legs []models.Position) (patternMatch, bool) {
	if len(legs) != 2 {
		return patternMatch{}, false
	}
	a, b := legs[0], legs[1]
	if a.Side != b.Side || a.Option.Strike != b.Option.Strike || a.Option.Type == b.Option.Type {
		return patternMatch{}, false
	}
	return patternMatch{models.StrategyStraddle, models.DirectionNeutral}, true
}

// matchStrangle recognizes a call and a put on the same side at different
// strikes.
func matchStrangle(legs []models.Position) (patternMatch, bool) {
	if len(legs) != 2 {
		return patternMatch{}, false
	}
	a, b := legs[0], legs[1]
	if a.Side != b.Side || a.Option.Strike == b.Option.Strike || a.Option.Type == b.Option.Type {
		return patternMatch{}, false
	}
	return patternMatch{models.StrategyStrangle, models.DirectionNeutral}, true
}

// matchButterfly recognizes three legs of one option type where the middle
// strike carries twice the quantity of each equal outer wing.
func matchButterfly(legs []models.Position) (patternMatch, bool) {
	if len(legs) != 3 {
		return patternMatch{}, false
	}
	a, m, b := legs[0], legs[1], legs[2]
	if a.Option.Type != m.Option.Type || m.Option.Type != b.Option.Type {
		return patternMatch{}, false
	}
	if a.Option.Strike >= m.Option.Strike || m.Option.Strike >= b.Option.Strike {
		return patternMatch{}, false
	}
	if a.CurrentQuantity != b.CurrentQuantity || m.CurrentQuantity != 2*a.CurrentQuantity {
		return patternMatch{}, false
	}
	return patternMatch{models.StrategyButterfly, models.DirectionNeutral}, true
}

// singleOptionDirection derives the bias of a lone leg: owning upside or
// selling downside is bullish, the mirror is bearish.
func singleOptionDirection(pos models.Position) models.StrategyDirection {
	long := pos.Side == models.SideLong
	call := pos.Option.Type == models.OptionCall
	if long == call {
		return models.DirectionBullish
	}
	return models.DirectionBearish
}

func legIs(p models.Position, t models.OptionType, s models.PositionSide) bool {
	return p.Option != nil && p.Option.Type == t && p.Side == s
}
