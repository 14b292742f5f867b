package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

// DetectResult summarizes one DetectStrategies run.
type DetectResult struct {
	StrategiesCreated int `json:"strategies_created"`
	PositionsGrouped  int `json:"positions_grouped"`
}

// StrategyDetector groups ungrouped open option positions by underlying
// and expiration and tests each group against the fixed pattern order.
// Detection is idempotent: a position already carrying a strategy id never
// re-enters a grouping pass.
type StrategyDetector struct {
	store *storage.Store
}

func NewStrategyDetector(store *storage.Store) *StrategyDetector {
	return &StrategyDetector{store: store}
}

// DetectStrategies builds strategy aggregates for every open option
// position that has none. Groups matching no multi-leg shape decompose
// into one single_option strategy per leg, so detection always converges
// with no option position left ungrouped.
func (d *StrategyDetector) DetectStrategies(ctx context.Context, userID int64) (*DetectResult, error) {
	statusOpen := models.PositionOpen
	positions, err := d.store.Positions.GetAll(ctx, userID, storage.PositionFilter{
		Status:          &statusOpen,
		WithoutStrategy: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching ungrouped positions for user %d: %w", userID, err)
	}

	result := &DetectResult{}
	for _, group := range groupByUnderlyingAndExpiration(positions) {
		// Only option legs participate in strategy shapes; stock and
		// other positions bucket under the synthetic no-expiration key
		// and fall straight through.
		if group[0].Option == nil {
			continue
		}
		sortLegsByStrike(group)

		matched := false
		for _, p := range strategyPatterns {
			m, ok := p.Match(group)
			if !ok {
				continue
			}
			if err := d.createStrategy(ctx, userID, group, m, result); err != nil {
				logger.L.Warn("Failed to create strategy", "userID", userID, "type", m.Type, "error", err)
			}
			matched = true
			break
		}
		if matched {
			continue
		}
		for i := range group {
			leg := group[i : i+1]
			m := patternMatch{models.StrategySingleOption, singleOptionDirection(leg[0])}
			if err := d.createStrategy(ctx, userID, leg, m, result); err != nil {
				logger.L.Warn("Failed to create single-option strategy", "userID", userID, "positionID", leg[0].ID, "error", err)
			}
		}
	}

	logger.L.Info("Strategy detection complete",
		"userID", userID,
		"created", result.StrategiesCreated,
		"grouped", result.PositionsGrouped,
	)
	return result, nil
}

// createStrategy persists the aggregate and then stamps each member
// position. A position update failing after strategy creation is logged
// and retried on the next pass; already-stamped legs are excluded from
// future grouping so a retry cannot double-count.
func (d *StrategyDetector) createStrategy(ctx context.Context, userID int64, legs []models.Position, m patternMatch, result *DetectResult) error {
	st := &models.Strategy{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      m.Type,
		Symbol:    legs[0].Symbol,
		LegCount:  len(legs),
		Direction: m.Direction,
		Status:    models.PositionOpen,
	}

	openedAt := legs[0].OpenedAt
	var expiration *time.Time
	var openingCost float64
	for _, leg := range legs {
		st.Legs = append(st.Legs, models.StrategyLeg{
			PositionID:   leg.ID,
			OptionType:   leg.Option.Type,
			Side:         leg.Side,
			Strike:       leg.Option.Strike,
			Expiration:   leg.Option.Expiration,
			Quantity:     leg.OpeningQuantity,
			OpeningPrice: leg.AvgOpeningPrice,
		})
		openingCost += leg.TotalCostBasis
		if leg.OpenedAt.Before(openedAt) {
			openedAt = leg.OpenedAt
		}
		if expiration == nil && !leg.Option.Expiration.IsZero() {
			exp := leg.Option.Expiration
			expiration = &exp
		}
	}
	st.TotalOpeningCost = openingCost
	st.OpenedAt = openedAt
	st.Expiration = expiration

	if err := d.store.Strategies.Create(ctx, st); err != nil {
		return fmt.Errorf("persisting %s strategy: %w", st.Type, err)
	}
	result.StrategiesCreated++

	for i := range legs {
		pos := &legs[i]
		pos.StrategyID = st.ID
		if err := d.store.Positions.Update(ctx, pos); err != nil {
			logger.L.Warn("Failed to stamp strategy on position, will regroup next pass",
				"userID", userID, "strategyID", st.ID, "positionID", pos.ID, "error", err)
			continue
		}
		result.PositionsGrouped++
	}
	return nil
}

// groupByUnderlyingAndExpiration buckets positions by symbol, then by
// expiration date. Positions without an expiration (stocks, crypto) share
// a synthetic empty-date bucket per symbol. Iteration order is made
// deterministic by sorting the bucket keys.
func groupByUnderlyingAndExpiration(positions []models.Position) [][]models.Position {
	type key struct {
		symbol     string
		expiration string
	}
	buckets := make(map[key][]models.Position)
	for _, p := range positions {
		k := key{symbol: p.Symbol}
		if p.Option != nil {
			k.expiration = p.Option.Expiration.Format("2006-01-02")
		}
		buckets[k] = append(buckets[k], p)
	}

	keys := make([]key, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol == keys[j].symbol {
			return keys[i].expiration < keys[j].expiration
		}
		return keys[i].symbol < keys[j].symbol
	})

	groups := make([][]models.Position, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, buckets[k])
	}
	return groups
}
