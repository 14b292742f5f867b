package models

import "time"

// StrategyType names the multi-leg (or single-leg) structure detected over
// a group of option positions.
type StrategyType string

const (
	StrategyIronCondor     StrategyType = "iron_condor"
	StrategyVerticalSpread StrategyType = "vertical_spread"
	StrategyStraddle       StrategyType = "straddle"
	StrategyStrangle       StrategyType = "strangle"
	StrategyButterfly      StrategyType = "butterfly"
	StrategySingleOption   StrategyType = "single_option"
)

// StrategyDirection is the market bias implied by the structure. Empty
// when no bias can be derived.
type StrategyDirection string

const (
	DirectionBullish StrategyDirection = "bullish"
	DirectionBearish StrategyDirection = "bearish"
	DirectionNeutral StrategyDirection = "neutral"
)

// StrategyLeg is a snapshot of one constituent position taken at detection
// time. Stored on the strategy so the shape survives later position edits.
type StrategyLeg struct {
	PositionID   string       `json:"position_id"`
	OptionType   OptionType   `json:"option_type"`
	Side         PositionSide `json:"side"`
	Strike       float64      `json:"strike"`
	Expiration   time.Time    `json:"expiration"`
	Quantity     float64      `json:"quantity"`
	OpeningPrice float64      `json:"opening_price"`
}

// Strategy aggregates the positions of one detected option structure.
// Status mirrors PositionStatus; RealizedPL is captured as the sum of the
// legs' realized P&L at the moment the last leg reaches a terminal status,
// not recomputed afterwards.
type Strategy struct {
	ID               string            `json:"id"`
	UserID           int64             `json:"user_id"`
	Type             StrategyType      `json:"type"`
	Symbol           string            `json:"symbol"`
	LegCount         int               `json:"leg_count"`
	Direction        StrategyDirection `json:"direction,omitempty"`
	Legs             []StrategyLeg     `json:"legs"`
	TotalOpeningCost float64           `json:"total_opening_cost"`
	TotalClosing     float64           `json:"total_closing_proceeds"`
	RealizedPL       float64           `json:"realized_pl"`
	UnrealizedPL     float64           `json:"unrealized_pl"`
	Status           PositionStatus    `json:"status"`
	OpenedAt         time.Time         `json:"opened_at"`
	Expiration       *time.Time        `json:"expiration,omitempty"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`

	// Adjustment chain for rolled positions.
	OriginalStrategyID     string `json:"original_strategy_id,omitempty"`
	AdjustedFromStrategyID string `json:"adjusted_from_strategy_id,omitempty"`
}
