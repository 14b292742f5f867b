package models

import "time"

// PositionSide is the direction of the exposure a position represents.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// PositionStatus tracks the lifecycle of a position. Every status except
// "open" is terminal and implies CurrentQuantity == 0.
type PositionStatus string

const (
	PositionOpen      PositionStatus = "open"
	PositionClosed    PositionStatus = "closed"
	PositionAssigned  PositionStatus = "assigned"
	PositionExercised PositionStatus = "exercised"
	PositionExpired   PositionStatus = "expired"
)

// IsTerminal reports whether the status ends the position's life.
func (s PositionStatus) IsTerminal() bool {
	return s != PositionOpen
}

// Position accumulates one or more transactions into a continuously-held
// exposure in a single symbol/contract/side.
//
// TotalCostBasis is signed: negative means a net debit was paid to open,
// positive means a net credit was received. Each partial close strips off
// the proportional slice of the basis so that the sum of closed slices plus
// the remainder always equals the original basis.
type Position struct {
	ID              string          `json:"id"`
	UserID          int64           `json:"user_id"`
	AssetType       AssetType       `json:"asset_type"`
	Symbol          string          `json:"symbol"`
	Option          *OptionDetails  `json:"option,omitempty"`
	Futures         *FuturesDetails `json:"futures,omitempty"`
	Side            PositionSide    `json:"side"`
	OpeningQuantity float64         `json:"opening_quantity"`
	CurrentQuantity float64         `json:"current_quantity"`
	AvgOpeningPrice float64         `json:"avg_opening_price"`
	TotalCostBasis  float64         `json:"total_cost_basis"`
	TotalClosing    float64         `json:"total_closing_amount"`
	RealizedPL      float64         `json:"realized_pl"`
	UnrealizedPL    float64         `json:"unrealized_pl"`
	Status          PositionStatus  `json:"status"`
	OpeningTxIDs    []string        `json:"opening_tx_ids"`
	ClosingTxIDs    []string        `json:"closing_tx_ids"`
	StrategyID      string          `json:"strategy_id,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}
