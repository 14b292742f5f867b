package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

// Broker event codes carried in Transaction.SubType.
const (
	SubTypeAssignment = "ASSIGNMENT"
	SubTypeExercise   = "EXERCISE"
)

// LifecycleResult summarizes one resolver pass.
type LifecycleResult struct {
	PositionsResolved  int `json:"positions_resolved"`
	StrategiesResolved int `json:"strategies_resolved"`
	SkippedCount       int `json:"skipped_count"`
}

// LifecycleResolver applies terminal transitions that happen outside the
// normal buy/sell flow: assignments, exercises and expirations on option
// positions, plus the strategy-level roll-up once every leg is terminal.
type LifecycleResolver struct {
	store *storage.Store
}

func NewLifecycleResolver(store *storage.Store) *LifecycleResolver {
	return &LifecycleResolver{store: store}
}

// ProcessAssignmentsAndExercises consumes unmatched option transactions
// whose broker event is an assignment or exercise and flips the matching
// leg's status. Assignments terminate short legs, exercises long legs.
// Events that find no open leg are skipped and counted.
func (r *LifecycleResolver) ProcessAssignmentsAndExercises(ctx context.Context, userID int64) (*LifecycleResult, error) {
	assetOption := models.AssetOption
	txs, err := r.store.Transactions.GetAll(ctx, userID, storage.TransactionFilter{
		AssetType: &assetOption,
		Unmatched: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching option events for user %d: %w", userID, err)
	}

	result := &LifecycleResult{}
	for i := range txs {
		tx := &txs[i]
		var side models.PositionSide
		var status models.PositionStatus
		switch tx.SubType {
		case SubTypeAssignment:
			side, status = models.SideShort, models.PositionAssigned
		case SubTypeExercise:
			side, status = models.SideLong, models.PositionExercised
		default:
			continue
		}
		if tx.Option == nil {
			logger.L.Warn("Option event without option details", "userID", userID, "txID", tx.ID)
			result.SkippedCount++
			continue
		}
		if err := r.resolveEvent(ctx, tx, side, status); err != nil {
			logger.L.Warn("Option event left unresolved", "userID", userID, "txID", tx.ID, "subType", tx.SubType, "error", err)
			result.SkippedCount++
			continue
		}
		result.PositionsResolved++
	}
	return result, nil
}

func (r *LifecycleResolver) resolveEvent(ctx context.Context, tx *models.Transaction, side models.PositionSide, status models.PositionStatus) error {
	open, err := r.store.Positions.FindOpenPositions(ctx, storage.OpenPositionQuery{
		UserID:     tx.UserID,
		AssetType:  models.AssetOption,
		Symbol:     tx.Symbol,
		Side:       side,
		OptionType: &tx.Option.Type,
		Strike:     &tx.Option.Strike,
		Expiration: &tx.Option.Expiration,
	})
	if err != nil {
		return fmt.Errorf("finding open leg: %w", err)
	}
	if len(open) == 0 {
		return fmt.Errorf("no open %s leg for %s %.2f %s", side, tx.Symbol, tx.Option.Strike, tx.Option.Type)
	}
	pos := &open[0]
	terminate(pos, status, tx.Amount, tx.ActivityDate)
	pos.ClosingTxIDs = append(pos.ClosingTxIDs, tx.ID)
	if err := r.store.Positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("terminating position %s: %w", pos.ID, err)
	}
	if err := r.store.Transactions.SetPositionID(ctx, tx.ID, pos.ID); err != nil {
		return fmt.Errorf("linking event transaction %s: %w", tx.ID, err)
	}
	return nil
}

// ProcessExpirations marks open option positions whose expiration date has
// passed as expired. The remaining cost basis becomes realized P&L: a
// short seller keeps the credit, a long holder eats the debit.
func (r *LifecycleResolver) ProcessExpirations(ctx context.Context, userID int64, asOf time.Time) (*LifecycleResult, error) {
	assetOption := models.AssetOption
	statusOpen := models.PositionOpen
	positions, err := r.store.Positions.GetAll(ctx, userID, storage.PositionFilter{
		AssetType: &assetOption,
		Status:    &statusOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching open option positions for user %d: %w", userID, err)
	}

	result := &LifecycleResult{}
	for i := range positions {
		pos := &positions[i]
		if pos.Option == nil || !pos.Option.Expiration.Before(asOf) {
			continue
		}
		terminate(pos, models.PositionExpired, 0, pos.Option.Expiration)
		if err := r.store.Positions.Update(ctx, pos); err != nil {
			logger.L.Warn("Failed to expire position", "userID", userID, "positionID", pos.ID, "error", err)
			result.SkippedCount++
			continue
		}
		logger.L.Info("Option position expired", "userID", userID, "positionID", pos.ID, "symbol", pos.Symbol, "expiration", pos.Option.Expiration)
		result.PositionsResolved++
	}
	return result, nil
}

// ReconcileStrategyStatus is the single post-matching pass that rolls leg
// terminations up to their strategies. When every leg of a strategy is
// terminal the strategy itself closes with the worst-case-priority label:
// expired beats assigned/exercised beats closed. Realized P&L and closing
// proceeds are captured from the legs at this moment and not recomputed
// later.
func (r *LifecycleResolver) ReconcileStrategyStatus(ctx context.Context, userID int64) (*LifecycleResult, error) {
	strategies, err := r.store.Strategies.GetAll(ctx, userID, storage.StrategyFilter{})
	if err != nil {
		return nil, fmt.Errorf("fetching strategies for user %d: %w", userID, err)
	}

	result := &LifecycleResult{}
	for i := range strategies {
		st := &strategies[i]
		if st.Status.IsTerminal() {
			continue
		}
		legs, err := r.store.Positions.GetAll(ctx, userID, storage.PositionFilter{StrategyID: st.ID})
		if err != nil {
			logger.L.Warn("Failed to load strategy legs", "userID", userID, "strategyID", st.ID, "error", err)
			result.SkippedCount++
			continue
		}
		if len(legs) == 0 {
			continue
		}

		allTerminal := true
		anyExpired, anyAssigned := false, false
		var realized, closing float64
		var closedAt time.Time
		for _, leg := range legs {
			if !leg.Status.IsTerminal() {
				allTerminal = false
				break
			}
			switch leg.Status {
			case models.PositionExpired:
				anyExpired = true
			case models.PositionAssigned, models.PositionExercised:
				anyAssigned = true
			}
			realized += leg.RealizedPL
			closing += leg.TotalClosing
			if leg.ClosedAt != nil && leg.ClosedAt.After(closedAt) {
				closedAt = *leg.ClosedAt
			}
		}
		if !allTerminal {
			continue
		}

		switch {
		case anyExpired:
			st.Status = models.PositionExpired
		case anyAssigned:
			st.Status = models.PositionAssigned
		default:
			st.Status = models.PositionClosed
		}
		st.RealizedPL = realized
		st.TotalClosing = closing
		st.UnrealizedPL = 0
		if !closedAt.IsZero() {
			st.ClosedAt = &closedAt
		}
		if err := r.store.Strategies.Update(ctx, st); err != nil {
			logger.L.Warn("Failed to close strategy", "userID", userID, "strategyID", st.ID, "error", err)
			result.SkippedCount++
			continue
		}
		logger.L.Info("Strategy closed", "userID", userID, "strategyID", st.ID, "status", st.Status, "realizedPL", st.RealizedPL)
		result.StrategiesResolved++
	}
	return result, nil
}

// terminate zeroes the position and folds the remaining cost basis, plus
// any cash the terminating event itself moved, into realized P&L.
func terminate(pos *models.Position, status models.PositionStatus, eventAmount float64, at time.Time) {
	pos.RealizedPL += pos.TotalCostBasis + eventAmount
	pos.TotalClosing += eventAmount
	pos.TotalCostBasis = 0
	pos.CurrentQuantity = 0
	pos.UnrealizedPL = 0
	pos.Status = status
	closedAt := at
	pos.ClosedAt = &closedAt
}
