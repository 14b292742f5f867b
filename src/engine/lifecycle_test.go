package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage/memstore"
)

var expiry = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

func optionPosition(id string, optType models.OptionType, strike float64, side models.PositionSide, basis float64, openedAt time.Time) *models.Position {
	return &models.Position{
		ID:        id,
		UserID:    testUserID,
		AssetType: models.AssetOption,
		Symbol:    "SPY",
		Option: &models.OptionDetails{
			Type:       optType,
			Strike:     strike,
			Expiration: expiry,
			IsOpening:  true,
		},
		Side:            side,
		OpeningQuantity: 1,
		CurrentQuantity: 1,
		AvgOpeningPrice: basis,
		TotalCostBasis:  basis,
		Status:          models.PositionOpen,
		OpeningTxIDs:    []string{id + "-open"},
		OpenedAt:        openedAt,
	}
}

func TestLifecycleResolver_AssignmentTerminatesShortLeg(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	// Short put sold for a 150 credit, then assigned.
	require.NoError(t, store.Positions.Create(ctx, optionPosition("p1", models.OptionPut, 100, models.SideShort, 150, day(1))))
	event := optionTx("ev1", models.OptionPut, 100, false, false, 0, day(10))
	event.SubType = SubTypeAssignment
	seedTx(store, event)

	result, err := NewLifecycleResolver(store).ProcessAssignmentsAndExercises(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsResolved)
	assert.Equal(t, 0, result.SkippedCount)

	pos, err := store.Positions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PositionAssigned, pos.Status)
	assert.Equal(t, 0.0, pos.CurrentQuantity)
	assert.Equal(t, 0.0, pos.TotalCostBasis)
	assert.InDelta(t, 150.0, pos.RealizedPL, 1e-9) // the seller keeps the credit
	assert.Equal(t, []string{"ev1"}, pos.ClosingTxIDs)
	require.NotNil(t, pos.ClosedAt)
	assert.True(t, pos.ClosedAt.Equal(day(10)))

	tx, err := store.Transactions.GetByID(ctx, "ev1")
	require.NoError(t, err)
	assert.Equal(t, "p1", tx.PositionID)
}

func TestLifecycleResolver_ExerciseTerminatesLongLeg(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.Positions.Create(ctx, optionPosition("p1", models.OptionCall, 100, models.SideLong, -200, day(1))))
	event := optionTx("ev1", models.OptionCall, 100, true, false, 0, day(12))
	event.SubType = SubTypeExercise
	seedTx(store, event)

	result, err := NewLifecycleResolver(store).ProcessAssignmentsAndExercises(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsResolved)

	pos, err := store.Positions.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PositionExercised, pos.Status)
	assert.InDelta(t, -200.0, pos.RealizedPL, 1e-9) // the holder eats the debit
}

func TestLifecycleResolver_EventWithoutOpenLegSkipped(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	event := optionTx("ev1", models.OptionPut, 100, false, false, 0, day(10))
	event.SubType = SubTypeAssignment
	seedTx(store, event)

	result, err := NewLifecycleResolver(store).ProcessAssignmentsAndExercises(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.PositionsResolved)
	assert.Equal(t, 1, result.SkippedCount)

	// The event stays unmatched so a later pass can still consume it.
	tx, err := store.Transactions.GetByID(ctx, "ev1")
	require.NoError(t, err)
	assert.Empty(t, tx.PositionID)
}

func TestLifecycleResolver_ProcessExpirations(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.Positions.Create(ctx, optionPosition("dead", models.OptionCall, 100, models.SideLong, -200, day(1))))
	alive := optionPosition("alive", models.OptionCall, 110, models.SideLong, -100, day(1))
	alive.Option.Expiration = expiry.AddDate(0, 3, 0)
	require.NoError(t, store.Positions.Create(ctx, alive))

	asOf := expiry.AddDate(0, 0, 1)
	result, err := NewLifecycleResolver(store).ProcessExpirations(ctx, testUserID, asOf)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsResolved)

	dead, err := store.Positions.GetByID(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, models.PositionExpired, dead.Status)
	assert.InDelta(t, -200.0, dead.RealizedPL, 1e-9)
	assert.Equal(t, 0.0, dead.UnrealizedPL)
	require.NotNil(t, dead.ClosedAt)
	assert.True(t, dead.ClosedAt.Equal(expiry))

	still, err := store.Positions.GetByID(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, still.Status)
}

func TestLifecycleResolver_ReconcileStrategyStatus(t *testing.T) {
	tests := []struct {
		name       string
		legStatus  []models.PositionStatus
		wantStatus models.PositionStatus
		wantClosed bool
	}{
		{
			name:       "any expired leg wins",
			legStatus:  []models.PositionStatus{models.PositionExpired, models.PositionAssigned, models.PositionClosed},
			wantStatus: models.PositionExpired,
			wantClosed: true,
		},
		{
			name:       "assignment beats plain close",
			legStatus:  []models.PositionStatus{models.PositionAssigned, models.PositionClosed},
			wantStatus: models.PositionAssigned,
			wantClosed: true,
		},
		{
			name:       "exercise rolls up as assigned",
			legStatus:  []models.PositionStatus{models.PositionExercised, models.PositionClosed},
			wantStatus: models.PositionAssigned,
			wantClosed: true,
		},
		{
			name:       "all closed",
			legStatus:  []models.PositionStatus{models.PositionClosed, models.PositionClosed},
			wantStatus: models.PositionClosed,
			wantClosed: true,
		},
		{
			name:       "open leg blocks roll-up",
			legStatus:  []models.PositionStatus{models.PositionClosed, models.PositionOpen},
			wantStatus: models.PositionOpen,
			wantClosed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			ctx := context.Background()
			st := &models.Strategy{
				ID:     "st1",
				UserID: testUserID,
				Type:   models.StrategyVerticalSpread,
				Symbol: "SPY",
				Status: models.PositionOpen,
			}
			require.NoError(t, store.Strategies.Create(ctx, st))

			var wantRealized float64
			for i, status := range tt.legStatus {
				pos := optionPosition(legID(i), models.OptionCall, 100+float64(i), models.SideLong, -100, day(1))
				pos.StrategyID = "st1"
				pos.Status = status
				if status != models.PositionOpen {
					pos.CurrentQuantity = 0
					pos.TotalCostBasis = 0
					pos.RealizedPL = float64(10 * (i + 1))
					closedAt := day(10 + i)
					pos.ClosedAt = &closedAt
					wantRealized += pos.RealizedPL
				}
				require.NoError(t, store.Positions.Create(ctx, pos))
			}

			result, err := NewLifecycleResolver(store).ReconcileStrategyStatus(ctx, testUserID)
			require.NoError(t, err)

			got, err := store.Strategies.GetByID(ctx, "st1")
			require.NoError(t, err)
			if !tt.wantClosed {
				assert.Equal(t, 0, result.StrategiesResolved)
				assert.Equal(t, models.PositionOpen, got.Status)
				return
			}
			assert.Equal(t, 1, result.StrategiesResolved)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.InDelta(t, wantRealized, got.RealizedPL, 1e-9)
			assert.Equal(t, 0.0, got.UnrealizedPL)
			require.NotNil(t, got.ClosedAt)
			assert.True(t, got.ClosedAt.Equal(day(10+len(tt.legStatus)-1)))
		})
	}
}

func TestLifecycleResolver_TerminalStrategyNotReprocessed(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	closedAt := day(5)
	st := &models.Strategy{
		ID:         "st1",
		UserID:     testUserID,
		Type:       models.StrategySingleOption,
		Symbol:     "SPY",
		Status:     models.PositionClosed,
		RealizedPL: 75,
		ClosedAt:   &closedAt,
	}
	require.NoError(t, store.Strategies.Create(ctx, st))

	result, err := NewLifecycleResolver(store).ReconcileStrategyStatus(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 0, result.StrategiesResolved)

	got, err := store.Strategies.GetByID(ctx, "st1")
	require.NoError(t, err)
	assert.InDelta(t, 75.0, got.RealizedPL, 1e-9)
}

func legID(i int) string {
	return "leg-" + string(rune('a'+i))
}
