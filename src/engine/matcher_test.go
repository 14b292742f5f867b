package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
	"github.com/username/tradefolio/backend/src/storage/memstore"
)

const testUserID int64 = 42

func day(n int) time.Time {
	return time.Date(2026, 1, n, 15, 0, 0, 0, time.UTC)
}

func seedTx(store *storage.Store, tx *models.Transaction) {
	if tx.UserID == 0 {
		tx.UserID = testUserID
	}
	store.Transactions.(*memstore.TransactionStore).Put(tx)
}

func seedSpec(store *storage.Store, spec *models.ContractSpec) {
	store.ContractSpecs.(*memstore.ContractSpecStore).Put(spec)
}

func stockBuy(id string, qty, price float64, at time.Time) *models.Transaction {
	return &models.Transaction{
		ID:           id,
		UserID:       testUserID,
		AssetType:    models.AssetStock,
		Symbol:       "AAPL",
		Quantity:     qty,
		Price:        price,
		Amount:       -qty * price,
		IsLong:       true,
		BuySell:      "BUY",
		ActivityDate: at,
	}
}

func stockSell(id string, qty, price float64, at time.Time) *models.Transaction {
	tx := stockBuy(id, qty, price, at)
	tx.Amount = qty * price
	tx.BuySell = "SELL"
	return tx
}

func optionTx(id string, optType models.OptionType, strike float64, isLong, isOpening bool, amount float64, at time.Time) *models.Transaction {
	return &models.Transaction{
		ID:        id,
		UserID:    testUserID,
		AssetType: models.AssetOption,
		Symbol:    "SPY",
		Option: &models.OptionDetails{
			Type:       optType,
			Strike:     strike,
			Expiration: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
			IsOpening:  isOpening,
		},
		Quantity:     1,
		Price:        amount,
		Amount:       amount,
		IsLong:       isLong,
		ActivityDate: at,
	}
}

func allPositions(t *testing.T, store *storage.Store) []models.Position {
	t.Helper()
	positions, err := store.Positions.GetAll(context.Background(), testUserID, storage.PositionFilter{})
	require.NoError(t, err)
	return positions
}

func TestMatcher_StockBuysMergeIntoWeightedAverage(t *testing.T) {
	store := memstore.New()
	seedTx(store, stockBuy("t1", 10, 100, day(1)))
	seedTx(store, stockBuy("t2", 10, 120, day(2)))

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsCreated)
	assert.Equal(t, 1, result.PositionsUpdated)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, 20.0, pos.CurrentQuantity)
	assert.Equal(t, 20.0, pos.OpeningQuantity)
	assert.InDelta(t, 110.0, pos.AvgOpeningPrice, 1e-9)
	assert.InDelta(t, -2200.0, pos.TotalCostBasis, 1e-9)
	assert.Equal(t, []string{"t1", "t2"}, pos.OpeningTxIDs)
	assert.Equal(t, models.PositionOpen, pos.Status)
}

func TestMatcher_OptionOpenAndClose(t *testing.T) {
	store := memstore.New()
	// Buy to open for a 200 debit, sell to close for a 350 credit.
	seedTx(store, optionTx("o1", models.OptionCall, 100, true, true, -200, day(1)))
	seedTx(store, optionTx("o2", models.OptionCall, 100, true, false, 350, day(5)))

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsCreated)
	assert.Equal(t, 1, result.PositionsUpdated)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, models.PositionClosed, pos.Status)
	assert.Equal(t, 0.0, pos.CurrentQuantity)
	assert.Equal(t, 0.0, pos.TotalCostBasis)
	assert.Equal(t, 0.0, pos.UnrealizedPL)
	assert.InDelta(t, 150.0, pos.RealizedPL, 1e-9)
	require.NotNil(t, pos.ClosedAt)
	assert.True(t, pos.ClosedAt.Equal(day(5)))
	assert.Equal(t, []string{"o2"}, pos.ClosingTxIDs)

	closing, err := store.Transactions.GetByID(context.Background(), "o2")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, closing.PositionID)
}

func TestMatcher_OptionCloseMatchesSideAndContract(t *testing.T) {
	store := memstore.New()
	// A short put at a different strike must not absorb the long call close.
	seedTx(store, optionTx("short-put", models.OptionPut, 95, false, true, 80, day(1)))
	seedTx(store, optionTx("long-call", models.OptionCall, 100, true, true, -120, day(1)))
	seedTx(store, optionTx("close-call", models.OptionCall, 100, true, false, 140, day(3)))

	_, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)

	positions := allPositions(t, store)
	require.Len(t, positions, 2)
	for _, pos := range positions {
		if pos.Option.Type == models.OptionPut {
			assert.Equal(t, models.PositionOpen, pos.Status)
		} else {
			assert.Equal(t, models.PositionClosed, pos.Status)
			assert.InDelta(t, 20.0, pos.RealizedPL, 1e-9)
		}
	}
}

func TestMatcher_CryptoLotsCloseFIFO(t *testing.T) {
	store := memstore.New()
	lot := func(id string, qty, price float64, at time.Time) *models.Transaction {
		return &models.Transaction{
			ID: id, AssetType: models.AssetCrypto, Symbol: "BTC",
			Quantity: qty, Price: price, Amount: -qty * price,
			IsLong: true, BuySell: "BUY", ActivityDate: at,
		}
	}
	seedTx(store, lot("l1", 1, 30000, day(1)))
	seedTx(store, lot("l2", 1, 40000, day(2)))
	sell := lot("s1", 1.5, 50000, day(3))
	sell.Amount = 1.5 * 50000
	sell.BuySell = "SELL"
	seedTx(store, sell)

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.PositionsCreated)
	assert.Equal(t, 2, result.PositionsUpdated)

	positions := allPositions(t, store)
	require.Len(t, positions, 2)
	// Oldest lot fully consumed, second lot half consumed.
	first, second := positions[0], positions[1]
	assert.Equal(t, models.PositionClosed, first.Status)
	assert.InDelta(t, 20000.0, first.RealizedPL, 1e-6) // 50000 - 30000
	assert.Equal(t, models.PositionOpen, second.Status)
	assert.InDelta(t, 0.5, second.CurrentQuantity, 1e-9)
	assert.InDelta(t, -20000.0, second.TotalCostBasis, 1e-6)
	assert.InDelta(t, 5000.0, second.RealizedPL, 1e-6) // (50000-40000) * 0.5

	// The closing transaction back-references the first position touched.
	closing, err := store.Transactions.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, closing.PositionID)
}

func TestMatcher_OversellRejectedWithoutMutation(t *testing.T) {
	store := memstore.New()
	seedTx(store, stockBuy("b1", 10, 100, day(1)))
	seedTx(store, stockSell("s1", 15, 110, day(2)))

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientPosition))
	assert.Equal(t, 1, result.UnmatchedCount)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Equal(t, 10.0, pos.CurrentQuantity)
	assert.InDelta(t, -1000.0, pos.TotalCostBasis, 1e-9)
	assert.Empty(t, pos.ClosingTxIDs)

	sell, getErr := store.Transactions.GetByID(context.Background(), "s1")
	require.NoError(t, getErr)
	assert.Empty(t, sell.PositionID)
}

func TestMatcher_RerunIsNoOp(t *testing.T) {
	store := memstore.New()
	seedTx(store, stockBuy("b1", 10, 100, day(1)))
	seedTx(store, stockSell("s1", 4, 120, day(2)))

	matcher := NewMatcher(store)
	_, err := matcher.MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	before := allPositions(t, store)

	second, err := matcher.MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, &MatchResult{}, second)
	assert.Equal(t, before, allPositions(t, store))
}

func TestMatcher_PartialCloseAllocatesBasisProportionally(t *testing.T) {
	store := memstore.New()
	seedTx(store, stockBuy("b1", 10, 100, day(1)))
	seedTx(store, stockSell("s1", 4, 120, day(2)))

	_, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.InDelta(t, 6.0, pos.CurrentQuantity, 1e-9)
	assert.InDelta(t, -600.0, pos.TotalCostBasis, 1e-9)
	assert.InDelta(t, 80.0, pos.RealizedPL, 1e-9) // 480 - 400
	assert.InDelta(t, 480.0, pos.TotalClosing, 1e-9)
}

func TestMatcher_FuturesRealizedPLUsesContractMultiplier(t *testing.T) {
	store := memstore.New()
	seedSpec(store, &models.ContractSpec{Symbol: "ES", Multiplier: 50, InitialMargin: 15000})
	fut := func(id, buySell string, qty, price float64, at time.Time) *models.Transaction {
		return &models.Transaction{
			ID: id, AssetType: models.AssetFutures, Symbol: "ES",
			Futures:  &models.FuturesDetails{InstrumentCode: "ESH26"},
			Quantity: qty, Price: price, Amount: 0,
			IsLong: true, BuySell: buySell, ActivityDate: at,
		}
	}
	seedTx(store, fut("f1", "BUY", 2, 5000, day(1)))
	seedTx(store, fut("f2", "SELL", 2, 5010, day(2)))

	_, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, models.PositionClosed, pos.Status)
	assert.InDelta(t, 1000.0, pos.RealizedPL, 1e-9) // 10 pts × 2 × 50
	require.NotNil(t, pos.Futures)
	assert.Equal(t, "2026-03", pos.Futures.ContractMonth)
}

func TestMatcher_FuturesLotsKeyedByContractMonth(t *testing.T) {
	store := memstore.New()
	seedSpec(store, &models.ContractSpec{Symbol: "ES", Multiplier: 50, InitialMargin: 15000})
	fut := func(id, code, buySell string, price float64, at time.Time) *models.Transaction {
		return &models.Transaction{
			ID: id, AssetType: models.AssetFutures, Symbol: "ES",
			Futures:  &models.FuturesDetails{InstrumentCode: code},
			Quantity: 1, Price: price,
			IsLong: true, BuySell: buySell, ActivityDate: at,
		}
	}
	seedTx(store, fut("march", "ESH26", "BUY", 5000, day(1)))
	seedTx(store, fut("june", "ESM26", "BUY", 5050, day(2)))
	seedTx(store, fut("close-june", "ESM26", "SELL", 5060, day(3)))

	_, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)

	for _, pos := range allPositions(t, store) {
		switch pos.Futures.ContractMonth {
		case "2026-03":
			assert.Equal(t, models.PositionOpen, pos.Status)
		case "2026-06":
			assert.Equal(t, models.PositionClosed, pos.Status)
		default:
			t.Fatalf("unexpected contract month %q", pos.Futures.ContractMonth)
		}
	}
}

func TestMatcher_SkipsLifecycleEventRows(t *testing.T) {
	store := memstore.New()
	seedTx(store, optionTx("sto", models.OptionPut, 100, false, true, 150, day(1)))
	event := optionTx("assign", models.OptionPut, 100, false, false, 0, day(10))
	event.SubType = SubTypeAssignment
	seedTx(store, event)

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsCreated)
	assert.Equal(t, 0, result.PositionsUpdated)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	assert.Equal(t, models.PositionOpen, positions[0].Status)
}

func TestMatcher_MalformedRowsCountedNotFatal(t *testing.T) {
	store := memstore.New()
	bad := stockBuy("bad", -5, 100, day(1))
	seedTx(store, bad)
	seedTx(store, stockBuy("good", 10, 100, day(2)))

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.UnmatchedCount)
	assert.Equal(t, 1, result.PositionsCreated)
}

func TestMatcher_ImportScopeLimitsBatch(t *testing.T) {
	store := memstore.New()
	inBatch := stockBuy("in", 5, 100, day(1))
	inBatch.ImportID = "imp-1"
	outOfBatch := stockBuy("out", 5, 100, day(1))
	outOfBatch.Symbol = "MSFT"
	seedTx(store, inBatch)
	seedTx(store, outOfBatch)

	result, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "imp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsCreated)

	other, err := store.Transactions.GetByID(context.Background(), "out")
	require.NoError(t, err)
	assert.Empty(t, other.PositionID)
}

func TestParseContractMonth(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"ESH26", "2026-03"},
		{"esh26", "2026-03"},
		{"MNQZ30", "2030-12"},
		{"6EU27", "2027-09"},
		{"", ""},
		{"ES", ""},
		{"123", ""},
		{"ESA26", ""},     // A is not a month code
		{"ESH2026", ""},   // year suffix too long
		{"  CLM26  ", "2026-06"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("code=%q", tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, parseContractMonth(tt.code))
		})
	}
}

func TestParseContractMonth_SingleDigitYearResolvesNearCurrentDecade(t *testing.T) {
	got := parseContractMonth("CLZ5")
	require.NotEmpty(t, got)
	assert.True(t, strings.HasSuffix(got, "-12"), "expected December, got %s", got)
	year := time.Now().Year()
	assert.GreaterOrEqual(t, got, fmt.Sprintf("%04d-01", year-2))
}

func TestMatcher_PartialOptionCoverageStaysUnmatched(t *testing.T) {
	store := memstore.New()
	seedTx(store, optionTx("bto1", models.OptionCall, 100, true, true, -200, day(1)))
	stc := optionTx("stc", models.OptionCall, 100, true, false, 700, day(2))
	stc.Quantity = 2
	seedTx(store, stc)

	matcher := NewMatcher(store)
	result, err := matcher.MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.PositionsCreated)
	assert.Equal(t, 0, result.PositionsUpdated)
	assert.Equal(t, 1, result.UnmatchedCount)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	assert.Equal(t, models.PositionOpen, positions[0].Status)
	assert.InDelta(t, 1.0, positions[0].CurrentQuantity, 1e-9)
	assert.Empty(t, positions[0].ClosingTxIDs)

	sell, getErr := store.Transactions.GetByID(context.Background(), "stc")
	require.NoError(t, getErr)
	assert.Empty(t, sell.PositionID)

	// The missing opening lot arrives in a later import; the close must
	// still be eligible and consume both lots.
	seedTx(store, optionTx("bto2", models.OptionCall, 100, true, true, -210, day(1)))
	second, err := matcher.MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.PositionsCreated)
	assert.Equal(t, 2, second.PositionsUpdated)
	assert.Equal(t, 0, second.UnmatchedCount)

	sell, getErr = store.Transactions.GetByID(context.Background(), "stc")
	require.NoError(t, getErr)
	assert.NotEmpty(t, sell.PositionID)
	for _, pos := range allPositions(t, store) {
		assert.Equal(t, models.PositionClosed, pos.Status)
	}
}

func TestMatcher_FuturesSpecResolvedFromInstrumentCode(t *testing.T) {
	store := memstore.New()
	seedSpec(store, &models.ContractSpec{Symbol: "ES", Multiplier: 50, InitialMargin: 15000})
	fut := func(id, buySell string, price float64, at time.Time) *models.Transaction {
		return &models.Transaction{
			ID: id, AssetType: models.AssetFutures, Symbol: "ESH26",
			Quantity: 1, Price: price,
			IsLong: true, BuySell: buySell, ActivityDate: at,
		}
	}
	seedTx(store, fut("f1", "BUY", 5000, day(1)))
	seedTx(store, fut("f2", "SELL", 5020, day(2)))

	_, err := NewMatcher(store).MatchTransactions(context.Background(), testUserID, "")
	require.NoError(t, err)

	positions := allPositions(t, store)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.Equal(t, models.PositionClosed, pos.Status)
	assert.InDelta(t, 1000.0, pos.RealizedPL, 1e-9) // 20 pts × 1 × 50
}

func TestContractRoot(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"ESH26", "ES"},
		{"esh26", "ES"},
		{"MNQZ30", "MNQ"},
		{"6EU27", "6E"},
		{"CLZ5", "CL"},
		{"ES", "ES"},
		{"AAPL", "AAPL"},
		{"ESA26", "ESA26"},   // A is not a month code
		{"ESH2026", "ESH2026"}, // year suffix too long
		{"H26", "H26"},       // would leave an empty root
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("symbol=%q", tt.symbol), func(t *testing.T) {
			assert.Equal(t, tt.want, contractRoot(tt.symbol))
		})
	}
}
