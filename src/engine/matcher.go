package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

// MatchResult summarizes one MatchTransactions run.
type MatchResult struct {
	PositionsCreated int `json:"positions_created"`
	PositionsUpdated int `json:"positions_updated"`
	UnmatchedCount   int `json:"unmatched_count"`
}

// qtyTolerance absorbs float64 residue when comparing quantities.
const qtyTolerance = 1e-9

// Matcher turns unmatched transactions into position ledger state using
// FIFO matching. It is stateless between runs; all durable state lives in
// the injected stores.
type Matcher struct {
	store *storage.Store
}

func NewMatcher(store *storage.Store) *Matcher {
	return &Matcher{store: store}
}

// MatchTransactions processes every unmatched transaction for the user (or
// only those from importID when given), creating positions from opening
// trades and closing the oldest compatible open position for closing
// trades. Matched transactions are excluded by their non-null position
// back-reference, so re-running over already-matched data is a no-op.
//
// Per-item failures are logged and counted without aborting the batch,
// except oversells (ErrInsufficientPosition), which are collected and
// returned alongside the result because they indicate the ledger is
// inconsistent with reality.
func (m *Matcher) MatchTransactions(ctx context.Context, userID int64, importID string) (*MatchResult, error) {
	txs, err := m.fetchUnmatched(ctx, userID, importID)
	if err != nil {
		return nil, fmt.Errorf("fetching unmatched transactions for user %d: %w", userID, err)
	}

	result := &MatchResult{}
	if len(txs) == 0 {
		return result, nil
	}

	queues := partitionByAsset(txs)

	var oversells []error
	for _, assetType := range []models.AssetType{models.AssetOption, models.AssetStock, models.AssetCrypto, models.AssetFutures} {
		queue := queues[assetType]
		if len(queue) == 0 {
			continue
		}
		sortByActivityDate(queue)
		for i := range queue {
			tx := &queue[i]
			if tx.SubType == SubTypeAssignment || tx.SubType == SubTypeExercise {
				// Broker lifecycle events are consumed by the resolver.
				continue
			}
			if err := validateTransaction(tx); err != nil {
				logger.L.Warn("Skipping malformed transaction", "userID", userID, "txID", tx.ID, "error", err)
				result.UnmatchedCount++
				continue
			}
			if err := m.matchOne(ctx, tx, result); err != nil {
				if errors.Is(err, ErrInsufficientPosition) {
					logger.L.Error("Oversell detected during matching", "userID", userID, "txID", tx.ID, "symbol", tx.Symbol, "error", err)
					oversells = append(oversells, err)
					result.UnmatchedCount++
					continue
				}
				logger.L.Warn("Transaction left unmatched", "userID", userID, "txID", tx.ID, "symbol", tx.Symbol, "error", err)
				result.UnmatchedCount++
			}
		}
	}

	logger.L.Info("Matching run complete",
		"userID", userID,
		"created", result.PositionsCreated,
		"updated", result.PositionsUpdated,
		"unmatched", result.UnmatchedCount,
	)
	return result, errors.Join(oversells...)
}

func (m *Matcher) fetchUnmatched(ctx context.Context, userID int64, importID string) ([]models.Transaction, error) {
	if importID != "" {
		all, err := m.store.Transactions.GetByImportID(ctx, userID, importID)
		if err != nil {
			return nil, err
		}
		unmatched := all[:0:0]
		for _, tx := range all {
			if tx.PositionID == "" {
				unmatched = append(unmatched, tx)
			}
		}
		return unmatched, nil
	}
	return m.store.Transactions.GetAll(ctx, userID, storage.TransactionFilter{Unmatched: true})
}

func (m *Matcher) matchOne(ctx context.Context, tx *models.Transaction, result *MatchResult) error {
	switch tx.AssetType {
	case models.AssetOption:
		return m.matchOption(ctx, tx, result)
	case models.AssetStock:
		return m.matchStock(ctx, tx, result)
	case models.AssetCrypto, models.AssetFutures:
		return m.matchLot(ctx, tx, result)
	default:
		return fmt.Errorf("%w: asset type %q does not produce positions", ErrValidationFailure, tx.AssetType)
	}
}

// matchOption opens a new position for BTO/STO rows and FIFO-closes the
// oldest compatible open position for BTC/STC rows. Option closes that
// find no open position are recoverable: the row stays unmatched.
func (m *Matcher) matchOption(ctx context.Context, tx *models.Transaction, result *MatchResult) error {
	if tx.Option.IsOpening {
		pos := m.newPositionFrom(tx)
		if err := m.store.Positions.Create(ctx, pos); err != nil {
			return fmt.Errorf("creating option position: %w", err)
		}
		if err := m.store.Transactions.SetPositionID(ctx, tx.ID, pos.ID); err != nil {
			return fmt.Errorf("linking opening transaction %s: %w", tx.ID, err)
		}
		result.PositionsCreated++
		return nil
	}

	// A closing trade consumes positions opened on the same side as its
	// own long/short flag: an STC closes long (BTO) positions, a BTC
	// closes short (STO) positions.
	q := storage.OpenPositionQuery{
		UserID:     tx.UserID,
		AssetType:  models.AssetOption,
		Symbol:     tx.Symbol,
		Side:       sideOf(tx.IsLong),
		OptionType: &tx.Option.Type,
		Strike:     &tx.Option.Strike,
		Expiration: &tx.Option.Expiration,
	}
	open, err := m.store.Positions.FindOpenPositions(ctx, q)
	if err != nil {
		return fmt.Errorf("finding open option positions: %w", err)
	}
	if len(open) == 0 {
		return fmt.Errorf("no open %s position for %s %.2f %s", q.Side, tx.Symbol, tx.Option.Strike, tx.Option.Type)
	}
	closed, err := m.closeFIFO(ctx, open, tx, false)
	if err != nil {
		return err
	}
	result.PositionsUpdated += closed
	return nil
}

// matchStock merges buys into the existing open long position via a
// weighted-average opening price, or opens a new one. Sells must be fully
// covered by open quantity or the whole sell is rejected untouched.
func (m *Matcher) matchStock(ctx context.Context, tx *models.Transaction, result *MatchResult) error {
	q := storage.OpenPositionQuery{
		UserID:    tx.UserID,
		AssetType: models.AssetStock,
		Symbol:    tx.Symbol,
		Side:      models.SideLong,
	}
	open, err := m.store.Positions.FindOpenPositions(ctx, q)
	if err != nil {
		return fmt.Errorf("finding open stock positions: %w", err)
	}

	if tx.BuySell == "BUY" {
		if len(open) > 0 {
			pos := &open[0]
			mergeBuy(pos, tx)
			if err := m.store.Positions.Update(ctx, pos); err != nil {
				return fmt.Errorf("merging buy into position %s: %w", pos.ID, err)
			}
			if err := m.store.Transactions.SetPositionID(ctx, tx.ID, pos.ID); err != nil {
				return fmt.Errorf("linking merged buy %s: %w", tx.ID, err)
			}
			result.PositionsUpdated++
			return nil
		}
		pos := m.newPositionFrom(tx)
		if err := m.store.Positions.Create(ctx, pos); err != nil {
			return fmt.Errorf("creating stock position: %w", err)
		}
		if err := m.store.Transactions.SetPositionID(ctx, tx.ID, pos.ID); err != nil {
			return fmt.Errorf("linking opening transaction %s: %w", tx.ID, err)
		}
		result.PositionsCreated++
		return nil
	}

	closed, err := m.closeFIFO(ctx, open, tx, true)
	if err != nil {
		return err
	}
	result.PositionsUpdated += closed
	return nil
}

// matchLot handles crypto and futures: every buy opens an independent lot
// (no averaging), sells consume lots FIFO. Futures lots are additionally
// keyed by contract month parsed from the instrument code.
func (m *Matcher) matchLot(ctx context.Context, tx *models.Transaction, result *MatchResult) error {
	contractMonth := ""
	if tx.AssetType == models.AssetFutures {
		contractMonth = futuresContractMonth(tx)
	}

	if tx.BuySell == "BUY" {
		pos := m.newPositionFrom(tx)
		if err := m.store.Positions.Create(ctx, pos); err != nil {
			return fmt.Errorf("creating %s position: %w", tx.AssetType, err)
		}
		if err := m.store.Transactions.SetPositionID(ctx, tx.ID, pos.ID); err != nil {
			return fmt.Errorf("linking opening transaction %s: %w", tx.ID, err)
		}
		result.PositionsCreated++
		return nil
	}

	q := storage.OpenPositionQuery{
		UserID:        tx.UserID,
		AssetType:     tx.AssetType,
		Symbol:        tx.Symbol,
		Side:          sideOf(tx.IsLong),
		ContractMonth: contractMonth,
	}
	open, err := m.store.Positions.FindOpenPositions(ctx, q)
	if err != nil {
		return fmt.Errorf("finding open %s positions: %w", tx.AssetType, err)
	}
	closed, err := m.closeFIFO(ctx, open, tx, true)
	if err != nil {
		return err
	}
	result.PositionsUpdated += closed
	return nil
}

// closeFIFO consumes open positions oldest-first until the closing
// quantity is exhausted. Insufficient coverage rejects the whole
// transaction before any position is mutated: as ErrInsufficientPosition
// when strict (a stock/crypto/futures oversell), otherwise as a plain
// error so the row keeps a null back-reference and can still match once a
// later import delivers the missing opening lot.
//
// The position update is written before the transaction back-reference, so
// a crash between the two re-triggers matching instead of losing state.
func (m *Matcher) closeFIFO(ctx context.Context, open []models.Position, tx *models.Transaction, strict bool) (int, error) {
	var available float64
	for _, p := range open {
		available += p.CurrentQuantity
	}
	if tx.Quantity > available+qtyTolerance {
		if strict {
			return 0, fmt.Errorf("%w: sell of %.4f %s exceeds open quantity %.4f",
				ErrInsufficientPosition, tx.Quantity, tx.Symbol, available)
		}
		return 0, fmt.Errorf("close of %.4f %s exceeds open quantity %.4f, left unmatched",
			tx.Quantity, tx.Symbol, available)
	}

	remaining := tx.Quantity
	closedCount := 0
	primaryID := ""
	for i := range open {
		if remaining <= 0 {
			break
		}
		pos := &open[i]
		if pos.CurrentQuantity <= 0 {
			// Zero-quantity rows should never be reported open.
			return closedCount, fmt.Errorf("%w: open position %s has zero quantity", ErrAmbiguousMatch, pos.ID)
		}
		q := remaining
		if q > pos.CurrentQuantity {
			q = pos.CurrentQuantity
		}
		if err := m.applyClose(ctx, pos, tx, q); err != nil {
			return closedCount, err
		}
		if primaryID == "" {
			primaryID = pos.ID
		}
		remaining -= q
		closedCount++
	}

	if primaryID != "" {
		if err := m.store.Transactions.SetPositionID(ctx, tx.ID, primaryID); err != nil {
			return closedCount, fmt.Errorf("linking closing transaction %s: %w", tx.ID, err)
		}
	}
	return closedCount, nil
}

// applyClose performs the shared partial/full close accounting: the cost
// basis is reduced by the fraction of quantity closed, realized P&L is
// accrued per asset-specific formula, and a fully-closed position gets a
// terminal status with unrealized P&L forced to zero.
func (m *Matcher) applyClose(ctx context.Context, pos *models.Position, tx *models.Transaction, q float64) error {
	closedCostBasis := (pos.TotalCostBasis / pos.CurrentQuantity) * q
	closingAmount := tx.Amount * (q / tx.Quantity)

	var realizedDelta float64
	switch pos.AssetType {
	case models.AssetFutures:
		spec, err := m.store.ContractSpecs.GetBySymbol(ctx, contractRoot(pos.Symbol))
		if err != nil {
			return fmt.Errorf("contract spec for %s: %w", pos.Symbol, err)
		}
		priceDiff := tx.Price - pos.AvgOpeningPrice
		if pos.Side == models.SideShort {
			priceDiff = -priceDiff
		}
		realizedDelta = priceDiff * q * spec.Multiplier
	default:
		realizedDelta = closingAmount + closedCostBasis
	}

	pos.TotalCostBasis -= closedCostBasis
	pos.CurrentQuantity -= q
	pos.TotalClosing += closingAmount
	pos.RealizedPL += realizedDelta
	pos.ClosingTxIDs = append(pos.ClosingTxIDs, tx.ID)
	if pos.CurrentQuantity <= qtyTolerance {
		pos.CurrentQuantity = 0
		pos.TotalCostBasis = 0
		pos.UnrealizedPL = 0
		pos.Status = models.PositionClosed
		closedAt := tx.ActivityDate
		pos.ClosedAt = &closedAt
	}
	if err := m.store.Positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("closing %.4f of position %s: %w", q, pos.ID, err)
	}
	return nil
}

func (m *Matcher) newPositionFrom(tx *models.Transaction) *models.Position {
	return &models.Position{
		ID:              uuid.New().String(),
		UserID:          tx.UserID,
		AssetType:       tx.AssetType,
		Symbol:          tx.Symbol,
		Option:          tx.Option,
		Futures:         futuresDetails(tx),
		Side:            sideOf(tx.IsLong),
		OpeningQuantity: tx.Quantity,
		CurrentQuantity: tx.Quantity,
		AvgOpeningPrice: tx.Price,
		TotalCostBasis:  tx.Amount,
		Status:          models.PositionOpen,
		OpeningTxIDs:    []string{tx.ID},
		OpenedAt:        tx.ActivityDate,
	}
}

// mergeBuy folds an additional buy into an open long stock position,
// recomputing the weighted-average opening price.
func mergeBuy(pos *models.Position, tx *models.Transaction) {
	oldQty := pos.CurrentQuantity
	newQty := oldQty + tx.Quantity
	pos.AvgOpeningPrice = (oldQty*pos.AvgOpeningPrice + tx.Quantity*tx.Price) / newQty
	pos.CurrentQuantity = newQty
	pos.OpeningQuantity += tx.Quantity
	pos.TotalCostBasis += tx.Amount
	pos.OpeningTxIDs = append(pos.OpeningTxIDs, tx.ID)
}

func validateTransaction(tx *models.Transaction) error {
	if tx.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %.4f", ErrValidationFailure, tx.Quantity)
	}
	if tx.AssetType == models.AssetOption && tx.Option == nil {
		return fmt.Errorf("%w: option transaction without option details", ErrValidationFailure)
	}
	if tx.AssetType != models.AssetOption && tx.Option != nil {
		return fmt.Errorf("%w: %s transaction carrying option details", ErrValidationFailure, tx.AssetType)
	}
	if tx.AssetType != models.AssetOption && tx.BuySell != "BUY" && tx.BuySell != "SELL" {
		return fmt.Errorf("%w: buy_sell must be BUY or SELL, got %q", ErrValidationFailure, tx.BuySell)
	}
	return nil
}

func sideOf(isLong bool) models.PositionSide {
	if isLong {
		return models.SideLong
	}
	return models.SideShort
}

func futuresDetails(tx *models.Transaction) *models.FuturesDetails {
	if tx.AssetType != models.AssetFutures {
		return tx.Futures
	}
	d := &models.FuturesDetails{}
	if tx.Futures != nil {
		*d = *tx.Futures
	}
	if d.InstrumentCode == "" {
		d.InstrumentCode = tx.Symbol
	}
	if d.ContractMonth == "" {
		d.ContractMonth = parseContractMonth(d.InstrumentCode)
	}
	return d
}

func futuresContractMonth(tx *models.Transaction) string {
	if tx.Futures != nil && tx.Futures.ContractMonth != "" {
		return tx.Futures.ContractMonth
	}
	code := tx.Symbol
	if tx.Futures != nil && tx.Futures.InstrumentCode != "" {
		code = tx.Futures.InstrumentCode
	}
	return parseContractMonth(code)
}

// futuresMonthCodes maps the exchange month letter to the delivery month.
var futuresMonthCodes = map[byte]time.Month{
	'F': time.January, 'G': time.February, 'H': time.March,
	'J': time.April, 'K': time.May, 'M': time.June,
	'N': time.July, 'Q': time.August, 'U': time.September,
	'V': time.October, 'X': time.November, 'Z': time.December,
}

// parseContractMonth extracts "YYYY-MM" from an instrument code such as
// "ESH26" or "CLZ5". Returns "" when the code carries no month suffix.
func parseContractMonth(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < 2 {
		return ""
	}
	// Trailing digits are the year, the letter before them the month.
	i := len(code)
	for i > 0 && code[i-1] >= '0' && code[i-1] <= '9' {
		i--
	}
	if i == len(code) || i == 0 {
		return ""
	}
	month, ok := futuresMonthCodes[code[i-1]]
	if !ok {
		return ""
	}
	yearDigits := code[i:]
	now := time.Now()
	var year int
	switch len(yearDigits) {
	case 1:
		decade := (now.Year() / 10) * 10
		year = decade + int(yearDigits[0]-'0')
		if year < now.Year()-2 {
			year += 10
		}
	case 2:
		century := (now.Year() / 100) * 100
		year = century + int(yearDigits[0]-'0')*10 + int(yearDigits[1]-'0')
	default:
		return ""
	}
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

// contractRoot strips the month/year suffix from an instrument code, so
// "ESH26" resolves the contract spec seeded under "ES". Codes without a
// recognizable suffix pass through unchanged.
func contractRoot(symbol string) string {
	code := strings.ToUpper(strings.TrimSpace(symbol))
	i := len(code)
	for i > 0 && code[i-1] >= '0' && code[i-1] <= '9' {
		i--
	}
	if i == len(code) || i == 0 || len(code)-i > 2 {
		return code
	}
	if _, ok := futuresMonthCodes[code[i-1]]; !ok {
		return code
	}
	root := code[:i-1]
	if root == "" {
		return code
	}
	return root
}

func partitionByAsset(txs []models.Transaction) map[models.AssetType][]models.Transaction {
	queues := make(map[models.AssetType][]models.Transaction)
	for _, tx := range txs {
		queues[tx.AssetType] = append(queues[tx.AssetType], tx)
	}
	return queues
}

func sortByActivityDate(txs []models.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].ActivityDate.Equal(txs[j].ActivityDate) {
			return txs[i].ID < txs[j].ID
		}
		return txs[i].ActivityDate.Before(txs[j].ActivityDate)
	})
}
