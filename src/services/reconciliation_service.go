package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/tradefolio/backend/src/engine"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

const (
	ckReconcileSummary = "recon_summary_user_%d"

	DefaultCacheExpiration = 15 * time.Minute
	CacheCleanupInterval   = 30 * time.Minute
)

type reconciliationServiceImpl struct {
	store      *storage.Store
	matcher    *engine.Matcher
	resolver   *engine.LifecycleResolver
	detector   *engine.StrategyDetector
	translator *engine.CashFlowTranslator
	cache      *cache.Cache

	// Per-user serialization: overlapping runs for one user would race to
	// match the same unmatched transactions.
	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewReconciliationService(
	store *storage.Store,
	matcher *engine.Matcher,
	resolver *engine.LifecycleResolver,
	detector *engine.StrategyDetector,
	translator *engine.CashFlowTranslator,
	reportCache *cache.Cache,
) ReconciliationService {
	return &reconciliationServiceImpl{
		store:      store,
		matcher:    matcher,
		resolver:   resolver,
		detector:   detector,
		translator: translator,
		cache:      reportCache,
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (s *reconciliationServiceImpl) userLock(userID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[userID] = mu
	}
	return mu
}

// Reconcile runs the stages in dependency order: matching writes the
// position state lifecycle resolution reads, detection reads the
// positions both produced, and cash translation needs the final
// position back-references. Re-running over already-matched data is a
// no-op because matched transactions are excluded up front.
func (s *reconciliationServiceImpl) Reconcile(ctx context.Context, userID int64, importID string) (*ReconcileSummary, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()
	logger.L.Info("Reconciliation START", "userID", userID, "importID", importID)

	summary := &ReconcileSummary{RanAt: started}

	matchRes, matchErr := s.matcher.MatchTransactions(ctx, userID, importID)
	if matchRes != nil {
		summary.Matching = *matchRes
	}
	if matchErr != nil {
		// Oversells taint the run but the remaining stages still operate
		// on whatever state was consistently written.
		logger.L.Error("Matching reported oversells", "userID", userID, "error", matchErr)
	}

	lifecycleRes, err := s.resolver.ProcessAssignmentsAndExercises(ctx, userID)
	if err != nil {
		return summary, fmt.Errorf("%w: lifecycle: %v", ErrReconcileFailed, err)
	}
	summary.Lifecycle = *lifecycleRes

	expireRes, err := s.resolver.ProcessExpirations(ctx, userID, started)
	if err != nil {
		return summary, fmt.Errorf("%w: expirations: %v", ErrReconcileFailed, err)
	}
	summary.Expirations = *expireRes

	detectRes, err := s.detector.DetectStrategies(ctx, userID)
	if err != nil {
		return summary, fmt.Errorf("%w: detection: %v", ErrReconcileFailed, err)
	}
	summary.Strategies = *detectRes

	if _, err := s.resolver.ReconcileStrategyStatus(ctx, userID); err != nil {
		return summary, fmt.Errorf("%w: strategy status: %v", ErrReconcileFailed, err)
	}

	entries, err := s.translateCash(ctx, userID)
	if err != nil {
		// The caller must know cash was not fully recorded; downstream
		// balance calculations depend on completeness.
		return summary, fmt.Errorf("%w: cash translation: %v", ErrReconcileFailed, err)
	}
	summary.CashEntries = entries

	balance, err := s.translator.Balance(ctx, userID)
	if err != nil {
		return summary, fmt.Errorf("%w: balance: %v", ErrReconcileFailed, err)
	}
	summary.CashBalance = balance

	s.cache.Set(fmt.Sprintf(ckReconcileSummary, userID), summary, DefaultCacheExpiration)
	logger.L.Info("Reconciliation END", "userID", userID, "duration", time.Since(started))
	return summary, matchErr
}

// translateCash derives ledger entries for every matched transaction the
// cash ledger does not cover yet. Working from ledger coverage instead of
// a snapshot of what this run matched keeps translation replay-safe: a
// run that died after linking transactions to positions, or a direct
// matcher invocation, leaves matched-but-unbooked rows that the next run
// picks up here. Option legs that arrived together (same import, symbol,
// expiration and activity date) collapse into one multi-leg batch entry;
// everything else gets its per-asset entry. Any failure propagates
// immediately.
func (s *reconciliationServiceImpl) translateCash(ctx context.Context, userID int64) (int, error) {
	txs, err := s.store.Transactions.GetAll(ctx, userID, storage.TransactionFilter{})
	if err != nil {
		return 0, fmt.Errorf("fetching transactions: %w", err)
	}
	covered, err := s.coveredTransactionIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	var singles []*models.Transaction
	batches := make(map[string][]*models.Transaction)
	var batchOrder []string

	for i := range txs {
		tx := &txs[i]
		if tx.PositionID == "" || covered[tx.ID] {
			continue
		}
		if tx.SubType == engine.SubTypeAssignment || tx.SubType == engine.SubTypeExercise {
			continue
		}
		if tx.AssetType == models.AssetOption && tx.ImportID != "" {
			key := fmt.Sprintf("%s|%s|%s|%s",
				tx.ImportID, tx.Symbol,
				tx.Option.Expiration.Format("2006-01-02"),
				tx.ActivityDate.Format(time.RFC3339),
			)
			if _, seen := batches[key]; !seen {
				batchOrder = append(batchOrder, key)
			}
			batches[key] = append(batches[key], tx)
			continue
		}
		singles = append(singles, tx)
	}

	entries := 0
	for _, key := range batchOrder {
		legs := batches[key]
		if len(legs) == 1 {
			singles = append(singles, legs[0])
			continue
		}
		if err := s.translator.RecordOptionBatch(ctx, legs); err != nil {
			return entries, err
		}
		entries++
	}

	for _, tx := range singles {
		var err error
		switch tx.AssetType {
		case models.AssetStock, models.AssetCrypto:
			if tx.BuySell == "BUY" {
				err = s.translator.RecordBuy(ctx, tx)
			} else {
				err = s.translator.RecordSell(ctx, tx)
			}
		case models.AssetOption:
			if tx.Option.IsOpening {
				err = s.translator.RecordOpen(ctx, tx)
			} else {
				err = s.translator.RecordClose(ctx, tx)
			}
		case models.AssetFutures:
			if tx.BuySell == "BUY" {
				err = s.translator.RecordOpen(ctx, tx)
			} else {
				err = s.translator.RecordClose(ctx, tx)
			}
		default:
			continue
		}
		if err != nil {
			return entries, err
		}
		entries++
	}
	return entries, nil
}

// coveredTransactionIDs indexes every transaction id already referenced
// by a cash ledger entry, so translation never books the same row twice.
func (s *reconciliationServiceImpl) coveredTransactionIDs(ctx context.Context, userID int64) (map[string]bool, error) {
	entries, err := s.store.CashLedger.GetAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("fetching cash ledger: %w", err)
	}
	covered := make(map[string]bool)
	for i := range entries {
		for _, id := range entries[i].TransactionIDs {
			covered[id] = true
		}
	}
	return covered, nil
}

func (s *reconciliationServiceImpl) ProcessExpirations(ctx context.Context, userID int64, asOf time.Time) (*engine.LifecycleResult, error) {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.resolver.ProcessExpirations(ctx, userID, asOf)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.ReconcileStrategyStatus(ctx, userID); err != nil {
		return res, err
	}
	s.InvalidateUserCache(userID)
	return res, nil
}

func (s *reconciliationServiceImpl) GetPositions(ctx context.Context, userID int64) ([]models.Position, error) {
	return s.store.Positions.GetAll(ctx, userID, storage.PositionFilter{})
}

func (s *reconciliationServiceImpl) GetStrategies(ctx context.Context, userID int64) ([]models.Strategy, error) {
	return s.store.Strategies.GetAll(ctx, userID, storage.StrategyFilter{})
}

func (s *reconciliationServiceImpl) GetCashLedger(ctx context.Context, userID int64) ([]models.CashLedgerEntry, float64, error) {
	entries, err := s.store.CashLedger.GetAll(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	var balance float64
	for _, e := range entries {
		balance += e.Amount
	}
	return entries, balance, nil
}

// DeleteTransaction cascades a removal through the ledger: the id is
// stripped from every referencing position, positions left with no
// opening transaction are deleted, and emptied positions that still have
// openings get their membership lists compacted.
func (s *reconciliationServiceImpl) DeleteTransaction(ctx context.Context, userID int64, txID string) error {
	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.store.Transactions.GetByID(ctx, txID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCleanupFailed, err)
	}
	if tx.UserID != userID {
		return fmt.Errorf("%w: transaction %s does not belong to user %d", ErrCleanupFailed, txID, userID)
	}

	positions, err := s.store.Positions.FindByTransactionID(ctx, userID, txID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCleanupFailed, err)
	}
	for i := range positions {
		pos := &positions[i]
		pos.OpeningTxIDs = removeID(pos.OpeningTxIDs, txID)
		pos.ClosingTxIDs = removeID(pos.ClosingTxIDs, txID)
		if len(pos.OpeningTxIDs) == 0 {
			if err := s.store.Positions.Delete(ctx, pos.ID); err != nil {
				return fmt.Errorf("%w: deleting emptied position %s: %v", ErrCleanupFailed, pos.ID, err)
			}
			logger.L.Info("Deleted emptied position during cleanup", "userID", userID, "positionID", pos.ID)
			continue
		}
		if err := s.store.Positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("%w: updating position %s: %v", ErrCleanupFailed, pos.ID, err)
		}
	}

	if err := s.store.Transactions.Delete(ctx, txID); err != nil {
		return fmt.Errorf("%w: %w", ErrCleanupFailed, err)
	}
	s.InvalidateUserCache(userID)
	logger.L.Info("Transaction deleted with cascade", "userID", userID, "txID", txID, "positionsTouched", len(positions))
	return nil
}

func (s *reconciliationServiceImpl) InvalidateUserCache(userID int64) {
	s.cache.Delete(fmt.Sprintf(ckReconcileSummary, userID))
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
