package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

// CashFlowTranslator derives cash ledger entries from committed non-cash
// transactions so a cash balance can be recomputed from the ledger alone.
// Contract specs are resolved through an injected bounded cache in front
// of the store, since futures trades hammer the same few symbols.
type CashFlowTranslator struct {
	store     *storage.Store
	specCache *cache.Cache
}

func NewCashFlowTranslator(store *storage.Store, specCache *cache.Cache) *CashFlowTranslator {
	return &CashFlowTranslator{store: store, specCache: specCache}
}

// RecordBuy writes the single debit entry for a stock or crypto buy:
// gross amount plus fees leave the account.
func (t *CashFlowTranslator) RecordBuy(ctx context.Context, tx *models.Transaction) error {
	code := models.CashStockBuy
	if tx.AssetType == models.AssetCrypto {
		code = models.CashCryptoBuy
	}
	return t.createEntry(ctx, tx, code, -(math.Abs(tx.Amount) + tx.Fees))
}

// RecordSell writes the single credit entry for a stock or crypto sell:
// gross amount minus fees arrives in the account.
func (t *CashFlowTranslator) RecordSell(ctx context.Context, tx *models.Transaction) error {
	code := models.CashStockSell
	if tx.AssetType == models.AssetCrypto {
		code = models.CashCryptoSell
	}
	return t.createEntry(ctx, tx, code, math.Abs(tx.Amount)-tx.Fees)
}

// RecordOpen translates an opening trade. Options: BTO debits, STO
// credits, per the signed transaction amount net of fees. Futures: a
// margin reservation debit sized by the contract spec plus a separate fee
// debit; a failed fee write leaves the margin entry in place and surfaces
// the error.
func (t *CashFlowTranslator) RecordOpen(ctx context.Context, tx *models.Transaction) error {
	switch tx.AssetType {
	case models.AssetOption:
		code := models.CashOptionDebit
		if tx.Amount > 0 {
			code = models.CashOptionCredit
		}
		return t.createEntry(ctx, tx, code, tx.Amount-tx.Fees)
	case models.AssetFutures:
		spec, err := t.contractSpec(ctx, tx.Symbol)
		if err != nil {
			return err
		}
		margin := tx.Quantity * spec.InitialMargin
		if err := t.createEntry(ctx, tx, models.CashFuturesMargin, -margin); err != nil {
			return err
		}
		if tx.Fees > 0 {
			if err := t.createEntry(ctx, tx, models.CashFee, -tx.Fees); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: RecordOpen does not apply to %s", ErrValidationFailure, tx.AssetType)
	}
}

// RecordClose translates a closing trade. Options: the signed BTC/STC
// amount net of fees. Futures: margin release credit, a realized-P&L entry
// signed by direction and scaled by the contract multiplier, and a fee
// debit. Entries already written stay when a later one fails.
func (t *CashFlowTranslator) RecordClose(ctx context.Context, tx *models.Transaction) error {
	switch tx.AssetType {
	case models.AssetOption:
		code := models.CashOptionDebit
		if tx.Amount > 0 {
			code = models.CashOptionCredit
		}
		return t.createEntry(ctx, tx, code, tx.Amount-tx.Fees)
	case models.AssetFutures:
		spec, err := t.contractSpec(ctx, tx.Symbol)
		if err != nil {
			return err
		}
		if err := t.createEntry(ctx, tx, models.CashFuturesMarginRelease, tx.Quantity*spec.InitialMargin); err != nil {
			return err
		}
		pl, err := t.futuresRealizedPL(ctx, tx, spec)
		if err != nil {
			return err
		}
		if err := t.createEntry(ctx, tx, models.CashFuturesPL, pl); err != nil {
			return err
		}
		if tx.Fees > 0 {
			if err := t.createEntry(ctx, tx, models.CashFee, -tx.Fees); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: RecordClose does not apply to %s", ErrValidationFailure, tx.AssetType)
	}
}

// RecordOptionBatch collapses option legs created together (a spread
// entered as one order) into a single net debit or credit entry carrying
// every leg id, instead of one entry per leg.
func (t *CashFlowTranslator) RecordOptionBatch(ctx context.Context, txs []*models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	var net, fees float64
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		if tx.AssetType != models.AssetOption {
			return fmt.Errorf("%w: non-option transaction %s in option batch", ErrValidationFailure, tx.ID)
		}
		net += tx.Amount
		fees += tx.Fees
		ids = append(ids, tx.ID)
	}
	amount := net - fees
	code := models.CashOptionMultiDebit
	if amount > 0 {
		code = models.CashOptionMultiCredit
	}
	entry := &models.CashLedgerEntry{
		ID:             uuid.New().String(),
		UserID:         txs[0].UserID,
		Code:           code,
		Amount:         amount,
		TransactionIDs: ids,
		ActivityDate:   txs[0].ActivityDate,
		ProcessDate:    time.Now(),
		SettleDate:     txs[0].ActivityDate,
	}
	if err := t.store.CashLedger.Create(ctx, entry); err != nil {
		return fmt.Errorf("writing multi-leg cash entry: %w", err)
	}
	return nil
}

// Balance recomputes the user's cash balance as the sum of every ledger
// entry. Pure read; callers decide when a translation batch warrants it.
func (t *CashFlowTranslator) Balance(ctx context.Context, userID int64) (float64, error) {
	entries, err := t.store.CashLedger.GetAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reading cash ledger for user %d: %w", userID, err)
	}
	var balance float64
	for _, e := range entries {
		balance += e.Amount
	}
	return balance, nil
}

// futuresRealizedPL computes priceDiff × quantity × multiplier with the
// sign flipped for short positions, using the matched position's average
// opening price.
func (t *CashFlowTranslator) futuresRealizedPL(ctx context.Context, tx *models.Transaction, spec *models.ContractSpec) (float64, error) {
	if tx.PositionID == "" {
		return 0, fmt.Errorf("%w: futures close %s has no matched position", ErrUnmatchedReference, tx.ID)
	}
	pos, err := t.store.Positions.GetByID(ctx, tx.PositionID)
	if err != nil {
		return 0, fmt.Errorf("loading position %s for futures close: %w", tx.PositionID, err)
	}
	priceDiff := tx.Price - pos.AvgOpeningPrice
	if pos.Side == models.SideShort {
		priceDiff = -priceDiff
	}
	return priceDiff * tx.Quantity * spec.Multiplier, nil
}

func (t *CashFlowTranslator) createEntry(ctx context.Context, tx *models.Transaction, code models.CashCode, amount float64) error {
	entry := &models.CashLedgerEntry{
		ID:             uuid.New().String(),
		UserID:         tx.UserID,
		Code:           code,
		Amount:         amount,
		TransactionIDs: []string{tx.ID},
		ActivityDate:   tx.ActivityDate,
		ProcessDate:    time.Now(),
		SettleDate:     tx.ActivityDate,
	}
	if err := t.store.CashLedger.Create(ctx, entry); err != nil {
		return fmt.Errorf("writing %s cash entry for transaction %s: %w", code, tx.ID, err)
	}
	return nil
}

// contractSpec resolves a futures contract spec through the injected
// cache, keyed by the contract root so "ESH26" and "ES" share one entry.
// A missing spec is an ErrUnmatchedReference so callers know cash was not
// recorded, rather than a bare not-found.
func (t *CashFlowTranslator) contractSpec(ctx context.Context, symbol string) (*models.ContractSpec, error) {
	root := contractRoot(symbol)
	if cached, found := t.specCache.Get(root); found {
		return cached.(*models.ContractSpec), nil
	}
	spec, err := t.store.ContractSpecs.GetBySymbol(ctx, root)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.L.Warn("No contract spec for futures symbol", "symbol", symbol, "root", root)
			return nil, fmt.Errorf("%w: no contract spec for %s", ErrUnmatchedReference, symbol)
		}
		return nil, fmt.Errorf("looking up contract spec for %s: %w", symbol, err)
	}
	t.specCache.Set(root, spec, cache.DefaultExpiration)
	return spec, nil
}
