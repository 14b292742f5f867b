// Package memstore is a map-backed implementation of the storage ports.
// It backs the engine tests and any run that does not need durability.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/storage"
)

// New returns a storage.Store with every port backed by shared in-memory
// state.
func New() *storage.Store {
	return &storage.Store{
		Transactions:  &TransactionStore{txs: make(map[string]*models.Transaction)},
		Positions:     &PositionStore{positions: make(map[string]*models.Position)},
		Strategies:    &StrategyStore{strategies: make(map[string]*models.Strategy)},
		CashLedger:    &CashLedgerStore{},
		ContractSpecs: &ContractSpecStore{specs: make(map[string]*models.ContractSpec)},
	}
}

// TransactionStore keeps transactions in a map keyed by id.
type TransactionStore struct {
	mu  sync.RWMutex
	txs map[string]*models.Transaction
}

// Put seeds or replaces a transaction. Test/fixture entry point.
func (s *TransactionStore) Put(tx *models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.txs[tx.ID] = &cp
}

func (s *TransactionStore) GetAll(_ context.Context, userID int64, filter storage.TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.UserID != userID {
			continue
		}
		if filter.AssetType != nil && tx.AssetType != *filter.AssetType {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(tx.Symbol, filter.Symbol) {
			continue
		}
		if filter.ImportID != "" && tx.ImportID != filter.ImportID {
			continue
		}
		if filter.Unmatched && tx.PositionID != "" {
			continue
		}
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActivityDate.Equal(out[j].ActivityDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].ActivityDate.Before(out[j].ActivityDate)
	})
	return out, nil
}

func (s *TransactionStore) GetByImportID(ctx context.Context, userID int64, importID string) ([]models.Transaction, error) {
	return s.GetAll(ctx, userID, storage.TransactionFilter{ImportID: importID})
}

func (s *TransactionStore) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *TransactionStore) SetPositionID(_ context.Context, id, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	tx.PositionID = positionID
	return nil
}

func (s *TransactionStore) SetPositionIDs(ctx context.Context, ids []string, positionID string) error {
	for _, id := range ids {
		if err := s.SetPositionID(ctx, id, positionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *TransactionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.txs, id)
	return nil
}

// PositionStore keeps positions in a map keyed by id and serves FIFO
// ordering by sorting on OpenedAt.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
}

func (s *PositionStore) Create(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePosition(p)
	s.positions[p.ID] = cp
	return nil
}

func (s *PositionStore) Update(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return storage.ErrNotFound
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *PositionStore) GetAll(_ context.Context, userID int64, filter storage.PositionFilter) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if filter.AssetType != nil && p.AssetType != *filter.AssetType {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(p.Symbol, filter.Symbol) {
			continue
		}
		if filter.StrategyID != "" && p.StrategyID != filter.StrategyID {
			continue
		}
		if filter.WithoutStrategy && p.StrategyID != "" {
			continue
		}
		out = append(out, *clonePosition(p))
	}
	sortByOpenedAt(out)
	return out, nil
}

func (s *PositionStore) FindOpenPositions(_ context.Context, q storage.OpenPositionQuery) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.UserID != q.UserID || p.Status != models.PositionOpen {
			continue
		}
		if p.AssetType != q.AssetType || p.Side != q.Side {
			continue
		}
		if !strings.EqualFold(p.Symbol, q.Symbol) {
			continue
		}
		if q.OptionType != nil {
			if p.Option == nil || p.Option.Type != *q.OptionType {
				continue
			}
		}
		if q.Strike != nil {
			if p.Option == nil || p.Option.Strike != *q.Strike {
				continue
			}
		}
		if q.Expiration != nil {
			if p.Option == nil || !p.Option.Expiration.Equal(*q.Expiration) {
				continue
			}
		}
		if q.ContractMonth != "" {
			if p.Futures == nil || p.Futures.ContractMonth != q.ContractMonth {
				continue
			}
		}
		out = append(out, *clonePosition(p))
	}
	sortByOpenedAt(out)
	return out, nil
}

func (s *PositionStore) FindByTransactionID(_ context.Context, userID int64, txID string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Position
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if containsID(p.OpeningTxIDs, txID) || containsID(p.ClosingTxIDs, txID) {
			out = append(out, *clonePosition(p))
		}
	}
	sortByOpenedAt(out)
	return out, nil
}

func (s *PositionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.positions, id)
	return nil
}

// StrategyStore keeps strategies in a map keyed by id.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]*models.Strategy
}

func (s *StrategyStore) Create(_ context.Context, st *models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneStrategy(st)
	s.strategies[st.ID] = cp
	return nil
}

func (s *StrategyStore) Update(_ context.Context, st *models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strategies[st.ID]; !ok {
		return storage.ErrNotFound
	}
	s.strategies[st.ID] = cloneStrategy(st)
	return nil
}

func (s *StrategyStore) GetByID(_ context.Context, id string) (*models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneStrategy(st), nil
}

func (s *StrategyStore) GetAll(_ context.Context, userID int64, filter storage.StrategyFilter) ([]models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Strategy
	for _, st := range s.strategies {
		if st.UserID != userID {
			continue
		}
		if filter.Status != nil && st.Status != *filter.Status {
			continue
		}
		if filter.Symbol != "" && !strings.EqualFold(st.Symbol, filter.Symbol) {
			continue
		}
		out = append(out, *cloneStrategy(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CashLedgerStore appends entries to a slice.
type CashLedgerStore struct {
	mu      sync.RWMutex
	entries []models.CashLedgerEntry
}

func (s *CashLedgerStore) Create(_ context.Context, e *models.CashLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *CashLedgerStore) GetAll(_ context.Context, userID int64) ([]models.CashLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CashLedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ContractSpecStore serves futures contract specs keyed by symbol.
type ContractSpecStore struct {
	mu    sync.RWMutex
	specs map[string]*models.ContractSpec
}

// Put seeds a contract spec. Test/fixture entry point.
func (s *ContractSpecStore) Put(spec *models.ContractSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *spec
	s.specs[strings.ToUpper(spec.Symbol)] = &cp
}

func (s *ContractSpecStore) GetBySymbol(_ context.Context, symbol string) (*models.ContractSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[strings.ToUpper(symbol)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *spec
	return &cp, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func clonePosition(p *models.Position) *models.Position {
	cp := *p
	cp.OpeningTxIDs = append([]string(nil), p.OpeningTxIDs...)
	cp.ClosingTxIDs = append([]string(nil), p.ClosingTxIDs...)
	return &cp
}

func cloneStrategy(st *models.Strategy) *models.Strategy {
	cp := *st
	cp.Legs = append([]models.StrategyLeg(nil), st.Legs...)
	return &cp
}

func sortByOpenedAt(positions []models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAt.Equal(positions[j].OpenedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
}
