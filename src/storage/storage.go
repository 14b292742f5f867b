package storage

import (
	"context"
	"errors"
	"time"

	"github.com/username/tradefolio/backend/src/models"
)

// ErrNotFound is returned when a referenced entity does not exist in the
// store. Callers distinguish it from infrastructure failures with errors.Is.
var ErrNotFound = errors.New("storage: not found")

// TransactionFilter narrows TransactionStore queries. Nil pointer fields
// mean "no constraint".
type TransactionFilter struct {
	AssetType *models.AssetType
	Symbol    string
	ImportID  string
	Unmatched bool // only rows with no position back-reference
}

// PositionFilter narrows PositionStore queries.
type PositionFilter struct {
	AssetType       *models.AssetType
	Status          *models.PositionStatus
	Symbol          string
	StrategyID      string
	WithoutStrategy bool // only positions with no strategy association
}

// OpenPositionQuery identifies the open positions a closing transaction may
// be matched against. Option fields apply only when AssetType is option;
// ContractMonth only for futures.
type OpenPositionQuery struct {
	UserID        int64
	AssetType     models.AssetType
	Symbol        string
	Side          models.PositionSide
	OptionType    *models.OptionType
	Strike        *float64
	Expiration    *time.Time
	ContractMonth string
}

// StrategyFilter narrows StrategyStore queries.
type StrategyFilter struct {
	Status *models.PositionStatus
	Symbol string
}

// TransactionStore is the engine's read/write view of raw transactions.
type TransactionStore interface {
	GetAll(ctx context.Context, userID int64, filter TransactionFilter) ([]models.Transaction, error)
	GetByImportID(ctx context.Context, userID int64, importID string) ([]models.Transaction, error)
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	SetPositionID(ctx context.Context, id, positionID string) error
	SetPositionIDs(ctx context.Context, ids []string, positionID string) error
	Delete(ctx context.Context, id string) error
}

// PositionStore owns the position ledger. FindOpenPositions must return
// open positions ordered oldest OpenedAt first so the matcher's FIFO
// semantics hold regardless of the backing store.
type PositionStore interface {
	Create(ctx context.Context, p *models.Position) error
	Update(ctx context.Context, p *models.Position) error
	GetByID(ctx context.Context, id string) (*models.Position, error)
	GetAll(ctx context.Context, userID int64, filter PositionFilter) ([]models.Position, error)
	FindOpenPositions(ctx context.Context, q OpenPositionQuery) ([]models.Position, error)
	// FindByTransactionID returns every position whose opening or closing
	// id list references the transaction. Used by cascade cleanup.
	FindByTransactionID(ctx context.Context, userID int64, txID string) ([]models.Position, error)
	Delete(ctx context.Context, id string) error
}

// StrategyStore owns the strategy ledger.
type StrategyStore interface {
	Create(ctx context.Context, s *models.Strategy) error
	Update(ctx context.Context, s *models.Strategy) error
	GetByID(ctx context.Context, id string) (*models.Strategy, error)
	GetAll(ctx context.Context, userID int64, filter StrategyFilter) ([]models.Strategy, error)
}

// CashLedgerStore appends derived cash entries.
type CashLedgerStore interface {
	Create(ctx context.Context, e *models.CashLedgerEntry) error
	GetAll(ctx context.Context, userID int64) ([]models.CashLedgerEntry, error)
}

// ContractSpecStore resolves futures contract specifications.
type ContractSpecStore interface {
	GetBySymbol(ctx context.Context, symbol string) (*models.ContractSpec, error)
}

// Store bundles the individual ports for wiring convenience.
type Store struct {
	Transactions  TransactionStore
	Positions     PositionStore
	Strategies    StrategyStore
	CashLedger    CashLedgerStore
	ContractSpecs ContractSpecStore
}
