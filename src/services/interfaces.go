package services

import (
	"context"
	"errors"
	"time"

	"github.com/username/tradefolio/backend/src/engine"
	"github.com/username/tradefolio/backend/src/models"
)

// ReconcileSummary aggregates the per-stage results of one full
// reconciliation run.
type ReconcileSummary struct {
	Matching    engine.MatchResult     `json:"matching"`
	Lifecycle   engine.LifecycleResult `json:"lifecycle"`
	Expirations engine.LifecycleResult `json:"expirations"`
	Strategies  engine.DetectResult    `json:"strategies"`
	CashEntries int                    `json:"cash_entries"`
	CashBalance float64                `json:"cash_balance"`
	RanAt       time.Time              `json:"ran_at"`
}

// Common service errors.
var (
	ErrReconcileFailed = errors.New("reconciliation failed")
	ErrCleanupFailed   = errors.New("transaction cleanup failed")
)

// ReconciliationService runs the full pipeline for a user: FIFO matching,
// lifecycle resolution, strategy detection, the strategy status roll-up,
// and cash translation for newly matched trades. Runs for the same user
// are serialized; different users may run concurrently.
type ReconciliationService interface {
	Reconcile(ctx context.Context, userID int64, importID string) (*ReconcileSummary, error)
	ProcessExpirations(ctx context.Context, userID int64, asOf time.Time) (*engine.LifecycleResult, error)
	GetPositions(ctx context.Context, userID int64) ([]models.Position, error)
	GetStrategies(ctx context.Context, userID int64) ([]models.Strategy, error)
	GetCashLedger(ctx context.Context, userID int64) ([]models.CashLedgerEntry, float64, error)
	// DeleteTransaction removes a transaction and cascades: the id is
	// stripped from every position's opening/closing lists and positions
	// left with no opening transaction are deleted.
	DeleteTransaction(ctx context.Context, userID int64, txID string) error
	InvalidateUserCache(userID int64)
}
