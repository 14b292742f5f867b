package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/tradefolio/backend/src/engine"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/services"
	"github.com/username/tradefolio/backend/src/storage"
)

// stubReconciliationService scripts the service layer per test.
type stubReconciliationService struct {
	summary   *services.ReconcileSummary
	err       error
	positions []models.Position
	entries   []models.CashLedgerEntry
	balance   float64
	deleteErr error

	deletedTxID string
}

func (s *stubReconciliationService) Reconcile(_ context.Context, _ int64, _ string) (*services.ReconcileSummary, error) {
	return s.summary, s.err
}

func (s *stubReconciliationService) ProcessExpirations(_ context.Context, _ int64, _ time.Time) (*engine.LifecycleResult, error) {
	return &engine.LifecycleResult{PositionsResolved: 2}, s.err
}

func (s *stubReconciliationService) GetPositions(_ context.Context, _ int64) ([]models.Position, error) {
	return s.positions, s.err
}

func (s *stubReconciliationService) GetStrategies(_ context.Context, _ int64) ([]models.Strategy, error) {
	return nil, s.err
}

func (s *stubReconciliationService) GetCashLedger(_ context.Context, _ int64) ([]models.CashLedgerEntry, float64, error) {
	return s.entries, s.balance, s.err
}

func (s *stubReconciliationService) DeleteTransaction(_ context.Context, _ int64, txID string) error {
	s.deletedTxID = txID
	return s.deleteErr
}

func (s *stubReconciliationService) InvalidateUserCache(int64) {}

func newTestRouter(svc services.ReconciliationService) chi.Router {
	h := NewReconciliationHandler(svc)
	r := chi.NewRouter()
	r.Use(ContextualLoggerMiddleware)
	r.Use(UserContextMiddleware)
	r.Post("/api/reconcile", h.HandleReconcile)
	r.Post("/api/reconcile/expirations", h.HandleProcessExpirations)
	r.Get("/api/positions", h.HandleGetPositions)
	r.Get("/api/strategies", h.HandleGetStrategies)
	r.Get("/api/cash-ledger", h.HandleGetCashLedger)
	r.Delete("/api/transactions/{id}", h.HandleDeleteTransaction)
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-User-ID", "42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleReconcile_ReturnsSummary(t *testing.T) {
	svc := &stubReconciliationService{
		summary: &services.ReconcileSummary{
			Matching:    engine.MatchResult{PositionsCreated: 3},
			CashBalance: 136,
		},
	}
	rec := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/reconcile", `{"import_id":"imp-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var got services.ReconcileSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Matching.PositionsCreated)
	assert.InDelta(t, 136.0, got.CashBalance, 1e-9)
}

func TestHandleReconcile_OversellReturnsConflictWithSummary(t *testing.T) {
	svc := &stubReconciliationService{
		summary: &services.ReconcileSummary{Matching: engine.MatchResult{UnmatchedCount: 1}},
		err:     fmt.Errorf("matching: %w", engine.ErrInsufficientPosition),
	}
	rec := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/reconcile", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	var got struct {
		Error   string                     `json:"error"`
		Summary *services.ReconcileSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.Error, "insufficient")
	require.NotNil(t, got.Summary)
	assert.Equal(t, 1, got.Summary.Matching.UnmatchedCount)
}

func TestHandleReconcile_MalformedBodyRejected(t *testing.T) {
	rec := doRequest(t, newTestRouter(&stubReconciliationService{}), http.MethodPost, "/api/reconcile", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserContextMiddleware_RejectsMissingOrBadHeader(t *testing.T) {
	router := newTestRouter(&stubReconciliationService{})

	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	req.Header.Set("X-User-ID", "not-a-number")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetPositions_EmptyIsJSONArray(t *testing.T) {
	rec := doRequest(t, newTestRouter(&stubReconciliationService{}), http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHandleGetCashLedger_RoundsBalance(t *testing.T) {
	svc := &stubReconciliationService{balance: 136.456789}
	rec := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/cash-ledger", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Entries []models.CashLedgerEntry `json:"entries"`
		Balance float64                  `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotNil(t, got.Entries)
	assert.InDelta(t, 136.46, got.Balance, 1e-9)
}

func TestHandleDeleteTransaction(t *testing.T) {
	svc := &stubReconciliationService{}
	rec := doRequest(t, newTestRouter(svc), http.MethodDelete, "/api/transactions/tx-9", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "tx-9", svc.deletedTxID)

	svc.deleteErr = fmt.Errorf("%w: %w", services.ErrCleanupFailed, storage.ErrNotFound)
	rec = doRequest(t, newTestRouter(svc), http.MethodDelete, "/api/transactions/tx-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
