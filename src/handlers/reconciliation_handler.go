package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/username/tradefolio/backend/src/engine"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/models"
	"github.com/username/tradefolio/backend/src/services"
	"github.com/username/tradefolio/backend/src/storage"
	"github.com/username/tradefolio/backend/src/utils"
)

type ReconciliationHandler struct {
	reconciliationService services.ReconciliationService
}

func NewReconciliationHandler(reconciliationService services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{
		reconciliationService: reconciliationService,
	}
}

type reconcileRequest struct {
	ImportID string `json:"import_id,omitempty"`
}

// HandleReconcile runs the full pipeline for the acting user. An oversell
// during matching still returns the summary, with 409 so the caller knows
// the ledger disagrees with the incoming data.
func (h *ReconciliationHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req reconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendJSONError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	summary, err := h.reconciliationService.Reconcile(r.Context(), userID, req.ImportID)
	if err != nil {
		if errors.Is(err, engine.ErrInsufficientPosition) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{
				"error":   err.Error(),
				"summary": summary,
			})
			return
		}
		logger.FromContext(r.Context()).Error("Reconciliation failed", "error", err)
		utils.SendJSONError(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// HandleProcessExpirations sweeps past-expiry option positions on demand.
func (h *ReconciliationHandler) HandleProcessExpirations(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	result, err := h.reconciliationService.ProcessExpirations(r.Context(), userID, time.Now())
	if err != nil {
		logger.FromContext(r.Context()).Error("Expiration sweep failed", "error", err)
		utils.SendJSONError(w, "expiration processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *ReconciliationHandler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	positions, err := h.reconciliationService.GetPositions(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to load positions", "error", err)
		utils.SendJSONError(w, "failed to retrieve positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

func (h *ReconciliationHandler) HandleGetStrategies(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	strategies, err := h.reconciliationService.GetStrategies(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to load strategies", "error", err)
		utils.SendJSONError(w, "failed to retrieve strategies", http.StatusInternalServerError)
		return
	}
	if strategies == nil {
		strategies = []models.Strategy{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(strategies)
}

func (h *ReconciliationHandler) HandleGetCashLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	entries, balance, err := h.reconciliationService.GetCashLedger(r.Context(), userID)
	if err != nil {
		logger.FromContext(r.Context()).Error("Failed to load cash ledger", "error", err)
		utils.SendJSONError(w, "failed to retrieve cash ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.CashLedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"balance": utils.RoundFloat(balance, 2),
	})
}

// HandleDeleteTransaction removes one transaction with cascade cleanup of
// referencing positions.
func (h *ReconciliationHandler) HandleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	txID := chi.URLParam(r, "id")
	if txID == "" {
		utils.SendJSONError(w, "transaction id required", http.StatusBadRequest)
		return
	}

	if err := h.reconciliationService.DeleteTransaction(r.Context(), userID, txID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			utils.SendJSONError(w, "transaction not found", http.StatusNotFound)
			return
		}
		logger.FromContext(r.Context()).Error("Cascade delete failed", "txID", txID, "error", err)
		utils.SendJSONError(w, "failed to delete transaction", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
