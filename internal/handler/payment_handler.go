package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/quanghm/parkcore/internal/models"
	service "github.com/quanghm/parkcore/internal/services"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
)

type createPaymentRequest struct {
	VehicleID      string `json:"vehicle_id"`
	Amount         int64  `json:"amount"`
	Type           string `json:"type"`
	PaymentMethod  string `json:"payment_method"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (h *Handler) InitiateCashPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.payments.InitiateCashPayment(r.Context(), service.CreatePendingInput{
		VehicleID:      req.VehicleID,
		Amount:         req.Amount,
		Type:           models.TransactionType(req.Type),
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) SettleCashPayment(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	var req struct {
		CashierName string `json:"cashier_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.payments.SettleCashPayment(r.Context(), transactionID, req.CashierName)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) InitiateGatewayPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, artifact, err := h.payments.InitiateGatewayPayment(r.Context(), service.CreatePendingInput{
		VehicleID:      req.VehicleID,
		Amount:         req.Amount,
		Type:           models.TransactionType(req.Type),
		PaymentMethod:  models.PaymentMethod(req.PaymentMethod),
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		// The transaction may still exist in PENDING; surface it alongside
		// the error status so the client can retry or poll.
		if tx != nil && errors.Is(err, pkgerrors.ErrGatewayUnavailable) {
			h.writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":       err.Error(),
				"transaction": tx,
			})
			return
		}
		h.respondError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"transaction": tx,
		"artifact":    artifact,
	})
}

func (h *Handler) GetPaymentSession(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	session, ok := h.payments.Session(transactionID)
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("payment session not found"))
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

func (h *Handler) PollCardPayment(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	tx, err := h.reconciliation.PollCardPayment(r.Context(), transactionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := h.transactions.ApplyRefund(r.Context(), transactionID, req.Reference)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["transactionID"]
	tx, err := h.transactions.GetByTransactionID(r.Context(), transactionID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	vehicleID := r.URL.Query().Get("vehicle_id")
	if vehicleID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("vehicle_id is required"))
		return
	}
	txs, err := h.transactions.ListByVehicle(r.Context(), vehicleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

// WalletWebhook acknowledges every authentic notification with 200, matched
// or not; only an unverifiable payload is refused. An error status for
// anything else would make the provider retry an event we already have.
func (h *Handler) WalletWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.reconciliation.HandleWalletEvent(r.Context(), body); err != nil {
		if errors.Is(err, pkgerrors.ErrAuthenticity) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		// Transient failures are retried through the poll fallback, not by
		// bouncing the provider.
		slog.Error("wallet webhook processing failed", "error", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

// CardWebhook follows the same acknowledgement policy as WalletWebhook.
func (h *Handler) CardWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.reconciliation.HandleCardEvent(r.Context(), body, r.Header.Get("Webhook-Signature")); err != nil {
		if errors.Is(err, pkgerrors.ErrAuthenticity) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		slog.Error("card webhook processing failed", "error", err)
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}
