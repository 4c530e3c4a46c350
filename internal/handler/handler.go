package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	service "github.com/quanghm/parkcore/internal/services"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
)

type Handler struct {
	auth           service.AuthService
	parking        service.ParkingService
	payments       service.PaymentService
	transactions   service.TransactionService
	reconciliation service.ReconciliationService
	fees           service.FeeService
	monthly        service.MonthlyService
}

func NewHandler(
	auth service.AuthService,
	parking service.ParkingService,
	payments service.PaymentService,
	transactions service.TransactionService,
	reconciliation service.ReconciliationService,
	fees service.FeeService,
	monthly service.MonthlyService,
) *Handler {
	return &Handler{
		auth:           auth,
		parking:        parking,
		payments:       payments,
		transactions:   transactions,
		reconciliation: reconciliation,
		fees:           fees,
		monthly:        monthly,
	}
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/auth/login", h.Login).Methods("POST")
	r.HandleFunc("/auth/register", h.RegisterStaff).Methods("POST")
	r.HandleFunc("/payment/webhook/wallet", h.WalletWebhook).Methods("POST")
	r.HandleFunc("/payment/webhook/card", h.CardWebhook).Methods("POST")
}

func (h *Handler) RegisterProtectedRoutes(r *mux.Router) {
	r.HandleFunc("/auth/logout", h.Logout).Methods("POST")

	r.HandleFunc("/parking/checkin", h.CheckIn).Methods("POST")
	r.HandleFunc("/parking/checkout", h.CheckOut).Methods("POST")
	r.HandleFunc("/parking/vehicles/{vehicleID}", h.GetVehicle).Methods("GET")
	r.HandleFunc("/parking/slots", h.ListSlots).Methods("GET")

	r.HandleFunc("/payment/cash", h.InitiateCashPayment).Methods("POST")
	r.HandleFunc("/payment/cash/{transactionID}/settle", h.SettleCashPayment).Methods("POST")
	r.HandleFunc("/payment/gateway", h.InitiateGatewayPayment).Methods("POST")
	r.HandleFunc("/payment/card/{transactionID}/poll", h.PollCardPayment).Methods("POST")
	r.HandleFunc("/payment/sessions/{transactionID}", h.GetPaymentSession).Methods("GET")
	r.HandleFunc("/payment/{transactionID}/refund", h.Refund).Methods("POST")

	r.HandleFunc("/transactions/{transactionID}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions", h.ListTransactions).Methods("GET")

	r.HandleFunc("/fees/calculate", h.CalculateFee).Methods("POST")
	r.HandleFunc("/fees/settings", h.GetFeeSettings).Methods("GET")
	r.HandleFunc("/fees/settings", h.UpdateFeeSettings).Methods("PUT")

	r.HandleFunc("/monthly/register", h.RegisterMonthly).Methods("POST")
	r.HandleFunc("/monthly/renew", h.RenewMonthly).Methods("POST")
	r.HandleFunc("/monthly/{vehicleID}", h.GetMonthlyVehicle).Methods("GET")

	r.HandleFunc("/reports/revenue", h.RevenueReport).Methods("GET")
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respondError maps service errors to HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrInvalidInput),
		errors.Is(err, pkgerrors.ErrInvalidPaymentMethod),
		errors.Is(err, pkgerrors.ErrInvalidTransactionType):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, pkgerrors.ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, pkgerrors.ErrGatewayDeclined):
		h.writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, pkgerrors.ErrTransactionNotFound),
		errors.Is(err, pkgerrors.ErrVehicleNotFound),
		errors.Is(err, pkgerrors.ErrMonthlyVehicleNotFound),
		errors.Is(err, pkgerrors.ErrUserNotFound),
		errors.Is(err, pkgerrors.ErrSettingsNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pkgerrors.ErrUsernameExists),
		errors.Is(err, pkgerrors.ErrVehicleAlreadyParked),
		errors.Is(err, pkgerrors.ErrVehicleAlreadyExited),
		errors.Is(err, pkgerrors.ErrSlotUnavailable),
		errors.Is(err, pkgerrors.ErrInvalidState),
		errors.Is(err, pkgerrors.ErrStaleTransition),
		errors.Is(err, pkgerrors.ErrConcurrencyConflict),
		errors.Is(err, pkgerrors.ErrVersionConflict):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
		h.writeError(w, http.StatusBadGateway, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}
