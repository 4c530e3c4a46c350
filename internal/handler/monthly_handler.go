package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/quanghm/parkcore/internal/models"
	service "github.com/quanghm/parkcore/internal/services"
)

func (h *Handler) RegisterMonthly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicensePlate   string `json:"license_plate"`
		VehicleType    string `json:"vehicle_type"`
		OwnerName      string `json:"owner_name"`
		Months         int32  `json:"months"`
		PaymentMethod  string `json:"payment_method"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.monthly.RegisterMonthly(r.Context(), service.RegisterMonthlyInput{
		LicensePlate:   req.LicensePlate,
		VehicleType:    models.VehicleType(req.VehicleType),
		OwnerName:      req.OwnerName,
		Months:         req.Months,
		PaymentMethod:  models.PaymentMethod(req.PaymentMethod),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) RenewMonthly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleID      string `json:"vehicle_id"`
		Months         int32  `json:"months"`
		PaymentMethod  string `json:"payment_method"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.monthly.RenewMonthly(r.Context(), service.RenewMonthlyInput{
		VehicleID:      req.VehicleID,
		Months:         req.Months,
		PaymentMethod:  models.PaymentMethod(req.PaymentMethod),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) GetMonthlyVehicle(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicleID"]
	vehicle, err := h.monthly.GetByVehicleID(r.Context(), vehicleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vehicle)
}

func (h *Handler) RevenueReport(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from", time.Now().AddDate(0, 0, -30))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseTimeParam(r, "to", time.Now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := h.transactions.Revenue(r.Context(), from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func parseTimeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return time.Parse(time.RFC3339, v)
}
