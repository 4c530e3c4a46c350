package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/quanghm/parkcore/internal/models"
)

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicensePlate string `json:"license_plate"`
		VehicleType  string `json:"vehicle_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	vehicle, err := h.parking.CheckIn(r.Context(), req.LicensePlate, models.VehicleType(req.VehicleType))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, vehicle)
}

func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleID string `json:"vehicle_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.VehicleID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("vehicle_id is required"))
		return
	}

	result, err := h.parking.CheckOut(r.Context(), req.VehicleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["vehicleID"]
	vehicle, err := h.parking.GetVehicle(r.Context(), vehicleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vehicle)
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	vehicleType := models.VehicleType(r.URL.Query().Get("type"))
	slots, err := h.parking.ListSlots(r.Context(), vehicleType)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, slots)
}

func (h *Handler) CalculateFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VehicleType       string    `json:"vehicle_type"`
		EntryTime         time.Time `json:"entry_time"`
		ExitTime          time.Time `json:"exit_time"`
		MonthlyRegistered bool      `json:"monthly_registered"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	fee, err := h.fees.Calculate(r.Context(), models.VehicleType(req.VehicleType), req.EntryTime, req.ExitTime, req.MonthlyRegistered)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"fee":      fee,
		"duration": req.ExitTime.Sub(req.EntryTime).String(),
	})
}

func (h *Handler) GetFeeSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.fees.Settings(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) UpdateFeeSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.ParkingFeeSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.fees.UpdateSettings(r.Context(), &settings); err != nil {
		h.respondError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}
