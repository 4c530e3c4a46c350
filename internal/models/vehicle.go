package models

import "time"

type VehicleType string

const (
	VehicleCar       VehicleType = "CAR"
	VehicleMotorbike VehicleType = "MOTORBIKE"
)

func (t VehicleType) Valid() bool {
	return t == VehicleCar || t == VehicleMotorbike
}

type VehicleStatus string

const (
	VehicleParked VehicleStatus = "PARKED"
	VehicleExited VehicleStatus = "EXITED"
)

// Vehicle is one parking session. VehicleID is the human-facing id (C001,
// M014, ...) referenced by transactions.
type Vehicle struct {
	ID                  string        `json:"id"`
	VehicleID           string        `json:"vehicle_id"`
	LicensePlate        string        `json:"license_plate"`
	VehicleType         VehicleType   `json:"vehicle_type"`
	SlotID              string        `json:"slot_id"`
	EntryTime           time.Time     `json:"entry_time"`
	ExitTime            *time.Time    `json:"exit_time,omitempty"`
	IsMonthlyRegistered bool          `json:"is_monthly_registered"`
	Status              VehicleStatus `json:"status"`
}

type ParkingSlot struct {
	SlotID      string      `json:"slot_id"`
	Zone        string      `json:"zone"`
	VehicleType VehicleType `json:"vehicle_type"`
	Occupied    bool        `json:"occupied"`
	VehicleID   string      `json:"vehicle_id,omitempty"`
}
