package models

import "time"

type MonthlyStatus string

const (
	MonthlyActive  MonthlyStatus = "ACTIVE"
	MonthlyExpired MonthlyStatus = "EXPIRED"
)

// MonthlyVehicle is an active monthly subscription. VehicleID uses the MC/MM
// prefixes (monthly car / monthly motorbike).
type MonthlyVehicle struct {
	ID           string        `json:"id"`
	VehicleID    string        `json:"vehicle_id"`
	LicensePlate string        `json:"license_plate"`
	VehicleType  VehicleType   `json:"vehicle_type"`
	OwnerName    string        `json:"owner_name"`
	PackageStart time.Time     `json:"package_start"`
	PackageEnd   time.Time     `json:"package_end"`
	Status       MonthlyStatus `json:"status"`
}

// PendingRegistration holds a registration request until its transaction
// completes.
type PendingRegistration struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	LicensePlate  string      `json:"license_plate"`
	VehicleType   VehicleType `json:"vehicle_type"`
	OwnerName     string      `json:"owner_name"`
	Months        int32       `json:"months"`
	CreatedAt     time.Time   `json:"created_at"`
}

// PendingRenewal holds a renewal request until its transaction completes.
type PendingRenewal struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	VehicleID     string    `json:"vehicle_id"`
	Months        int32     `json:"months"`
	CreatedAt     time.Time `json:"created_at"`
}
