package models

import "time"

// ParkingFeeSettings carries the configured per-type rates. Rates are VND per
// billing increment; partial increments are billed as a whole one.
type ParkingFeeSettings struct {
	CarRate          int64         `json:"car_rate"`
	MotorbikeRate    int64         `json:"motorbike_rate"`
	BillingIncrement time.Duration `json:"billing_increment"`
	MonthlyCarFee    int64         `json:"monthly_car_fee"`
	MonthlyMotoFee   int64         `json:"monthly_moto_fee"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
