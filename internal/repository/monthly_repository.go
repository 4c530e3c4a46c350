package repository

import (
	"context"

	"github.com/quanghm/parkcore/internal/models"
)

type MonthlyVehicleRepository interface {
	Insert(ctx context.Context, v *models.MonthlyVehicle) error
	GetByVehicleID(ctx context.Context, vehicleID string) (*models.MonthlyVehicle, error)
	GetActiveByLicensePlate(ctx context.Context, licensePlate string) (*models.MonthlyVehicle, error)
	Update(ctx context.Context, v *models.MonthlyVehicle) error
	NextVehicleID(ctx context.Context, prefix string) (string, error)

	InsertPendingRegistration(ctx context.Context, p *models.PendingRegistration) error
	GetPendingRegistrationByTransactionID(ctx context.Context, transactionID string) (*models.PendingRegistration, error)
	DeletePendingRegistration(ctx context.Context, id string) error

	InsertPendingRenewal(ctx context.Context, p *models.PendingRenewal) error
	GetPendingRenewalByTransactionID(ctx context.Context, transactionID string) (*models.PendingRenewal, error)
	DeletePendingRenewal(ctx context.Context, id string) error
}

type SettingsRepository interface {
	GetParkingFeeSettings(ctx context.Context) (*models.ParkingFeeSettings, error)
	UpdateParkingFeeSettings(ctx context.Context, s *models.ParkingFeeSettings) error
}
