package repository

import (
	"context"

	"github.com/quanghm/parkcore/internal/models"
)

type VehicleRepository interface {
	Insert(ctx context.Context, v *models.Vehicle) error
	GetByVehicleID(ctx context.Context, vehicleID string) (*models.Vehicle, error)
	GetParkedByLicensePlate(ctx context.Context, licensePlate string) (*models.Vehicle, error)
	Update(ctx context.Context, v *models.Vehicle) error
	// NextVehicleID returns the next free id for the given prefix (C, M),
	// formatted prefix + zero-padded sequence.
	NextVehicleID(ctx context.Context, prefix string) (string, error)
}

type SlotRepository interface {
	// AllocateFree marks the first free slot of the given type as occupied by
	// vehicleID and returns it. Fails with ErrSlotUnavailable when full.
	AllocateFree(ctx context.Context, vehicleType models.VehicleType, vehicleID string) (*models.ParkingSlot, error)
	// Release frees the slot; releasing an already-free slot is a no-op.
	Release(ctx context.Context, slotID string) error
	ListByType(ctx context.Context, vehicleType models.VehicleType) ([]models.ParkingSlot, error)
}
