package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// CheckOutResult is what the exit gate needs: the closed session, the fee
// owed and the printable duration.
type CheckOutResult struct {
	Vehicle  *models.Vehicle `json:"vehicle"`
	Fee      int64           `json:"fee"`
	Duration string          `json:"duration"`
}

type ParkingService interface {
	CheckIn(ctx context.Context, licensePlate string, vehicleType models.VehicleType) (*models.Vehicle, error)
	CheckOut(ctx context.Context, vehicleID string) (*CheckOutResult, error)
	GetVehicle(ctx context.Context, vehicleID string) (*models.Vehicle, error)
	ListSlots(ctx context.Context, vehicleType models.VehicleType) ([]models.ParkingSlot, error)
}

type parkingService struct {
	vehicleRepo repository.VehicleRepository
	slotRepo    repository.SlotRepository
	monthlyRepo repository.MonthlyVehicleRepository
	fees        FeeService
	now         func() time.Time
}

func NewParkingService(
	vehicleRepo repository.VehicleRepository,
	slotRepo repository.SlotRepository,
	monthlyRepo repository.MonthlyVehicleRepository,
	fees FeeService,
) *parkingService {
	return &parkingService{
		vehicleRepo: vehicleRepo,
		slotRepo:    slotRepo,
		monthlyRepo: monthlyRepo,
		fees:        fees,
		now:         time.Now,
	}
}

func idPrefix(t models.VehicleType) string {
	if t == models.VehicleMotorbike {
		return "M"
	}
	return "C"
}

func (s *parkingService) CheckIn(ctx context.Context, licensePlate string, vehicleType models.VehicleType) (*models.Vehicle, error) {
	tracer := otel.Tracer("parking-service")
	ctx, span := tracer.Start(ctx, "CheckIn")
	defer span.End()

	if licensePlate == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	if !vehicleType.Valid() {
		return nil, pkgerrors.ErrInvalidInput
	}

	existing, err := s.vehicleRepo.GetParkedByLicensePlate(ctx, licensePlate)
	if err == nil && existing != nil {
		span.SetStatus(codes.Error, "vehicle already parked")
		slog.Warn("vehicle already parked", "license_plate", licensePlate, "vehicle_id", existing.VehicleID)
		return nil, pkgerrors.ErrVehicleAlreadyParked
	}
	if err != nil && !stderrors.Is(err, pkgerrors.ErrVehicleNotFound) {
		span.RecordError(err)
		return nil, err
	}

	monthlyRegistered := false
	if _, err := s.monthlyRepo.GetActiveByLicensePlate(ctx, licensePlate); err == nil {
		monthlyRegistered = true
	} else if !stderrors.Is(err, pkgerrors.ErrMonthlyVehicleNotFound) {
		span.RecordError(err)
		return nil, err
	}

	vehicleID, err := s.vehicleRepo.NextVehicleID(ctx, idPrefix(vehicleType))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vehicle id generation failed")
		return nil, err
	}

	slot, err := s.slotRepo.AllocateFree(ctx, vehicleType, vehicleID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "slot allocation failed")
		return nil, err
	}

	vehicle := &models.Vehicle{
		VehicleID:           vehicleID,
		LicensePlate:        licensePlate,
		VehicleType:         vehicleType,
		SlotID:              slot.SlotID,
		EntryTime:           s.now().UTC(),
		IsMonthlyRegistered: monthlyRegistered,
		Status:              models.VehicleParked,
	}
	if err := s.vehicleRepo.Insert(ctx, vehicle); err != nil {
		// Give the slot back so a failed insert does not leak capacity.
		if relErr := s.slotRepo.Release(ctx, slot.SlotID); relErr != nil {
			slog.Error("failed to release slot after insert failure", "slot_id", slot.SlotID, "error", relErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "vehicle insert failed")
		return nil, err
	}

	slog.Info("vehicle checked in",
		"vehicle_id", vehicleID,
		"license_plate", licensePlate,
		"slot_id", slot.SlotID,
		"monthly_registered", monthlyRegistered)
	return vehicle, nil
}

func (s *parkingService) CheckOut(ctx context.Context, vehicleID string) (*CheckOutResult, error) {
	tracer := otel.Tracer("parking-service")
	ctx, span := tracer.Start(ctx, "CheckOut")
	defer span.End()

	vehicle, err := s.vehicleRepo.GetByVehicleID(ctx, vehicleID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if vehicle.Status == models.VehicleExited {
		span.SetStatus(codes.Error, "vehicle already exited")
		return nil, pkgerrors.ErrVehicleAlreadyExited
	}

	exitTime := s.now().UTC()
	fee, err := s.fees.Calculate(ctx, vehicle.VehicleType, vehicle.EntryTime, exitTime, vehicle.IsMonthlyRegistered)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fee calculation failed")
		return nil, err
	}

	vehicle.ExitTime = &exitTime
	vehicle.Status = models.VehicleExited
	if err := s.vehicleRepo.Update(ctx, vehicle); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vehicle update failed")
		return nil, err
	}

	if err := s.slotRepo.Release(ctx, vehicle.SlotID); err != nil {
		slog.Error("failed to release slot on checkout", "slot_id", vehicle.SlotID, "error", err)
	}

	duration := exitTime.Sub(vehicle.EntryTime)
	slog.Info("vehicle checked out",
		"vehicle_id", vehicleID,
		"duration", FormatParkingDuration(duration),
		"fee", fee)
	return &CheckOutResult{
		Vehicle:  vehicle,
		Fee:      fee,
		Duration: FormatParkingDuration(duration),
	}, nil
}

func (s *parkingService) GetVehicle(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	return s.vehicleRepo.GetByVehicleID(ctx, vehicleID)
}

func (s *parkingService) ListSlots(ctx context.Context, vehicleType models.VehicleType) ([]models.ParkingSlot, error) {
	if !vehicleType.Valid() {
		return nil, pkgerrors.ErrInvalidInput
	}
	return s.slotRepo.ListByType(ctx, vehicleType)
}
