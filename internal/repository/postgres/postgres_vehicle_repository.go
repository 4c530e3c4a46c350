package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/quanghm/parkcore/internal/models"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresVehicleRepository struct {
	db *sql.DB
}

func NewPostgresVehicleRepository(db *sql.DB) *PostgresVehicleRepository {
	return &PostgresVehicleRepository{db: db}
}

const vehicleColumns = `id, vehicle_id, license_plate, vehicle_type, slot_id, entry_time, exit_time, is_monthly_registered, status`

func (r *PostgresVehicleRepository) Insert(ctx context.Context, v *models.Vehicle) error {
	var err error
	tracer := otel.Tracer("vehicle-repository")
	ctx, span := tracer.Start(ctx, "InsertVehicle")
	defer finish(span, "InsertVehicle", time.Now(), &err)

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("vehicle_id", v.VehicleID), attribute.String("license_plate", v.LicensePlate))

	query := `INSERT INTO vehicles (` + vehicleColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.ExecContext(ctx, query,
		v.ID, v.VehicleID, v.LicensePlate, v.VehicleType, v.SlotID,
		v.EntryTime, v.ExitTime, v.IsMonthlyRegistered, v.Status)
	if err != nil {
		slog.Error("failed to insert vehicle", "method", "Insert", "vehicle_id", v.VehicleID, "error", err)
		return fmt.Errorf("failed to insert vehicle: %w", err)
	}
	slog.Info("vehicle inserted", "method", "Insert", "vehicle_id", v.VehicleID, "slot_id", v.SlotID)
	return nil
}

func (r *PostgresVehicleRepository) GetByVehicleID(ctx context.Context, vehicleID string) (*models.Vehicle, error) {
	var err error
	tracer := otel.Tracer("vehicle-repository")
	ctx, span := tracer.Start(ctx, "GetVehicleByVehicleID")
	defer finish(span, "GetVehicleByVehicleID", time.Now(), &err)

	v, err := r.scanOne(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE vehicle_id = $1`, vehicleID)
	return v, err
}

func (r *PostgresVehicleRepository) GetParkedByLicensePlate(ctx context.Context, licensePlate string) (*models.Vehicle, error) {
	var err error
	tracer := otel.Tracer("vehicle-repository")
	ctx, span := tracer.Start(ctx, "GetParkedVehicleByLicensePlate")
	defer finish(span, "GetParkedVehicleByLicensePlate", time.Now(), &err)

	v, err := r.scanOne(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE license_plate = $1 AND status = $2`,
		licensePlate, models.VehicleParked)
	return v, err
}

func (r *PostgresVehicleRepository) Update(ctx context.Context, v *models.Vehicle) error {
	var err error
	tracer := otel.Tracer("vehicle-repository")
	ctx, span := tracer.Start(ctx, "UpdateVehicle")
	defer finish(span, "UpdateVehicle", time.Now(), &err)

	query := `UPDATE vehicles SET slot_id = $1, exit_time = $2, is_monthly_registered = $3, status = $4 WHERE id = $5`
	res, err := r.db.ExecContext(ctx, query, v.SlotID, v.ExitTime, v.IsMonthlyRegistered, v.Status, v.ID)
	if err != nil {
		slog.Error("failed to update vehicle", "method", "Update", "vehicle_id", v.VehicleID, "error", err)
		return fmt.Errorf("failed to update vehicle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		err = pkgerrors.ErrVehicleNotFound
		return err
	}
	return nil
}

// NextVehicleID continues the prefix+sequence scheme (C001, M014, ...).
func (r *PostgresVehicleRepository) NextVehicleID(ctx context.Context, prefix string) (string, error) {
	var err error
	tracer := otel.Tracer("vehicle-repository")
	ctx, span := tracer.Start(ctx, "NextVehicleID")
	defer finish(span, "NextVehicleID", time.Now(), &err)

	query := `SELECT COALESCE(MAX(CAST(SUBSTRING(vehicle_id FROM $1) AS INTEGER)), 0)
		FROM vehicles WHERE vehicle_id LIKE $2`
	var last int
	err = r.db.QueryRowContext(ctx, query, len(prefix)+1, prefix+"%").Scan(&last)
	if err != nil {
		slog.Error("failed to generate vehicle id", "method", "NextVehicleID", "prefix", prefix, "error", err)
		return "", fmt.Errorf("failed to generate vehicle id: %w", err)
	}
	return fmt.Sprintf("%s%03d", prefix, last+1), nil
}

func (r *PostgresVehicleRepository) scanOne(ctx context.Context, query string, args ...any) (*models.Vehicle, error) {
	var v models.Vehicle
	var exitTime sql.NullTime
	var slotID sql.NullString
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&v.ID, &v.VehicleID, &v.LicensePlate, &v.VehicleType, &slotID,
		&v.EntryTime, &exitTime, &v.IsMonthlyRegistered, &v.Status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}
	if exitTime.Valid {
		t := exitTime.Time
		v.ExitTime = &t
	}
	v.SlotID = slotID.String
	return &v, nil
}
