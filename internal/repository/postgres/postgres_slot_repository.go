package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/models"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type PostgresSlotRepository struct {
	db *sql.DB
}

func NewPostgresSlotRepository(db *sql.DB) *PostgresSlotRepository {
	return &PostgresSlotRepository{db: db}
}

// AllocateFree claims the first free slot of the given type in a single
// statement, so two concurrent check-ins cannot claim the same slot.
func (r *PostgresSlotRepository) AllocateFree(ctx context.Context, vehicleType models.VehicleType, vehicleID string) (*models.ParkingSlot, error) {
	var err error
	tracer := otel.Tracer("slot-repository")
	ctx, span := tracer.Start(ctx, "AllocateFreeSlot")
	span.SetAttributes(attribute.String("vehicle_type", string(vehicleType)), attribute.String("vehicle_id", vehicleID))
	defer finish(span, "AllocateFreeSlot", time.Now(), &err)

	query := `UPDATE parking_slots SET occupied = TRUE, vehicle_id = $1
		WHERE slot_id = (
			SELECT slot_id FROM parking_slots
			WHERE vehicle_type = $2 AND occupied = FALSE
			ORDER BY slot_id ASC LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING slot_id, zone, vehicle_type, occupied, vehicle_id`
	var s models.ParkingSlot
	var occupant sql.NullString
	err = r.db.QueryRowContext(ctx, query, vehicleID, vehicleType).Scan(
		&s.SlotID, &s.Zone, &s.VehicleType, &s.Occupied, &occupant)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrSlotUnavailable
		slog.Warn("no free slot", "method", "AllocateFree", "vehicle_type", vehicleType)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to allocate slot", "method", "AllocateFree", "vehicle_type", vehicleType, "error", err)
		return nil, fmt.Errorf("failed to allocate slot: %w", err)
	}
	s.VehicleID = occupant.String
	slog.Info("slot allocated", "method", "AllocateFree", "slot_id", s.SlotID, "vehicle_id", vehicleID)
	return &s, nil
}

func (r *PostgresSlotRepository) Release(ctx context.Context, slotID string) error {
	var err error
	tracer := otel.Tracer("slot-repository")
	ctx, span := tracer.Start(ctx, "ReleaseSlot")
	span.SetAttributes(attribute.String("slot_id", slotID))
	defer finish(span, "ReleaseSlot", time.Now(), &err)

	_, err = r.db.ExecContext(ctx, `UPDATE parking_slots SET occupied = FALSE, vehicle_id = NULL WHERE slot_id = $1`, slotID)
	if err != nil {
		slog.Error("failed to release slot", "method", "Release", "slot_id", slotID, "error", err)
		return fmt.Errorf("failed to release slot: %w", err)
	}
	return nil
}

func (r *PostgresSlotRepository) ListByType(ctx context.Context, vehicleType models.VehicleType) ([]models.ParkingSlot, error) {
	var err error
	tracer := otel.Tracer("slot-repository")
	ctx, span := tracer.Start(ctx, "ListSlotsByType")
	defer finish(span, "ListSlotsByType", time.Now(), &err)

	rows, err := r.db.QueryContext(ctx,
		`SELECT slot_id, zone, vehicle_type, occupied, vehicle_id FROM parking_slots WHERE vehicle_type = $1 ORDER BY slot_id`,
		vehicleType)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	var out []models.ParkingSlot
	for rows.Next() {
		var s models.ParkingSlot
		var occupant sql.NullString
		if err = rows.Scan(&s.SlotID, &s.Zone, &s.VehicleType, &s.Occupied, &occupant); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		s.VehicleID = occupant.String
		out = append(out, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate slots: %w", err)
	}
	return out, nil
}
