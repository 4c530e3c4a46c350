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

type PostgresMonthlyVehicleRepository struct {
	db *sql.DB
}

func NewPostgresMonthlyVehicleRepository(db *sql.DB) *PostgresMonthlyVehicleRepository {
	return &PostgresMonthlyVehicleRepository{db: db}
}

const monthlyColumns = `id, vehicle_id, license_plate, vehicle_type, owner_name, package_start, package_end, status`

func (r *PostgresMonthlyVehicleRepository) Insert(ctx context.Context, v *models.MonthlyVehicle) error {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "InsertMonthlyVehicle")
	span.SetAttributes(attribute.String("vehicle_id", v.VehicleID))
	defer finish(span, "InsertMonthlyVehicle", time.Now(), &err)

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	query := `INSERT INTO monthly_vehicles (` + monthlyColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.db.ExecContext(ctx, query,
		v.ID, v.VehicleID, v.LicensePlate, v.VehicleType, v.OwnerName, v.PackageStart, v.PackageEnd, v.Status)
	if err != nil {
		slog.Error("failed to insert monthly vehicle", "method", "Insert", "vehicle_id", v.VehicleID, "error", err)
		return fmt.Errorf("failed to insert monthly vehicle: %w", err)
	}
	slog.Info("monthly vehicle inserted", "method", "Insert", "vehicle_id", v.VehicleID, "package_end", v.PackageEnd)
	return nil
}

func (r *PostgresMonthlyVehicleRepository) GetByVehicleID(ctx context.Context, vehicleID string) (*models.MonthlyVehicle, error) {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "GetMonthlyVehicleByVehicleID")
	defer finish(span, "GetMonthlyVehicleByVehicleID", time.Now(), &err)

	v, err := r.scanOne(ctx, `SELECT `+monthlyColumns+` FROM monthly_vehicles WHERE vehicle_id = $1`, vehicleID)
	return v, err
}

func (r *PostgresMonthlyVehicleRepository) GetActiveByLicensePlate(ctx context.Context, licensePlate string) (*models.MonthlyVehicle, error) {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "GetActiveMonthlyVehicleByLicensePlate")
	defer finish(span, "GetActiveMonthlyVehicleByLicensePlate", time.Now(), &err)

	v, err := r.scanOne(ctx,
		`SELECT `+monthlyColumns+` FROM monthly_vehicles WHERE license_plate = $1 AND status = $2 AND package_end > $3`,
		licensePlate, models.MonthlyActive, time.Now().UTC())
	return v, err
}

func (r *PostgresMonthlyVehicleRepository) Update(ctx context.Context, v *models.MonthlyVehicle) error {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "UpdateMonthlyVehicle")
	defer finish(span, "UpdateMonthlyVehicle", time.Now(), &err)

	query := `UPDATE monthly_vehicles SET package_start = $1, package_end = $2, status = $3 WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, v.PackageStart, v.PackageEnd, v.Status, v.ID)
	if err != nil {
		slog.Error("failed to update monthly vehicle", "method", "Update", "vehicle_id", v.VehicleID, "error", err)
		return fmt.Errorf("failed to update monthly vehicle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		err = pkgerrors.ErrMonthlyVehicleNotFound
		return err
	}
	return nil
}

func (r *PostgresMonthlyVehicleRepository) NextVehicleID(ctx context.Context, prefix string) (string, error) {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "NextMonthlyVehicleID")
	defer finish(span, "NextMonthlyVehicleID", time.Now(), &err)

	query := `SELECT COALESCE(MAX(CAST(SUBSTRING(vehicle_id FROM $1) AS INTEGER)), 0)
		FROM monthly_vehicles WHERE vehicle_id LIKE $2`
	var last int
	err = r.db.QueryRowContext(ctx, query, len(prefix)+1, prefix+"%").Scan(&last)
	if err != nil {
		slog.Error("failed to generate monthly vehicle id", "method", "NextVehicleID", "prefix", prefix, "error", err)
		return "", fmt.Errorf("failed to generate monthly vehicle id: %w", err)
	}
	return fmt.Sprintf("%s%03d", prefix, last+1), nil
}

func (r *PostgresMonthlyVehicleRepository) InsertPendingRegistration(ctx context.Context, p *models.PendingRegistration) error {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "InsertPendingRegistration")
	defer finish(span, "InsertPendingRegistration", time.Now(), &err)

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `INSERT INTO pending_registrations (id, transaction_id, license_plate, vehicle_type, owner_name, months, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = r.db.ExecContext(ctx, query, p.ID, p.TransactionID, p.LicensePlate, p.VehicleType, p.OwnerName, p.Months, p.CreatedAt)
	if err != nil {
		slog.Error("failed to insert pending registration", "method", "InsertPendingRegistration", "transaction_id", p.TransactionID, "error", err)
		return fmt.Errorf("failed to insert pending registration: %w", err)
	}
	return nil
}

func (r *PostgresMonthlyVehicleRepository) GetPendingRegistrationByTransactionID(ctx context.Context, transactionID string) (*models.PendingRegistration, error) {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "GetPendingRegistrationByTransactionID")
	defer finish(span, "GetPendingRegistrationByTransactionID", time.Now(), &err)

	var p models.PendingRegistration
	err = r.db.QueryRowContext(ctx,
		`SELECT id, transaction_id, license_plate, vehicle_type, owner_name, months, created_at FROM pending_registrations WHERE transaction_id = $1`,
		transactionID).Scan(&p.ID, &p.TransactionID, &p.LicensePlate, &p.VehicleType, &p.OwnerName, &p.Months, &p.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPendingRegistrationMissing
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending registration: %w", err)
	}
	return &p, nil
}

func (r *PostgresMonthlyVehicleRepository) DeletePendingRegistration(ctx context.Context, id string) error {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "DeletePendingRegistration")
	defer finish(span, "DeletePendingRegistration", time.Now(), &err)

	_, err = r.db.ExecContext(ctx, `DELETE FROM pending_registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending registration: %w", err)
	}
	return nil
}

func (r *PostgresMonthlyVehicleRepository) InsertPendingRenewal(ctx context.Context, p *models.PendingRenewal) error {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "InsertPendingRenewal")
	defer finish(span, "InsertPendingRenewal", time.Now(), &err)

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	query := `INSERT INTO pending_renewals (id, transaction_id, vehicle_id, months, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err = r.db.ExecContext(ctx, query, p.ID, p.TransactionID, p.VehicleID, p.Months, p.CreatedAt)
	if err != nil {
		slog.Error("failed to insert pending renewal", "method", "InsertPendingRenewal", "transaction_id", p.TransactionID, "error", err)
		return fmt.Errorf("failed to insert pending renewal: %w", err)
	}
	return nil
}

func (r *PostgresMonthlyVehicleRepository) GetPendingRenewalByTransactionID(ctx context.Context, transactionID string) (*models.PendingRenewal, error) {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "GetPendingRenewalByTransactionID")
	defer finish(span, "GetPendingRenewalByTransactionID", time.Now(), &err)

	var p models.PendingRenewal
	err = r.db.QueryRowContext(ctx,
		`SELECT id, transaction_id, vehicle_id, months, created_at FROM pending_renewals WHERE transaction_id = $1`,
		transactionID).Scan(&p.ID, &p.TransactionID, &p.VehicleID, &p.Months, &p.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrPendingRenewalMissing
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending renewal: %w", err)
	}
	return &p, nil
}

func (r *PostgresMonthlyVehicleRepository) DeletePendingRenewal(ctx context.Context, id string) error {
	var err error
	tracer := otel.Tracer("monthly-repository")
	ctx, span := tracer.Start(ctx, "DeletePendingRenewal")
	defer finish(span, "DeletePendingRenewal", time.Now(), &err)

	_, err = r.db.ExecContext(ctx, `DELETE FROM pending_renewals WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending renewal: %w", err)
	}
	return nil
}

func (r *PostgresMonthlyVehicleRepository) scanOne(ctx context.Context, query string, args ...any) (*models.MonthlyVehicle, error) {
	var v models.MonthlyVehicle
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&v.ID, &v.VehicleID, &v.LicensePlate, &v.VehicleType, &v.OwnerName, &v.PackageStart, &v.PackageEnd, &v.Status)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrMonthlyVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get monthly vehicle: %w", err)
	}
	return &v, nil
}
