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
)

// PostgresSettingsRepository stores the single fee-settings row. Billing
// increment is persisted as nanoseconds.
type PostgresSettingsRepository struct {
	db *sql.DB
}

func NewPostgresSettingsRepository(db *sql.DB) *PostgresSettingsRepository {
	return &PostgresSettingsRepository{db: db}
}

func (r *PostgresSettingsRepository) GetParkingFeeSettings(ctx context.Context) (*models.ParkingFeeSettings, error) {
	var err error
	tracer := otel.Tracer("settings-repository")
	ctx, span := tracer.Start(ctx, "GetParkingFeeSettings")
	defer finish(span, "GetParkingFeeSettings", time.Now(), &err)

	var s models.ParkingFeeSettings
	var increment int64
	err = r.db.QueryRowContext(ctx,
		`SELECT car_rate, motorbike_rate, billing_increment, monthly_car_fee, monthly_moto_fee, updated_at FROM fee_settings LIMIT 1`).
		Scan(&s.CarRate, &s.MotorbikeRate, &increment, &s.MonthlyCarFee, &s.MonthlyMotoFee, &s.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrSettingsNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get fee settings", "method", "GetParkingFeeSettings", "error", err)
		return nil, fmt.Errorf("failed to get fee settings: %w", err)
	}
	s.BillingIncrement = time.Duration(increment)
	return &s, nil
}

func (r *PostgresSettingsRepository) UpdateParkingFeeSettings(ctx context.Context, s *models.ParkingFeeSettings) error {
	var err error
	tracer := otel.Tracer("settings-repository")
	ctx, span := tracer.Start(ctx, "UpdateParkingFeeSettings")
	defer finish(span, "UpdateParkingFeeSettings", time.Now(), &err)

	s.UpdatedAt = time.Now().UTC()
	query := `INSERT INTO fee_settings (id, car_rate, motorbike_rate, billing_increment, monthly_car_fee, monthly_moto_fee, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			car_rate = EXCLUDED.car_rate,
			motorbike_rate = EXCLUDED.motorbike_rate,
			billing_increment = EXCLUDED.billing_increment,
			monthly_car_fee = EXCLUDED.monthly_car_fee,
			monthly_moto_fee = EXCLUDED.monthly_moto_fee,
			updated_at = EXCLUDED.updated_at`
	_, err = r.db.ExecContext(ctx, query,
		s.CarRate, s.MotorbikeRate, int64(s.BillingIncrement), s.MonthlyCarFee, s.MonthlyMotoFee, s.UpdatedAt)
	if err != nil {
		slog.Error("failed to update fee settings", "method", "UpdateParkingFeeSettings", "error", err)
		return fmt.Errorf("failed to update fee settings: %w", err)
	}
	slog.Info("fee settings updated", "method", "UpdateParkingFeeSettings", "car_rate", s.CarRate, "motorbike_rate", s.MotorbikeRate)
	return nil
}
