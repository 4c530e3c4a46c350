package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/config"
	"github.com/quanghm/parkcore/internal/infrastructure/redis"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const (
	feeSettingsCacheKey = "settings:parking_fee"
	feeSettingsCacheTTL = 5 * time.Minute
)

// FeeService computes parking fees from the configured rates. Monthly
// subscribers park for free; everyone else pays per started billing
// increment.
type FeeService interface {
	Calculate(ctx context.Context, vehicleType models.VehicleType, entry, exit time.Time, monthlyRegistered bool) (int64, error)
	MonthlyFee(ctx context.Context, vehicleType models.VehicleType, months int32) (int64, error)
	Settings(ctx context.Context) (*models.ParkingFeeSettings, error)
	UpdateSettings(ctx context.Context, s *models.ParkingFeeSettings) error
}

type feeService struct {
	settingsRepo repository.SettingsRepository
	redisClient  redis.RedisClient
	defaults     config.FeeConfig
}

func NewFeeService(settingsRepo repository.SettingsRepository, redisClient redis.RedisClient, defaults config.FeeConfig) *feeService {
	return &feeService{
		settingsRepo: settingsRepo,
		redisClient:  redisClient,
		defaults:     defaults,
	}
}

func (s *feeService) Calculate(ctx context.Context, vehicleType models.VehicleType, entry, exit time.Time, monthlyRegistered bool) (int64, error) {
	tracer := otel.Tracer("fee-service")
	ctx, span := tracer.Start(ctx, "Calculate")
	defer span.End()

	if exit.Before(entry) {
		span.SetStatus(codes.Error, "exit before entry")
		return 0, fmt.Errorf("%w: exit time before entry time", pkgerrors.ErrInvalidInput)
	}
	if monthlyRegistered {
		return 0, nil
	}

	settings, err := s.Settings(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	var rate int64
	switch vehicleType {
	case models.VehicleCar:
		rate = settings.CarRate
	case models.VehicleMotorbike:
		rate = settings.MotorbikeRate
	default:
		span.SetStatus(codes.Error, "unknown vehicle type")
		return 0, fmt.Errorf("%w: unknown vehicle type %q", pkgerrors.ErrInvalidInput, vehicleType)
	}

	increments := billedIncrements(exit.Sub(entry), settings.BillingIncrement)
	fee := increments * rate

	slog.Info("parking fee calculated",
		"vehicle_type", vehicleType,
		"duration", exit.Sub(entry),
		"increments", increments,
		"fee", fee)
	return fee, nil
}

// billedIncrements rounds the stay up to whole increments. A zero-length stay
// still occupies a slot, so it bills one increment.
func billedIncrements(d, increment time.Duration) int64 {
	if increment <= 0 {
		increment = time.Hour
	}
	n := int64((d + increment - 1) / increment)
	if n < 1 {
		n = 1
	}
	return n
}

func (s *feeService) MonthlyFee(ctx context.Context, vehicleType models.VehicleType, months int32) (int64, error) {
	tracer := otel.Tracer("fee-service")
	ctx, span := tracer.Start(ctx, "MonthlyFee")
	defer span.End()

	if months < 1 {
		return 0, fmt.Errorf("%w: months must be positive", pkgerrors.ErrInvalidInput)
	}

	settings, err := s.Settings(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	switch vehicleType {
	case models.VehicleCar:
		return settings.MonthlyCarFee * int64(months), nil
	case models.VehicleMotorbike:
		return settings.MonthlyMotoFee * int64(months), nil
	}
	return 0, fmt.Errorf("%w: unknown vehicle type %q", pkgerrors.ErrInvalidInput, vehicleType)
}

// Settings resolves the active rates: Redis cache, then Postgres, then the
// configured defaults when no row was ever saved.
func (s *feeService) Settings(ctx context.Context) (*models.ParkingFeeSettings, error) {
	if s.redisClient != nil {
		if cached, err := s.redisClient.Get(ctx, feeSettingsCacheKey); err == nil {
			var settings models.ParkingFeeSettings
			unmarshalErr := json.Unmarshal([]byte(cached), &settings)
			if unmarshalErr == nil {
				return &settings, nil
			}
			slog.Warn("failed to unmarshal cached fee settings, falling through", "error", unmarshalErr)
		}
	}

	settings, err := s.settingsRepo.GetParkingFeeSettings(ctx)
	if stderrors.Is(err, pkgerrors.ErrSettingsNotFound) {
		settings = &models.ParkingFeeSettings{
			CarRate:          s.defaults.CarRate,
			MotorbikeRate:    s.defaults.MotorbikeRate,
			BillingIncrement: s.defaults.BillingIncrement,
			MonthlyCarFee:    s.defaults.MonthlyCarFee,
			MonthlyMotoFee:   s.defaults.MonthlyMotoFee,
		}
	} else if err != nil {
		slog.Error("failed to load fee settings", "error", err)
		return nil, err
	}

	s.cache(ctx, settings)
	return settings, nil
}

func (s *feeService) UpdateSettings(ctx context.Context, settings *models.ParkingFeeSettings) error {
	tracer := otel.Tracer("fee-service")
	ctx, span := tracer.Start(ctx, "UpdateSettings")
	defer span.End()

	if settings.CarRate < 0 || settings.MotorbikeRate < 0 || settings.MonthlyCarFee < 0 || settings.MonthlyMotoFee < 0 {
		return fmt.Errorf("%w: rates must be non-negative", pkgerrors.ErrInvalidInput)
	}
	if settings.BillingIncrement <= 0 {
		return fmt.Errorf("%w: billing increment must be positive", pkgerrors.ErrInvalidInput)
	}

	settings.UpdatedAt = time.Now().UTC()
	if err := s.settingsRepo.UpdateParkingFeeSettings(ctx, settings); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settings update failed")
		return err
	}

	if s.redisClient != nil {
		if err := s.redisClient.Del(ctx, feeSettingsCacheKey); err != nil {
			slog.Warn("failed to invalidate fee settings cache", "error", err)
		}
	}
	slog.Info("fee settings updated",
		"car_rate", settings.CarRate,
		"motorbike_rate", settings.MotorbikeRate,
		"billing_increment", settings.BillingIncrement)
	return nil
}

func (s *feeService) cache(ctx context.Context, settings *models.ParkingFeeSettings) {
	if s.redisClient == nil {
		return
	}
	settingsBytes, err := json.Marshal(settings)
	if err != nil {
		slog.Error("failed to marshal fee settings for cache", "error", err)
		return
	}
	if err := s.redisClient.Set(ctx, feeSettingsCacheKey, string(settingsBytes), feeSettingsCacheTTL); err != nil {
		slog.Warn("failed to cache fee settings", "error", err)
	}
}

// FormatParkingDuration renders a stay for receipts, e.g. "2h 15m".
func FormatParkingDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
