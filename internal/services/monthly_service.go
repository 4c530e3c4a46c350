package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/gateway"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

type RegisterMonthlyInput struct {
	LicensePlate   string
	VehicleType    models.VehicleType
	OwnerName      string
	Months         int32
	PaymentMethod  models.PaymentMethod
	IdempotencyKey string
}

type RenewMonthlyInput struct {
	VehicleID      string
	Months         int32
	PaymentMethod  models.PaymentMethod
	IdempotencyKey string
}

// MonthlyPaymentResult pairs the pending transaction with the gateway
// artifact the customer pays through (nil for cash).
type MonthlyPaymentResult struct {
	Transaction *models.Transaction      `json:"transaction"`
	Artifact    *gateway.PaymentArtifact `json:"artifact,omitempty"`
}

// MonthlyService manages monthly subscriptions. Registration and renewal are
// two-phase: a pending record plus a pending transaction, with activation
// driven by the transaction's completion event.
type MonthlyService interface {
	RegisterMonthly(ctx context.Context, input RegisterMonthlyInput) (*MonthlyPaymentResult, error)
	RenewMonthly(ctx context.Context, input RenewMonthlyInput) (*MonthlyPaymentResult, error)
	ActivateByTransaction(ctx context.Context, transactionID string, txType models.TransactionType) error
	GetByVehicleID(ctx context.Context, vehicleID string) (*models.MonthlyVehicle, error)
	GetActiveByLicensePlate(ctx context.Context, licensePlate string) (*models.MonthlyVehicle, error)
}

type monthlyService struct {
	monthlyRepo repository.MonthlyVehicleRepository
	fees        FeeService
	payments    PaymentService
	now         func() time.Time
}

func NewMonthlyService(
	monthlyRepo repository.MonthlyVehicleRepository,
	fees FeeService,
	payments PaymentService,
) *monthlyService {
	return &monthlyService{
		monthlyRepo: monthlyRepo,
		fees:        fees,
		payments:    payments,
		now:         time.Now,
	}
}

func monthlyPrefix(t models.VehicleType) string {
	if t == models.VehicleMotorbike {
		return "MM"
	}
	return "MC"
}

func (s *monthlyService) RegisterMonthly(ctx context.Context, input RegisterMonthlyInput) (*MonthlyPaymentResult, error) {
	tracer := otel.Tracer("monthly-service")
	ctx, span := tracer.Start(ctx, "RegisterMonthly")
	defer span.End()

	if input.LicensePlate == "" || input.OwnerName == "" || input.Months < 1 {
		return nil, pkgerrors.ErrInvalidInput
	}
	if !input.VehicleType.Valid() {
		return nil, pkgerrors.ErrInvalidInput
	}

	if _, err := s.monthlyRepo.GetActiveByLicensePlate(ctx, input.LicensePlate); err == nil {
		span.SetStatus(codes.Error, "already registered")
		return nil, fmt.Errorf("%w: license plate already has an active subscription", pkgerrors.ErrInvalidInput)
	} else if !stderrors.Is(err, pkgerrors.ErrMonthlyVehicleNotFound) {
		span.RecordError(err)
		return nil, err
	}

	amount, err := s.fees.MonthlyFee(ctx, input.VehicleType, input.Months)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	pendingInput := CreatePendingInput{
		VehicleID:      input.LicensePlate,
		Amount:         amount,
		Type:           models.TypeMonthlySubscription,
		PaymentMethod:  input.PaymentMethod,
		Description:    fmt.Sprintf("Monthly registration %s x%d months", input.LicensePlate, input.Months),
		IdempotencyKey: input.IdempotencyKey,
	}
	result, err := s.initiatePayment(ctx, pendingInput)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment initiation failed")
		return nil, err
	}

	// An idempotent replay already has its pending record.
	if existing, err := s.monthlyRepo.GetPendingRegistrationByTransactionID(ctx, result.Transaction.TransactionID); err == nil && existing != nil {
		return result, nil
	}

	pending := &models.PendingRegistration{
		TransactionID: result.Transaction.TransactionID,
		LicensePlate:  input.LicensePlate,
		VehicleType:   input.VehicleType,
		OwnerName:     input.OwnerName,
		Months:        input.Months,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.monthlyRepo.InsertPendingRegistration(ctx, pending); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pending registration insert failed")
		return nil, err
	}

	slog.Info("monthly registration initiated",
		"license_plate", input.LicensePlate,
		"transaction_id", result.Transaction.TransactionID,
		"months", input.Months,
		"amount", amount)
	return result, nil
}

func (s *monthlyService) RenewMonthly(ctx context.Context, input RenewMonthlyInput) (*MonthlyPaymentResult, error) {
	tracer := otel.Tracer("monthly-service")
	ctx, span := tracer.Start(ctx, "RenewMonthly")
	defer span.End()

	if input.VehicleID == "" || input.Months < 1 {
		return nil, pkgerrors.ErrInvalidInput
	}

	vehicle, err := s.monthlyRepo.GetByVehicleID(ctx, input.VehicleID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	amount, err := s.fees.MonthlyFee(ctx, vehicle.VehicleType, input.Months)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	pendingInput := CreatePendingInput{
		VehicleID:      vehicle.VehicleID,
		Amount:         amount,
		Type:           models.TypeMonthlyRenewal,
		PaymentMethod:  input.PaymentMethod,
		Description:    fmt.Sprintf("Monthly renewal %s x%d months", vehicle.VehicleID, input.Months),
		IdempotencyKey: input.IdempotencyKey,
	}
	result, err := s.initiatePayment(ctx, pendingInput)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment initiation failed")
		return nil, err
	}

	if existing, err := s.monthlyRepo.GetPendingRenewalByTransactionID(ctx, result.Transaction.TransactionID); err == nil && existing != nil {
		return result, nil
	}

	pending := &models.PendingRenewal{
		TransactionID: result.Transaction.TransactionID,
		VehicleID:     vehicle.VehicleID,
		Months:        input.Months,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.monthlyRepo.InsertPendingRenewal(ctx, pending); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pending renewal insert failed")
		return nil, err
	}

	slog.Info("monthly renewal initiated",
		"vehicle_id", vehicle.VehicleID,
		"transaction_id", result.Transaction.TransactionID,
		"months", input.Months,
		"amount", amount)
	return result, nil
}

func (s *monthlyService) initiatePayment(ctx context.Context, input CreatePendingInput) (*MonthlyPaymentResult, error) {
	if input.PaymentMethod == models.MethodCash {
		tx, err := s.payments.InitiateCashPayment(ctx, input)
		if err != nil {
			return nil, err
		}
		return &MonthlyPaymentResult{Transaction: tx}, nil
	}
	tx, artifact, err := s.payments.InitiateGatewayPayment(ctx, input)
	if err != nil {
		return nil, err
	}
	return &MonthlyPaymentResult{Transaction: tx, Artifact: artifact}, nil
}

// ActivateByTransaction finalizes the subscription once its payment
// completed. A missing pending record means the event was already processed;
// redelivery is harmless.
func (s *monthlyService) ActivateByTransaction(ctx context.Context, transactionID string, txType models.TransactionType) error {
	tracer := otel.Tracer("monthly-service")
	ctx, span := tracer.Start(ctx, "ActivateByTransaction")
	defer span.End()

	switch txType {
	case models.TypeMonthlySubscription:
		return s.activateRegistration(ctx, transactionID)
	case models.TypeMonthlyRenewal:
		return s.activateRenewal(ctx, transactionID)
	}
	return fmt.Errorf("%w: %s", pkgerrors.ErrInvalidTransactionType, txType)
}

func (s *monthlyService) activateRegistration(ctx context.Context, transactionID string) error {
	pending, err := s.monthlyRepo.GetPendingRegistrationByTransactionID(ctx, transactionID)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrPendingRegistrationMissing) {
			slog.Info("no pending registration, already activated", "transaction_id", transactionID)
			return nil
		}
		return err
	}

	vehicleID, err := s.monthlyRepo.NextVehicleID(ctx, monthlyPrefix(pending.VehicleType))
	if err != nil {
		return err
	}

	now := s.now().UTC()
	vehicle := &models.MonthlyVehicle{
		VehicleID:    vehicleID,
		LicensePlate: pending.LicensePlate,
		VehicleType:  pending.VehicleType,
		OwnerName:    pending.OwnerName,
		PackageStart: now,
		PackageEnd:   now.AddDate(0, int(pending.Months), 0),
		Status:       models.MonthlyActive,
	}
	if err := s.monthlyRepo.Insert(ctx, vehicle); err != nil {
		return err
	}
	if err := s.monthlyRepo.DeletePendingRegistration(ctx, pending.ID); err != nil {
		slog.Error("failed to delete pending registration", "id", pending.ID, "error", err)
	}

	slog.Info("monthly subscription activated",
		"vehicle_id", vehicleID,
		"license_plate", pending.LicensePlate,
		"package_end", vehicle.PackageEnd)
	return nil
}

func (s *monthlyService) activateRenewal(ctx context.Context, transactionID string) error {
	pending, err := s.monthlyRepo.GetPendingRenewalByTransactionID(ctx, transactionID)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrPendingRenewalMissing) {
			slog.Info("no pending renewal, already activated", "transaction_id", transactionID)
			return nil
		}
		return err
	}

	vehicle, err := s.monthlyRepo.GetByVehicleID(ctx, pending.VehicleID)
	if err != nil {
		return err
	}

	// Renewing early extends from the current package end; renewing after
	// expiry restarts from now.
	now := s.now().UTC()
	start := vehicle.PackageEnd
	if start.Before(now) {
		start = now
	}
	vehicle.PackageEnd = start.AddDate(0, int(pending.Months), 0)
	vehicle.Status = models.MonthlyActive
	if err := s.monthlyRepo.Update(ctx, vehicle); err != nil {
		return err
	}
	if err := s.monthlyRepo.DeletePendingRenewal(ctx, pending.ID); err != nil {
		slog.Error("failed to delete pending renewal", "id", pending.ID, "error", err)
	}

	slog.Info("monthly subscription renewed",
		"vehicle_id", vehicle.VehicleID,
		"package_end", vehicle.PackageEnd)
	return nil
}

func (s *monthlyService) GetByVehicleID(ctx context.Context, vehicleID string) (*models.MonthlyVehicle, error) {
	return s.monthlyRepo.GetByVehicleID(ctx, vehicleID)
}

func (s *monthlyService) GetActiveByLicensePlate(ctx context.Context, licensePlate string) (*models.MonthlyVehicle, error) {
	return s.monthlyRepo.GetActiveByLicensePlate(ctx, licensePlate)
}
