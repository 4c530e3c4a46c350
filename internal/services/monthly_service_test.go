package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quanghm/parkcore/internal/models"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonthlyRepo struct {
	mu            sync.Mutex
	vehicles      map[string]*models.MonthlyVehicle
	registrations map[string]*models.PendingRegistration
	renewals      map[string]*models.PendingRenewal
	seq           int
}

func newFakeMonthlyRepo() *fakeMonthlyRepo {
	return &fakeMonthlyRepo{
		vehicles:      make(map[string]*models.MonthlyVehicle),
		registrations: make(map[string]*models.PendingRegistration),
		renewals:      make(map[string]*models.PendingRenewal),
	}
}

func (r *fakeMonthlyRepo) Insert(_ context.Context, v *models.MonthlyVehicle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.ID == "" {
		v.ID = v.VehicleID
	}
	cp := *v
	r.vehicles[v.VehicleID] = &cp
	return nil
}

func (r *fakeMonthlyRepo) GetByVehicleID(_ context.Context, vehicleID string) (*models.MonthlyVehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vehicles[vehicleID]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, pkgerrors.ErrMonthlyVehicleNotFound
}

func (r *fakeMonthlyRepo) GetActiveByLicensePlate(_ context.Context, licensePlate string) (*models.MonthlyVehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.vehicles {
		if v.LicensePlate == licensePlate && v.Status == models.MonthlyActive {
			cp := *v
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrMonthlyVehicleNotFound
}

func (r *fakeMonthlyRepo) Update(_ context.Context, v *models.MonthlyVehicle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.vehicles[v.VehicleID] = &cp
	return nil
}

func (r *fakeMonthlyRepo) NextVehicleID(_ context.Context, prefix string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s%03d", prefix, r.seq), nil
}

func (r *fakeMonthlyRepo) InsertPendingRegistration(_ context.Context, p *models.PendingRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = p.TransactionID
	}
	cp := *p
	r.registrations[p.TransactionID] = &cp
	return nil
}

func (r *fakeMonthlyRepo) GetPendingRegistrationByTransactionID(_ context.Context, transactionID string) (*models.PendingRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.registrations[transactionID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, pkgerrors.ErrPendingRegistrationMissing
}

func (r *fakeMonthlyRepo) DeletePendingRegistration(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.registrations {
		if p.ID == id {
			delete(r.registrations, key)
		}
	}
	return nil
}

func (r *fakeMonthlyRepo) InsertPendingRenewal(_ context.Context, p *models.PendingRenewal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = p.TransactionID
	}
	cp := *p
	r.renewals[p.TransactionID] = &cp
	return nil
}

func (r *fakeMonthlyRepo) GetPendingRenewalByTransactionID(_ context.Context, transactionID string) (*models.PendingRenewal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.renewals[transactionID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, pkgerrors.ErrPendingRenewalMissing
}

func (r *fakeMonthlyRepo) DeletePendingRenewal(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.renewals {
		if p.ID == id {
			delete(r.renewals, key)
		}
	}
	return nil
}

func newMonthlyFixture() (*monthlyService, *fakeMonthlyRepo, *fakeTransactionRepo) {
	monthlyRepo := newFakeMonthlyRepo()
	txRepo := newFakeTransactionRepo()
	transactions := NewTransactionService(txRepo, &fakeProducer{}, 30*time.Minute)
	payments := NewPaymentService(transactions, &stubGateway{}, &stubGateway{}, 15*time.Minute, time.Second)
	fees := NewFeeService(&fakeSettingsRepo{}, nil, defaultFees())
	return NewMonthlyService(monthlyRepo, fees, payments), monthlyRepo, txRepo
}

func TestRegisterMonthly(t *testing.T) {
	ctx := context.Background()

	t.Run("CashRegistrationCreatesPendingPair", func(t *testing.T) {
		svc, monthlyRepo, txRepo := newMonthlyFixture()
		result, err := svc.RegisterMonthly(ctx, RegisterMonthlyInput{
			LicensePlate:  "51A-12345",
			VehicleType:   models.VehicleCar,
			OwnerName:     "Nguyen Van A",
			Months:        3,
			PaymentMethod: models.MethodCash,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, result.Transaction.Status)
		assert.Equal(t, int64(4500000), result.Transaction.Amount)
		assert.Equal(t, models.TypeMonthlySubscription, result.Transaction.Type)

		pending, err := monthlyRepo.GetPendingRegistrationByTransactionID(ctx, result.Transaction.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, "51A-12345", pending.LicensePlate)

		_, err = txRepo.GetByTransactionID(ctx, result.Transaction.TransactionID)
		assert.NoError(t, err)
	})

	t.Run("RejectsActiveSubscription", func(t *testing.T) {
		svc, monthlyRepo, _ := newMonthlyFixture()
		require.NoError(t, monthlyRepo.Insert(ctx, &models.MonthlyVehicle{
			VehicleID:    "MC001",
			LicensePlate: "51A-12345",
			VehicleType:  models.VehicleCar,
			Status:       models.MonthlyActive,
		}))

		_, err := svc.RegisterMonthly(ctx, RegisterMonthlyInput{
			LicensePlate:  "51A-12345",
			VehicleType:   models.VehicleCar,
			OwnerName:     "Nguyen Van A",
			Months:        1,
			PaymentMethod: models.MethodCash,
		})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})
}

func TestActivateByTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("ActivatesRegistration", func(t *testing.T) {
		svc, monthlyRepo, _ := newMonthlyFixture()
		result, err := svc.RegisterMonthly(ctx, RegisterMonthlyInput{
			LicensePlate:  "51A-99999",
			VehicleType:   models.VehicleMotorbike,
			OwnerName:     "Tran B",
			Months:        2,
			PaymentMethod: models.MethodCash,
		})
		require.NoError(t, err)

		require.NoError(t, svc.ActivateByTransaction(ctx, result.Transaction.TransactionID, models.TypeMonthlySubscription))

		active, err := monthlyRepo.GetActiveByLicensePlate(ctx, "51A-99999")
		require.NoError(t, err)
		assert.Contains(t, active.VehicleID, "MM")
		assert.WithinDuration(t, time.Now().AddDate(0, 2, 0), active.PackageEnd, time.Minute)

		// Pending record is consumed.
		_, err = monthlyRepo.GetPendingRegistrationByTransactionID(ctx, result.Transaction.TransactionID)
		assert.ErrorIs(t, err, pkgerrors.ErrPendingRegistrationMissing)
	})

	t.Run("RedeliveryIsIdempotent", func(t *testing.T) {
		svc, monthlyRepo, _ := newMonthlyFixture()
		result, err := svc.RegisterMonthly(ctx, RegisterMonthlyInput{
			LicensePlate:  "51A-11111",
			VehicleType:   models.VehicleCar,
			OwnerName:     "Le C",
			Months:        1,
			PaymentMethod: models.MethodCash,
		})
		require.NoError(t, err)

		require.NoError(t, svc.ActivateByTransaction(ctx, result.Transaction.TransactionID, models.TypeMonthlySubscription))
		require.NoError(t, svc.ActivateByTransaction(ctx, result.Transaction.TransactionID, models.TypeMonthlySubscription))

		count := 0
		for _, v := range monthlyRepo.vehicles {
			if v.LicensePlate == "51A-11111" {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("RenewalExtendsPackage", func(t *testing.T) {
		svc, monthlyRepo, _ := newMonthlyFixture()
		end := time.Now().AddDate(0, 1, 0).UTC()
		require.NoError(t, monthlyRepo.Insert(ctx, &models.MonthlyVehicle{
			VehicleID:    "MC001",
			LicensePlate: "51A-22222",
			VehicleType:  models.VehicleCar,
			PackageEnd:   end,
			Status:       models.MonthlyActive,
		}))

		result, err := svc.RenewMonthly(ctx, RenewMonthlyInput{
			VehicleID:     "MC001",
			Months:        2,
			PaymentMethod: models.MethodCash,
		})
		require.NoError(t, err)
		assert.Equal(t, models.TypeMonthlyRenewal, result.Transaction.Type)
		assert.Equal(t, int64(3000000), result.Transaction.Amount)

		require.NoError(t, svc.ActivateByTransaction(ctx, result.Transaction.TransactionID, models.TypeMonthlyRenewal))

		renewed, err := monthlyRepo.GetByVehicleID(ctx, "MC001")
		require.NoError(t, err)
		assert.WithinDuration(t, end.AddDate(0, 2, 0), renewed.PackageEnd, time.Minute)
	})

	t.Run("ExpiredRenewalRestartsFromNow", func(t *testing.T) {
		svc, monthlyRepo, _ := newMonthlyFixture()
		require.NoError(t, monthlyRepo.Insert(ctx, &models.MonthlyVehicle{
			VehicleID:    "MC002",
			LicensePlate: "51A-33333",
			VehicleType:  models.VehicleCar,
			PackageEnd:   time.Now().AddDate(0, -1, 0).UTC(),
			Status:       models.MonthlyExpired,
		}))

		result, err := svc.RenewMonthly(ctx, RenewMonthlyInput{
			VehicleID:     "MC002",
			Months:        1,
			PaymentMethod: models.MethodCash,
		})
		require.NoError(t, err)
		require.NoError(t, svc.ActivateByTransaction(ctx, result.Transaction.TransactionID, models.TypeMonthlyRenewal))

		renewed, err := monthlyRepo.GetByVehicleID(ctx, "MC002")
		require.NoError(t, err)
		assert.Equal(t, models.MonthlyActive, renewed.Status)
		assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), renewed.PackageEnd, time.Minute)
	})
}
