package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransactionRepo struct {
	mu     sync.Mutex
	byID   map[string]*models.Transaction
	nextID int

	// casFailures forces that many CompareAndSwapUpdate calls to report a
	// version conflict regardless of the actual version.
	casFailures int
}

func newFakeTransactionRepo() *fakeTransactionRepo {
	return &fakeTransactionRepo{byID: make(map[string]*models.Transaction)}
}

func (r *fakeTransactionRepo) Insert(_ context.Context, tx *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.IdempotencyKey == tx.IdempotencyKey {
			return pkgerrors.ErrDuplicateIdempotencyKey
		}
	}
	r.nextID++
	tx.ID = fmt.Sprintf("row-%d", r.nextID)
	if tx.Version == 0 {
		tx.Version = 1
	}
	stored := *tx
	r.byID[tx.ID] = &stored
	return nil
}

func (r *fakeTransactionRepo) GetByID(_ context.Context, id string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.byID[id]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (r *fakeTransactionRepo) GetByTransactionID(_ context.Context, transactionID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.byID {
		if tx.TransactionID == transactionID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (r *fakeTransactionRepo) GetByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.byID {
		if tx.IdempotencyKey == key {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (r *fakeTransactionRepo) GetByProviderTransactionID(_ context.Context, providerTxID string) (*models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.byID {
		if tx.PaymentDetails.ProviderTransactionID == providerTxID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, pkgerrors.ErrTransactionNotFound
}

func (r *fakeTransactionRepo) CompareAndSwapUpdate(_ context.Context, tx *models.Transaction, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.casFailures > 0 {
		r.casFailures--
		return pkgerrors.ErrVersionConflict
	}
	stored, ok := r.byID[tx.ID]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if stored.Version != expectedVersion {
		return pkgerrors.ErrVersionConflict
	}
	cp := *tx
	r.byID[tx.ID] = &cp
	return nil
}

func (r *fakeTransactionRepo) ListExpiredPending(_ context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transaction
	for _, tx := range r.byID {
		if tx.Status == models.StatusPending && tx.ExpiresAt != nil && tx.ExpiresAt.Before(cutoff) {
			out = append(out, *tx)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) ListByVehicleID(_ context.Context, vehicleID string) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transaction
	for _, tx := range r.byID {
		if tx.VehicleID == vehicleID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (r *fakeTransactionRepo) ListByDateRange(_ context.Context, from, to time.Time, filter repository.TransactionFilter) ([]models.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Transaction
	for _, tx := range r.byID {
		if tx.Timestamp.Before(from) || tx.Timestamp.After(to) {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.PaymentMethod != "" && tx.PaymentMethod != filter.PaymentMethod {
			continue
		}
		out = append(out, *tx)
	}
	return out, nil
}

// force rewrites the stored row directly, simulating a concurrent writer.
func (r *fakeTransactionRepo) force(id string, mutate func(*models.Transaction)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.byID[id])
}

type fakeProducer struct {
	mu     sync.Mutex
	events []string
}

func (p *fakeProducer) Send(_ context.Context, topic, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, topic)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.events {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestService(repo *fakeTransactionRepo) (*transactionService, *fakeProducer) {
	producer := &fakeProducer{}
	svc := NewTransactionService(repo, producer, 30*time.Minute)
	return svc, producer
}

func walletInput() CreatePendingInput {
	return CreatePendingInput{
		VehicleID:     "C001",
		Amount:        30000,
		Type:          models.TypeParkingFee,
		PaymentMethod: models.MethodWallet,
		Description:   "Parking fee C001",
	}
}

func TestCreatePending(t *testing.T) {
	ctx := context.Background()

	t.Run("GeneratesKeyAndDeadline", func(t *testing.T) {
		svc, _ := newTestService(newFakeTransactionRepo())
		tx, err := svc.CreatePending(ctx, walletInput())
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, tx.Status)
		assert.NotEmpty(t, tx.IdempotencyKey)
		assert.Contains(t, tx.TransactionID, "TRX")
		require.NotNil(t, tx.ExpiresAt)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), *tx.ExpiresAt, time.Minute)
	})

	t.Run("CashNeverExpires", func(t *testing.T) {
		svc, _ := newTestService(newFakeTransactionRepo())
		input := walletInput()
		input.PaymentMethod = models.MethodCash
		tx, err := svc.CreatePending(ctx, input)
		require.NoError(t, err)
		assert.Nil(t, tx.ExpiresAt)
	})

	t.Run("SameKeyReturnsExistingTransaction", func(t *testing.T) {
		svc, _ := newTestService(newFakeTransactionRepo())
		input := walletInput()
		input.IdempotencyKey = "parking_C001_retry"

		first, err := svc.CreatePending(ctx, input)
		require.NoError(t, err)
		second, err := svc.CreatePending(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, first.TransactionID, second.TransactionID)
	})

	t.Run("InvalidInput", func(t *testing.T) {
		svc, _ := newTestService(newFakeTransactionRepo())
		input := walletInput()
		input.VehicleID = ""
		_, err := svc.CreatePending(ctx, input)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)

		input = walletInput()
		input.Type = "invalid"
		_, err = svc.CreatePending(ctx, input)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionType)
	})
}

func TestApplyCashPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("CompletesPending", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		input := walletInput()
		input.PaymentMethod = models.MethodCash
		tx, err := svc.CreatePending(ctx, input)
		require.NoError(t, err)

		settled, err := svc.ApplyCashPayment(ctx, tx.TransactionID, "An")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, settled.Status)
		assert.Equal(t, "An", settled.PaymentDetails.CashierName)
		require.NotNil(t, settled.PaymentDetails.PaymentTime)
		assert.Equal(t, 1, producer.count("transactions"))
	})

	t.Run("SecondConfirmationRejected", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		input := walletInput()
		input.PaymentMethod = models.MethodCash
		tx, err := svc.CreatePending(ctx, input)
		require.NoError(t, err)

		_, err = svc.ApplyCashPayment(ctx, tx.TransactionID, "An")
		require.NoError(t, err)

		// The second cashier must not silently absorb into the first
		// settlement.
		_, err = svc.ApplyCashPayment(ctx, tx.TransactionID, "Binh")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidState)

		stored, err := repo.GetByTransactionID(ctx, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, stored.Status)
		assert.Equal(t, "An", stored.PaymentDetails.CashierName)
		assert.Equal(t, 1, producer.count("transactions"))
	})

	t.Run("RejectsFailedTransaction", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		input := walletInput()
		input.PaymentMethod = models.MethodCash
		tx, err := svc.CreatePending(ctx, input)
		require.NoError(t, err)
		repo.force(tx.ID, func(row *models.Transaction) {
			row.Status = models.StatusFailed
			row.Version = 2
		})

		_, err = svc.ApplyCashPayment(ctx, tx.TransactionID, "An")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidState)
	})
}

func TestApplyGatewaySuccess(t *testing.T) {
	ctx := context.Background()

	t.Run("CompletesPending", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		tx, err := svc.CreatePending(ctx, walletInput())
		require.NoError(t, err)

		updated, applied, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{ProviderTransactionID: "prov-1"})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.StatusCompleted, updated.Status)
		assert.Equal(t, "prov-1", updated.PaymentDetails.ProviderTransactionID)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, 1, producer.count("transactions"))
	})

	t.Run("DuplicateEventAbsorbed", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		completed, _, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		require.NoError(t, err)

		again, applied, err := svc.ApplyGatewaySuccess(ctx, completed, models.PaymentDetails{})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, models.StatusCompleted, again.Status)
		assert.Equal(t, 1, producer.count("transactions"))
	})

	t.Run("RetriesOnceAfterConflict", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		repo.casFailures = 1

		updated, applied, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.StatusCompleted, updated.Status)
		assert.Equal(t, int32(1), updated.RetryCount)
		assert.NotNil(t, updated.LastRetryAt)
	})

	t.Run("SecondConflictSurfaces", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		repo.casFailures = 2

		_, _, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		assert.ErrorIs(t, err, pkgerrors.ErrConcurrencyConflict)
	})

	t.Run("StaleCopyAgainstAlreadyCompletedRow", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		repo.force(tx.ID, func(row *models.Transaction) {
			row.Status = models.StatusCompleted
			row.Version = 2
		})

		// Stale PENDING copy: the CAS misses, the re-read sees COMPLETED and
		// the event collapses into a duplicate.
		_, applied, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 0, producer.count("transactions"))
	})
}

func TestApplyGatewayFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("FailsPending", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())

		updated, applied, err := svc.ApplyGatewayFailure(ctx, tx, "insufficient balance")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.StatusFailed, updated.Status)
		assert.Equal(t, "insufficient balance", updated.PaymentDetails.FailureReason)
	})

	t.Run("SuccessWinsOverLateFailure", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		completed, _, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		require.NoError(t, err)

		_, applied, err := svc.ApplyGatewayFailure(ctx, completed, "late decline")
		assert.ErrorIs(t, err, pkgerrors.ErrStaleTransition)
		assert.False(t, applied)

		current, err := svc.GetByTransactionID(ctx, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, current.Status)
	})
}

func TestExpirePending(t *testing.T) {
	ctx := context.Background()

	t.Run("ExpiresPending", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())

		applied, err := svc.ExpirePending(ctx, tx)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 1, producer.count("transactions"))
	})

	t.Run("PaymentWinsTheRace", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		repo.force(tx.ID, func(row *models.Transaction) {
			row.Status = models.StatusCompleted
			row.Version = 2
		})

		applied, err := svc.ExpirePending(ctx, tx)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 0, producer.count("transactions"))

		current, err := svc.GetByTransactionID(ctx, tx.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, current.Status)
	})

	t.Run("AlreadyExpiredIsNoOp", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		applied, err := svc.ExpirePending(ctx, tx)
		require.NoError(t, err)
		require.True(t, applied)

		current, err := svc.GetByTransactionID(ctx, tx.TransactionID)
		require.NoError(t, err)
		applied, err = svc.ExpirePending(ctx, current)
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestApplyRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("RefundsCompleted", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, producer := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		_, _, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		require.NoError(t, err)

		refunded, err := svc.ApplyRefund(ctx, tx.TransactionID, "REF-42")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRefunded, refunded.Status)
		assert.Equal(t, "REF-42", refunded.PaymentDetails.Reference)
		assert.Equal(t, 2, producer.count("transactions"))
	})

	t.Run("RefundRequiresCompleted", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())

		_, err := svc.ApplyRefund(ctx, tx.TransactionID, "REF-43")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidState)
	})

	t.Run("RefundingRefundedIsStale", func(t *testing.T) {
		repo := newFakeTransactionRepo()
		svc, _ := newTestService(repo)
		tx, _ := svc.CreatePending(ctx, walletInput())
		_, _, err := svc.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{})
		require.NoError(t, err)
		_, err = svc.ApplyRefund(ctx, tx.TransactionID, "REF-44")
		require.NoError(t, err)

		again, err := svc.ApplyRefund(ctx, tx.TransactionID, "REF-45")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRefunded, again.Status)
		assert.Equal(t, "REF-44", again.PaymentDetails.Reference)
	})
}

func TestRevenue(t *testing.T) {
	ctx := context.Background()
	repo := newFakeTransactionRepo()
	svc, _ := newTestService(repo)

	tx1, _ := svc.CreatePending(ctx, walletInput())
	_, _, err := svc.ApplyGatewaySuccess(ctx, tx1, models.PaymentDetails{})
	require.NoError(t, err)

	input := walletInput()
	input.VehicleID = "M001"
	input.Amount = 10000
	input.PaymentMethod = models.MethodCash
	tx2, _ := svc.CreatePending(ctx, input)
	_, err = svc.ApplyCashPayment(ctx, tx2.TransactionID, "An")
	require.NoError(t, err)

	// Still pending, must not count.
	_, err = svc.CreatePending(ctx, CreatePendingInput{
		VehicleID: "C002", Amount: 99999, Type: models.TypeParkingFee, PaymentMethod: models.MethodWallet,
	})
	require.NoError(t, err)

	report, err := svc.Revenue(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(40000), report.Total)
	assert.Equal(t, 2, report.Count)
	assert.Equal(t, int64(30000), report.ByMethod[models.MethodWallet])
	assert.Equal(t, int64(10000), report.ByMethod[models.MethodCash])
}
