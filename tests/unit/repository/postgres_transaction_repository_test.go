package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/quanghm/parkcore/internal/models"
	repository "github.com/quanghm/parkcore/internal/repository/postgres"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"github.com/stretchr/testify/assert"
)

var transactionColumns = []string{
	"id", "transaction_id", "idempotency_key", "vehicle_id", "amount",
	"type", "payment_method", "status", "timestamp", "expires_at",
	"description", "payment_details", "retry_count", "last_retry_at", "version", "updated_at",
}

func pendingTransaction() *models.Transaction {
	return &models.Transaction{
		TransactionID:  "TRX20260828120000ABCD1234",
		IdempotencyKey: "parking_C001_7f2a",
		VehicleID:      "C001",
		Amount:         30000,
		Type:           models.TypeParkingFee,
		PaymentMethod:  models.MethodWallet,
		Status:         models.StatusPending,
		Timestamp:      time.Now().UTC(),
	}
}

func TestPostgresTransactionRepository_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("NilTransaction", func(t *testing.T) {
		err := repo.Insert(ctx, nil)
		assert.ErrorIs(t, err, pkgerrors.ErrNilTransaction)
	})

	t.Run("InvalidType", func(t *testing.T) {
		tx := pendingTransaction()
		tx.Type = "invalid"
		err := repo.Insert(ctx, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionType)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		tx := pendingTransaction()
		tx.Status = "invalid"
		err := repo.Insert(ctx, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionStatus)
	})

	t.Run("InvalidPaymentMethod", func(t *testing.T) {
		tx := pendingTransaction()
		tx.PaymentMethod = "BARTER"
		err := repo.Insert(ctx, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidPaymentMethod)
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		tx := pendingTransaction()
		tx.Amount = -1
		err := repo.Insert(ctx, tx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "amount must be non-negative")
	})

	t.Run("Success", func(t *testing.T) {
		tx := pendingTransaction()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WithArgs(
				sqlmock.AnyArg(), tx.TransactionID, tx.IdempotencyKey, tx.VehicleID, tx.Amount,
				tx.Type, tx.PaymentMethod, tx.Status, tx.Timestamp, nil,
				tx.Description, sqlmock.AnyArg(), tx.RetryCount, nil, int64(1), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.Insert(ctx, tx)
		assert.NoError(t, err)
		assert.NotEmpty(t, tx.ID)
		assert.Equal(t, int64(1), tx.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateIdempotencyKey", func(t *testing.T) {
		tx := pendingTransaction()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Insert(ctx, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrDuplicateIdempotencyKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		tx := pendingTransaction()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WillReturnError(fmt.Errorf("database error"))

		err := repo.Insert(ctx, tx)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_CompareAndSwapUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("NilTransaction", func(t *testing.T) {
		err := repo.CompareAndSwapUpdate(ctx, nil, 1)
		assert.ErrorIs(t, err, pkgerrors.ErrNilTransaction)
	})

	t.Run("Success", func(t *testing.T) {
		tx := pendingTransaction()
		tx.ID = "3e6a1a2b-0000-0000-0000-000000000001"
		tx.Status = models.StatusCompleted
		tx.Version = 2

		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions`)).
			WithArgs(
				tx.Status, sqlmock.AnyArg(), tx.RetryCount, nil, nil,
				int64(2), sqlmock.AnyArg(), tx.ID, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.CompareAndSwapUpdate(ctx, tx, 1)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("VersionConflict", func(t *testing.T) {
		tx := pendingTransaction()
		tx.ID = "3e6a1a2b-0000-0000-0000-000000000002"
		tx.Status = models.StatusCompleted
		tx.Version = 2

		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
			WithArgs(tx.ID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := repo.CompareAndSwapUpdate(ctx, tx, 1)
		assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		tx := pendingTransaction()
		tx.ID = "3e6a1a2b-0000-0000-0000-000000000003"
		tx.Status = models.StatusTimeout
		tx.Version = 2

		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
			WithArgs(tx.ID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := repo.CompareAndSwapUpdate(ctx, tx, 1)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		tx := pendingTransaction()
		tx.ID = "3e6a1a2b-0000-0000-0000-000000000004"
		tx.Version = 2

		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions`)).
			WillReturnError(fmt.Errorf("database error"))

		err := repo.CompareAndSwapUpdate(ctx, tx, 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_GetByTransactionID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE transaction_id = $1`)).
			WithArgs("TRX1").
			WillReturnRows(sqlmock.NewRows(transactionColumns).AddRow(
				"id-1", "TRX1", "key-1", "C001", int64(30000),
				string(models.TypeParkingFee), string(models.MethodWallet), string(models.StatusPending), now, nil,
				"", []byte(`{"payment_url":"https://pay.example/1"}`), int32(0), nil, int64(1), now))

		tx, err := repo.GetByTransactionID(ctx, "TRX1")
		assert.NoError(t, err)
		assert.Equal(t, "TRX1", tx.TransactionID)
		assert.Equal(t, models.StatusPending, tx.Status)
		assert.Equal(t, "https://pay.example/1", tx.PaymentDetails.PaymentURL)
		assert.Nil(t, tx.ExpiresAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE transaction_id = $1`)).
			WithArgs("TRX404").
			WillReturnError(sql.ErrNoRows)

		tx, err := repo.GetByTransactionID(ctx, "TRX404")
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_GetByProviderTransactionID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`payment_details->>'provider_transaction_id' = $1`)).
			WithArgs("pi_123").
			WillReturnRows(sqlmock.NewRows(transactionColumns).AddRow(
				"id-2", "TRX2", "key-2", "C002", int64(60000),
				string(models.TypeParkingFee), string(models.MethodCard), string(models.StatusPending), now, now.Add(30*time.Minute),
				"", []byte(`{"provider_transaction_id":"pi_123"}`), int32(0), nil, int64(1), now))

		tx, err := repo.GetByProviderTransactionID(ctx, "pi_123")
		assert.NoError(t, err)
		assert.Equal(t, "TRX2", tx.TransactionID)
		assert.Equal(t, "pi_123", tx.PaymentDetails.ProviderTransactionID)
		assert.NotNil(t, tx.ExpiresAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_ListExpiredPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		expired := now.Add(-time.Minute)
		mock.ExpectQuery(regexp.QuoteMeta(`expires_at IS NOT NULL AND expires_at < $2`)).
			WithArgs(string(models.StatusPending), sqlmock.AnyArg(), 100).
			WillReturnRows(sqlmock.NewRows(transactionColumns).
				AddRow("id-3", "TRX3", "key-3", "M001", int64(10000),
					string(models.TypeParkingFee), string(models.MethodWallet), string(models.StatusPending), now.Add(-time.Hour), expired,
					"", []byte(`{}`), int32(0), nil, int64(1), now).
				AddRow("id-4", "TRX4", "key-4", "M002", int64(10000),
					string(models.TypeParkingFee), string(models.MethodCard), string(models.StatusPending), now.Add(-time.Hour), expired,
					"", []byte(`{}`), int32(0), nil, int64(1), now))

		txs, err := repo.ListExpiredPending(ctx, now, 100)
		assert.NoError(t, err)
		assert.Len(t, txs, 2)
		assert.Equal(t, "TRX3", txs[0].TransactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Empty", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`expires_at IS NOT NULL AND expires_at < $2`)).
			WillReturnRows(sqlmock.NewRows(transactionColumns))

		txs, err := repo.ListExpiredPending(ctx, time.Now().UTC(), 100)
		assert.NoError(t, err)
		assert.Empty(t, txs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
