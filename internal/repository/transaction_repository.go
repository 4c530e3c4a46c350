package repository

import (
	"context"
	"time"

	"github.com/quanghm/parkcore/internal/models"
)

// TransactionFilter narrows ListByDateRange for the reporting surface.
type TransactionFilter struct {
	Status        models.StatusType
	PaymentMethod models.PaymentMethod
	Types         []models.TransactionType
}

// TransactionRepository is the transaction store contract. Insert fails with
// ErrDuplicateIdempotencyKey when the unique index on idempotency_key is hit;
// CompareAndSwapUpdate fails with ErrVersionConflict when the row was mutated
// since the read it is based on. Rows are never deleted.
type TransactionRepository interface {
	Insert(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetByProviderTransactionID(ctx context.Context, providerTxID string) (*models.Transaction, error)
	CompareAndSwapUpdate(ctx context.Context, tx *models.Transaction, expectedVersion int64) error
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error)
	ListByVehicleID(ctx context.Context, vehicleID string) ([]models.Transaction, error)
	ListByDateRange(ctx context.Context, from, to time.Time, filter TransactionFilter) ([]models.Transaction, error)
}
