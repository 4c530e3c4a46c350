package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/quanghm/parkcore/internal/infrastructure/observability"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const uniqueViolation = "23505"

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

// finish records the span outcome and repository metrics for one call.
func finish(span trace.Span, method string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	observability.RepositoryCalls.WithLabelValues(method, status).Inc()
	observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	span.End()
}

const transactionColumns = `id, transaction_id, idempotency_key, vehicle_id, amount, type, payment_method, status, timestamp, expires_at, description, payment_details, retry_count, last_retry_at, version, updated_at`

func (r *PostgresTransactionRepository) Insert(ctx context.Context, tx *models.Transaction) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "InsertTransaction")
	defer finish(span, "InsertTransaction", time.Now(), &err)

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}
	if !tx.Type.Valid() {
		err = pkgerrors.ErrInvalidTransactionType
		slog.Error("invalid transaction type", "method", "Insert", "type", tx.Type)
		return err
	}
	if !tx.Status.Valid() {
		err = pkgerrors.ErrInvalidTransactionStatus
		slog.Error("invalid transaction status", "method", "Insert", "status", tx.Status)
		return err
	}
	if !tx.PaymentMethod.Valid() {
		err = pkgerrors.ErrInvalidPaymentMethod
		slog.Error("invalid payment method", "method", "Insert", "payment_method", tx.PaymentMethod)
		return err
	}
	if tx.Amount < 0 {
		err = fmt.Errorf("amount must be non-negative")
		slog.Error("amount must be non-negative", "method", "Insert", "amount", tx.Amount)
		return err
	}

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Version == 0 {
		tx.Version = 1
	}
	tx.UpdatedAt = time.Now().UTC()

	span.SetAttributes(
		attribute.String("transaction_id", tx.TransactionID),
		attribute.String("vehicle_id", tx.VehicleID),
		attribute.Int64("amount", tx.Amount),
		attribute.String("type", string(tx.Type)),
		attribute.String("payment_method", string(tx.PaymentMethod)),
		attribute.String("status", string(tx.Status)),
	)

	details, err := json.Marshal(tx.PaymentDetails)
	if err != nil {
		slog.Error("failed to marshal payment details", "method", "Insert", "transaction_id", tx.TransactionID, "error", err)
		return fmt.Errorf("failed to marshal payment details: %w", err)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = r.db.ExecContext(ctx, query,
		tx.ID, tx.TransactionID, tx.IdempotencyKey, tx.VehicleID, tx.Amount,
		tx.Type, tx.PaymentMethod, tx.Status, tx.Timestamp, tx.ExpiresAt,
		tx.Description, details, tx.RetryCount, tx.LastRetryAt, tx.Version, tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			err = pkgerrors.ErrDuplicateIdempotencyKey
			slog.Info("duplicate idempotency key on insert", "method", "Insert", "idempotency_key", tx.IdempotencyKey)
			return err
		}
		slog.Error("failed to insert transaction", "method", "Insert", "transaction_id", tx.TransactionID, "error", err)
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	slog.Info("transaction inserted", "method", "Insert", "id", tx.ID, "transaction_id", tx.TransactionID, "status", tx.Status)
	return nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByID")
	span.SetAttributes(attribute.String("id", id))
	defer finish(span, "GetTransactionByID", time.Now(), &err)

	tx, err := r.scanOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return tx, err
}

func (r *PostgresTransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByTransactionID")
	span.SetAttributes(attribute.String("transaction_id", transactionID))
	defer finish(span, "GetTransactionByTransactionID", time.Now(), &err)

	tx, err := r.scanOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	return tx, err
}

func (r *PostgresTransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByIdempotencyKey")
	defer finish(span, "GetTransactionByIdempotencyKey", time.Now(), &err)

	tx, err := r.scanOne(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	return tx, err
}

func (r *PostgresTransactionRepository) GetByProviderTransactionID(ctx context.Context, providerTxID string) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByProviderTransactionID")
	defer finish(span, "GetTransactionByProviderTransactionID", time.Now(), &err)

	tx, err := r.scanOne(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE payment_details->>'provider_transaction_id' = $1`,
		providerTxID)
	return tx, err
}

// CompareAndSwapUpdate persists tx conditioned on the stored version still
// being expectedVersion. The row's version is bumped to tx.Version, which the
// caller must have already incremented.
func (r *PostgresTransactionRepository) CompareAndSwapUpdate(ctx context.Context, tx *models.Transaction, expectedVersion int64) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CompareAndSwapUpdate")
	defer finish(span, "CompareAndSwapUpdate", time.Now(), &err)

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}
	span.SetAttributes(
		attribute.String("id", tx.ID),
		attribute.String("status", string(tx.Status)),
		attribute.Int64("expected_version", expectedVersion),
	)

	details, err := json.Marshal(tx.PaymentDetails)
	if err != nil {
		slog.Error("failed to marshal payment details", "method", "CompareAndSwapUpdate", "id", tx.ID, "error", err)
		return fmt.Errorf("failed to marshal payment details: %w", err)
	}

	tx.UpdatedAt = time.Now().UTC()
	query := `UPDATE transactions
		SET status = $1, payment_details = $2, retry_count = $3, last_retry_at = $4, expires_at = $5, version = $6, updated_at = $7
		WHERE id = $8 AND version = $9`
	res, err := r.db.ExecContext(ctx, query,
		tx.Status, details, tx.RetryCount, tx.LastRetryAt, tx.ExpiresAt,
		tx.Version, tx.UpdatedAt, tx.ID, expectedVersion)
	if err != nil {
		slog.Error("failed to update transaction", "method", "CompareAndSwapUpdate", "id", tx.ID, "error", err)
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		slog.Error("failed to read rows affected", "method", "CompareAndSwapUpdate", "id", tx.ID, "error", err)
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Either the version moved underneath us or the row does not exist.
		var exists bool
		if checkErr := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, tx.ID).Scan(&exists); checkErr != nil {
			slog.Error("failed to check transaction existence", "method", "CompareAndSwapUpdate", "id", tx.ID, "error", checkErr)
			err = fmt.Errorf("failed to check transaction existence: %w", checkErr)
			return err
		}
		if !exists {
			err = pkgerrors.ErrTransactionNotFound
			return err
		}
		err = pkgerrors.ErrVersionConflict
		slog.Warn("version conflict on transaction update", "method", "CompareAndSwapUpdate", "id", tx.ID, "expected_version", expectedVersion)
		return err
	}

	slog.Info("transaction updated", "method", "CompareAndSwapUpdate", "id", tx.ID, "status", tx.Status, "version", tx.Version)
	return nil
}

func (r *PostgresTransactionRepository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListExpiredPending")
	defer finish(span, "ListExpiredPending", time.Now(), &err)

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at ASC LIMIT $3`
	txs, err := r.scanMany(ctx, query, models.StatusPending, cutoff, limit)
	return txs, err
}

func (r *PostgresTransactionRepository) ListByVehicleID(ctx context.Context, vehicleID string) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListTransactionsByVehicleID")
	defer finish(span, "ListTransactionsByVehicleID", time.Now(), &err)

	txs, err := r.scanMany(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE vehicle_id = $1 ORDER BY timestamp DESC`,
		vehicleID)
	return txs, err
}

func (r *PostgresTransactionRepository) ListByDateRange(ctx context.Context, from, to time.Time, filter repository.TransactionFilter) ([]models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "ListTransactionsByDateRange")
	defer finish(span, "ListTransactionsByDateRange", time.Now(), &err)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE timestamp >= $1 AND timestamp <= $2`
	args := []any{from, to}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.PaymentMethod != "" {
		args = append(args, filter.PaymentMethod)
		query += fmt.Sprintf(" AND payment_method = $%d", len(args))
	}
	if len(filter.Types) > 0 {
		args = append(args, pq.Array(typeStrings(filter.Types)))
		query += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	query += " ORDER BY timestamp ASC"

	txs, err := r.scanMany(ctx, query, args...)
	return txs, err
}

func typeStrings(types []models.TransactionType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func (r *PostgresTransactionRepository) scanOne(ctx context.Context, query string, args ...any) (*models.Transaction, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	tx, err := scanTransaction(row.Scan)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) scanMany(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(scan func(...any) error) (*models.Transaction, error) {
	var tx models.Transaction
	var details []byte
	var expiresAt, lastRetryAt sql.NullTime
	err := scan(
		&tx.ID, &tx.TransactionID, &tx.IdempotencyKey, &tx.VehicleID, &tx.Amount,
		&tx.Type, &tx.PaymentMethod, &tx.Status, &tx.Timestamp, &expiresAt,
		&tx.Description, &details, &tx.RetryCount, &lastRetryAt, &tx.Version, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		tx.ExpiresAt = &t
	}
	if lastRetryAt.Valid {
		t := lastRetryAt.Time
		tx.LastRetryAt = &t
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &tx.PaymentDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment details: %w", err)
		}
	}
	return &tx, nil
}
