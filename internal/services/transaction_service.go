package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/quanghm/parkcore/internal/infrastructure/kafka"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// CreatePendingInput describes a new payment attempt. When IdempotencyKey is
// empty the service generates one, which makes the attempt unique; callers
// that need retry-safety must supply their own key.
type CreatePendingInput struct {
	VehicleID      string
	Amount         int64
	Type           models.TransactionType
	PaymentMethod  models.PaymentMethod
	Description    string
	IdempotencyKey string
}

// RevenueReport aggregates completed transactions over a window.
type RevenueReport struct {
	From     time.Time                        `json:"from"`
	To       time.Time                        `json:"to"`
	Total    int64                            `json:"total"`
	Count    int                              `json:"count"`
	ByMethod map[models.PaymentMethod]int64   `json:"by_method"`
	ByType   map[models.TransactionType]int64 `json:"by_type"`
}

// TransactionService owns every status transition. All writes go through the
// versioned compare-and-swap; a conflicting writer gets exactly one retry
// against fresh state before the conflict surfaces.
type TransactionService interface {
	CreatePending(ctx context.Context, input CreatePendingInput) (*models.Transaction, error)
	AttachProviderArtifact(ctx context.Context, tx *models.Transaction, details models.PaymentDetails) (*models.Transaction, error)
	ApplyCashPayment(ctx context.Context, transactionID, cashierName string) (*models.Transaction, error)
	ApplyGatewaySuccess(ctx context.Context, tx *models.Transaction, details models.PaymentDetails) (*models.Transaction, bool, error)
	ApplyGatewayFailure(ctx context.Context, tx *models.Transaction, reason string) (*models.Transaction, bool, error)
	ExpirePending(ctx context.Context, tx *models.Transaction) (bool, error)
	ApplyRefund(ctx context.Context, transactionID, reference string) (*models.Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	ListByVehicle(ctx context.Context, vehicleID string) ([]models.Transaction, error)
	Revenue(ctx context.Context, from, to time.Time) (*RevenueReport, error)
}

type transactionService struct {
	transactionRepo repository.TransactionRepository
	kafkaProducer   kafka.KafkaProducer
	timeout         time.Duration
	now             func() time.Time
}

func NewTransactionService(
	transactionRepo repository.TransactionRepository,
	kafkaProducer kafka.KafkaProducer,
	timeout time.Duration,
) *transactionService {
	return &transactionService{
		transactionRepo: transactionRepo,
		kafkaProducer:   kafkaProducer,
		timeout:         timeout,
		now:             time.Now,
	}
}

func newTransactionID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("TRX%s%s", now.UTC().Format("20060102150405"), suffix)
}

func keyPurpose(t models.TransactionType) string {
	switch t {
	case models.TypeMonthlySubscription:
		return "monthly"
	case models.TypeMonthlyRenewal:
		return "renewal"
	default:
		return "parking"
	}
}

func (s *transactionService) CreatePending(ctx context.Context, input CreatePendingInput) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "CreatePending")
	defer span.End()

	if input.VehicleID == "" || input.Amount < 0 {
		span.SetStatus(codes.Error, "invalid input")
		return nil, pkgerrors.ErrInvalidInput
	}
	if !input.Type.Valid() {
		span.SetStatus(codes.Error, "invalid transaction type")
		return nil, pkgerrors.ErrInvalidTransactionType
	}
	if !input.PaymentMethod.Valid() {
		span.SetStatus(codes.Error, "invalid payment method")
		return nil, pkgerrors.ErrInvalidPaymentMethod
	}

	key := input.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s_%s_%s", keyPurpose(input.Type), input.VehicleID, uuid.New().String())
	} else {
		existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, key)
		if err == nil {
			slog.Info("returning existing transaction for idempotency key",
				"idempotency_key", key,
				"transaction_id", existing.TransactionID,
				"status", existing.Status)
			return existing, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "idempotency lookup failed")
			return nil, err
		}
	}

	now := s.now().UTC()
	tx := &models.Transaction{
		TransactionID:  newTransactionID(now),
		IdempotencyKey: key,
		VehicleID:      input.VehicleID,
		Amount:         input.Amount,
		Type:           input.Type,
		PaymentMethod:  input.PaymentMethod,
		Status:         models.StatusPending,
		Timestamp:      now,
		Description:    input.Description,
	}
	// Cash is settled at the counter and never expires; gateway flows get a
	// deadline so abandoned payments are swept to TIMEOUT.
	if input.PaymentMethod != models.MethodCash {
		expires := now.Add(s.timeout)
		tx.ExpiresAt = &expires
	}

	if err := s.transactionRepo.Insert(ctx, tx); err != nil {
		if stderrors.Is(err, pkgerrors.ErrDuplicateIdempotencyKey) {
			existing, getErr := s.transactionRepo.GetByIdempotencyKey(ctx, key)
			if getErr != nil {
				span.RecordError(getErr)
				span.SetStatus(codes.Error, "duplicate key re-read failed")
				return nil, getErr
			}
			slog.Info("insert raced with duplicate idempotency key",
				"idempotency_key", key,
				"transaction_id", existing.TransactionID)
			return existing, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}

	slog.Info("pending transaction created",
		"transaction_id", tx.TransactionID,
		"vehicle_id", tx.VehicleID,
		"amount", tx.Amount,
		"type", tx.Type,
		"payment_method", tx.PaymentMethod)
	return tx, nil
}

// applyTransition moves tx to target through the versioned CAS. Returns the
// persisted row and whether this call performed the transition; a transaction
// already in the target state is a duplicate and reports applied=false with
// no error. One version conflict is absorbed by re-reading and retrying; a
// second surfaces as ErrConcurrencyConflict.
func (s *transactionService) applyTransition(ctx context.Context, tx *models.Transaction, target models.StatusType, mutate func(*models.Transaction)) (*models.Transaction, bool, error) {
	cur := tx
	for attempt := 0; ; attempt++ {
		if cur.Status == target {
			slog.Info("transition already applied",
				"transaction_id", cur.TransactionID,
				"status", cur.Status)
			return cur, false, nil
		}
		if !cur.Status.CanTransitionTo(target) {
			if cur.Status.Terminal() {
				return cur, false, fmt.Errorf("%w: %s -> %s", pkgerrors.ErrStaleTransition, cur.Status, target)
			}
			return cur, false, fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidState, cur.Status, target)
		}

		next := *cur
		next.Status = target
		if mutate != nil {
			mutate(&next)
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		if attempt > 0 {
			next.RetryCount = cur.RetryCount + 1
			retriedAt := next.UpdatedAt
			next.LastRetryAt = &retriedAt
		}

		err := s.transactionRepo.CompareAndSwapUpdate(ctx, &next, cur.Version)
		if err == nil {
			return &next, true, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrVersionConflict) {
			return nil, false, err
		}
		if attempt >= 1 {
			slog.Warn("transition retry budget exhausted",
				"transaction_id", cur.TransactionID,
				"target", target)
			return nil, false, fmt.Errorf("%w: %s", pkgerrors.ErrConcurrencyConflict, cur.TransactionID)
		}

		reread, rerr := s.transactionRepo.GetByID(ctx, cur.ID)
		if rerr != nil {
			return nil, false, rerr
		}
		slog.Info("version conflict, retrying against fresh state",
			"transaction_id", cur.TransactionID,
			"stale_version", cur.Version,
			"fresh_version", reread.Version)
		cur = reread
	}
}

// AttachProviderArtifact stores the gateway's reference and payment URL on a
// still-pending transaction. If the transaction left PENDING in the meantime
// the artifact is obsolete and the current row is returned untouched.
func (s *transactionService) AttachProviderArtifact(ctx context.Context, tx *models.Transaction, details models.PaymentDetails) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "AttachProviderArtifact")
	defer span.End()

	cur := tx
	for attempt := 0; ; attempt++ {
		if cur.Status != models.StatusPending {
			return cur, nil
		}
		next := *cur
		if details.ProviderTransactionID != "" {
			next.PaymentDetails.ProviderTransactionID = details.ProviderTransactionID
		}
		if details.PaymentURL != "" {
			next.PaymentDetails.PaymentURL = details.PaymentURL
		}
		if details.Reference != "" {
			next.PaymentDetails.Reference = details.Reference
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()

		err := s.transactionRepo.CompareAndSwapUpdate(ctx, &next, cur.Version)
		if err == nil {
			return &next, nil
		}
		if !stderrors.Is(err, pkgerrors.ErrVersionConflict) || attempt >= 1 {
			span.RecordError(err)
			span.SetStatus(codes.Error, "artifact attach failed")
			return nil, err
		}
		reread, rerr := s.transactionRepo.GetByID(ctx, cur.ID)
		if rerr != nil {
			return nil, rerr
		}
		cur = reread
	}
}

func (s *transactionService) ApplyCashPayment(ctx context.Context, transactionID, cashierName string) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ApplyCashPayment")
	defer span.End()

	tx, err := s.transactionRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction lookup failed")
		return nil, err
	}

	// Cash settlement is a synchronous counter operation, not an
	// at-least-once delivery: a repeated confirmation is a caller bug and is
	// rejected rather than absorbed the way duplicate webhooks are.
	if tx.Status != models.StatusPending {
		span.SetStatus(codes.Error, "transaction not pending")
		return nil, fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidState, tx.Status, models.StatusCompleted)
	}

	now := s.now().UTC()
	updated, applied, err := s.applyTransition(ctx, tx, models.StatusCompleted, func(t *models.Transaction) {
		t.PaymentDetails.CashierName = cashierName
		t.PaymentDetails.PaymentTime = &now
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cash completion failed")
		return nil, err
	}
	if !applied {
		// A concurrent writer completed the row between the read and the CAS.
		return nil, fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidState, updated.Status, models.StatusCompleted)
	}
	s.publishLifecycleEvent(ctx, updated, "transaction_completed")
	slog.Info("cash payment completed",
		"transaction_id", updated.TransactionID,
		"cashier", cashierName,
		"amount", updated.Amount)
	return updated, nil
}

// ApplyGatewaySuccess marks a pending transaction COMPLETED from a verified
// provider success event. A transaction already COMPLETED absorbs the
// duplicate; any other terminal state means the event arrived too late.
func (s *transactionService) ApplyGatewaySuccess(ctx context.Context, tx *models.Transaction, details models.PaymentDetails) (*models.Transaction, bool, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ApplyGatewaySuccess")
	defer span.End()

	now := s.now().UTC()
	updated, applied, err := s.applyTransition(ctx, tx, models.StatusCompleted, func(t *models.Transaction) {
		if details.ProviderTransactionID != "" {
			t.PaymentDetails.ProviderTransactionID = details.ProviderTransactionID
		}
		if details.CardLast4 != "" {
			t.PaymentDetails.CardLast4 = details.CardLast4
		}
		t.PaymentDetails.PaymentTime = &now
		t.PaymentDetails.FailureReason = ""
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway success apply failed")
		return updated, false, err
	}
	if applied {
		s.publishLifecycleEvent(ctx, updated, "transaction_completed")
		slog.Info("gateway payment completed",
			"transaction_id", updated.TransactionID,
			"provider_transaction_id", updated.PaymentDetails.ProviderTransactionID)
	}
	return updated, applied, nil
}

// ApplyGatewayFailure marks a pending transaction FAILED. A success that
// already landed wins: failure events against COMPLETED are stale, never
// applied.
func (s *transactionService) ApplyGatewayFailure(ctx context.Context, tx *models.Transaction, reason string) (*models.Transaction, bool, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ApplyGatewayFailure")
	defer span.End()

	updated, applied, err := s.applyTransition(ctx, tx, models.StatusFailed, func(t *models.Transaction) {
		t.PaymentDetails.FailureReason = reason
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway failure apply failed")
		return updated, false, err
	}
	if applied {
		s.publishLifecycleEvent(ctx, updated, "transaction_failed")
		slog.Info("gateway payment failed",
			"transaction_id", updated.TransactionID,
			"reason", reason)
	}
	return updated, applied, nil
}

// ExpirePending moves a pending transaction to TIMEOUT. A transaction that
// completed, failed or expired since it was listed is skipped silently; the
// sweep must never fight a concurrent payment.
func (s *transactionService) ExpirePending(ctx context.Context, tx *models.Transaction) (bool, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ExpirePending")
	defer span.End()

	updated, applied, err := s.applyTransition(ctx, tx, models.StatusTimeout, nil)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrStaleTransition) {
			return false, nil
		}
		if stderrors.Is(err, pkgerrors.ErrConcurrencyConflict) {
			// Another writer is racing this row right now; it is either
			// completing or already expired. The next sweep settles it.
			slog.Info("expiry lost the race, skipping", "transaction_id", tx.TransactionID)
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "expiry failed")
		return false, err
	}
	if applied {
		s.publishLifecycleEvent(ctx, updated, "transaction_expired")
		slog.Info("pending transaction expired", "transaction_id", updated.TransactionID)
	}
	return applied, nil
}

func (s *transactionService) ApplyRefund(ctx context.Context, transactionID, reference string) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ApplyRefund")
	defer span.End()

	tx, err := s.transactionRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction lookup failed")
		return nil, err
	}

	updated, applied, err := s.applyTransition(ctx, tx, models.StatusRefunded, func(t *models.Transaction) {
		t.PaymentDetails.Reference = reference
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return nil, err
	}
	if applied {
		s.publishLifecycleEvent(ctx, updated, "transaction_refunded")
		slog.Info("transaction refunded",
			"transaction_id", updated.TransactionID,
			"amount", updated.Amount,
			"reference", reference)
	}
	return updated, nil
}

func (s *transactionService) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "GetByTransactionID")
	defer span.End()

	return s.transactionRepo.GetByTransactionID(ctx, transactionID)
}

func (s *transactionService) ListByVehicle(ctx context.Context, vehicleID string) ([]models.Transaction, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "ListByVehicle")
	defer span.End()

	txs, err := s.transactionRepo.ListByVehicleID(ctx, vehicleID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	slog.Info("transaction history retrieved", "vehicle_id", vehicleID, "count", len(txs))
	return txs, nil
}

func (s *transactionService) Revenue(ctx context.Context, from, to time.Time) (*RevenueReport, error) {
	tracer := otel.Tracer("transaction-service")
	ctx, span := tracer.Start(ctx, "Revenue")
	defer span.End()

	txs, err := s.transactionRepo.ListByDateRange(ctx, from, to, repository.TransactionFilter{
		Status: models.StatusCompleted,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "revenue query failed")
		return nil, err
	}

	report := &RevenueReport{
		From:     from,
		To:       to,
		ByMethod: make(map[models.PaymentMethod]int64),
		ByType:   make(map[models.TransactionType]int64),
	}
	for _, tx := range txs {
		report.Total += tx.Amount
		report.Count++
		report.ByMethod[tx.PaymentMethod] += tx.Amount
		report.ByType[tx.Type] += tx.Amount
	}

	slog.Info("revenue report built", "from", from, "to", to, "total", report.Total, "count", report.Count)
	return report, nil
}

// publishLifecycleEvent emits the terminal-state event. Delivery is best
// effort: the transition is already committed and must not be rolled back by
// a broker hiccup.
func (s *transactionService) publishLifecycleEvent(ctx context.Context, tx *models.Transaction, eventType string) {
	if s.kafkaProducer == nil {
		return
	}
	event := kafka.LifecycleEvent{
		EventType:     eventType,
		TransactionID: tx.TransactionID,
		VehicleID:     tx.VehicleID,
		Amount:        tx.Amount,
		Type:          string(tx.Type),
		PaymentMethod: string(tx.PaymentMethod),
		Status:        string(tx.Status),
		OccurredAt:    s.now().UTC().Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal lifecycle event", "transaction_id", tx.TransactionID, "error", err)
		return
	}
	if err := s.kafkaProducer.Send(ctx, "transactions", tx.TransactionID, eventBytes); err != nil {
		slog.Error("failed to publish lifecycle event",
			"transaction_id", tx.TransactionID,
			"event_type", eventType,
			"error", err)
	}
}
