package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quanghm/parkcore/internal/gateway"
	"github.com/quanghm/parkcore/internal/infrastructure/kafka"
	"github.com/quanghm/parkcore/internal/infrastructure/observability"
	"github.com/quanghm/parkcore/internal/models"
	"github.com/quanghm/parkcore/internal/repository"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// IntentPoller is the pull-side counterpart to webhooks for providers that
// expose payment state by reference id.
type IntentPoller interface {
	PollIntent(ctx context.Context, intentID string) (*gateway.VerifiedEvent, error)
}

// SessionCloser releases the payment session of a settled transaction.
type SessionCloser interface {
	DropSession(transactionID string)
}

// ReconciliationService ingests provider events and converges transaction
// state with what the provider reports. Signature verification happens before
// anything else; an unverifiable event mutates nothing. Everything after that
// is absorbed: duplicates, unknown references and late events are accepted so
// the provider stops retrying.
type ReconciliationService interface {
	HandleWalletEvent(ctx context.Context, rawPayload []byte) error
	HandleCardEvent(ctx context.Context, rawPayload []byte, signatureHeader string) error
	PollCardPayment(ctx context.Context, transactionID string) (*models.Transaction, error)
}

type reconciliationService struct {
	transactions    TransactionService
	transactionRepo repository.TransactionRepository
	walletGateway   gateway.PaymentGateway
	cardGateway     gateway.PaymentGateway
	cardPoller      IntentPoller
	sessions        SessionCloser
	kafkaProducer   kafka.KafkaProducer
	now             func() time.Time
}

func NewReconciliationService(
	transactions TransactionService,
	transactionRepo repository.TransactionRepository,
	walletGateway gateway.PaymentGateway,
	cardGateway gateway.PaymentGateway,
	cardPoller IntentPoller,
	sessions SessionCloser,
	kafkaProducer kafka.KafkaProducer,
) *reconciliationService {
	return &reconciliationService{
		transactions:    transactions,
		transactionRepo: transactionRepo,
		walletGateway:   walletGateway,
		cardGateway:     cardGateway,
		cardPoller:      cardPoller,
		sessions:        sessions,
		kafkaProducer:   kafkaProducer,
		now:             time.Now,
	}
}

func (s *reconciliationService) HandleWalletEvent(ctx context.Context, rawPayload []byte) error {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "HandleWalletEvent")
	defer span.End()

	event, err := s.walletGateway.VerifyEvent(rawPayload, "")
	if err != nil {
		observability.ReconciliationEvents.WithLabelValues("wallet", "rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "wallet event verification failed")
		return err
	}

	tx, err := s.resolveWalletTransaction(ctx, event)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
			observability.ReconciliationEvents.WithLabelValues("wallet", "no_match").Inc()
			slog.Warn("wallet event matches no transaction",
				"provider_reference_id", event.ProviderReferenceID)
			return nil
		}
		span.RecordError(err)
		return err
	}

	return s.apply(ctx, "wallet", tx, event)
}

func (s *reconciliationService) HandleCardEvent(ctx context.Context, rawPayload []byte, signatureHeader string) error {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "HandleCardEvent")
	defer span.End()

	event, err := s.cardGateway.VerifyEvent(rawPayload, signatureHeader)
	if err != nil {
		observability.ReconciliationEvents.WithLabelValues("card", "rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "card event verification failed")
		return err
	}

	// Event types outside the success/failure pair carry no state change.
	if event.Outcome == gateway.OutcomePending {
		slog.Info("ignoring non-terminal card event", "provider_reference_id", event.ProviderReferenceID)
		return nil
	}

	tx, err := s.resolveCardTransaction(ctx, event)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
			observability.ReconciliationEvents.WithLabelValues("card", "no_match").Inc()
			slog.Warn("card event matches no transaction",
				"provider_reference_id", event.ProviderReferenceID)
			return nil
		}
		span.RecordError(err)
		return err
	}

	return s.apply(ctx, "card", tx, event)
}

// PollCardPayment pulls the intent state for a card transaction whose
// webhook never arrived and applies whatever the provider reports.
func (s *reconciliationService) PollCardPayment(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciliation-service")
	ctx, span := tracer.Start(ctx, "PollCardPayment")
	defer span.End()

	tx, err := s.transactionRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if tx.PaymentMethod != models.MethodCard {
		return nil, fmt.Errorf("%w: not a card transaction", pkgerrors.ErrInvalidInput)
	}
	if tx.Status != models.StatusPending {
		return tx, nil
	}
	if tx.PaymentDetails.ProviderTransactionID == "" {
		slog.Warn("card transaction has no provider reference to poll", "transaction_id", transactionID)
		return tx, nil
	}

	event, err := s.cardPoller.PollIntent(ctx, tx.PaymentDetails.ProviderTransactionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intent poll failed")
		return nil, err
	}
	if event.Outcome == gateway.OutcomePending {
		return tx, nil
	}

	if err := s.apply(ctx, "card", tx, event); err != nil {
		return nil, err
	}
	return s.transactionRepo.GetByTransactionID(ctx, transactionID)
}

// resolveWalletTransaction: the wallet order id is our transaction id; the
// extraData echo is the fallback when the order id was mangled.
func (s *reconciliationService) resolveWalletTransaction(ctx context.Context, event *gateway.VerifiedEvent) (*models.Transaction, error) {
	tx, err := s.transactionRepo.GetByTransactionID(ctx, event.ProviderReferenceID)
	if err == nil {
		return tx, nil
	}
	if !stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		return nil, err
	}
	if extra := event.Metadata["extraData"]; extra != "" && extra != event.ProviderReferenceID {
		return s.transactionRepo.GetByTransactionID(ctx, extra)
	}
	return nil, err
}

// resolveCardTransaction: primary lookup is the stored intent id; the
// transactionId metadata covers intents created before the attach landed.
func (s *reconciliationService) resolveCardTransaction(ctx context.Context, event *gateway.VerifiedEvent) (*models.Transaction, error) {
	tx, err := s.transactionRepo.GetByProviderTransactionID(ctx, event.ProviderReferenceID)
	if err == nil {
		return tx, nil
	}
	if !stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		return nil, err
	}
	if id := event.Metadata["transactionId"]; id != "" {
		return s.transactionRepo.GetByTransactionID(ctx, id)
	}
	return nil, err
}

// apply drives the lifecycle transition and classifies the outcome. Stale and
// duplicate events return nil so the provider gets its acknowledgement; a
// concurrency conflict is alerted on but still acknowledged, because the
// provider retrying changes nothing about a contended row.
func (s *reconciliationService) apply(ctx context.Context, provider string, tx *models.Transaction, event *gateway.VerifiedEvent) error {
	var applied bool
	var err error

	switch event.Outcome {
	case gateway.OutcomeSuccess:
		_, applied, err = s.transactions.ApplyGatewaySuccess(ctx, tx, models.PaymentDetails{
			ProviderTransactionID: event.ProviderTransactionID,
			CardLast4:             event.CardLast4,
		})
	case gateway.OutcomeFailure:
		_, applied, err = s.transactions.ApplyGatewayFailure(ctx, tx, event.FailureReason)
	default:
		return nil
	}

	switch {
	case err == nil && applied:
		observability.ReconciliationEvents.WithLabelValues(provider, "applied").Inc()
		if s.sessions != nil {
			s.sessions.DropSession(tx.TransactionID)
		}
		return nil
	case err == nil:
		observability.ReconciliationEvents.WithLabelValues(provider, "duplicate").Inc()
		return nil
	case stderrors.Is(err, pkgerrors.ErrStaleTransition):
		observability.ReconciliationEvents.WithLabelValues(provider, "stale").Inc()
		slog.Warn("stale provider event ignored",
			"provider", provider,
			"transaction_id", tx.TransactionID,
			"outcome", event.Outcome)
		return nil
	case stderrors.Is(err, pkgerrors.ErrConcurrencyConflict):
		observability.ReconciliationEvents.WithLabelValues(provider, "conflict").Inc()
		s.publishConflictAlert(ctx, provider, tx, event)
		return nil
	default:
		slog.Error("failed to apply provider event",
			"provider", provider,
			"transaction_id", tx.TransactionID,
			"error", err)
		return err
	}
}

func (s *reconciliationService) publishConflictAlert(ctx context.Context, provider string, tx *models.Transaction, event *gateway.VerifiedEvent) {
	slog.Error("reconciliation conflict, manual review required",
		"provider", provider,
		"transaction_id", tx.TransactionID,
		"outcome", event.Outcome)
	if s.kafkaProducer == nil {
		return
	}
	alert := map[string]any{
		"alert_type":     "reconciliation_conflict",
		"provider":       provider,
		"transaction_id": tx.TransactionID,
		"outcome":        string(event.Outcome),
		"occurred_at":    s.now().UTC().Format(time.RFC3339),
	}
	alertBytes, err := json.Marshal(alert)
	if err != nil {
		slog.Error("failed to marshal conflict alert", "transaction_id", tx.TransactionID, "error", err)
		return
	}
	if err := s.kafkaProducer.Send(ctx, "alerts", tx.TransactionID, alertBytes); err != nil {
		slog.Error("failed to publish conflict alert", "transaction_id", tx.TransactionID, "error", err)
	}
}
