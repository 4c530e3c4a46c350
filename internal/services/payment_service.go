package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quanghm/parkcore/internal/gateway"
	"github.com/quanghm/parkcore/internal/models"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// PaymentSession tracks an in-flight gateway payment so the client can
// re-fetch its artifact (payment URL, client secret) without creating a new
// attempt. Sessions are advisory; the transaction row stays the source of
// truth.
type PaymentSession struct {
	TransactionID string
	Method        models.PaymentMethod
	Artifact      gateway.PaymentArtifact
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]PaymentSession
	ttl      time.Duration
}

func newSessionRegistry(ttl time.Duration) *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]PaymentSession),
		ttl:      ttl,
	}
}

func (r *sessionRegistry) put(s PaymentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	r.sessions[s.TransactionID] = s
}

func (r *sessionRegistry) get(transactionID string) (PaymentSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[transactionID]
	if !ok || time.Now().After(s.ExpiresAt) {
		delete(r.sessions, transactionID)
		return PaymentSession{}, false
	}
	return s, true
}

func (r *sessionRegistry) drop(transactionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, transactionID)
}

// prune is called under lock.
func (r *sessionRegistry) prune() {
	now := time.Now()
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt) {
			delete(r.sessions, id)
		}
	}
}

// PaymentService fronts payment creation: it creates the pending
// transaction, obtains the provider artifact for gateway methods and hands
// cash settlement through to the lifecycle engine.
type PaymentService interface {
	InitiateCashPayment(ctx context.Context, input CreatePendingInput) (*models.Transaction, error)
	SettleCashPayment(ctx context.Context, transactionID, cashierName string) (*models.Transaction, error)
	InitiateGatewayPayment(ctx context.Context, input CreatePendingInput) (*models.Transaction, *gateway.PaymentArtifact, error)
	Session(transactionID string) (PaymentSession, bool)
	DropSession(transactionID string)
}

type paymentService struct {
	transactions   TransactionService
	walletGateway  gateway.PaymentGateway
	cardGateway    gateway.PaymentGateway
	sessions       *sessionRegistry
	gatewayTimeout time.Duration
}

func NewPaymentService(
	transactions TransactionService,
	walletGateway gateway.PaymentGateway,
	cardGateway gateway.PaymentGateway,
	sessionTTL time.Duration,
	gatewayTimeout time.Duration,
) *paymentService {
	return &paymentService{
		transactions:   transactions,
		walletGateway:  walletGateway,
		cardGateway:    cardGateway,
		sessions:       newSessionRegistry(sessionTTL),
		gatewayTimeout: gatewayTimeout,
	}
}

func (s *paymentService) InitiateCashPayment(ctx context.Context, input CreatePendingInput) (*models.Transaction, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "InitiateCashPayment")
	defer span.End()

	input.PaymentMethod = models.MethodCash
	tx, err := s.transactions.CreatePending(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cash transaction creation failed")
		return nil, err
	}
	return tx, nil
}

func (s *paymentService) SettleCashPayment(ctx context.Context, transactionID, cashierName string) (*models.Transaction, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "SettleCashPayment")
	defer span.End()

	if cashierName == "" {
		return nil, fmt.Errorf("%w: cashier name required", pkgerrors.ErrInvalidInput)
	}
	return s.transactions.ApplyCashPayment(ctx, transactionID, cashierName)
}

// InitiateGatewayPayment creates the pending transaction and asks the
// provider for a payment artifact. A gateway failure leaves the transaction
// PENDING: the client may retry with the same idempotency key, and the sweep
// eventually expires abandoned attempts.
func (s *paymentService) InitiateGatewayPayment(ctx context.Context, input CreatePendingInput) (*models.Transaction, *gateway.PaymentArtifact, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "InitiateGatewayPayment")
	defer span.End()

	var gw gateway.PaymentGateway
	switch input.PaymentMethod {
	case models.MethodWallet:
		gw = s.walletGateway
	case models.MethodCard:
		gw = s.cardGateway
	default:
		return nil, nil, pkgerrors.ErrInvalidPaymentMethod
	}

	tx, err := s.transactions.CreatePending(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction creation failed")
		return nil, nil, err
	}

	// Idempotent replay: if the transaction already left PENDING there is
	// nothing to initiate.
	if tx.Status != models.StatusPending {
		slog.Info("gateway payment already settled",
			"transaction_id", tx.TransactionID,
			"status", tx.Status)
		return tx, nil, nil
	}
	if session, ok := s.sessions.get(tx.TransactionID); ok {
		slog.Info("reusing existing payment session", "transaction_id", tx.TransactionID)
		artifact := session.Artifact
		return tx, &artifact, nil
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	artifact, err := gw.CreatePaymentArtifact(gwCtx, gateway.ArtifactRequest{
		TransactionID:  tx.TransactionID,
		Description:    tx.Description,
		Amount:         tx.Amount,
		IdempotencyKey: tx.IdempotencyKey,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "artifact creation failed")
		slog.Error("gateway artifact creation failed",
			"transaction_id", tx.TransactionID,
			"payment_method", input.PaymentMethod,
			"error", err)
		return tx, nil, err
	}

	updated, err := s.transactions.AttachProviderArtifact(ctx, tx, models.PaymentDetails{
		ProviderTransactionID: artifact.ProviderReferenceID,
		PaymentURL:            artifact.PaymentURL,
	})
	if err != nil {
		// The artifact exists provider-side; reconciliation can still match
		// by order id, so the payment is usable even though the attach lost.
		slog.Warn("failed to attach provider artifact",
			"transaction_id", tx.TransactionID,
			"error", err)
		updated = tx
	}

	now := time.Now()
	expiresAt := now.Add(s.sessions.ttl)
	if updated.ExpiresAt != nil && updated.ExpiresAt.Before(expiresAt) {
		expiresAt = *updated.ExpiresAt
	}
	s.sessions.put(PaymentSession{
		TransactionID: updated.TransactionID,
		Method:        input.PaymentMethod,
		Artifact:      *artifact,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	})

	slog.Info("gateway payment initiated",
		"transaction_id", updated.TransactionID,
		"payment_method", input.PaymentMethod,
		"provider_reference_id", artifact.ProviderReferenceID)
	return updated, artifact, nil
}

func (s *paymentService) Session(transactionID string) (PaymentSession, bool) {
	return s.sessions.get(transactionID)
}

func (s *paymentService) DropSession(transactionID string) {
	s.sessions.drop(transactionID)
}
