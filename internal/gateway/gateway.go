// Package gateway holds the payment provider adapters. Each adapter turns a
// provider's wire protocol into the internal artifact/event contracts; wire
// details never leak past this package.
package gateway

import "context"

type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
	OutcomePending EventOutcome = "pending"
)

// ArtifactRequest describes one payment attempt. TransactionID is the
// human-facing id used as the provider order/reference id; the idempotency
// key is forwarded so provider-side retries collapse to one attempt.
type ArtifactRequest struct {
	TransactionID  string
	Description    string
	Amount         int64
	IdempotencyKey string
}

// PaymentArtifact is what the caller needs to complete the payment
// out-of-band: a redirect URL for wallet flows, a client secret for card
// flows.
type PaymentArtifact struct {
	ProviderReferenceID string
	PaymentURL          string
	QRCodeURL           string
	Deeplink            string
	ClientSecret        string
}

// VerifiedEvent is a provider notification that passed signature
// verification. ProviderReferenceID carries the provider's primary lookup
// handle (the order id for wallet events, the intent id for card events).
type VerifiedEvent struct {
	ProviderReferenceID   string
	Outcome               EventOutcome
	ProviderTransactionID string
	FailureReason         string
	CardLast4             string
	Metadata              map[string]string
}

type PaymentGateway interface {
	CreatePaymentArtifact(ctx context.Context, req ArtifactRequest) (*PaymentArtifact, error)
	VerifyEvent(rawPayload []byte, signatureHeader string) (*VerifiedEvent, error)
}
