package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quanghm/parkcore/internal/config"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
)

// signatureTolerance bounds webhook timestamp skew; older events are treated
// as unverifiable rather than replayed.
const signatureTolerance = 5 * time.Minute

// CardGateway is the payment-intent style card provider adapter.
type CardGateway struct {
	cfg    config.CardConfig
	client *http.Client
	now    func() time.Time
}

func NewCardGateway(cfg config.CardConfig, timeout time.Duration) *CardGateway {
	return &CardGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

type cardIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	LastError    *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	Charges struct {
		Data []struct {
			PaymentMethodDetails struct {
				Card struct {
					Last4 string `json:"last4"`
				} `json:"card"`
			} `json:"payment_method_details"`
		} `json:"data"`
	} `json:"charges"`
}

type cardWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object cardIntent `json:"object"`
	} `json:"data"`
}

func (g *CardGateway) CreatePaymentArtifact(ctx context.Context, req ArtifactRequest) (*PaymentArtifact, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", "vnd")
	form.Set("description", req.Description)
	form.Set("metadata[transactionId]", req.TransactionID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.APIBase+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build card request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	slog.Info("creating card payment intent", "transaction_id", req.TransactionID, "amount", req.Amount)
	resp, err := g.client.Do(httpReq)
	if err != nil {
		slog.Error("card gateway unreachable", "transaction_id", req.TransactionID, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("card payment intent rejected", "transaction_id", req.TransactionID, "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("%w: status %d", pkgerrors.ErrGatewayDeclined, resp.StatusCode)
	}

	var intent cardIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode card response: %w", err)
	}

	return &PaymentArtifact{
		ProviderReferenceID: intent.ID,
		ClientSecret:        intent.ClientSecret,
	}, nil
}

// VerifyEvent checks the `t=<unix>,v1=<hmac>` signature header against the
// webhook secret before parsing the event envelope.
func (g *CardGateway) VerifyEvent(rawPayload []byte, signatureHeader string) (*VerifiedEvent, error) {
	if err := g.verifySignature(rawPayload, signatureHeader); err != nil {
		return nil, err
	}

	var event cardWebhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse card event: %w", err)
	}

	intent := event.Data.Object
	verified := &VerifiedEvent{
		ProviderReferenceID:   intent.ID,
		ProviderTransactionID: intent.ID,
		Metadata:              intent.Metadata,
	}
	if len(intent.Charges.Data) > 0 {
		verified.CardLast4 = intent.Charges.Data[0].PaymentMethodDetails.Card.Last4
	}

	switch event.Type {
	case "payment_intent.succeeded":
		verified.Outcome = OutcomeSuccess
	case "payment_intent.payment_failed":
		verified.Outcome = OutcomeFailure
		if intent.LastError != nil {
			verified.FailureReason = intent.LastError.Message
		}
	default:
		verified.Outcome = OutcomePending
	}
	return verified, nil
}

// PollIntent fetches the current intent state; used when a webhook never
// arrived and the reconciliation handler falls back to polling.
func (g *CardGateway) PollIntent(ctx context.Context, intentID string) (*VerifiedEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.APIBase+"/v1/payment_intents/"+intentID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build card poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", pkgerrors.ErrGatewayDeclined, resp.StatusCode)
	}

	var intent cardIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode card intent: %w", err)
	}

	verified := &VerifiedEvent{
		ProviderReferenceID:   intent.ID,
		ProviderTransactionID: intent.ID,
		Metadata:              intent.Metadata,
	}
	switch intent.Status {
	case "succeeded":
		verified.Outcome = OutcomeSuccess
	case "canceled":
		verified.Outcome = OutcomeFailure
		if intent.LastError != nil {
			verified.FailureReason = intent.LastError.Message
		}
	default:
		verified.Outcome = OutcomePending
	}
	return verified, nil
}

func (g *CardGateway) verifySignature(payload []byte, header string) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	if ts == "" || len(sigs) == 0 {
		return pkgerrors.ErrAuthenticity
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return pkgerrors.ErrAuthenticity
	}
	age := g.now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		slog.Warn("card webhook timestamp outside tolerance", "age", age)
		return pkgerrors.ErrAuthenticity
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	slog.Warn("invalid card webhook signature")
	return pkgerrors.ErrAuthenticity
}
