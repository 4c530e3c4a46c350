package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/quanghm/parkcore/internal/config"
	pkgerrors "github.com/quanghm/parkcore/pkg/errors"
)

// WalletGateway is the redirect-style wallet provider adapter. Requests are
// signed with HMAC-SHA256 over a canonical query string; the provider calls
// back on the notify URL with the same signature scheme.
type WalletGateway struct {
	cfg    config.WalletConfig
	client *http.Client
}

func NewWalletGateway(cfg config.WalletConfig, timeout time.Duration) *WalletGateway {
	return &WalletGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type walletCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	AccessKey   string `json:"accessKey"`
	RequestID   string `json:"requestId"`
	Amount      string `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	ReturnURL   string `json:"returnUrl"`
	NotifyURL   string `json:"notifyUrl"`
	ExtraData   string `json:"extraData"`
	RequestType string `json:"requestType"`
	Signature   string `json:"signature"`
}

type walletCreateResponse struct {
	RequestID  string `json:"requestId"`
	OrderID    string `json:"orderId"`
	PayURL     string `json:"payUrl"`
	QRCodeURL  string `json:"qrCodeUrl"`
	Deeplink   string `json:"deeplink"`
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
}

// WalletNotification is the webhook body the wallet provider delivers after
// the customer pays (or the payment fails).
type WalletNotification struct {
	PartnerCode  string `json:"partnerCode"`
	AccessKey    string `json:"accessKey"`
	RequestID    string `json:"requestId"`
	Amount       string `json:"amount"`
	OrderID      string `json:"orderId"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	Message      string `json:"message"`
	ResponseTime string `json:"responseTime"`
	ResultCode   int    `json:"resultCode"`
	PayType      string `json:"payType"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

func (g *WalletGateway) CreatePaymentArtifact(ctx context.Context, req ArtifactRequest) (*PaymentArtifact, error) {
	// The same idempotency key must always map to the same provider request
	// id so provider-side dedup kicks in on retries.
	requestID := "req_" + req.IdempotencyKey

	payload := walletCreateRequest{
		PartnerCode: g.cfg.PartnerCode,
		AccessKey:   g.cfg.AccessKey,
		RequestID:   requestID,
		Amount:      strconv.FormatInt(req.Amount, 10),
		OrderID:     req.TransactionID,
		OrderInfo:   req.Description,
		ReturnURL:   g.cfg.ReturnURL,
		NotifyURL:   g.cfg.NotifyURL,
		ExtraData:   req.TransactionID,
		RequestType: "captureMoMoWallet",
	}
	raw := fmt.Sprintf("partnerCode=%s&accessKey=%s&requestId=%s&amount=%s&orderId=%s&orderInfo=%s&returnUrl=%s&notifyUrl=%s&extraData=%s",
		payload.PartnerCode, payload.AccessKey, payload.RequestID, payload.Amount,
		payload.OrderID, payload.OrderInfo, payload.ReturnURL, payload.NotifyURL, payload.ExtraData)
	payload.Signature = sign(raw, g.cfg.SecretKey)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wallet request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build wallet request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	slog.Info("creating wallet payment", "order_id", req.TransactionID, "request_id", requestID, "amount", req.Amount)
	resp, err := g.client.Do(httpReq)
	if err != nil {
		slog.Error("wallet gateway unreachable", "order_id", req.TransactionID, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}

	var created walletCreateResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		slog.Error("failed to decode wallet response", "order_id", req.TransactionID, "error", err)
		return nil, fmt.Errorf("failed to decode wallet response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || created.ResultCode != 0 {
		slog.Error("wallet payment declined", "order_id", req.TransactionID, "result_code", created.ResultCode, "message", created.Message)
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrGatewayDeclined, created.Message)
	}

	return &PaymentArtifact{
		ProviderReferenceID: req.TransactionID,
		PaymentURL:          created.PayURL,
		QRCodeURL:           created.QRCodeURL,
		Deeplink:            created.Deeplink,
	}, nil
}

// VerifyEvent recomputes the notification signature and maps resultCode to
// an outcome. Unverified payloads are rejected with ErrAuthenticity and
// never reach the lifecycle engine.
func (g *WalletGateway) VerifyEvent(rawPayload []byte, _ string) (*VerifiedEvent, error) {
	var n WalletNotification
	if err := json.Unmarshal(rawPayload, &n); err != nil {
		// A payload we cannot parse carries no signature we can check.
		return nil, fmt.Errorf("%w: malformed notification: %v", pkgerrors.ErrAuthenticity, err)
	}

	raw := fmt.Sprintf("partnerCode=%s&accessKey=%s&requestId=%s&amount=%s&orderId=%s&orderInfo=%s&orderType=%s&transId=%d&message=%s&responseTime=%s&resultCode=%d&payType=%s&extraData=%s",
		n.PartnerCode, n.AccessKey, n.RequestID, n.Amount, n.OrderID, n.OrderInfo,
		n.OrderType, n.TransID, n.Message, n.ResponseTime, n.ResultCode, n.PayType, n.ExtraData)
	expected := sign(raw, g.cfg.SecretKey)
	if !hmac.Equal([]byte(expected), []byte(n.Signature)) {
		slog.Warn("invalid wallet notification signature", "order_id", n.OrderID)
		return nil, pkgerrors.ErrAuthenticity
	}

	outcome := OutcomeFailure
	if n.ResultCode == 0 {
		outcome = OutcomeSuccess
	}
	return &VerifiedEvent{
		ProviderReferenceID:   n.OrderID,
		Outcome:               outcome,
		ProviderTransactionID: strconv.FormatInt(n.TransID, 10),
		FailureReason:         n.Message,
		Metadata:              map[string]string{"extraData": n.ExtraData},
	}, nil
}

func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
