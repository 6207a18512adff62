// Package sbp provides the Faster Payments System (SBP) QR-code gateway
// adapter.
package sbp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"givepay/internal/common/money"
	"givepay/internal/payment"
	"givepay/internal/providers"
)

// Slug is the gateway slug of the adapter.
const Slug = "sbp"

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Sbp-Signature"

// Config holds SBP adapter configuration.
type Config struct {
	Enabled       bool              `envconfig:"SBP_ENABLED" default:"false"`
	BaseURL       string            `envconfig:"SBP_BASE_URL"`
	MerchantID    string            `envconfig:"SBP_MERCHANT_ID"`
	APIKey        string            `envconfig:"SBP_API_KEY"`
	WebhookSecret string            `envconfig:"SBP_WEBHOOK_SECRET"`
	Timeout       time.Duration     `envconfig:"SBP_TIMEOUT" default:"10s"`
	QRTTL         time.Duration     `envconfig:"SBP_QR_TTL" default:"30m"`
	Extra         map[string]string `envconfig:"SBP_EXTRA"`
}

// QR statuses reported by the SBP operator.
const (
	StatusAccepted = "ACWP"
	StatusRejected = "RJCT"
	StatusCanceled = "CANCELED"
	StatusExpired  = "EXPIRED"
	StatusRefunded = "REFUNDED"
	StatusNotStart = "NTST"
	StatusReceived = "RCVD"
)

type createQRRequest struct {
	MerchantID  string            `json:"merchantId"`
	OrderID     string            `json:"orderId"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Purpose     string            `json:"paymentPurpose,omitempty"`
	TTLMinutes  int               `json:"qrTtl"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

type createQRResponse struct {
	QrcID    string `json:"qrcId"`
	Payload  string `json:"payload"`
	Deeplink string `json:"deeplink"`
	Status   string `json:"status"`
}

type deactivateResponse struct {
	QrcID  string `json:"qrcId"`
	Status string `json:"status"`
}

type refundRequest struct {
	QrcID    string `json:"qrcId"`
	RefundID string `json:"refundId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type refundResponse struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
}

// Notification is the callback body, also returned by the status endpoint.
type Notification struct {
	QrcID     string `json:"qrcId"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	TrxID     string `json:"trxId,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
	PayerName string `json:"payerName,omitempty"`
	PayerBank string `json:"payerBank,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Adapter implements payment.Gateway for SBP.
type Adapter struct {
	cfg    Config
	client *providers.Client
	logger *slog.Logger
}

// NewAdapter creates a new SBP adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: providers.NewClient(Slug, cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

func (a *Adapter) Slug() string { return Slug }

func (a *Adapter) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}
}

// Initiate registers a dynamic QR code for the payment.
func (a *Adapter) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	if req.Amount.Currency != money.RUB {
		return nil, payment.NewGatewayError(Slug, "initiate", payment.ErrGatewayRejected,
			fmt.Sprintf("currency %s not supported", req.Amount.Currency), nil)
	}

	ttl := int(a.cfg.QRTTL / time.Minute)
	if ttl < 1 {
		ttl = 1
	}
	body := createQRRequest{
		MerchantID:  a.cfg.MerchantID,
		OrderID:     req.TransactionID,
		Amount:      req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
		Purpose:     req.Description,
		TTLMinutes:  ttl,
		RedirectURL: req.ReturnURL,
		Params:      a.cfg.Extra,
	}

	var resp createQRResponse
	if _, err := a.client.Do(ctx, "initiate", providers.Request{
		Method:  http.MethodPost,
		Path:    "/qr",
		Body:    body,
		Headers: a.auth(),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.QrcID == "" {
		return nil, payment.NewGatewayError(Slug, "initiate", payment.ErrGatewayRejected, "response without qrcId", nil)
	}

	a.logger.Info("sbp qr registered", "transaction_id", req.TransactionID, "qrc_id", resp.QrcID)

	return &payment.Initiation{
		ExternalID:  resp.QrcID,
		RedirectURL: resp.Payload,
		QRCode:      resp.Payload,
		DeepLink:    resp.Deeplink,
	}, nil
}

// VerifyAndNormalize checks the HMAC signature and converts the callback.
func (a *Adapter) VerifyAndNormalize(ctx context.Context, raw payment.RawWebhook) (*payment.WebhookEvent, error) {
	var n Notification
	if err := json.Unmarshal(raw.Body, &n); err != nil || n.QrcID == "" {
		return nil, fmt.Errorf("%w: sbp notification", payment.ErrMalformedPayload)
	}

	ev, err := a.normalize(n, raw.Body)
	if err != nil {
		return nil, err
	}
	ev.TransactionID = raw.TransactionID
	if ev.TransactionID == "" {
		ev.TransactionID = n.OrderID
	}

	if !providers.VerifyHMAC(a.cfg.WebhookSecret, raw.Body, raw.Headers.Get(SignatureHeader)) {
		return ev, payment.ErrInvalidSignature
	}
	ev.SignatureValid = true
	return ev, nil
}

func (a *Adapter) normalize(n Notification, body []byte) (*payment.WebhookEvent, error) {
	currency := money.RUB
	if n.Currency != "" {
		c, err := money.ParseCurrency(n.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", payment.ErrMalformedPayload, err)
		}
		currency = c
	}

	ev := &payment.WebhookEvent{
		GatewaySlug:    Slug,
		ExternalID:     n.QrcID,
		ReportedStatus: NormalizeStatus(n.Status),
		ReportedAmount: money.New(n.Amount, currency),
		ProviderStatus: n.Status,
		Raw:            body,
		Details: payment.Details{
			DonorName: n.PayerName,
		},
	}
	if n.PayerBank != "" {
		ev.Details.Extra = map[string]string{"payer_bank": n.PayerBank}
	}
	if n.TrxID != "" {
		ev.IdempotencyKey = n.TrxID + ":" + n.Status
	}
	return ev, nil
}

// NormalizeStatus maps an SBP QR status onto the reported status set.
func NormalizeStatus(status string) payment.ReportedStatus {
	switch status {
	case StatusAccepted:
		return payment.ReportedPaid
	case StatusRejected:
		return payment.ReportedFailed
	case StatusCanceled, StatusExpired:
		return payment.ReportedCancelled
	case StatusRefunded:
		return payment.ReportedRefunded
	}
	return payment.ReportedPending
}

// Cancel deactivates the QR code so it can no longer be paid.
func (a *Adapter) Cancel(ctx context.Context, externalID string) (*payment.CancelResult, error) {
	var resp deactivateResponse
	if _, err := a.client.Do(ctx, "cancel", providers.Request{
		Method:  http.MethodPost,
		Path:    "/qr/" + url.PathEscape(externalID) + "/deactivate",
		Headers: a.auth(),
	}, &resp); err != nil {
		return nil, err
	}
	return &payment.CancelResult{ProviderStatus: resp.Status}, nil
}

// Refund returns money for a paid QR. Reference doubles as the operator's
// refund id, so a retried request is deduplicated.
func (a *Adapter) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	var resp refundResponse
	if _, err := a.client.Do(ctx, "refund", providers.Request{
		Method: http.MethodPost,
		Path:   "/refunds",
		Body: refundRequest{
			QrcID:    req.ExternalID,
			RefundID: req.Reference,
			Amount:   req.Amount.AmountMinor,
			Currency: string(req.Amount.Currency),
		},
		Headers: a.auth(),
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Status == StatusRejected {
		return nil, payment.NewGatewayError(Slug, "refund", payment.ErrGatewayRejected, "refund rejected", nil)
	}
	return &payment.RefundResult{RefundID: resp.RefundID, ProviderStatus: resp.Status}, nil
}

// FetchStatus asks the operator for the current QR status.
func (a *Adapter) FetchStatus(ctx context.Context, externalID string) (*payment.WebhookEvent, error) {
	var n Notification
	resp, err := a.client.Do(ctx, "status", providers.Request{
		Method:  http.MethodGet,
		Path:    "/qr/" + url.PathEscape(externalID) + "/status",
		Headers: a.auth(),
	}, &n)
	if err != nil {
		return nil, err
	}
	if n.QrcID == "" {
		n.QrcID = externalID
	}
	return a.normalize(n, resp.Body)
}
