// Package wallet provides the wallet checkout gateway adapter: a REST API
// with basic auth, decimal string amounts and idempotence keys.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"givepay/internal/common/money"
	"givepay/internal/payment"
	"givepay/internal/providers"
)

// Slug is the gateway slug of the adapter.
const Slug = "wallet"

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Wallet-Signature"

// Config holds wallet adapter configuration.
type Config struct {
	Enabled       bool              `envconfig:"WALLET_ENABLED" default:"false"`
	BaseURL       string            `envconfig:"WALLET_BASE_URL"`
	ShopID        string            `envconfig:"WALLET_SHOP_ID"`
	SecretKey     string            `envconfig:"WALLET_SECRET_KEY"`
	WebhookSecret string            `envconfig:"WALLET_WEBHOOK_SECRET"`
	ReturnURL     string            `envconfig:"WALLET_RETURN_URL"`
	Timeout       time.Duration     `envconfig:"WALLET_TIMEOUT" default:"10s"`
	Extra         map[string]string `envconfig:"WALLET_EXTRA"`
}

// Notification events.
const (
	EventPaymentSucceeded         = "payment.succeeded"
	EventPaymentWaitingForCapture = "payment.waiting_for_capture"
	EventPaymentCanceled          = "payment.canceled"
	EventRefundSucceeded          = "refund.succeeded"
)

// Cancellation reasons that mean the payment was abandoned rather than
// declined.
var abandonedReasons = map[string]bool{
	"expired_on_confirmation": true,
	"canceled_by_merchant":    true,
}

// methodTypes maps catalog method slugs to the provider's payment method type.
var methodTypes = map[string]string{
	"wallet_balance": "yoo_money",
	"wallet_card":    "bank_card",
	"wallet_sbp":     "sbp",
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type createRequest struct {
	Amount            amount            `json:"amount"`
	Capture           bool              `json:"capture"`
	Confirmation      confirmation      `json:"confirmation"`
	Description       string            `json:"description,omitempty"`
	PaymentMethodData map[string]string `json:"payment_method_data,omitempty"`
	Metadata          map[string]string `json:"metadata"`
}

// Object is a payment or refund object as returned by the API and carried in
// notifications.
type Object struct {
	ID                  string            `json:"id"`
	PaymentID           string            `json:"payment_id,omitempty"`
	Status              string            `json:"status"`
	Paid                bool              `json:"paid"`
	Amount              amount            `json:"amount"`
	Confirmation        *confirmation     `json:"confirmation,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CancellationDetails *struct {
		Party  string `json:"party"`
		Reason string `json:"reason"`
	} `json:"cancellation_details,omitempty"`
	PaymentMethod *struct {
		Type  string `json:"type"`
		Title string `json:"title,omitempty"`
		Card  *struct {
			First6 string `json:"first6"`
			Last4  string `json:"last4"`
		} `json:"card,omitempty"`
		AccountNumber string `json:"account_number,omitempty"`
	} `json:"payment_method,omitempty"`
}

// Notification is the callback body.
type Notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object Object `json:"object"`
}

// Adapter implements payment.Gateway for the wallet provider.
type Adapter struct {
	cfg    Config
	client *providers.Client
	logger *slog.Logger
}

// NewAdapter creates a new wallet adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: providers.NewClient(Slug, cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

func (a *Adapter) Slug() string { return Slug }

// IdempotenceKey derives a stable key so a retried request is recognized by
// the provider as the same operation.
func IdempotenceKey(operation string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(operation)).String()
}

func (a *Adapter) request(method, path, idempotence string, body any) providers.Request {
	req := providers.Request{
		Method:   method,
		Path:     path,
		Body:     body,
		Username: a.cfg.ShopID,
		Password: a.cfg.SecretKey,
	}
	if idempotence != "" {
		req.Headers = map[string]string{"Idempotence-Key": IdempotenceKey(idempotence)}
	}
	return req
}

// Initiate creates a payment with redirect confirmation.
func (a *Adapter) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = a.cfg.ReturnURL
	}

	metadata := map[string]string{"transaction_id": req.TransactionID, "organization_id": req.Target.OrganizationID}
	for k, v := range a.cfg.Extra {
		metadata[k] = v
	}
	body := createRequest{
		Amount:       amount{Value: req.Amount.DecimalString(), Currency: string(req.Amount.Currency)},
		Capture:      true,
		Confirmation: confirmation{Type: "redirect", ReturnURL: returnURL},
		Description:  req.Description,
		Metadata:     metadata,
	}
	if t, ok := methodTypes[req.MethodSlug]; ok {
		body.PaymentMethodData = map[string]string{"type": t}
	}

	var obj Object
	if _, err := a.client.Do(ctx, "initiate", a.request(http.MethodPost, "/v3/payments", "create:"+req.TransactionID, body), &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" || obj.Confirmation == nil || obj.Confirmation.ConfirmationURL == "" {
		return nil, payment.NewGatewayError(Slug, "initiate", payment.ErrGatewayRejected, "response without id or confirmation url", nil)
	}

	return &payment.Initiation{
		ExternalID:      obj.ID,
		RedirectURL:     obj.Confirmation.ConfirmationURL,
		ConfirmationURL: obj.Confirmation.ConfirmationURL,
	}, nil
}

// VerifyAndNormalize checks the HMAC signature and converts the callback.
func (a *Adapter) VerifyAndNormalize(ctx context.Context, raw payment.RawWebhook) (*payment.WebhookEvent, error) {
	var n Notification
	if err := json.Unmarshal(raw.Body, &n); err != nil || n.Event == "" || n.Object.ID == "" {
		return nil, fmt.Errorf("%w: wallet notification", payment.ErrMalformedPayload)
	}

	ev, err := a.normalize(n.Event, n.Object, raw.Body)
	if err != nil {
		return nil, err
	}
	ev.IdempotencyKey = n.Event + ":" + n.Object.ID
	if raw.TransactionID != "" {
		ev.TransactionID = raw.TransactionID
	}

	if !providers.VerifyHMAC(a.cfg.WebhookSecret, raw.Body, raw.Headers.Get(SignatureHeader)) {
		return ev, payment.ErrInvalidSignature
	}
	ev.SignatureValid = true
	return ev, nil
}

func (a *Adapter) normalize(event string, obj Object, body []byte) (*payment.WebhookEvent, error) {
	currency, err := money.ParseCurrency(obj.Amount.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedPayload, err)
	}
	amt, err := money.ParseDecimal(obj.Amount.Value, currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrMalformedPayload, err)
	}

	ev := &payment.WebhookEvent{
		GatewaySlug:    Slug,
		ExternalID:     obj.ID,
		TransactionID:  obj.Metadata["transaction_id"],
		ReportedStatus: normalizeEvent(event, obj),
		ReportedAmount: amt,
		ProviderStatus: obj.Status,
		Raw:            body,
	}
	if event == EventRefundSucceeded {
		// Refund objects reference the payment they belong to.
		ev.ExternalID = obj.PaymentID
	}
	if pm := obj.PaymentMethod; pm != nil {
		if pm.Card != nil {
			ev.Details.CardNumber = pm.Card.First6 + "******" + pm.Card.Last4
		}
		ev.Details.AccountNumber = pm.AccountNumber
	}
	return ev, nil
}

func normalizeEvent(event string, obj Object) payment.ReportedStatus {
	switch event {
	case EventPaymentSucceeded:
		return payment.ReportedPaid
	case EventPaymentCanceled:
		return cancellation(obj)
	case EventRefundSucceeded:
		return payment.ReportedRefunded
	}
	return payment.ReportedPending
}

// NormalizeStatus maps a payment object status, as returned by polling.
func NormalizeStatus(obj Object) payment.ReportedStatus {
	switch obj.Status {
	case "succeeded":
		return payment.ReportedPaid
	case "canceled":
		return cancellation(obj)
	}
	return payment.ReportedPending
}

func cancellation(obj Object) payment.ReportedStatus {
	if obj.CancellationDetails != nil && !abandonedReasons[obj.CancellationDetails.Reason] {
		return payment.ReportedFailed
	}
	return payment.ReportedCancelled
}

// Cancel cancels a payment that has not been captured.
func (a *Adapter) Cancel(ctx context.Context, externalID string) (*payment.CancelResult, error) {
	var obj Object
	path := "/v3/payments/" + url.PathEscape(externalID) + "/cancel"
	if _, err := a.client.Do(ctx, "cancel", a.request(http.MethodPost, path, "cancel:"+externalID, struct{}{}), &obj); err != nil {
		return nil, err
	}
	return &payment.CancelResult{ProviderStatus: obj.Status}, nil
}

// Refund creates a refund; the idempotence key is derived from Reference.
func (a *Adapter) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	body := map[string]any{
		"payment_id": req.ExternalID,
		"amount":     amount{Value: req.Amount.DecimalString(), Currency: string(req.Amount.Currency)},
	}
	var obj Object
	if _, err := a.client.Do(ctx, "refund", a.request(http.MethodPost, "/v3/refunds", "refund:"+req.Reference, body), &obj); err != nil {
		return nil, err
	}
	if obj.Status == "canceled" {
		return nil, payment.NewGatewayError(Slug, "refund", payment.ErrGatewayRejected, "refund canceled by provider", nil)
	}
	return &payment.RefundResult{RefundID: obj.ID, ProviderStatus: obj.Status}, nil
}

// FetchStatus reads the payment object.
func (a *Adapter) FetchStatus(ctx context.Context, externalID string) (*payment.WebhookEvent, error) {
	var obj Object
	resp, err := a.client.Do(ctx, "status", a.request(http.MethodGet, "/v3/payments/"+url.PathEscape(externalID), "", nil), &obj)
	if err != nil {
		return nil, err
	}
	ev, err := a.normalize("", obj, resp.Body)
	if err != nil {
		return nil, err
	}
	ev.ReportedStatus = NormalizeStatus(obj)
	return ev, nil
}
