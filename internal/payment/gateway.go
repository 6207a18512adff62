package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"givepay/internal/common/money"
)

// Gateway translates generic payment operations into one provider's API and
// its callbacks into normalized events. Adapters never touch stored state.
type Gateway interface {
	Slug() string

	// Initiate registers the payment with the provider. Errors are
	// GatewayErrors of kind ErrGatewayRejected, ErrGatewayUnavailable or
	// ErrGatewayAuth.
	Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error)

	// VerifyAndNormalize checks the callback's authenticity and converts it.
	// On ErrInvalidSignature the returned event, when non-nil, carries the
	// parsed fields with SignatureValid false so the delivery can be logged.
	// ErrMalformedPayload means the body could not be read at all.
	VerifyAndNormalize(ctx context.Context, raw RawWebhook) (*WebhookEvent, error)

	Cancel(ctx context.Context, externalID string) (*CancelResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// StatusPoller is implemented by adapters that can be asked for the current
// status of a payment instead of waiting for a callback.
type StatusPoller interface {
	FetchStatus(ctx context.Context, externalID string) (*WebhookEvent, error)
}

// WebhookAcker is implemented by adapters whose provider expects a specific
// acknowledgement body.
type WebhookAcker interface {
	WebhookAck() (contentType string, body []byte)
}

// InitiateRequest is the generic payment creation request passed to adapters.
type InitiateRequest struct {
	TransactionID string
	Target        Target
	Amount        money.Money
	MethodSlug    string
	Description   string
	ReturnURL     string
	Details       Details
}

// Initiation is what the provider returned for a new payment.
type Initiation struct {
	ExternalID      string
	RedirectURL     string
	QRCode          string
	DeepLink        string
	ConfirmationURL string
}

// RefundRequest asks the provider to return Amount. Full is set when Amount
// equals the remaining balance. Reference is stable across retries of the
// same refund so providers that accept idempotency keys can deduplicate.
type RefundRequest struct {
	ExternalID    string
	TransactionID string
	Amount        money.Money
	Full          bool
	Reference     string
}

// CancelResult reports the provider-side status after a cancel.
type CancelResult struct {
	ProviderStatus string
}

// RefundResult reports a refund accepted by the provider.
type RefundResult struct {
	RefundID       string
	ProviderStatus string
}

// RawWebhook is an inbound callback as received by the transport.
type RawWebhook struct {
	Headers       http.Header
	Body          []byte
	TransactionID string // optional, from the callback path
}

// ReportedStatus is a gateway status normalized across providers.
type ReportedStatus string

const (
	ReportedPending   ReportedStatus = "pending"
	ReportedPaid      ReportedStatus = "paid"
	ReportedFailed    ReportedStatus = "failed"
	ReportedCancelled ReportedStatus = "cancelled"
	ReportedRefunded  ReportedStatus = "refunded"
)

// Trigger maps a reported status onto the state machine.
func (s ReportedStatus) Trigger() Trigger {
	switch s {
	case ReportedPaid:
		return TriggerPaid
	case ReportedFailed:
		return TriggerFailed
	case ReportedCancelled:
		return TriggerCancel
	case ReportedRefunded:
		return TriggerRefund
	}
	return TriggerPending
}

// WebhookEvent is the normalized form of a gateway report.
type WebhookEvent struct {
	GatewaySlug    string
	ExternalID     string
	TransactionID  string
	ReportedStatus ReportedStatus
	ReportedAmount money.Money
	ProviderStatus string
	IdempotencyKey string
	SignatureValid bool
	Details        Details
	Raw            json.RawMessage
}

// DedupKey is the gateway-assigned key when present, otherwise the
// deterministic externalId:status:amount triple.
func (e *WebhookEvent) DedupKey() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return fmt.Sprintf("%s:%s:%d", e.ExternalID, e.ReportedStatus, e.ReportedAmount.AmountMinor)
}

// LogContext is the structured context recorded with every log entry about
// this event.
func (e *WebhookEvent) LogContext() map[string]any {
	return map[string]any{
		"external_id":     e.ExternalID,
		"reported_status": string(e.ReportedStatus),
		"provider_status": e.ProviderStatus,
		"reported_amount": e.ReportedAmount.AmountMinor,
		"currency":        string(e.ReportedAmount.Currency),
		"dedup_key":       e.DedupKey(),
		"signature_valid": e.SignatureValid,
	}
}
