// Package cards provides the bank card acquiring gateway adapter. Requests
// and notifications are signed with a token derived from the terminal
// password.
package cards

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"givepay/internal/common/money"
	"givepay/internal/payment"
	"givepay/internal/providers"
)

// Slug is the gateway slug of the adapter.
const Slug = "cards"

// Config holds card adapter configuration.
type Config struct {
	Enabled         bool              `envconfig:"CARDS_ENABLED" default:"false"`
	BaseURL         string            `envconfig:"CARDS_BASE_URL"`
	TerminalKey     string            `envconfig:"CARDS_TERMINAL_KEY"`
	Password        string            `envconfig:"CARDS_PASSWORD"`
	NotificationURL string            `envconfig:"CARDS_NOTIFICATION_URL"`
	SuccessURL      string            `envconfig:"CARDS_SUCCESS_URL"`
	Timeout         time.Duration     `envconfig:"CARDS_TIMEOUT" default:"10s"`
	Extra           map[string]string `envconfig:"CARDS_EXTRA"`
}

// Acquirer payment statuses.
const (
	StatusNew             = "NEW"
	StatusAuthorized      = "AUTHORIZED"
	StatusConfirmed       = "CONFIRMED"
	StatusRejected        = "REJECTED"
	StatusAuthFail        = "AUTH_FAIL"
	StatusCanceled        = "CANCELED"
	StatusReversed        = "REVERSED"
	StatusDeadlineExpired = "DEADLINE_EXPIRED"
	StatusRefunded        = "REFUNDED"
	StatusPartialRefunded = "PARTIAL_REFUNDED"
)

// Error codes that point at terminal credentials rather than the request.
var authErrorCodes = map[string]bool{
	"202": true, // terminal blocked
	"204": true, // invalid token
	"205": true, // terminal not found
}

// flexID accepts identifiers the acquirer sends either as numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexID(s)
	return nil
}

type response struct {
	Success    bool   `json:"Success"`
	ErrorCode  string `json:"ErrorCode"`
	Message    string `json:"Message"`
	Details    string `json:"Details"`
	PaymentID  flexID `json:"PaymentId"`
	OrderID    string `json:"OrderId"`
	Status     string `json:"Status"`
	Amount     int64  `json:"Amount"`
	PaymentURL string `json:"PaymentURL"`
}

// Notification is the acquirer callback body.
type Notification struct {
	TerminalKey string `json:"TerminalKey"`
	OrderID     string `json:"OrderId"`
	Success     bool   `json:"Success"`
	Status      string `json:"Status"`
	PaymentID   flexID `json:"PaymentId"`
	ErrorCode   string `json:"ErrorCode"`
	Amount      int64  `json:"Amount"`
	CardID      flexID `json:"CardId"`
	Pan         string `json:"Pan"`
	ExpDate     string `json:"ExpDate"`
	Token       string `json:"Token"`
}

// Adapter implements payment.Gateway for card acquiring.
type Adapter struct {
	cfg    Config
	client *providers.Client
	logger *slog.Logger
}

// NewAdapter creates a new card adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: providers.NewClient(Slug, cfg.BaseURL, cfg.Timeout, logger),
		logger: logger,
	}
}

func (a *Adapter) Slug() string { return Slug }

// WebhookAck is the body the acquirer expects, otherwise it redelivers.
func (a *Adapter) WebhookAck() (string, []byte) {
	return "text/plain; charset=utf-8", []byte("OK")
}

// call signs params, posts them and checks the acquirer-level result.
func (a *Adapter) call(ctx context.Context, op, path string, params map[string]any) (*response, error) {
	params["TerminalKey"] = a.cfg.TerminalKey
	params["Token"] = Token(params, a.cfg.Password)

	var resp response
	if _, err := a.client.Do(ctx, op, providers.Request{Method: http.MethodPost, Path: path, Body: params}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || (resp.ErrorCode != "" && resp.ErrorCode != "0") {
		kind := payment.ErrGatewayRejected
		switch {
		case authErrorCodes[resp.ErrorCode]:
			kind = payment.ErrGatewayAuth
		case op == "refund" && resp.Status == StatusRefunded:
			kind = payment.ErrAlreadyRefunded
		}
		return nil, payment.NewGatewayError(Slug, op, kind,
			fmt.Sprintf("code=%s %s %s", resp.ErrorCode, resp.Message, resp.Details), nil)
	}
	return &resp, nil
}

// Initiate creates an acquiring session and returns the hosted payment page.
func (a *Adapter) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	params := map[string]any{
		"Amount":      req.Amount.AmountMinor,
		"OrderId":     req.TransactionID,
		"Description": req.Description,
	}
	if a.cfg.NotificationURL != "" {
		params["NotificationURL"] = a.cfg.NotificationURL
	}
	successURL := req.ReturnURL
	if successURL == "" {
		successURL = a.cfg.SuccessURL
	}
	if successURL != "" {
		params["SuccessURL"] = successURL
	}

	data := map[string]string{}
	for k, v := range a.cfg.Extra {
		data[k] = v
	}
	if req.Details.DonorEmail != "" {
		data["Email"] = req.Details.DonorEmail
	}
	if len(data) > 0 {
		params["DATA"] = data
	}

	resp, err := a.call(ctx, "initiate", "/v2/Init", params)
	if err != nil {
		return nil, err
	}
	if resp.PaymentID == "" || resp.PaymentURL == "" {
		return nil, payment.NewGatewayError(Slug, "initiate", payment.ErrGatewayRejected, "response without PaymentId or PaymentURL", nil)
	}

	return &payment.Initiation{
		ExternalID:      string(resp.PaymentID),
		RedirectURL:     resp.PaymentURL,
		ConfirmationURL: resp.PaymentURL,
	}, nil
}

// VerifyAndNormalize checks the notification token and converts it.
func (a *Adapter) VerifyAndNormalize(ctx context.Context, raw payment.RawWebhook) (*payment.WebhookEvent, error) {
	params, err := decodeParams(raw.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: card notification: %v", payment.ErrMalformedPayload, err)
	}
	var n Notification
	if err := json.Unmarshal(raw.Body, &n); err != nil || n.PaymentID == "" {
		return nil, fmt.Errorf("%w: card notification", payment.ErrMalformedPayload)
	}

	ev := a.normalize(n.Status, string(n.PaymentID), n.Amount, raw.Body)
	ev.TransactionID = raw.TransactionID
	if ev.TransactionID == "" {
		ev.TransactionID = n.OrderID
	}
	ev.Details.CardNumber = n.Pan
	ev.IdempotencyKey = fmt.Sprintf("%s:%s:%d", n.PaymentID, n.Status, n.Amount)

	expected := Token(params, a.cfg.Password)
	if n.TerminalKey != a.cfg.TerminalKey || n.Token == "" ||
		subtle.ConstantTimeCompare([]byte(strings.ToLower(n.Token)), []byte(expected)) != 1 {
		return ev, payment.ErrInvalidSignature
	}
	ev.SignatureValid = true
	return ev, nil
}

func (a *Adapter) normalize(status, paymentID string, amount int64, body []byte) *payment.WebhookEvent {
	return &payment.WebhookEvent{
		GatewaySlug:    Slug,
		ExternalID:     paymentID,
		ReportedStatus: NormalizeStatus(status),
		ReportedAmount: money.New(amount, money.RUB),
		ProviderStatus: status,
		Raw:            body,
	}
}

// NormalizeStatus maps an acquirer status onto the reported status set.
// PARTIAL_REFUNDED reports the refunded amount, which only a full refund turns
// into a status change.
func NormalizeStatus(status string) payment.ReportedStatus {
	switch status {
	case StatusConfirmed:
		return payment.ReportedPaid
	case StatusRejected, StatusAuthFail:
		return payment.ReportedFailed
	case StatusCanceled, StatusReversed, StatusDeadlineExpired:
		return payment.ReportedCancelled
	case StatusRefunded, StatusPartialRefunded:
		return payment.ReportedRefunded
	}
	return payment.ReportedPending
}

// Cancel voids an unpaid session.
func (a *Adapter) Cancel(ctx context.Context, externalID string) (*payment.CancelResult, error) {
	resp, err := a.call(ctx, "cancel", "/v2/Cancel", map[string]any{"PaymentId": externalID})
	if err != nil {
		return nil, err
	}
	return &payment.CancelResult{ProviderStatus: resp.Status}, nil
}

// Refund returns a captured amount. The acquirer refunds through the same
// cancel call, with Amount set for partial refunds.
func (a *Adapter) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	params := map[string]any{
		"PaymentId":         req.ExternalID,
		"ExternalRequestId": req.Reference,
	}
	if !req.Full {
		params["Amount"] = req.Amount.AmountMinor
	}
	resp, err := a.call(ctx, "refund", "/v2/Cancel", params)
	if err != nil {
		return nil, err
	}
	return &payment.RefundResult{RefundID: req.Reference, ProviderStatus: resp.Status}, nil
}

// FetchStatus asks the acquirer for the current payment state.
func (a *Adapter) FetchStatus(ctx context.Context, externalID string) (*payment.WebhookEvent, error) {
	resp, err := a.call(ctx, "status", "/v2/GetState", map[string]any{"PaymentId": externalID})
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(resp)
	ev := a.normalize(resp.Status, externalID, resp.Amount, body)
	ev.TransactionID = resp.OrderID
	return ev, nil
}

// Token signs the scalar top-level params: their values, together with the
// terminal password, concatenated in key order and hashed with SHA-256.
// Nested objects and the Token itself are excluded.
func Token(params map[string]any, password string) string {
	values := map[string]string{"Password": password}
	for k, v := range params {
		if k == "Token" {
			continue
		}
		if s, ok := scalar(v); ok {
			values[k] = s
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(values[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}

func decodeParams(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var params map[string]any
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}
