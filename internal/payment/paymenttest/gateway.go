package paymenttest

import (
	"context"
	"encoding/json"
	"sync"

	"givepay/internal/payment"
)

// Gateway is a scriptable payment.Gateway. Nil function fields fall back to
// accepting behavior.
type Gateway struct {
	SlugValue string

	InitiateFn func(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error)
	VerifyFn   func(ctx context.Context, raw payment.RawWebhook) (*payment.WebhookEvent, error)
	CancelFn   func(ctx context.Context, externalID string) (*payment.CancelResult, error)
	RefundFn   func(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error)
	FetchFn    func(ctx context.Context, externalID string) (*payment.WebhookEvent, error)

	mu      sync.Mutex
	calls   map[string]int
	refunds []payment.RefundRequest
}

// NewGateway creates a fake adapter registered under slug.
func NewGateway(slug string) *Gateway {
	return &Gateway{SlugValue: slug, calls: make(map[string]int)}
}

func (g *Gateway) Slug() string { return g.SlugValue }

func (g *Gateway) Initiate(ctx context.Context, req payment.InitiateRequest) (*payment.Initiation, error) {
	g.count("initiate")
	if g.InitiateFn != nil {
		return g.InitiateFn(ctx, req)
	}
	return &payment.Initiation{
		ExternalID:  "ext-" + req.TransactionID,
		RedirectURL: "https://pay.example.test/" + req.TransactionID,
	}, nil
}

// VerifyAndNormalize decodes a JSON-encoded payment.WebhookEvent body unless
// VerifyFn is set.
func (g *Gateway) VerifyAndNormalize(ctx context.Context, raw payment.RawWebhook) (*payment.WebhookEvent, error) {
	g.count("verify")
	if g.VerifyFn != nil {
		return g.VerifyFn(ctx, raw)
	}
	var ev payment.WebhookEvent
	if err := json.Unmarshal(raw.Body, &ev); err != nil {
		return nil, payment.ErrMalformedPayload
	}
	ev.GatewaySlug = g.SlugValue
	if ev.TransactionID == "" {
		ev.TransactionID = raw.TransactionID
	}
	ev.SignatureValid = true
	ev.Raw = raw.Body
	return &ev, nil
}

func (g *Gateway) Cancel(ctx context.Context, externalID string) (*payment.CancelResult, error) {
	g.count("cancel")
	if g.CancelFn != nil {
		return g.CancelFn(ctx, externalID)
	}
	return &payment.CancelResult{ProviderStatus: "CANCELED"}, nil
}

func (g *Gateway) Refund(ctx context.Context, req payment.RefundRequest) (*payment.RefundResult, error) {
	g.count("refund")
	g.mu.Lock()
	g.refunds = append(g.refunds, req)
	g.mu.Unlock()
	if g.RefundFn != nil {
		return g.RefundFn(ctx, req)
	}
	return &payment.RefundResult{RefundID: "rf-" + req.Reference, ProviderStatus: "SUCCEEDED"}, nil
}

func (g *Gateway) FetchStatus(ctx context.Context, externalID string) (*payment.WebhookEvent, error) {
	g.count("fetch")
	if g.FetchFn != nil {
		return g.FetchFn(ctx, externalID)
	}
	return &payment.WebhookEvent{ExternalID: externalID, ReportedStatus: payment.ReportedPending}, nil
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Refunds returns the refund requests received so far.
func (g *Gateway) Refunds() []payment.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.RefundRequest(nil), g.refunds...)
}

func (g *Gateway) count(op string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
}
